package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"escrowledger/crypto"
	"escrowledger/native/escrow"
	"escrowledger/storage/auditlog"
)

// Quantity is a uint64 carried as a decimal string on the wire. Plain JSON
// numbers are accepted on input.
type Quantity uint64

func (q Quantity) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(q), 10))
}

func (q *Quantity) UnmarshalJSON(data []byte) error {
	raw := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if raw == "" {
		return fmt.Errorf("quantity required")
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid quantity %q", raw)
	}
	*q = Quantity(v)
	return nil
}

type escrowIDParams struct {
	ID uint64 `json:"id"`
}

type escrowCreateParams struct {
	Beneficiary string   `json:"beneficiary"`
	Amount      Quantity `json:"amount"`
	Description string   `json:"description"`
	LockSeconds uint64   `json:"lockSeconds"`
	Arbiter     string   `json:"arbiter,omitempty"`
}

type escrowPartialReleaseParams struct {
	ID     uint64   `json:"id"`
	Amount Quantity `json:"amount"`
}

type escrowDisputeParams struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason"`
}

type escrowResolveParams struct {
	ID               uint64 `json:"id"`
	Ruling           string `json:"ruling"`
	FavorBeneficiary bool   `json:"favorBeneficiary"`
}

type escrowListParams struct {
	Offset uint64 `json:"offset"`
	Limit  int    `json:"limit"`
	Party  string `json:"party,omitempty"`
}

type escrowListEventsParams struct {
	EscrowID      uint64 `json:"escrowId,omitempty"`
	Type          string `json:"type,omitempty"`
	AfterSequence int64  `json:"afterSequence,omitempty"`
	Limit         int    `json:"limit,omitempty"`
}

type balanceParams struct {
	Address string `json:"address"`
}

// EscrowJSON is the wire form of an escrow record.
type EscrowJSON struct {
	ID             uint64   `json:"id"`
	Depositor      string   `json:"depositor"`
	Beneficiary    string   `json:"beneficiary"`
	Arbiter        *string  `json:"arbiter,omitempty"`
	Amount         Quantity `json:"amount"`
	ReleasedAmount Quantity `json:"releasedAmount"`
	Remaining      Quantity `json:"remaining"`
	Description    string   `json:"description"`
	CreatedAt      int64    `json:"createdAt"`
	TimelockUntil  int64    `json:"timelockUntil"`
	Status         string   `json:"status"`
	DisputeReason  string   `json:"disputeReason,omitempty"`
	Ruling         string   `json:"ruling,omitempty"`
	ResolvedFor    *string  `json:"resolvedFor,omitempty"`
}

// SettlementJSON is the wire form of a value-moving operation's outcome.
type SettlementJSON struct {
	EscrowID  uint64     `json:"escrowId"`
	Status    string     `json:"status"`
	Recipient string     `json:"recipient"`
	Gross     Quantity   `json:"gross"`
	Net       Quantity   `json:"net"`
	Fee       Quantity   `json:"fee"`
	Escrow    EscrowJSON `json:"escrow"`
}

// StatsJSON is the wire form of the aggregate counters.
type StatsJSON struct {
	TotalEscrows  uint64   `json:"totalEscrows"`
	TotalVolume   Quantity `json:"totalVolume"`
	Completed     uint64   `json:"completed"`
	FeesCollected Quantity `json:"feesCollected"`
}

func optionalBech32(addr *[20]byte) *string {
	if addr == nil {
		return nil
	}
	s := crypto.FromRaw(*addr).String()
	return &s
}

func formatEscrowJSON(e *escrow.Escrow) EscrowJSON {
	return EscrowJSON{
		ID:             e.ID,
		Depositor:      crypto.FromRaw(e.Depositor).String(),
		Beneficiary:    crypto.FromRaw(e.Beneficiary).String(),
		Arbiter:        optionalBech32(e.Arbiter),
		Amount:         Quantity(e.Amount),
		ReleasedAmount: Quantity(e.ReleasedAmount),
		Remaining:      Quantity(e.Remaining()),
		Description:    e.Description,
		CreatedAt:      e.CreatedAt,
		TimelockUntil:  e.TimelockUntil,
		Status:         e.Status.String(),
		DisputeReason:  e.DisputeReason,
		Ruling:         e.Ruling,
		ResolvedFor:    optionalBech32(e.ResolvedFor),
	}
}

func formatSettlementJSON(s *escrow.Settlement, e *escrow.Escrow) SettlementJSON {
	out := SettlementJSON{
		EscrowID:  s.EscrowID,
		Status:    s.Status.String(),
		Recipient: crypto.FromRaw(s.Recipient).String(),
		Gross:     Quantity(s.Gross),
		Net:       Quantity(s.Net),
		Fee:       Quantity(s.Fee),
	}
	if e != nil {
		out.Escrow = formatEscrowJSON(e)
	}
	return out
}

func decodeParams(req *RPCRequest, dst interface{}) error {
	if len(req.Params) != 1 {
		return errors.New("exactly one parameter object expected")
	}
	dec := json.NewDecoder(bytes.NewReader(req.Params[0]))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func parseBech32Address(value string) ([20]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return [20]byte{}, errors.New("address required")
	}
	return crypto.ParsePrincipal(trimmed)
}

func writeInvalidParams(w http.ResponseWriter, req *RPCRequest, err error) {
	writeError(w, http.StatusBadRequest, responseID(req.ID), codeInvalidParams, "invalid_params", err.Error())
}

// writeEscrowError maps ledger errors to JSON-RPC errors carrying the numeric
// ledger code and reason.
func (s *Server) writeEscrowError(w http.ResponseWriter, r *http.Request, req *RPCRequest, err error) {
	code := escrow.Code(err)
	if code == 0 {
		s.logger.Error("escrow rpc failed",
			"method", req.Method,
			"requestId", RequestIDFromContext(r.Context()),
			"error", err)
		writeError(w, http.StatusInternalServerError, responseID(req.ID), codeServerError, "internal error", nil)
		return
	}
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, escrow.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, escrow.ErrTransferFailed), errors.Is(err, escrow.ErrAlreadyReleased), errors.Is(err, escrow.ErrInvalidState):
		status = http.StatusConflict
	}
	writeError(w, status, responseID(req.ID), codeEscrowError, escrow.Reason(err), map[string]interface{}{
		"code":    code,
		"reason":  escrow.Reason(err),
		"message": err.Error(),
	})
}

func (s *Server) writeSettlement(w http.ResponseWriter, r *http.Request, req *RPCRequest, settlement *escrow.Settlement) {
	updated, err := s.node.EscrowGet(r.Context(), settlement.EscrowID)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), formatSettlementJSON(settlement, updated))
}

func (s *Server) handleEscrowCreate(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowCreateParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	beneficiary, err := parseBech32Address(params.Beneficiary)
	if err != nil {
		writeInvalidParams(w, req, fmt.Errorf("beneficiary: %w", err))
		return
	}
	var arbiter *[20]byte
	if strings.TrimSpace(params.Arbiter) != "" {
		parsed, parseErr := parseBech32Address(params.Arbiter)
		if parseErr != nil {
			writeInvalidParams(w, req, fmt.Errorf("arbiter: %w", parseErr))
			return
		}
		arbiter = &parsed
	}
	created, err := s.node.EscrowCreate(r.Context(), caller, beneficiary, uint64(params.Amount), params.Description, params.LockSeconds, arbiter)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), formatEscrowJSON(created))
}

func (s *Server) handleEscrowRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	settlement, err := s.node.EscrowRelease(r.Context(), params.ID, caller)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	s.writeSettlement(w, r, req, settlement)
}

func (s *Server) handleEscrowPartialRelease(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowPartialReleaseParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	settlement, err := s.node.EscrowPartialRelease(r.Context(), params.ID, caller, uint64(params.Amount))
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	s.writeSettlement(w, r, req, settlement)
}

func (s *Server) handleEscrowRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	settlement, err := s.node.EscrowRefund(r.Context(), params.ID, caller)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	s.writeSettlement(w, r, req, settlement)
}

func (s *Server) handleEscrowRaiseDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowDisputeParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	updated, err := s.node.EscrowRaiseDispute(r.Context(), params.ID, caller, params.Reason)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), formatEscrowJSON(updated))
}

func (s *Server) handleEscrowResolveDispute(w http.ResponseWriter, r *http.Request, req *RPCRequest, caller [20]byte) {
	var params escrowResolveParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	settlement, err := s.node.EscrowResolveDispute(r.Context(), params.ID, caller, params.Ruling, params.FavorBeneficiary)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	s.writeSettlement(w, r, req, settlement)
}

func (s *Server) handleEscrowGet(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	record, err := s.node.EscrowGet(r.Context(), params.ID)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), formatEscrowJSON(record))
}

func (s *Server) handleEscrowGetCount(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	count, err := s.node.EscrowCount(r.Context())
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), count)
}

func (s *Server) handleEscrowGetRemaining(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	remaining, err := s.node.EscrowRemaining(r.Context(), params.ID)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), Quantity(remaining))
}

func (s *Server) handleEscrowCanRefund(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	ok, err := s.node.EscrowCanRefund(r.Context(), params.ID)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), ok)
}

func (s *Server) handleEscrowGetTimeUntilUnlock(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params escrowIDParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	secs, err := s.node.EscrowTimeUntilUnlock(r.Context(), params.ID)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), secs)
}

func (s *Server) handleEscrowGetTotalStats(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	stats, err := s.node.EscrowTotalStats(r.Context())
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), StatsJSON{
		TotalEscrows:  stats.Escrows,
		TotalVolume:   Quantity(stats.Volume),
		Completed:     stats.Completed,
		FeesCollected: Quantity(stats.FeesCollected),
	})
}

func (s *Server) handleEscrowList(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params escrowListParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeInvalidParams(w, req, err)
			return
		}
	}
	var (
		records []*escrow.Escrow
		err     error
	)
	if strings.TrimSpace(params.Party) != "" {
		party, parseErr := parseBech32Address(params.Party)
		if parseErr != nil {
			writeInvalidParams(w, req, fmt.Errorf("party: %w", parseErr))
			return
		}
		records, err = s.node.EscrowListByParty(r.Context(), party, params.Offset, params.Limit)
	} else {
		records, err = s.node.EscrowList(r.Context(), params.Offset, params.Limit)
	}
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	out := make([]EscrowJSON, 0, len(records))
	for _, record := range records {
		out = append(out, formatEscrowJSON(record))
	}
	writeResult(w, responseID(req.ID), out)
}

func (s *Server) handleEscrowListEvents(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	if s.audit == nil {
		writeError(w, http.StatusServiceUnavailable, responseID(req.ID), codeServerError, "audit log disabled", nil)
		return
	}
	var params escrowListEventsParams
	if len(req.Params) > 0 {
		if err := decodeParams(req, &params); err != nil {
			writeInvalidParams(w, req, err)
			return
		}
	}
	records, err := s.audit.List(r.Context(), auditlog.Filter{
		EscrowID:      params.EscrowID,
		Type:          params.Type,
		AfterSequence: params.AfterSequence,
		Limit:         params.Limit,
	})
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), records)
}

func (s *Server) handleBankGetBalance(w http.ResponseWriter, r *http.Request, req *RPCRequest, _ [20]byte) {
	var params balanceParams
	if err := decodeParams(req, &params); err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	addr, err := parseBech32Address(params.Address)
	if err != nil {
		writeInvalidParams(w, req, err)
		return
	}
	balance, err := s.node.Balance(r.Context(), addr)
	if err != nil {
		s.writeEscrowError(w, r, req, err)
		return
	}
	writeResult(w, responseID(req.ID), balance.Dec())
}
