package state

import (
	"fmt"
	"math/big"

	"escrowledger/native/escrow"
	"escrowledger/native/fees"
)

type storedEscrow struct {
	ID             uint64
	Depositor      [20]byte
	Beneficiary    [20]byte
	Arbiter        []byte
	Amount         uint64
	ReleasedAmount uint64
	Description    string
	CreatedAt      *big.Int
	TimelockUntil  *big.Int
	Status         uint8
	DisputeReason  string
	Ruling         string
	ResolvedFor    []byte
}

type storedStats struct {
	Escrows       uint64
	Volume        uint64
	Completed     uint64
	FeesCollected uint64
}

func optionalAddress(addr *[20]byte) []byte {
	if addr == nil {
		return nil
	}
	return append([]byte(nil), addr[:]...)
}

func loadOptionalAddress(field string, raw []byte) (*[20]byte, error) {
	switch len(raw) {
	case 0:
		return nil, nil
	case 20:
		var addr [20]byte
		copy(addr[:], raw)
		return &addr, nil
	default:
		return nil, fmt.Errorf("escrow state: %s must be 20 bytes, got %d", field, len(raw))
	}
}

func newStoredEscrow(e *escrow.Escrow) *storedEscrow {
	return &storedEscrow{
		ID:             e.ID,
		Depositor:      e.Depositor,
		Beneficiary:    e.Beneficiary,
		Arbiter:        optionalAddress(e.Arbiter),
		Amount:         e.Amount,
		ReleasedAmount: e.ReleasedAmount,
		Description:    e.Description,
		CreatedAt:      big.NewInt(e.CreatedAt),
		TimelockUntil:  big.NewInt(e.TimelockUntil),
		Status:         uint8(e.Status),
		DisputeReason:  e.DisputeReason,
		Ruling:         e.Ruling,
		ResolvedFor:    optionalAddress(e.ResolvedFor),
	}
}

func (s *storedEscrow) toEscrow() (*escrow.Escrow, error) {
	if s == nil {
		return nil, fmt.Errorf("escrow state: nil storage record")
	}
	out := &escrow.Escrow{
		ID:             s.ID,
		Depositor:      s.Depositor,
		Beneficiary:    s.Beneficiary,
		Amount:         s.Amount,
		ReleasedAmount: s.ReleasedAmount,
		Description:    s.Description,
		Status:         escrow.Status(s.Status),
		DisputeReason:  s.DisputeReason,
		Ruling:         s.Ruling,
	}
	var err error
	if out.Arbiter, err = loadOptionalAddress("arbiter", s.Arbiter); err != nil {
		return nil, err
	}
	if out.ResolvedFor, err = loadOptionalAddress("resolvedFor", s.ResolvedFor); err != nil {
		return nil, err
	}
	if s.CreatedAt != nil {
		out.CreatedAt = s.CreatedAt.Int64()
	}
	if s.TimelockUntil != nil {
		out.TimelockUntil = s.TimelockUntil.Int64()
	}
	return escrow.SanitizeEscrow(out)
}

// EscrowPut persists the escrow record.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	if e == nil {
		return fmt.Errorf("escrow state: nil escrow")
	}
	if e.CreatedAt < 0 || e.TimelockUntil < 0 {
		return fmt.Errorf("escrow state: negative timestamp on escrow %d", e.ID)
	}
	return m.KVPut(escrowRecordKey(e.ID), newStoredEscrow(e))
}

// EscrowGet loads the escrow record. The boolean reports whether it exists.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var stored storedEscrow
	ok, err := m.KVGet(escrowRecordKey(id), &stored)
	if err != nil || !ok {
		return nil, ok, err
	}
	e, err := stored.toEscrow()
	if err != nil {
		return nil, true, err
	}
	return e, true, nil
}

// EscrowStats returns the aggregate counters, zero before the first escrow.
func (m *Manager) EscrowStats() (fees.Stats, error) {
	var stored storedStats
	if _, err := m.KVGet(escrowStatsKey, &stored); err != nil {
		return fees.Stats{}, err
	}
	return fees.Stats(stored), nil
}

// EscrowPutStats persists the aggregate counters.
func (m *Manager) EscrowPutStats(s fees.Stats) error {
	stored := storedStats(s)
	return m.KVPut(escrowStatsKey, &stored)
}

// EscrowVaultAddress returns the module account holding escrowed funds.
func (m *Manager) EscrowVaultAddress() [20]byte { return escrowVault }
