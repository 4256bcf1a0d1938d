package escrow

import "errors"

var (
	ErrNotFound           = errors.New("escrow: not found")
	ErrUnauthorized       = errors.New("escrow: unauthorized")
	ErrAlreadyReleased    = errors.New("escrow: already settled")
	ErrInvalidState       = errors.New("escrow: invalid state")
	ErrNoArbiter          = errors.New("escrow: no arbiter")
	ErrInsufficientFunds  = errors.New("escrow: insufficient funds")
	ErrInvalidAmount      = errors.New("escrow: invalid amount")
	ErrTimelockActive     = errors.New("escrow: timelock active")
	ErrSelfEscrow         = errors.New("escrow: self escrow")
	ErrTransferFailed     = errors.New("escrow: transfer failed")
	ErrInvalidDescription = errors.New("escrow: invalid description")
	ErrInvalidArbiter     = errors.New("escrow: invalid arbiter")

	errNilState    = errors.New("escrow engine: state not configured")
	errNilClock    = errors.New("escrow engine: clock not configured")
	errNilTreasury = errors.New("escrow engine: fee treasury not configured")
)

// Numeric error codes exposed to clients.
const (
	CodeNotFound           uint32 = 101
	CodeUnauthorized       uint32 = 102
	CodeAlreadyReleased    uint32 = 103
	CodeInvalidState       uint32 = 104
	CodeNoArbiter          uint32 = 105
	CodeInsufficientFunds  uint32 = 106
	CodeInvalidAmount      uint32 = 107
	CodeTimelockActive     uint32 = 108
	CodeSelfEscrow         uint32 = 109
	CodeTransferFailed     uint32 = 110
	CodeInvalidDescription uint32 = 111
	CodeInvalidArbiter     uint32 = 112
)

var errorCodes = []struct {
	err    error
	code   uint32
	reason string
}{
	{ErrNotFound, CodeNotFound, "not_found"},
	{ErrUnauthorized, CodeUnauthorized, "unauthorized"},
	{ErrAlreadyReleased, CodeAlreadyReleased, "already_released"},
	{ErrInvalidState, CodeInvalidState, "invalid_state"},
	{ErrNoArbiter, CodeNoArbiter, "no_arbiter"},
	{ErrInsufficientFunds, CodeInsufficientFunds, "insufficient_funds"},
	{ErrInvalidAmount, CodeInvalidAmount, "invalid_amount"},
	{ErrTimelockActive, CodeTimelockActive, "timelock_active"},
	{ErrSelfEscrow, CodeSelfEscrow, "self_escrow"},
	{ErrTransferFailed, CodeTransferFailed, "transfer_failed"},
	{ErrInvalidDescription, CodeInvalidDescription, "invalid_description"},
	{ErrInvalidArbiter, CodeInvalidArbiter, "invalid_arbiter"},
}

// Code returns the numeric code for err, or 0 when err is nil or not an
// escrow error.
func Code(err error) uint32 {
	if err == nil {
		return 0
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.code
		}
	}
	return 0
}

// Reason returns a stable snake_case label for err: "" for nil, "internal"
// for errors outside the escrow taxonomy.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.err) {
			return entry.reason
		}
	}
	return "internal"
}
