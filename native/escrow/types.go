package escrow

import (
	"fmt"
	"strings"
)

// Status represents the lifecycle states of an escrow record.
type Status uint8

const (
	StatusActive Status = iota + 1
	StatusReleased
	StatusRefunded
	StatusDisputed
	StatusResolved
)

// DefaultMaxDescriptionLength bounds descriptions, dispute reasons and rulings.
const DefaultMaxDescriptionLength = 256

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusReleased, StatusRefunded, StatusDisputed, StatusResolved:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further value-moving operation may touch a record
// in this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusResolved:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusReleased:
		return "released"
	case StatusRefunded:
		return "refunded"
	case StatusDisputed:
		return "disputed"
	case StatusResolved:
		return "resolved"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ParseStatus converts the textual status representation back to a Status.
func ParseStatus(v string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "active":
		return StatusActive, nil
	case "released":
		return StatusReleased, nil
	case "refunded":
		return StatusRefunded, nil
	case "disputed":
		return StatusDisputed, nil
	case "resolved":
		return StatusResolved, nil
	default:
		return 0, fmt.Errorf("unknown escrow status %q", v)
	}
}

// Escrow captures the immutable terms and runtime status of a single escrow
// agreement. Amounts are in micro-units and timestamps in unix seconds.
type Escrow struct {
	ID             uint64
	Depositor      [20]byte
	Beneficiary    [20]byte
	Arbiter        *[20]byte
	Amount         uint64
	ReleasedAmount uint64
	Description    string
	CreatedAt      int64
	TimelockUntil  int64
	Status         Status
	DisputeReason  string
	Ruling         string
	ResolvedFor    *[20]byte
}

// Clone returns a deep copy of the escrow so callers can mutate it without
// affecting the stored instance.
func (e *Escrow) Clone() *Escrow {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Arbiter != nil {
		arb := *e.Arbiter
		clone.Arbiter = &arb
	}
	if e.ResolvedFor != nil {
		favored := *e.ResolvedFor
		clone.ResolvedFor = &favored
	}
	return &clone
}

// Remaining returns the amount still held for the record.
func (e *Escrow) Remaining() uint64 {
	if e == nil || e.ReleasedAmount > e.Amount {
		return 0
	}
	return e.Amount - e.ReleasedAmount
}

// HasArbiter reports whether an arbiter was named at creation.
func (e *Escrow) HasArbiter() bool { return e != nil && e.Arbiter != nil }

// SanitizeEscrow validates the record invariants and returns a cloned instance.
// It is applied to records read back from storage so corrupted state surfaces
// as an error instead of an impossible transition.
func SanitizeEscrow(e *Escrow) (*Escrow, error) {
	if e == nil {
		return nil, fmt.Errorf("nil escrow")
	}
	clone := e.Clone()
	if clone.ID == 0 {
		return nil, fmt.Errorf("escrow id must be positive")
	}
	if clone.Amount == 0 {
		return nil, fmt.Errorf("escrow %d: amount must be positive", clone.ID)
	}
	if clone.ReleasedAmount > clone.Amount {
		return nil, fmt.Errorf("escrow %d: released amount %d exceeds amount %d", clone.ID, clone.ReleasedAmount, clone.Amount)
	}
	if clone.Depositor == clone.Beneficiary {
		return nil, fmt.Errorf("escrow %d: depositor equals beneficiary", clone.ID)
	}
	if clone.TimelockUntil < clone.CreatedAt {
		return nil, fmt.Errorf("escrow %d: timelock precedes creation", clone.ID)
	}
	if !clone.Status.Valid() {
		return nil, fmt.Errorf("escrow %d: invalid status %d", clone.ID, clone.Status)
	}
	return clone, nil
}

// ValidateText checks that v is printable ASCII no longer than max bytes.
func ValidateText(field, v string, max int) error {
	if max > 0 && len(v) > max {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidDescription, field, max)
	}
	for i := 0; i < len(v); i++ {
		if c := v[i]; c < 0x20 || c > 0x7e {
			return fmt.Errorf("%w: %s contains non-printable byte 0x%02x at %d", ErrInvalidDescription, field, c, i)
		}
	}
	return nil
}
