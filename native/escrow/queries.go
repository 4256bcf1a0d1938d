package escrow

import (
	"escrowledger/native/fees"
)

// MaxListLimit caps the page size of List and ListByParty.
const MaxListLimit = 500

// Get returns a copy of the record with the given id.
func (e *Engine) Get(id uint64) (*Escrow, error) {
	return e.loadEscrow(id)
}

// Count returns the number of escrows ever created.
func (e *Engine) Count() (uint64, error) {
	stats, err := e.TotalStats()
	if err != nil {
		return 0, err
	}
	return stats.Escrows, nil
}

// Remaining returns amount minus released amount for the record.
func (e *Engine) Remaining(id uint64) (uint64, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	return esc.Remaining(), nil
}

// CanRefund reports whether the depositor could refund the record now.
func (e *Engine) CanRefund(id uint64) (bool, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return false, err
	}
	now, err := e.now()
	if err != nil {
		return false, err
	}
	return esc.Status == StatusActive && now >= esc.TimelockUntil, nil
}

// TimeUntilUnlock returns the seconds left until the timelock expires, or zero
// once it has.
func (e *Engine) TimeUntilUnlock(id uint64) (uint64, error) {
	esc, err := e.loadEscrow(id)
	if err != nil {
		return 0, err
	}
	now, err := e.now()
	if err != nil {
		return 0, err
	}
	if now >= esc.TimelockUntil {
		return 0, nil
	}
	return uint64(esc.TimelockUntil - now), nil
}

// TotalStats returns the ledger-wide aggregate counters.
func (e *Engine) TotalStats() (fees.Stats, error) {
	if e.state == nil {
		return fees.Stats{}, errNilState
	}
	return e.state.EscrowStats()
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// List returns up to limit records in id order, skipping the first offset.
func (e *Engine) List(offset uint64, limit int) ([]*Escrow, error) {
	count, err := e.Count()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	out := make([]*Escrow, 0)
	for id := offset + 1; id <= count && id > offset && len(out) < limit; id++ {
		esc, err := e.loadEscrow(id)
		if err != nil {
			return nil, err
		}
		out = append(out, esc)
	}
	return out, nil
}

// ListByParty returns the records where addr holds any role, in id order.
func (e *Engine) ListByParty(addr [20]byte, offset uint64, limit int) ([]*Escrow, error) {
	count, err := e.Count()
	if err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	out := make([]*Escrow, 0)
	var skipped uint64
	for id := uint64(1); id <= count && len(out) < limit; id++ {
		esc, err := e.loadEscrow(id)
		if err != nil {
			return nil, err
		}
		if len(RolesOf(esc, addr)) == 0 {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, esc)
	}
	return out, nil
}
