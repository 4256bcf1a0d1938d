package fees

import (
	"errors"
	"math/bits"
)

// ErrVolumeOverflow is returned when an accumulation would wrap a counter.
var ErrVolumeOverflow = errors.New("fees: aggregate counter overflow")

// Stats aggregates the ledger-wide counters. Escrows doubles as the last
// assigned escrow identifier.
type Stats struct {
	Escrows       uint64
	Volume        uint64
	Completed     uint64
	FeesCollected uint64
}

// AccumulateOnCreate returns the counters after a new escrow of amount has
// been created. The receiver is left untouched.
func (s Stats) AccumulateOnCreate(amount uint64) (Stats, error) {
	volume, carry := bits.Add64(s.Volume, amount, 0)
	if carry != 0 || s.Escrows == ^uint64(0) {
		return s, ErrVolumeOverflow
	}
	s.Escrows++
	s.Volume = volume
	return s, nil
}

// AccumulateOnComplete returns the counters after an escrow reached a terminal
// state.
func (s Stats) AccumulateOnComplete() Stats {
	s.Completed++
	return s
}

// AccumulateFee returns the counters after fee was routed to the treasury.
func (s Stats) AccumulateFee(fee uint64) (Stats, error) {
	total, carry := bits.Add64(s.FeesCollected, fee, 0)
	if carry != 0 {
		return s, ErrVolumeOverflow
	}
	s.FeesCollected = total
	return s, nil
}

// NextID returns the identifier the next created escrow will receive.
func (s Stats) NextID() uint64 { return s.Escrows + 1 }
