package fees

import (
	"errors"
	"math"
	"testing"
)

func TestStatsAccumulate(t *testing.T) {
	var stats Stats
	if stats.NextID() != 1 {
		t.Fatalf("first id must be 1, got %d", stats.NextID())
	}
	next, err := stats.AccumulateOnCreate(5_000_000)
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	if stats.Escrows != 0 {
		t.Fatalf("receiver must not be mutated")
	}
	next, err = next.AccumulateOnCreate(7_000_000)
	if err != nil {
		t.Fatalf("accumulate: %v", err)
	}
	next = next.AccumulateOnComplete()
	next, err = next.AccumulateFee(25_000)
	if err != nil {
		t.Fatalf("fee: %v", err)
	}
	want := Stats{Escrows: 2, Volume: 12_000_000, Completed: 1, FeesCollected: 25_000}
	if next != want {
		t.Fatalf("stats = %+v, want %+v", next, want)
	}
	if next.NextID() != 3 {
		t.Fatalf("next id = %d", next.NextID())
	}
}

func TestStatsOverflow(t *testing.T) {
	stats := Stats{Volume: math.MaxUint64 - 1}
	got, err := stats.AccumulateOnCreate(2)
	if !errors.Is(err, ErrVolumeOverflow) {
		t.Fatalf("expected overflow, got %v", err)
	}
	if got != stats {
		t.Fatalf("stats must be unchanged on overflow")
	}
	if _, err := (Stats{FeesCollected: math.MaxUint64}).AccumulateFee(1); !errors.Is(err, ErrVolumeOverflow) {
		t.Fatalf("expected fee overflow, got %v", err)
	}
}
