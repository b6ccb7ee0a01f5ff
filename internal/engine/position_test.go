package engine_test

import (
	"sort"
	"testing"
	"time"

	"fieldline/internal/engine"
)

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestComputePositionEmptyPartition(t *testing.T) {
	got := engine.ComputePosition(nil, 0, fixedNow, engine.DefaultPositionGap)
	want := float64(fixedNow().UnixMilli())
	if got != want {
		t.Fatalf("empty partition seeds from clock: got %v want %v", got, want)
	}
}

func TestComputePositionHeadTailMidpoint(t *testing.T) {
	neighbors := []float64{100000, 200000, 300000}
	if got := engine.ComputePosition(neighbors, 0, fixedNow, 100000); got != 0 {
		t.Fatalf("head: got %v", got)
	}
	if got := engine.ComputePosition(neighbors, 3, fixedNow, 100000); got != 400000 {
		t.Fatalf("tail: got %v", got)
	}
	if got := engine.ComputePosition(neighbors, 1, fixedNow, 100000); got != 150000 {
		t.Fatalf("midpoint: got %v", got)
	}
	if got := engine.ComputePosition(neighbors, 2, fixedNow, 100000); got != 250000 {
		t.Fatalf("midpoint: got %v", got)
	}
}

// Any sequence of insertions must keep keys strictly increasing in the
// order the indices requested.
func TestComputePositionKeepsTotalOrder(t *testing.T) {
	var keys []float64
	insertions := []int{0, 0, 1, 3, 2, 0, 5, 4, 1, 7}
	for _, idx := range insertions {
		if idx > len(keys) {
			idx = len(keys)
		}
		k := engine.ComputePosition(keys, idx, fixedNow, engine.DefaultPositionGap)
		keys = append(keys[:idx], append([]float64{k}, keys[idx:]...)...)
		if !sort.Float64sAreSorted(keys) {
			t.Fatalf("keys out of order after inserting at %d: %v", idx, keys)
		}
		for i := 1; i < len(keys); i++ {
			if keys[i] == keys[i-1] {
				t.Fatalf("duplicate key after inserting at %d: %v", idx, keys)
			}
		}
	}
}

// Repeated splits between the same pair converge but stay ordered for a
// realistic number of drags.
func TestComputePositionRepeatedSplits(t *testing.T) {
	lo, hi := 0.0, float64(engine.DefaultPositionGap)
	prev := lo
	for i := 0; i < 40; i++ {
		mid := engine.ComputePosition([]float64{prev, hi}, 1, fixedNow, engine.DefaultPositionGap)
		if mid <= prev || mid >= hi {
			t.Fatalf("split %d escaped (%v, %v): %v", i, prev, hi, mid)
		}
		prev = mid
	}
}
