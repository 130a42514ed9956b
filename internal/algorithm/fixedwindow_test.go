package algorithm_test

import (
	"testing"
	"time"

	"github.com/ratelink/ratelink-go/internal/algorithm"
	"github.com/ratelink/ratelink-go/types"
)

func TestFixedWindow_CountThenDeny(t *testing.T) {
	algo, err := algorithm.NewFixedWindow(types.Quota{Limit: 3, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	// Start mid-window so boundary behavior is checked deliberately below.
	now := baseTime.Add(10 * time.Second)

	var state []byte
	for i := 0; i < 3; i++ {
		newState, d, err := algo.Evaluate(state, now, 1)
		if err != nil {
			t.Fatalf("Evaluate failed: %v", err)
		}
		if !d.Allowed {
			t.Fatalf("Request %d unexpectedly denied", i+1)
		}
		if want := int64(2 - i); d.Remaining != want {
			t.Fatalf("Request %d: Remaining = %d, want %d", i+1, d.Remaining, want)
		}
		state = newState
	}

	_, d, err := algo.Evaluate(state, now, 1)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Request unexpectedly allowed over the limit")
	}
	// The window is epoch aligned, so the reset is at the next minute
	// boundary, 50s away from now.
	if want := 50 * time.Second; d.RetryAfter != want {
		t.Fatalf("RetryAfter = %s, want %s", d.RetryAfter, want)
	}
}

func TestFixedWindow_ResetAtBoundary(t *testing.T) {
	algo, err := algorithm.NewFixedWindow(types.Quota{Limit: 2, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	now := baseTime.Add(59 * time.Second)
	state, _, err := algo.Evaluate(nil, now, 2)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}

	// One second later the boundary has passed and the count is fresh.
	_, d, err := algo.Evaluate(state, now.Add(time.Second), 2)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Request unexpectedly denied after window boundary")
	}
	if d.Remaining != 0 {
		t.Fatalf("Remaining = %d, want 0 in fresh window", d.Remaining)
	}
}

func TestFixedWindow_BoundaryDoubleBurst(t *testing.T) {
	// The documented weakness: a full limit just before the boundary plus a
	// full limit just after both pass.
	algo, err := algorithm.NewFixedWindow(types.Quota{Limit: 5, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	state, d, err := algo.Evaluate(nil, baseTime.Add(59*time.Second), 5)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Pre-boundary burst unexpectedly denied")
	}
	_, d, err = algo.Evaluate(state, baseTime.Add(61*time.Second), 5)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("Post-boundary burst unexpectedly denied")
	}
}

func TestFixedWindow_CostAboveLimit(t *testing.T) {
	algo, err := algorithm.NewFixedWindow(types.Quota{Limit: 5, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	newState, d, err := algo.Evaluate(nil, baseTime, 10)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Cost above limit unexpectedly allowed")
	}
	if d.RetryAfter != types.RetryNever {
		t.Fatalf("RetryAfter = %s, want RetryNever", d.RetryAfter)
	}
	if newState != nil {
		t.Fatalf("Unsatisfiable request should not produce state to persist")
	}
}

func TestFixedWindow_PartialCost(t *testing.T) {
	algo, err := algorithm.NewFixedWindow(types.Quota{Limit: 10, Window: time.Minute})
	if err != nil {
		t.Fatalf("NewFixedWindow failed: %v", err)
	}

	state, d, err := algo.Evaluate(nil, baseTime, 7)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed || d.Remaining != 3 {
		t.Fatalf("Cost 7: Allowed=%v Remaining=%d, want true/3", d.Allowed, d.Remaining)
	}

	// Cost 4 does not fit in the remaining 3; the count must be untouched.
	state2, d, err := algo.Evaluate(state, baseTime, 4)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if d.Allowed {
		t.Fatalf("Cost 4 unexpectedly allowed with 3 remaining")
	}
	if d.Remaining != 3 {
		t.Fatalf("Denied request changed Remaining to %d, want 3", d.Remaining)
	}

	// Cost 3 still fits.
	_, d, err = algo.Evaluate(state2, baseTime, 3)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !d.Allowed || d.Remaining != 0 {
		t.Fatalf("Cost 3: Allowed=%v Remaining=%d, want true/0", d.Allowed, d.Remaining)
	}
}
