package algorithm

import (
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// fixedWindowState is the aligned window start and the count consumed in it.
type fixedWindowState struct {
	WindowStart int64 `json:"window_start_ns"`
	Count       int64 `json:"count"`
}

// FixedWindow counts requests inside epoch-aligned windows and resets the
// count at every boundary. Up to 2x the limit can pass around a boundary;
// that doubling is the documented trade-off of this algorithm, not a bug.
type FixedWindow struct {
	quota types.Quota
}

// NewFixedWindow validates the quota and returns the algorithm.
func NewFixedWindow(q types.Quota) (*FixedWindow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &FixedWindow{quota: q}, nil
}

func (a *FixedWindow) Name() string       { return NameFixedWindow }
func (a *FixedWindow) Quota() types.Quota { return a.quota }
func (a *FixedWindow) TTL() time.Duration { return stateTTL(a.quota.Window) }

// refresh rolls the state forward to the window containing now. Windows are
// aligned to the epoch so every process agrees on the boundaries.
func (a *FixedWindow) refresh(state []byte, now time.Time) (fixedWindowState, time.Time, error) {
	cur := now.Truncate(a.quota.Window)
	st := fixedWindowState{WindowStart: cur.UnixNano(), Count: 0}
	if state == nil {
		return st, now, nil
	}
	if err := decodeState(state, &st); err != nil {
		return st, now, err
	}
	start := time.Unix(0, st.WindowStart)
	now = laterOf(now, start)
	if cur.After(start) {
		st.WindowStart = cur.UnixNano()
		st.Count = 0
	}
	return st, now, nil
}

func (a *FixedWindow) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	st, now, err := a.refresh(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	resetAt := time.Unix(0, st.WindowStart).Add(a.quota.Window)
	if cost > a.quota.Limit {
		return nil, unsatisfiable(clampRemaining(a.quota.Limit-st.Count, a.quota.Limit), resetAt), nil
	}

	allowed := st.Count+cost <= a.quota.Limit
	if allowed {
		st.Count += cost
	}

	d := types.Decision{
		Allowed:   allowed,
		Remaining: clampRemaining(a.quota.Limit-st.Count, a.quota.Limit),
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = resetAt.Sub(now)
		if d.RetryAfter < 0 {
			d.RetryAfter = 0
		}
	}

	encoded, err := encodeState(st)
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *FixedWindow) Peek(state []byte, now time.Time) (types.Decision, error) {
	st, now, err := a.refresh(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	resetAt := time.Unix(0, st.WindowStart).Add(a.quota.Window)
	d := types.Decision{
		Allowed:   st.Count+1 <= a.quota.Limit,
		Remaining: clampRemaining(a.quota.Limit-st.Count, a.quota.Limit),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = resetAt.Sub(now)
	}
	return d, nil
}
