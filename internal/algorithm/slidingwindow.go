package algorithm

import (
	"math"
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// slidingWindowState keeps the counts of the current and previous aligned
// windows; the trailing-window estimate is interpolated between them.
type slidingWindowState struct {
	PrevCount   int64 `json:"prev_count"`
	CurrCount   int64 `json:"curr_count"`
	WindowStart int64 `json:"window_start_ns"`
}

// SlidingWindow approximates a trailing window by weighting the previous
// aligned window's count by the fraction of it still covered:
//
//	estimate = curr + prev * (1 - elapsed_in_current/window)
//
// This is the linear-decay interpolation; it assumes requests in the previous
// window were evenly spread, so its error against the exact sliding window
// log is bounded by that assumption (verified in tests against the log as
// ground truth).
type SlidingWindow struct {
	quota types.Quota
}

// NewSlidingWindow validates the quota and returns the algorithm.
func NewSlidingWindow(q types.Quota) (*SlidingWindow, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindow{quota: q}, nil
}

func (a *SlidingWindow) Name() string       { return NameSlidingWindow }
func (a *SlidingWindow) Quota() types.Quota { return a.quota }
func (a *SlidingWindow) TTL() time.Duration { return stateTTL(a.quota.Window) }

func (a *SlidingWindow) refresh(state []byte, now time.Time) (slidingWindowState, time.Time, error) {
	cur := now.Truncate(a.quota.Window)
	st := slidingWindowState{WindowStart: cur.UnixNano()}
	if state == nil {
		return st, now, nil
	}
	if err := decodeState(state, &st); err != nil {
		return st, now, err
	}
	start := time.Unix(0, st.WindowStart)
	now = laterOf(now, start)
	if cur.Before(start) {
		cur = start
	}
	switch {
	case cur.Equal(start):
		// still inside the stored window
	case cur.Equal(start.Add(a.quota.Window)):
		st.PrevCount = st.CurrCount
		st.CurrCount = 0
		st.WindowStart = cur.UnixNano()
	default:
		// idle for more than a full window: nothing left to interpolate
		st.PrevCount = 0
		st.CurrCount = 0
		st.WindowStart = cur.UnixNano()
	}
	return st, now, nil
}

// estimate is the interpolated request total in the trailing window.
func (a *SlidingWindow) estimate(st slidingWindowState, now time.Time) float64 {
	elapsed := now.Sub(time.Unix(0, st.WindowStart))
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > a.quota.Window {
		elapsed = a.quota.Window
	}
	prevWeight := 1 - float64(elapsed)/float64(a.quota.Window)
	return float64(st.CurrCount) + float64(st.PrevCount)*prevWeight
}

func (a *SlidingWindow) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	st, now, err := a.refresh(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	resetAt := time.Unix(0, st.WindowStart).Add(a.quota.Window)
	est := a.estimate(st, now)
	if cost > a.quota.Limit {
		return nil, unsatisfiable(a.remaining(est), resetAt), nil
	}

	const eps = 1e-9
	allowed := est+float64(cost) <= float64(a.quota.Limit)+eps
	if allowed {
		st.CurrCount += cost
		est += float64(cost)
	}

	d := types.Decision{
		Allowed:   allowed,
		Remaining: a.remaining(est),
		ResetAt:   resetAt,
	}
	if !allowed {
		d.RetryAfter = a.retryAfter(st, now, est, cost, resetAt)
	}

	encoded, err := encodeState(st)
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *SlidingWindow) Peek(state []byte, now time.Time) (types.Decision, error) {
	st, now, err := a.refresh(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	resetAt := time.Unix(0, st.WindowStart).Add(a.quota.Window)
	est := a.estimate(st, now)
	d := types.Decision{
		Allowed:   est+1 <= float64(a.quota.Limit)+1e-9,
		Remaining: a.remaining(est),
		ResetAt:   resetAt,
	}
	if !d.Allowed {
		d.RetryAfter = a.retryAfter(st, now, est, 1, resetAt)
	}
	return d, nil
}

func (a *SlidingWindow) remaining(est float64) int64 {
	return clampRemaining(int64(math.Floor(float64(a.quota.Limit)-est+1e-9)), a.quota.Limit)
}

// retryAfter solves the interpolation for the instant the estimate decays
// enough to fit the cost. Only the previous window's weighted contribution
// decays with time, so with no previous count the answer is the boundary.
func (a *SlidingWindow) retryAfter(st slidingWindowState, now time.Time, est float64, cost int64, resetAt time.Time) time.Duration {
	boundary := resetAt.Sub(now)
	if boundary < 0 {
		boundary = 0
	}
	if st.PrevCount <= 0 {
		return boundary
	}
	excess := est + float64(cost) - float64(a.quota.Limit)
	if excess <= 0 {
		return 0
	}
	wait := time.Duration(excess / float64(st.PrevCount) * float64(a.quota.Window))
	if wait > boundary {
		wait = boundary
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}
