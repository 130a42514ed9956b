package algorithm

import (
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// logEntry is one admitted request: its timestamp and the cost it carried.
// Storing the cost on the entry keeps the log length proportional to calls,
// not to total consumed weight.
type logEntry struct {
	TS   int64 `json:"ts_ns"`
	Cost int64 `json:"cost"`
}

// slidingWindowLogState is the ordered (oldest first) set of admitted
// requests still inside the trailing window.
type slidingWindowLogState struct {
	Entries []logEntry `json:"entries"`
}

// SlidingWindowLog keeps exact timestamps of admitted requests and admits a
// new one while the trailing-window total plus its cost fits the limit.
// Exact, at the price of memory proportional to the admitted request rate.
type SlidingWindowLog struct {
	quota types.Quota
}

// NewSlidingWindowLog validates the quota and returns the algorithm.
func NewSlidingWindowLog(q types.Quota) (*SlidingWindowLog, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &SlidingWindowLog{quota: q}, nil
}

func (a *SlidingWindowLog) Name() string       { return NameSlidingWindowLog }
func (a *SlidingWindowLog) Quota() types.Quota { return a.quota }
func (a *SlidingWindowLog) TTL() time.Duration { return stateTTL(a.quota.Window) }

// refresh decodes the log, clamps now to the newest entry and evicts
// everything that has aged out of the trailing window.
func (a *SlidingWindowLog) refresh(state []byte, now time.Time) (slidingWindowLogState, time.Time, int64, error) {
	var st slidingWindowLogState
	if state != nil {
		if err := decodeState(state, &st); err != nil {
			return st, now, 0, err
		}
	}
	if n := len(st.Entries); n > 0 {
		now = laterOf(now, time.Unix(0, st.Entries[n-1].TS))
	}
	cutoff := now.Add(-a.quota.Window).UnixNano()
	drop := 0
	for drop < len(st.Entries) && st.Entries[drop].TS <= cutoff {
		drop++
	}
	st.Entries = st.Entries[drop:]
	var total int64
	for _, e := range st.Entries {
		total += e.Cost
	}
	return st, now, total, nil
}

func (a *SlidingWindowLog) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	st, now, total, err := a.refresh(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	if cost > a.quota.Limit {
		return nil, unsatisfiable(clampRemaining(a.quota.Limit-total, a.quota.Limit), a.resetAt(st, now)), nil
	}

	allowed := total+cost <= a.quota.Limit
	if allowed {
		st.Entries = append(st.Entries, logEntry{TS: now.UnixNano(), Cost: cost})
		total += cost
	}

	d := types.Decision{
		Allowed:   allowed,
		Remaining: clampRemaining(a.quota.Limit-total, a.quota.Limit),
		ResetAt:   a.resetAt(st, now),
	}
	if !allowed {
		d.RetryAfter = a.retryAfter(st, now, total, cost)
	}

	encoded, err := encodeState(st)
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *SlidingWindowLog) Peek(state []byte, now time.Time) (types.Decision, error) {
	st, now, total, err := a.refresh(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	d := types.Decision{
		Allowed:   total+1 <= a.quota.Limit,
		Remaining: clampRemaining(a.quota.Limit-total, a.quota.Limit),
		ResetAt:   a.resetAt(st, now),
	}
	if !d.Allowed {
		d.RetryAfter = a.retryAfter(st, now, total, 1)
	}
	return d, nil
}

// resetAt is when the whole log has aged out.
func (a *SlidingWindowLog) resetAt(st slidingWindowLogState, now time.Time) time.Time {
	if len(st.Entries) == 0 {
		return now
	}
	return time.Unix(0, st.Entries[0].TS).Add(a.quota.Window)
}

// retryAfter walks the log oldest first until enough weight has aged out to
// fit the denied cost.
func (a *SlidingWindowLog) retryAfter(st slidingWindowLogState, now time.Time, total, cost int64) time.Duration {
	needed := total + cost - a.quota.Limit
	var freed int64
	for _, e := range st.Entries {
		freed += e.Cost
		if freed >= needed {
			wait := time.Unix(0, e.TS).Add(a.quota.Window).Sub(now)
			if wait < time.Millisecond {
				wait = time.Millisecond
			}
			return wait
		}
	}
	// log shorter than the deficit: everything must age out first
	return a.resetAt(st, now).Sub(now)
}
