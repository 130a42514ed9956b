package algorithm

import (
	"math"
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// leakyBucketState tracks the queue level and the instant it last drained.
type leakyBucketState struct {
	Level     float64 `json:"level"`
	LastDrain int64   `json:"last_drain_ns"`
}

// LeakyBucket drains at a constant quota.Limit per quota.Window and admits a
// request while the queue level plus its cost fits the capacity. Unlike the
// token bucket it never lets bursts through faster than the drain rate
// smooths them out.
type LeakyBucket struct {
	quota types.Quota
	rate  float64 // drained units per second
}

// NewLeakyBucket validates the quota and returns the algorithm.
func NewLeakyBucket(q types.Quota) (*LeakyBucket, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &LeakyBucket{
		quota: q,
		rate:  float64(q.Limit) / q.Window.Seconds(),
	}, nil
}

func (a *LeakyBucket) Name() string       { return NameLeakyBucket }
func (a *LeakyBucket) Quota() types.Quota { return a.quota }
func (a *LeakyBucket) TTL() time.Duration { return stateTTL(a.quota.Window) }

func (a *LeakyBucket) refresh(state []byte, now time.Time) (leakyBucketState, time.Time, error) {
	st := leakyBucketState{Level: 0, LastDrain: now.UnixNano()}
	if state != nil {
		if err := decodeState(state, &st); err != nil {
			return st, now, err
		}
	}
	last := time.Unix(0, st.LastDrain)
	now = laterOf(now, last)
	elapsed := now.Sub(last)
	if elapsed > 0 {
		st.Level = math.Max(0, st.Level-elapsed.Seconds()*a.rate)
	}
	st.LastDrain = now.UnixNano()
	return st, now, nil
}

func (a *LeakyBucket) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	st, now, err := a.refresh(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	if cost > a.quota.Limit {
		return nil, unsatisfiable(a.remaining(st), a.emptyAt(st, now)), nil
	}

	const eps = 1e-9
	allowed := st.Level+float64(cost) <= float64(a.quota.Limit)+eps
	if allowed {
		st.Level += float64(cost)
	}

	d := types.Decision{
		Allowed:   allowed,
		Remaining: a.remaining(st),
		ResetAt:   a.emptyAt(st, now),
	}
	if !allowed {
		d.RetryAfter = secondsToDuration((st.Level + float64(cost) - float64(a.quota.Limit)) / a.rate)
	}

	encoded, err := encodeState(st)
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *LeakyBucket) Peek(state []byte, now time.Time) (types.Decision, error) {
	st, now, err := a.refresh(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	d := types.Decision{
		Allowed:   st.Level+1 <= float64(a.quota.Limit)+1e-9,
		Remaining: a.remaining(st),
		ResetAt:   a.emptyAt(st, now),
	}
	if !d.Allowed {
		d.RetryAfter = secondsToDuration((st.Level + 1 - float64(a.quota.Limit)) / a.rate)
	}
	return d, nil
}

func (a *LeakyBucket) remaining(st leakyBucketState) int64 {
	return clampRemaining(int64(math.Floor(float64(a.quota.Limit)-st.Level+1e-9)), a.quota.Limit)
}

// emptyAt is the instant the queue fully drains.
func (a *LeakyBucket) emptyAt(st leakyBucketState, now time.Time) time.Time {
	if st.Level <= 0 {
		return now
	}
	return now.Add(secondsToDuration(st.Level / a.rate))
}
