package algorithm

import (
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// gcraState is the whole per-key state: one theoretical arrival time.
type gcraState struct {
	TAT int64 `json:"tat_ns"`
}

// GCRA is the Generic Cell Rate Algorithm: requests must be spaced at least
// one emission interval (window/limit) apart on average, with a burst
// tolerance of a full window. A single timestamp of state, no counters.
type GCRA struct {
	quota    types.Quota
	interval time.Duration // emission interval
}

// NewGCRA validates the quota and returns the algorithm.
func NewGCRA(q types.Quota) (*GCRA, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	interval := q.Window / time.Duration(q.Limit)
	if interval <= 0 {
		interval = time.Nanosecond
	}
	return &GCRA{quota: q, interval: interval}, nil
}

func (a *GCRA) Name() string       { return NameGCRA }
func (a *GCRA) Quota() types.Quota { return a.quota }
func (a *GCRA) TTL() time.Duration { return stateTTL(a.quota.Window) }

func (a *GCRA) load(state []byte, now time.Time) (time.Time, error) {
	if state == nil {
		return now, nil
	}
	var st gcraState
	if err := decodeState(state, &st); err != nil {
		return now, err
	}
	return time.Unix(0, st.TAT), nil
}

func (a *GCRA) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	tat, err := a.load(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	if cost > a.quota.Limit {
		return nil, unsatisfiable(a.remaining(tat, now), laterOf(tat, now)), nil
	}

	increment := a.interval * time.Duration(cost)
	// allowed iff now >= TAT - (window - increment)
	allowAt := tat.Add(increment - a.quota.Window)
	allowed := !now.Before(allowAt)

	var d types.Decision
	if allowed {
		newTAT := laterOf(tat, now).Add(increment)
		d = types.Decision{
			Allowed:   true,
			Remaining: a.remaining(newTAT, now),
			ResetAt:   laterOf(newTAT, now),
		}
		encoded, err := encodeState(gcraState{TAT: newTAT.UnixNano()})
		if err != nil {
			return nil, types.Decision{}, err
		}
		return encoded, d, nil
	}

	d = types.Decision{
		Allowed:    false,
		Remaining:  a.remaining(tat, now),
		RetryAfter: allowAt.Sub(now),
		ResetAt:    laterOf(tat, now),
	}
	// denial leaves the TAT untouched, but persisting the refreshed snapshot
	// keeps the key's TTL alive while it is being hammered
	encoded, err := encodeState(gcraState{TAT: tat.UnixNano()})
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *GCRA) Peek(state []byte, now time.Time) (types.Decision, error) {
	tat, err := a.load(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	allowAt := tat.Add(a.interval - a.quota.Window)
	d := types.Decision{
		Allowed:   !now.Before(allowAt),
		Remaining: a.remaining(tat, now),
		ResetAt:   laterOf(tat, now),
	}
	if !d.Allowed {
		d.RetryAfter = allowAt.Sub(now)
	}
	return d, nil
}

// remaining counts how many cost-1 emission slots are left before the burst
// allowance is exhausted.
func (a *GCRA) remaining(tat, now time.Time) int64 {
	if !tat.After(now) {
		return a.quota.Limit
	}
	used := int64(tat.Sub(now) / a.interval)
	return clampRemaining(a.quota.Limit-used, a.quota.Limit)
}
