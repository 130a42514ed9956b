package algorithm

import (
	"math"
	"time"

	"github.com/ratelink/ratelink-go/types"
)

// tokenBucketState is the serialized snapshot for one key: the fractional
// token balance and the instant it was last refilled.
type tokenBucketState struct {
	Tokens     float64 `json:"tokens"`
	LastRefill int64   `json:"last_refill_ns"`
}

// TokenBucket refills quota.Limit tokens per quota.Window, capped at the
// limit, and admits a request while the balance covers its cost. Bursts up to
// the full bucket size are allowed by design.
type TokenBucket struct {
	quota types.Quota
	rate  float64 // tokens per second
}

// NewTokenBucket validates the quota and returns the algorithm.
func NewTokenBucket(q types.Quota) (*TokenBucket, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &TokenBucket{
		quota: q,
		rate:  float64(q.Limit) / q.Window.Seconds(),
	}, nil
}

func (a *TokenBucket) Name() string       { return NameTokenBucket }
func (a *TokenBucket) Quota() types.Quota { return a.quota }
func (a *TokenBucket) TTL() time.Duration { return stateTTL(a.quota.Window) }

// refresh decodes the state (or initializes a full bucket) and applies the
// refill accrued since the last observation.
func (a *TokenBucket) refresh(state []byte, now time.Time) (tokenBucketState, time.Time, error) {
	st := tokenBucketState{Tokens: float64(a.quota.Limit), LastRefill: now.UnixNano()}
	if state != nil {
		if err := decodeState(state, &st); err != nil {
			return st, now, err
		}
	}
	last := time.Unix(0, st.LastRefill)
	now = laterOf(now, last)
	elapsed := now.Sub(last)
	if elapsed > 0 {
		st.Tokens = math.Min(float64(a.quota.Limit), st.Tokens+elapsed.Seconds()*a.rate)
	}
	st.LastRefill = now.UnixNano()
	return st, now, nil
}

func (a *TokenBucket) Evaluate(state []byte, now time.Time, cost int64) ([]byte, types.Decision, error) {
	if err := checkCost(cost); err != nil {
		return nil, types.Decision{}, err
	}
	st, now, err := a.refresh(state, now)
	if err != nil {
		return nil, types.Decision{}, err
	}
	if cost > a.quota.Limit {
		return nil, unsatisfiable(floorTokens(st.Tokens), a.fullAt(st, now)), nil
	}

	const eps = 1e-9 // float refill drift must not deny an exactly-affordable cost
	allowed := st.Tokens+eps >= float64(cost)
	if allowed {
		st.Tokens -= float64(cost)
		if st.Tokens < 0 {
			st.Tokens = 0
		}
	}

	d := types.Decision{
		Allowed:   allowed,
		Remaining: clampRemaining(floorTokens(st.Tokens), a.quota.Limit),
		ResetAt:   a.fullAt(st, now),
	}
	if !allowed {
		d.RetryAfter = secondsToDuration((float64(cost) - st.Tokens) / a.rate)
	}

	encoded, err := encodeState(st)
	if err != nil {
		return nil, types.Decision{}, err
	}
	return encoded, d, nil
}

func (a *TokenBucket) Peek(state []byte, now time.Time) (types.Decision, error) {
	st, now, err := a.refresh(state, now)
	if err != nil {
		return types.Decision{}, err
	}
	d := types.Decision{
		Allowed:   st.Tokens+1e-9 >= 1,
		Remaining: clampRemaining(floorTokens(st.Tokens), a.quota.Limit),
		ResetAt:   a.fullAt(st, now),
	}
	if !d.Allowed {
		d.RetryAfter = secondsToDuration((1 - st.Tokens) / a.rate)
	}
	return d, nil
}

// fullAt is the instant the bucket is back at capacity.
func (a *TokenBucket) fullAt(st tokenBucketState, now time.Time) time.Time {
	deficit := float64(a.quota.Limit) - st.Tokens
	if deficit <= 0 {
		return now
	}
	return now.Add(secondsToDuration(deficit / a.rate))
}

func floorTokens(tokens float64) int64 {
	return int64(math.Floor(tokens + 1e-9))
}
