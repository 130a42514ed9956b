package api

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ratelink/ratelink-go/types"
)

// AdaptiveConfig bounds how an AdaptiveLimiter may move its limit.
type AdaptiveConfig struct {
	// MinLimit and MaxLimit bracket the adjustable range.
	MinLimit int64
	MaxLimit int64
	// MaxStep caps how far one evaluation may move the limit.
	MaxStep int64
	// ErrorRateThreshold is the observed error rate above which the limit
	// shrinks; below half of it the limit grows back.
	ErrorRateThreshold float64
	// Interval is the evaluation cadence.
	Interval time.Duration
}

func (c AdaptiveConfig) validate() error {
	if c.MinLimit <= 0 || c.MaxLimit < c.MinLimit {
		return fmt.Errorf("%w: adaptive limits must satisfy 0 < min <= max, got [%d, %d]", types.ErrInvalidConfiguration, c.MinLimit, c.MaxLimit)
	}
	if c.MaxStep <= 0 {
		return fmt.Errorf("%w: adaptive max step must be positive, got %d", types.ErrInvalidConfiguration, c.MaxStep)
	}
	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold >= 1 {
		return fmt.Errorf("%w: error rate threshold must be in (0, 1), got %g", types.ErrInvalidConfiguration, c.ErrorRateThreshold)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("%w: adaptive interval must be positive, got %s", types.ErrInvalidConfiguration, c.Interval)
	}
	return nil
}

// AdaptiveLimiter wraps a base limiter and tunes its limit between MinLimit
// and MaxLimit from an error-rate signal the caller reports. Adjustment
// happens on a fixed cadence, never per request, and each evaluation moves
// the limit by at most MaxStep, so the limit cannot oscillate violently.
type AdaptiveLimiter struct {
	base *Limiter
	cfg  AdaptiveConfig

	current   atomic.Int64
	successes atomic.Int64
	failures  atomic.Int64

	stop      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

var _ types.Limiter = (*AdaptiveLimiter)(nil)

// NewAdaptiveLimiter wraps base. The base limiter's configured limit must
// fall inside [MinLimit, MaxLimit]; its window stays fixed, only the limit
// moves.
func NewAdaptiveLimiter(base *Limiter, cfg AdaptiveConfig) (*AdaptiveLimiter, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: adaptive limiter needs a base limiter", types.ErrInvalidConfiguration)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	baseLimit := base.Quota().Limit
	if baseLimit < cfg.MinLimit || baseLimit > cfg.MaxLimit {
		return nil, fmt.Errorf("%w: base limit %d outside adaptive range [%d, %d]", types.ErrInvalidConfiguration, baseLimit, cfg.MinLimit, cfg.MaxLimit)
	}
	a := &AdaptiveLimiter{
		base: base,
		cfg:  cfg,
		stop: make(chan struct{}),
	}
	a.current.Store(baseLimit)
	return a, nil
}

// Start launches the evaluation goroutine. Call Stop to end it.
func (a *AdaptiveLimiter) Start() {
	a.startOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(a.cfg.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-a.stop:
					return
				case <-ticker.C:
					a.rebalance()
				}
			}
		}()
	})
}

// Stop ends the evaluation goroutine.
func (a *AdaptiveLimiter) Stop() {
	a.stopOnce.Do(func() { close(a.stop) })
}

// ReportSuccess feeds the health signal: one downstream operation succeeded.
func (a *AdaptiveLimiter) ReportSuccess() { a.successes.Add(1) }

// ReportFailure feeds the health signal: one downstream operation failed.
func (a *AdaptiveLimiter) ReportFailure() { a.failures.Add(1) }

// CurrentLimit reports the limit currently enforced.
func (a *AdaptiveLimiter) CurrentLimit() int64 { return a.current.Load() }

// rebalance consumes the window of reported outcomes and moves the limit by
// at most MaxStep. No reports, no movement.
func (a *AdaptiveLimiter) rebalance() {
	successes := a.successes.Swap(0)
	failures := a.failures.Swap(0)
	total := successes + failures
	if total == 0 {
		return
	}
	errorRate := float64(failures) / float64(total)

	cur := a.current.Load()
	next := cur
	switch {
	case errorRate > a.cfg.ErrorRateThreshold:
		next = cur - a.cfg.MaxStep
		if next < a.cfg.MinLimit {
			next = a.cfg.MinLimit
		}
	case errorRate <= a.cfg.ErrorRateThreshold/2:
		next = cur + a.cfg.MaxStep
		if next > a.cfg.MaxLimit {
			next = a.cfg.MaxLimit
		}
	}
	if next == cur {
		return
	}

	if err := a.base.SetQuota(types.Quota{Limit: next, Window: a.base.Quota().Window}); err != nil {
		log.Error().Err(err).Str("limiter", a.base.Name()).Msg("AdaptiveLimiter: quota update failed")
		return
	}
	a.current.Store(next)
	log.Info().Str("limiter", a.base.Name()).Int64("from", cur).Int64("to", next).Float64("error_rate", errorRate).Msg("AdaptiveLimiter: limit adjusted")
}

// Check delegates to the base limiter under the current adaptive limit.
func (a *AdaptiveLimiter) Check(ctx context.Context, key string, cost int64) (types.Decision, error) {
	return a.base.Check(ctx, key, cost)
}

// Peek delegates to the base limiter.
func (a *AdaptiveLimiter) Peek(ctx context.Context, key string) (types.Decision, error) {
	return a.base.Peek(ctx, key)
}

// Reset delegates to the base limiter.
func (a *AdaptiveLimiter) Reset(ctx context.Context, key string) error {
	return a.base.Reset(ctx, key)
}
