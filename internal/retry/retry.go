// Package retry re-runs idempotent broker operations that failed with a
// transient backend error.
package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/loggingutil"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	// Transient classifies errors worth another attempt. Defaults to
	// broker.IsTransient.
	Transient func(error) bool
}

// Policy runs operations under a retry Config.
type Policy struct {
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

// New returns a Policy with cfg's zero fields replaced by defaults.
func New(logger pslog.Logger, clk clock.Clock, cfg Config) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 50 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 2 * time.Second
	}
	if cfg.Transient == nil {
		cfg.Transient = broker.IsTransient
	}
	return &Policy{
		logger: loggingutil.EnsureLogger(logger),
		clock:  clock.Or(clk),
		cfg:    cfg,
	}
}

// Do runs fn until it succeeds, fails permanently or the attempts run out.
// A nil Policy runs fn once.
func (p *Policy) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	if p == nil || p.cfg.MaxAttempts <= 1 {
		return fn(ctx)
	}
	attempts := p.cfg.MaxAttempts
	delay := p.cfg.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !p.cfg.Transient(err) || attempt == attempts {
			return err
		}
		p.logger.Warn("broker transient error",
			"operation", op,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			p.clock.Sleep(delay)
			next := time.Duration(float64(delay) * p.cfg.Multiplier)
			if p.cfg.MaxDelay > 0 && next > p.cfg.MaxDelay {
				next = p.cfg.MaxDelay
			}
			delay = next
		}
	}
	return lastErr
}

// Value runs fn under p and returns its result.
func Value[T any](ctx context.Context, p *Policy, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = fn(ctx)
		return err
	})
	return out, err
}
