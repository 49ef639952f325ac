// Package cmdrun races a blocking broker command against a shutdown signal.
package cmdrun

import (
	"context"
	"errors"
	"io"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/loggingutil"
)

// DefaultDrainTimeout bounds how long a cancelled command may take to unwind.
const DefaultDrainTimeout = 5 * time.Second

// ErrDrainTimeout reports a cancelled command that did not return within the
// drain timeout. The connection it ran on must be discarded.
var ErrDrainTimeout = errors.New("cmdrun: cancelled command did not return in time")

// Runner holds the settings shared by every Run call.
type Runner struct {
	logger       pslog.Logger
	clock        clock.Clock
	drainTimeout time.Duration
}

// Option customises a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger pslog.Logger) Option {
	return func(r *Runner) {
		r.logger = loggingutil.WithSubsystem(logger, "transport.cmdrun")
	}
}

// WithClock sets the time source for the drain timeout.
func WithClock(clk clock.Clock) Option {
	return func(r *Runner) {
		r.clock = clock.Or(clk)
	}
}

// WithDrainTimeout overrides DefaultDrainTimeout.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.drainTimeout = d
		}
	}
}

// New constructs a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger:       loggingutil.WithSubsystem(nil, "transport.cmdrun"),
		clock:        clock.Real{},
		drainTimeout: DefaultDrainTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type outcome[T any] struct {
	value T
	err   error
}

// Run executes fn on its own goroutine and waits for it or for signal,
// whichever comes first. When fn finishes first its value and error are
// returned. When signal fires first, cancel is called to abort the command,
// the command is drained (closing an io.Closer result) and Run reports
// cancelled=true with a nil error, or ErrDrainTimeout if the command did not
// return within the drain timeout.
//
// cancel must cancel the context passed as ctx. It is owned by the caller so
// results that borrow ctx, such as row cursors, stay usable after Run returns.
// A nil Runner uses defaults.
func Run[T any](ctx context.Context, r *Runner, cancel context.CancelFunc, signal <-chan struct{}, fn func(context.Context) (T, error)) (value T, cancelled bool, err error) {
	if r == nil {
		r = New()
	}
	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- outcome[T]{value: v, err: err}
	}()
	select {
	case res := <-done:
		return res.value, false, res.err
	case <-signal:
	}

	if cancel != nil {
		cancel()
	}
	var zero T
	select {
	case res := <-done:
		discard(res)
		r.logger.Debug("cmdrun.cancelled", "command_error", res.err)
		return zero, true, nil
	case <-r.clock.After(r.drainTimeout):
		r.logger.Warn("cmdrun.drain_timeout", "drain_timeout", r.drainTimeout)
		go func() {
			discard(<-done)
		}()
		return zero, true, ErrDrainTimeout
	}
}

func discard[T any](res outcome[T]) {
	if res.err != nil {
		return
	}
	if closer, ok := any(res.value).(io.Closer); ok && closer != nil {
		_ = closer.Close()
	}
}
