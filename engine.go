package ssbtransport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/cmdrun"
	"pkt.systems/ssbtransport/internal/directory"
	"pkt.systems/ssbtransport/internal/instrument"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/retry"
	"pkt.systems/ssbtransport/internal/sender"
	"pkt.systems/ssbtransport/internal/sqlconn"
	"pkt.systems/ssbtransport/internal/uuidv7"
)

type (
	// Totals are the process message and byte counters.
	Totals = instrument.Totals
	// Leak describes a connection that was opened and never released.
	Leak = sqlconn.Leak
)

// Engine owns the connection provider, instrumentation and telemetry shared
// by listeners and output sessions.
type Engine struct {
	cfg       Config
	logger    pslog.Logger
	clock     clock.Clock
	telemetry *telemetryBundle
	recorder  *instrument.Recorder
	provider  *sqlconn.Provider
	runner    *cmdrun.Runner
	retry     *retry.Policy
	directory *directory.Resolver

	mu        sync.Mutex
	closed    bool
	listeners map[*Listener]struct{}
}

// Option configures engine instances.
type Option func(*options)

type options struct {
	Logger         pslog.Logger
	Clock          clock.Clock
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	Dialer         sqlconn.Dialer
	Cache          *sqlconn.ValidatedCache
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithMeterProvider records transport metrics through mp instead of the
// configured or global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) {
		o.MeterProvider = mp
	}
}

// WithTracerProvider records transport spans through tp instead of the
// configured or global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.TracerProvider = tp
	}
}

// WithDialer overrides how SQL Server data source names are dialed.
func WithDialer(d sqlconn.Dialer) Option {
	return func(o *options) {
		o.Dialer = d
	}
}

// WithValidatedCache shares a validated data source name cache between
// engines of one process.
func WithValidatedCache(c *sqlconn.ValidatedCache) Option {
	return func(o *options) {
		o.Cache = c
	}
}

// NewEngine constructs an engine according to cfg.
// Example:
//
//	eng, err := ssbtransport.NewEngine(ssbtransport.Config{
//	    DSN: "sqlserver://app@db/?database=orders&async=true&mars=true",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close(context.Background())
func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := loggingutil.EnsureLogger(o.Logger)
	clk := clock.Or(o.Clock)

	telemetry, err := setupTelemetry(context.Background(), cfg, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	mp, tp := telemetry.meters()
	if o.MeterProvider != nil {
		mp = o.MeterProvider
	}
	if o.TracerProvider != nil {
		tp = o.TracerProvider
	}
	recorder := instrument.New(mp, tp, logger)

	policy := retry.New(loggingutil.WithSubsystem(logger, "transport.retry"), clk, retry.Config{
		MaxAttempts: cfg.RetryMaxAttempts,
		BaseDelay:   cfg.RetryBaseDelay,
		MaxDelay:    cfg.RetryMaxDelay,
	})
	cache := o.Cache
	if cache == nil {
		cache = sqlconn.NewValidatedCache(cfg.DSNCacheCapacity)
	}
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		clock:     clk,
		telemetry: telemetry,
		recorder:  recorder,
		retry:     policy,
		provider: sqlconn.New(sqlconn.Options{
			Logger:    logger,
			Clock:     clk,
			Cache:     cache,
			Retry:     policy,
			SQLServer: o.Dialer,
		}),
		runner: cmdrun.New(
			cmdrun.WithLogger(logger),
			cmdrun.WithClock(clk),
			cmdrun.WithDrainTimeout(cfg.DrainTimeout),
		),
		directory: directory.New(directory.Options{Logger: logger, Clock: clk, Retry: policy}),
		listeners: make(map[*Listener]struct{}),
	}
	e.logger.Info("engine.started",
		"dsn", sqlconn.Redact(cfg.DSN),
		"contract", cfg.Contract,
		"max_sessions", cfg.MaxSessions,
		"max_message_size", cfg.MaxMessageSize,
	)
	return e, nil
}

// Config returns the validated configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Stats returns the message and byte counters recorded by this engine.
func (e *Engine) Stats() Totals {
	return e.recorder.Totals()
}

// Leaks lists connections that are open and not yet released.
func (e *Engine) Leaks() []Leak {
	return e.provider.Leaks()
}

// MetricsAddr returns the bound metrics endpoint, nil when disabled.
func (e *Engine) MetricsAddr() net.Addr {
	return e.telemetry.metricsAddr()
}

func (e *Engine) usable(op string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return faults.New(faults.KindInvalidOperation, op, "engine is closed")
	}
	return nil
}

// Dial returns an output session from addr.Source to addr.Target. The
// session is not opened.
func (e *Engine) Dial(addr Address) (*OutputSession, error) {
	const op = "engine.dial"
	if err := e.usable(op); err != nil {
		return nil, err
	}
	if !addr.Concrete() {
		return nil, faults.New(faults.KindInvalidOperation, op, fmt.Sprintf("address %s must name both services", addr))
	}
	return e.newOutputSession(addr)
}

func (e *Engine) newOutputSession(addr Address) (*OutputSession, error) {
	id := uuidv7.New()
	s, err := sender.New(sender.Options{
		Logger:                 e.logger.With("session", id.String()),
		Clock:                  e.clock,
		Recorder:               e.recorder,
		Directory:              e.directory,
		Opener:                 e.provider,
		DSN:                    e.cfg.DSN,
		Source:                 addr.Source,
		Target:                 addr.Target,
		Contract:               e.cfg.Contract,
		Encryption:             e.cfg.Encryption,
		EndConversationOnClose: e.cfg.EndConversationOnClose,
		CloseTimeout:           e.cfg.CloseTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &OutputSession{id: id, addr: addr, engine: e, sender: s}, nil
}

// withConn runs fn on a connection released afterwards.
func (e *Engine) withConn(ctx context.Context, op string, fn func(cmds broker.Commands) error) error {
	if err := e.usable(op); err != nil {
		return err
	}
	h, err := e.provider.Open(ctx, e.cfg.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := h.Release(); err != nil {
			e.logger.Debug("engine.release_failed", "op", op, "error", err)
		}
	}()
	return fn(h.Conn())
}

// ResolveService returns the catalog entry of a service and its queue.
func (e *Engine) ResolveService(ctx context.Context, name string) (ServiceInfo, error) {
	var info ServiceInfo
	err := e.withConn(ctx, "engine.resolve_service", func(cmds broker.Commands) error {
		var err error
		info, err = e.directory.ResolveService(ctx, cmds, name, e.cfg.OpenTimeout)
		return err
	})
	return info, err
}

// LookupConversation returns the metadata of a conversation endpoint. A
// conversation that can no longer carry messages is returned together with a
// faults.KindInvalidState error.
func (e *Engine) LookupConversation(ctx context.Context, handle uuid.UUID) (ConversationInfo, error) {
	var info ConversationInfo
	err := e.withConn(ctx, "engine.lookup_conversation", func(cmds broker.Commands) error {
		var err error
		info, err = e.directory.LookupConversation(ctx, cmds, handle)
		return err
	})
	return info, err
}

// EndConversationWithCleanup removes a conversation endpoint without
// notifying the far side. Use it for conversations whose far side is gone.
func (e *Engine) EndConversationWithCleanup(ctx context.Context, handle uuid.UUID) error {
	const op = "engine.end_conversation_cleanup"
	return e.withConn(ctx, op, func(cmds broker.Commands) error {
		return e.maintenance(ctx, op, func(ctx context.Context) error {
			return cmds.EndConversation(ctx, handle, broker.EndOptions{Cleanup: true})
		})
	})
}

// EndAllConversationsWithCleanup removes every conversation endpoint in the
// database and reports how many were removed.
func (e *Engine) EndAllConversationsWithCleanup(ctx context.Context) (int, error) {
	const op = "engine.end_all_cleanup"
	var n int
	err := e.withConn(ctx, op, func(cmds broker.Commands) error {
		return e.maintenance(ctx, op, func(ctx context.Context) error {
			var err error
			n, err = cmds.EndAllConversationsWithCleanup(ctx)
			return err
		})
	})
	if err == nil {
		e.logger.Warn("engine.conversations.cleaned", "count", n)
	}
	return n, err
}

func (e *Engine) maintenance(ctx context.Context, op string, fn func(context.Context) error) error {
	deadline := clock.NewDeadline(e.clock, e.cfg.CloseTimeout)
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.CloseTimeout)
	defer cancel()
	err := fn(opCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return faults.Reclassify(op, e.cfg.CloseTimeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded), err)
}

func (e *Engine) track(l *Listener) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return faults.New(faults.KindInvalidOperation, "engine.listen", "engine is closed")
	}
	e.listeners[l] = struct{}{}
	return nil
}

func (e *Engine) untrack(l *Listener) {
	e.mu.Lock()
	delete(e.listeners, l)
	e.mu.Unlock()
}

// Close shuts every listener down, reports leaked connections and stops
// telemetry. Closing twice is a no-op.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	listeners := make([]*Listener, 0, len(e.listeners))
	for l := range e.listeners {
		listeners = append(listeners, l)
	}
	e.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.provider.Close(); err != nil {
		errs = append(errs, err)
	}
	if e.telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := e.telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
		e.telemetry = nil
	}
	e.logger.Info("engine.stopped")
	return errors.Join(errs...)
}
