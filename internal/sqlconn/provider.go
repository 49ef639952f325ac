// Package sqlconn opens exclusive broker connections for the transport. It
// validates data source names once per distinct string and tracks every
// handle until it is released so leaked connections can be reported with the
// stack that opened them.
package sqlconn

import (
	"context"
	"errors"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/retry"
)

// Options configures a Provider.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	// Cache is shared between providers of one process. A private cache of
	// DefaultCacheCapacity is created when nil.
	Cache *ValidatedCache
	// Retry re-runs opens that failed transiently. Nil opens once.
	Retry *retry.Policy
	// SQLServer dials sqlserver data source names. Defaults to a
	// SQLServerDialer.
	SQLServer Dialer
	// Memory dials mem:// data source names. Defaults to MemoryDialer.
	Memory Dialer
}

// Provider opens and tracks broker connections.
type Provider struct {
	logger    pslog.Logger
	clock     clock.Clock
	cache     *ValidatedCache
	retry     *retry.Policy
	sqlserver Dialer
	memory    Dialer

	mu     sync.Mutex
	live   map[xid.ID]*Handle
	closed bool
}

// Leak describes a handle that was never released.
type Leak struct {
	ID     string    `yaml:"id" json:"id"`
	DSN    string    `yaml:"dsn" json:"dsn"`
	Opened time.Time `yaml:"opened" json:"opened"`
	Stack  string    `yaml:"stack" json:"stack"`
}

// New constructs a Provider.
func New(opts Options) *Provider {
	p := &Provider{
		logger:    loggingutil.WithSubsystem(opts.Logger, "transport.sqlconn"),
		clock:     clock.Or(opts.Clock),
		cache:     opts.Cache,
		retry:     opts.Retry,
		sqlserver: opts.SQLServer,
		memory:    opts.Memory,
		live:      make(map[xid.ID]*Handle),
	}
	if p.cache == nil {
		p.cache = NewValidatedCache(DefaultCacheCapacity)
	}
	if p.sqlserver == nil {
		p.sqlserver = NewSQLServerDialer()
	}
	if p.memory == nil {
		p.memory = MemoryDialer{}
	}
	return p
}

// Open validates dsn and opens an exclusive connection. The returned handle
// must be released through Handle.Release.
func (p *Provider) Open(ctx context.Context, dsn string) (*Handle, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, faults.New(faults.KindInvalidOperation, "sqlconn.open", "provider is closed")
	}
	driverDSN, err := p.validate(dsn)
	if err != nil {
		return nil, err
	}
	dialer := p.sqlserver
	if strings.HasPrefix(driverDSN, MemoryScheme) {
		dialer = p.memory
	}
	conn, err := retry.Value(ctx, p.retry, "sqlconn.open", func(ctx context.Context) (broker.Conn, error) {
		return dialer.Dial(ctx, driverDSN)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, faults.Wrap(faults.KindCommunication, "sqlconn.open", "open connection", err)
	}
	h := &Handle{
		provider: p,
		id:       xid.New(),
		conn:     conn,
		dsn:      Redact(dsn),
		opened:   p.clock.Now(),
		stack:    debug.Stack(),
	}
	p.mu.Lock()
	p.live[h.id] = h
	p.mu.Unlock()
	p.logger.Trace("sqlconn.open", "handle", h.id.String(), "dsn", h.dsn)
	return h, nil
}

func (p *Provider) validate(dsn string) (string, error) {
	if driver, ok := p.cache.get(dsn); ok {
		return driver, nil
	}
	driver, err := Normalize(dsn)
	if err != nil {
		return "", err
	}
	if !p.cache.add(dsn, driver) {
		p.logger.Debug("sqlconn.cache.full", "capacity", p.cache.Capacity())
	}
	return driver, nil
}

// Leaks lists handles that are open but not yet released, oldest first.
func (p *Provider) Leaks() []Leak {
	p.mu.Lock()
	leaks := make([]Leak, 0, len(p.live))
	for _, h := range p.live {
		leaks = append(leaks, Leak{
			ID:     h.id.String(),
			DSN:    h.dsn,
			Opened: h.opened,
			Stack:  string(h.stack),
		})
	}
	p.mu.Unlock()
	sort.Slice(leaks, func(i, j int) bool { return leaks[i].Opened.Before(leaks[j].Opened) })
	return leaks
}

// Close reports every unreleased handle with its allocation stack, closes
// those connections and shuts down the dialers.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	leaked := make([]*Handle, 0, len(p.live))
	for _, h := range p.live {
		leaked = append(leaked, h)
	}
	p.mu.Unlock()

	var errs []error
	for _, h := range leaked {
		p.logger.Warn("sqlconn.leak",
			"handle", h.id.String(),
			"dsn", h.dsn,
			"age", p.clock.Now().Sub(h.opened),
			"stack", string(h.stack),
		)
		if err := h.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.sqlserver.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := p.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (p *Provider) forget(id xid.ID) {
	p.mu.Lock()
	delete(p.live, id)
	p.mu.Unlock()
}

// Handle is an exclusive broker connection tracked by its Provider.
type Handle struct {
	provider *Provider
	id       xid.ID
	conn     broker.Conn
	dsn      string
	opened   time.Time
	stack    []byte
	released atomic.Bool
}

// Conn returns the underlying connection.
func (h *Handle) Conn() broker.Conn {
	return h.conn
}

// ID returns the tracker id of the handle.
func (h *Handle) ID() string {
	return h.id.String()
}

// Release closes the connection and stops tracking it. Further calls are
// no-ops.
func (h *Handle) Release() error {
	if h == nil || !h.released.CompareAndSwap(false, true) {
		return nil
	}
	h.provider.forget(h.id)
	h.provider.logger.Trace("sqlconn.release", "handle", h.id.String())
	return h.conn.Close()
}
