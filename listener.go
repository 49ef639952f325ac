package ssbtransport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/grouplock"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/uuidv7"
)

// Handler processes one input session. Returning an error rolls the
// session's transaction back, otherwise Serve commits it.
type Handler interface {
	ServeSession(ctx context.Context, s *InputSession) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, s *InputSession) error

// ServeSession calls f.
func (f HandlerFunc) ServeSession(ctx context.Context, s *InputSession) error {
	return f(ctx, s)
}

// HandleMessages returns a Handler that calls fn for every message of the
// session until the group has nothing more to deliver.
func HandleMessages(fn func(ctx context.Context, s *InputSession, m *Message) error) Handler {
	return HandlerFunc(func(ctx context.Context, s *InputSession) error {
		for {
			m, err := s.Receive(ctx, nil)
			if err != nil {
				return err
			}
			if m == nil {
				return nil
			}
			if err := fn(ctx, s, m); err != nil {
				return err
			}
		}
	})
}

// ListenOption configures a Listener.
type ListenOption func(*Listener)

// WithConversationGroup makes the listener accept only the given
// conversation group instead of whichever group the broker signals next.
func WithConversationGroup(group uuid.UUID) ListenOption {
	return func(l *Listener) {
		l.group = group
	}
}

type listenerState int

const (
	listenerCreated listenerState = iota
	listenerOpened
	listenerClosed
)

// Listener accepts input sessions for a service.
type Listener struct {
	engine   *Engine
	service  string
	group    uuid.UUID
	logger   pslog.Logger
	shutdown chan struct{}
	stopOnce sync.Once
	serving  sync.WaitGroup

	mu       sync.Mutex
	state    listenerState
	info     ServiceInfo
	protocol *grouplock.Protocol
	sessions map[*InputSession]struct{}
}

// Listen returns a listener for service. Call Open before Accept or Serve.
func (e *Engine) Listen(service string, opts ...ListenOption) (*Listener, error) {
	const op = "engine.listen"
	if err := broker.ValidateIdentifier("service", service); err != nil {
		return nil, faults.Wrap(faults.KindInvalidOperation, op, "", err)
	}
	l := &Listener{
		engine:   e,
		service:  service,
		shutdown: make(chan struct{}),
		sessions: make(map[*InputSession]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = loggingutil.WithSubsystem(e.logger, "transport.listener").With("service", service)
	if err := e.track(l); err != nil {
		return nil, err
	}
	return l, nil
}

// Address returns the address the listener receives on.
func (l *Listener) Address() Address {
	return Address{Source: Wildcard, Target: l.service}
}

// Info returns the resolved service. It is empty before Open.
func (l *Listener) Info() ServiceInfo {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.info
}

// Open resolves the service and its queue.
func (l *Listener) Open(ctx context.Context) error {
	const op = "listener.open"
	l.mu.Lock()
	state := l.state
	l.mu.Unlock()
	switch state {
	case listenerOpened:
		return nil
	case listenerClosed:
		return faults.New(faults.KindInvalidOperation, op, "listener is closed")
	}
	e := l.engine
	info, err := e.ResolveService(ctx, l.service)
	if err != nil {
		return err
	}
	protocol := grouplock.New(grouplock.Options{
		Logger:            e.logger,
		Clock:             e.clock,
		Runner:            e.runner,
		Recorder:          e.recorder,
		Opener:            e.provider,
		DSN:               e.cfg.DSN,
		Queue:             info.QueueName,
		Shutdown:          l.shutdown,
		Alive:             l.alive,
		ContentionBackoff: e.cfg.ContentionBackoff,
		MaxMessageSize:    e.cfg.MaxMessageSize,
		DetachedTxTimeout: e.cfg.DetachedTxTimeout,
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == listenerClosed {
		return faults.New(faults.KindInvalidOperation, op, "listener is closed")
	}
	l.info = info
	l.protocol = protocol
	l.state = listenerOpened
	l.logger.Info("listener.opened", "queue", info.QueueName, "targeted", l.group != uuid.Nil)
	return nil
}

func (l *Listener) alive() bool {
	select {
	case <-l.shutdown:
		return false
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state == listenerOpened
}

// Accept waits up to Config.AcceptTimeout for a conversation group and
// returns it as an opened input session. It returns nil, nil when no group
// arrived in time or the listener closed during the wait. A listener bound
// to a conversation group fails with faults.KindTimeout when the group had
// no message.
func (l *Listener) Accept(ctx context.Context) (*InputSession, error) {
	const op = "listener.accept"
	l.mu.Lock()
	state, protocol := l.state, l.protocol
	l.mu.Unlock()
	switch state {
	case listenerCreated:
		return nil, faults.New(faults.KindInvalidOperation, op, "listener is not open")
	case listenerClosed:
		return nil, nil
	}
	timeout := l.engine.cfg.AcceptTimeout
	var (
		s   *InputSession
		err error
	)
	if l.group != uuid.Nil {
		r, aerr := protocol.AcquireGroup(ctx, l.group, timeout)
		if r != nil {
			s = newInputSession(l, r)
		}
		err = aerr
	} else {
		r, aerr := protocol.AcquireNext(ctx, timeout)
		if r != nil {
			s = newInputSession(l, r)
		}
		err = aerr
	}
	if err != nil || s == nil {
		return nil, err
	}
	l.mu.Lock()
	if l.state == listenerClosed {
		l.mu.Unlock()
		s.recv.Abort()
		return nil, nil
	}
	l.sessions[s] = struct{}{}
	l.mu.Unlock()
	s.logger.Debug("listener.session.accepted")
	return s, nil
}

func (l *Listener) sessionDone(s *InputSession) {
	l.mu.Lock()
	delete(l.sessions, s)
	l.mu.Unlock()
}

// Serve accepts sessions until the listener closes or ctx ends, running at
// most Config.MaxSessions handlers concurrently. A session whose handler
// fails is aborted, so its messages return to the queue. Serve returns nil
// once the listener is closed.
func (l *Listener) Serve(ctx context.Context, h Handler) error {
	const op = "listener.serve"
	if h == nil {
		return faults.New(faults.KindInvalidOperation, op, "handler is nil")
	}
	l.serving.Add(1)
	defer l.serving.Done()

	var g errgroup.Group
	g.SetLimit(l.engine.cfg.MaxSessions)
	var serveErr error
	for l.alive() && ctx.Err() == nil {
		s, err := l.Accept(ctx)
		if err != nil {
			if faults.IsTimeout(err) {
				l.logger.Trace("listener.accept.idle", "error", err)
				continue
			}
			if ctx.Err() == nil && l.alive() {
				serveErr = fmt.Errorf("listener %s: %w", l.service, err)
			}
			break
		}
		if s == nil {
			continue
		}
		g.Go(func() error {
			l.runSession(ctx, s, h)
			return nil
		})
	}
	_ = g.Wait()
	if serveErr != nil {
		l.logger.Warn("listener.serve.failed", "error", serveErr)
		return serveErr
	}
	if !l.alive() {
		return nil
	}
	return ctx.Err()
}

func (l *Listener) runSession(ctx context.Context, s *InputSession, h Handler) {
	if err := h.ServeSession(ctx, s); err != nil {
		s.logger.Warn("listener.session.failed", "error", err)
		s.Abort()
		return
	}
	if err := s.Close(ctx); err != nil {
		s.logger.Warn("listener.session.close_failed", "error", err)
		return
	}
	if started, ok := uuidv7.Time(s.id); ok {
		s.logger.Debug("listener.session.committed", "elapsed", time.Since(started))
		return
	}
	s.logger.Debug("listener.session.committed")
}

// Close stops accepting, cancels pending broker waits and waits for Serve to
// return. Sessions already handed out by Accept stay with their caller.
func (l *Listener) Close(ctx context.Context) error {
	l.stop()
	done := make(chan struct{})
	go func() {
		l.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	l.engine.untrack(l)
	return nil
}

// Abort stops accepting and cancels pending broker waits without waiting.
func (l *Listener) Abort() {
	l.stop()
	l.engine.untrack(l)
}

func (l *Listener) stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.state = listenerClosed
		active := len(l.sessions)
		l.mu.Unlock()
		close(l.shutdown)
		l.logger.Info("listener.closed", "active_sessions", active)
	})
}
