// Package grouplock hands out exclusive ownership of conversation groups.
//
// A group is owned by the transaction that holds an exclusive application
// lock named after the group id. The lock lives in the database, so ownership
// holds across every process receiving from the queue. Two modes exist:
// targeted acquisition of a known group and open acquisition of whichever
// group the broker signals next. Open mode takes the lock without waiting;
// when another receiver holds it the transaction rolls back to a savepoint,
// which hands the group signal back to the broker, and the loop tries again.
package grouplock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/cmdrun"
	"pkt.systems/ssbtransport/internal/instrument"
	"pkt.systems/ssbtransport/internal/loggingutil"
	"pkt.systems/ssbtransport/internal/receiver"
	"pkt.systems/ssbtransport/internal/sqlconn"
)

// Savepoint is the savepoint open mode rolls back to when it loses a group.
const Savepoint = "ssbt_group_retry"

// sp_getapplock result codes.
const (
	LockGranted          = 0
	LockGrantedAfterWait = 1
	LockTimeout          = -1
	LockCancelled        = -2
	LockDeadlock         = -3
)

// Opener opens exclusive broker connections.
type Opener interface {
	Open(ctx context.Context, dsn string) (*sqlconn.Handle, error)
}

// Options configures a Protocol. Opener, DSN and Queue are required.
type Options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Runner *cmdrun.Runner
	// Recorder defaults to instrument.Process().
	Recorder *instrument.Recorder

	Opener Opener
	DSN    string
	// Queue is the queue behind the listening service.
	Queue string

	// Shutdown is the listener-wide cancellation signal.
	Shutdown <-chan struct{}
	// Alive reports whether the listener is still accepting. Defaults to
	// checking Shutdown.
	Alive func() bool
	// ContentionBackoff is slept after losing an open-mode lock race.
	ContentionBackoff time.Duration

	MaxMessageSize    int64
	DetachedTxTimeout time.Duration
}

// Protocol acquires conversation groups for a listener.
type Protocol struct {
	base     pslog.Logger
	logger   pslog.Logger
	clock    clock.Clock
	runner   *cmdrun.Runner
	recorder *instrument.Recorder
	opener   Opener
	dsn      string
	queue    string
	shutdown <-chan struct{}
	alive    func() bool
	backoff  time.Duration
	maxSize  int64
	detached time.Duration
}

// New constructs a Protocol.
func New(opts Options) *Protocol {
	p := &Protocol{
		base:     opts.Logger,
		logger:   loggingutil.WithSubsystem(opts.Logger, "transport.grouplock").With("queue", opts.Queue),
		clock:    clock.Or(opts.Clock),
		runner:   opts.Runner,
		recorder: instrument.Or(opts.Recorder),
		opener:   opts.Opener,
		dsn:      opts.DSN,
		queue:    opts.Queue,
		shutdown: opts.Shutdown,
		alive:    opts.Alive,
		backoff:  opts.ContentionBackoff,
		maxSize:  opts.MaxMessageSize,
		detached: opts.DetachedTxTimeout,
	}
	if p.alive == nil {
		shutdown := opts.Shutdown
		p.alive = func() bool {
			select {
			case <-shutdown:
				return false
			default:
				return true
			}
		}
	}
	return p
}

type lease struct {
	handle *sqlconn.Handle
	tx     broker.Tx
}

func (p *Protocol) begin(ctx context.Context, op string) (*lease, error) {
	if p.opener == nil {
		return nil, faults.New(faults.KindInvalidOperation, op, "no connection provider")
	}
	h, err := p.opener.Open(ctx, p.dsn)
	if err != nil {
		return nil, err
	}
	tx, err := h.Conn().BeginTx(ctx)
	if err != nil {
		_ = h.Release()
		return nil, faults.Wrap(faults.KindCommunication, op, "begin transaction", err)
	}
	return &lease{handle: h, tx: tx}, nil
}

func (l *lease) discard() {
	_ = l.tx.Rollback()
	_ = l.handle.Release()
}

// AcquireGroup locks group, waiting up to timeout for a concurrent owner to
// finish, then waits for the group's first message. It returns nil, nil when
// the listener shut down during the wait.
func (p *Protocol) AcquireGroup(ctx context.Context, group uuid.UUID, timeout time.Duration) (r *receiver.Receiver, err error) {
	const op = "grouplock.acquire_group"
	if group == uuid.Nil {
		return nil, faults.New(faults.KindInvalidOperation, op, "conversation group id is not set")
	}
	ctx, finish := p.recorder.Start(ctx, op,
		attribute.String("ssbtransport.queue", p.queue),
		attribute.String("ssbtransport.group", group.String()),
	)
	defer func() { finish(err) }()

	deadline := clock.NewDeadline(p.clock, timeout)
	l, err := p.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	lockCtx, cancel := context.WithCancel(ctx)
	code, cancelled, err := cmdrun.Run(lockCtx, p.runner, cancel, p.shutdown, func(ctx context.Context) (int, error) {
		return l.tx.AppLock(ctx, group.String(), deadline.Remaining())
	})
	cancel()
	if cancelled {
		l.discard()
		p.logger.Debug("grouplock.acquire.cancelled", "group", group.String())
		return nil, nil
	}
	if err != nil {
		l.discard()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, faults.Reclassify(op, timeout, deadline.Expired(), err)
	}
	switch code {
	case LockGranted, LockGrantedAfterWait:
	default:
		l.discard()
		return nil, faults.New(faults.KindProtocol, op, fmt.Sprintf("failed to lock conversation group %s: sp_getapplock returned %d", group, code))
	}
	p.recorder.GroupAcquired(ctx, p.queue, "targeted")
	p.logger.Debug("grouplock.acquired", "group", group.String(), "mode", "targeted", "code", code)
	return p.firstMessage(ctx, op, l, group, deadline)
}

type signalled struct {
	group uuid.UUID
	code  int
	ok    bool
}

// AcquireNext locks the next conversation group the broker signals on the
// queue. Groups held by another receiver are handed back and the wait
// resumes until timeout. It returns nil, nil when no group arrived in time or
// the listener shut down.
func (p *Protocol) AcquireNext(ctx context.Context, timeout time.Duration) (r *receiver.Receiver, err error) {
	const op = "grouplock.acquire_next"
	ctx, finish := p.recorder.Start(ctx, op, attribute.String("ssbtransport.queue", p.queue))
	defer func() { finish(err) }()

	deadline := clock.NewDeadline(p.clock, timeout)
	l, err := p.begin(ctx, op)
	if err != nil {
		return nil, err
	}
	waitCtx, cancel := context.WithCancel(ctx)
	got, cancelled, err := cmdrun.Run(waitCtx, p.runner, cancel, p.shutdown, func(ctx context.Context) (signalled, error) {
		return p.next(ctx, l.tx, deadline)
	})
	cancel()
	if cancelled {
		l.discard()
		p.logger.Debug("grouplock.acquire.cancelled", "mode", "open")
		return nil, nil
	}
	if err != nil {
		l.discard()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if deadline.Expired() {
			return nil, faults.Timeout(op, timeout, err)
		}
		return nil, faults.Wrap(faults.KindProtocol, op, "waiting for a conversation group", err)
	}
	if !got.ok {
		l.discard()
		return nil, nil
	}
	p.recorder.GroupAcquired(ctx, p.queue, "open")
	p.logger.Debug("grouplock.acquired", "group", got.group.String(), "mode", "open", "code", got.code)
	return p.firstMessage(ctx, op, l, got.group, deadline)
}

// next runs the savepoint loop on tx until it holds a group lock or the
// deadline expires.
func (p *Protocol) next(ctx context.Context, tx broker.Tx, deadline clock.Deadline) (signalled, error) {
	for {
		if err := tx.Savepoint(ctx, Savepoint); err != nil {
			return signalled{}, err
		}
		group, ok, err := tx.GetConversationGroup(ctx, p.queue, deadline.Remaining())
		if err != nil {
			return signalled{}, err
		}
		if !ok {
			return signalled{}, nil
		}
		code, err := tx.AppLock(ctx, group.String(), 0)
		if err != nil {
			return signalled{}, err
		}
		switch code {
		case LockGranted, LockGrantedAfterWait:
			return signalled{group: group, code: code, ok: true}, nil
		case LockTimeout:
		default:
			return signalled{}, fmt.Errorf("sp_getapplock returned %d for conversation group %s", code, group)
		}
		p.recorder.LockContended(ctx, p.queue)
		p.logger.Trace("grouplock.contended", "group", group.String())
		if err := tx.RollbackTo(ctx, Savepoint); err != nil {
			return signalled{}, err
		}
		if deadline.Expired() {
			return signalled{}, nil
		}
		if err := p.sleep(ctx, deadline); err != nil {
			return signalled{}, err
		}
	}
}

func (p *Protocol) sleep(ctx context.Context, deadline clock.Deadline) error {
	d := p.backoff
	if d <= 0 {
		return nil
	}
	if left := deadline.Remaining(); left < d {
		d = left
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// firstMessage wraps the locked transaction in a receiver and waits for the
// group's first message.
func (p *Protocol) firstMessage(ctx context.Context, op string, l *lease, group uuid.UUID, deadline clock.Deadline) (*receiver.Receiver, error) {
	r := receiver.New(receiver.Options{
		Logger:            p.base,
		Clock:             p.clock,
		Runner:            p.runner,
		Recorder:          p.recorder,
		Tx:                l.tx,
		Handle:            l.handle,
		Queue:             p.queue,
		GroupID:           group,
		Shutdown:          p.shutdown,
		MaxMessageSize:    p.maxSize,
		DetachedTxTimeout: p.detached,
	})
	if err := r.Open(ctx); err != nil {
		r.Abort()
		return nil, err
	}
	ok, err := r.WaitForFirstMessage(ctx, deadline.Remaining())
	if err != nil {
		r.Abort()
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if ok {
		return r, nil
	}
	r.Abort()
	if !p.alive() {
		p.logger.Debug("grouplock.first_message.cancelled", "group", group.String())
		return nil, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return nil, faults.Timeout(op, deadline.Timeout(), fmt.Errorf("no message arrived on conversation group %s", group))
}
