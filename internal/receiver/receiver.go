// Package receiver reads the messages of one locked conversation group inside
// the transaction that holds the group lock.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
)

// State is the lifecycle position of a Receiver.
type State int

const (
	StateCreated State = iota
	StateOpened
	StateClosed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateOpened:
		return "opened"
	case StateClosed:
		return "closed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Releaser gives back the connection a receiver runs on.
type Releaser interface {
	Release() error
}

// CloseHook runs inside the receiver's transaction just before it commits.
type CloseHook func(ctx context.Context, cmds broker.Commands) error

// Options configures a Receiver. Tx, Handle and GroupID are required.
type Options struct {
	Logger   pslog.Logger
	Clock    clock.Clock
	Runner   *cmdrun.Runner
	Recorder *instrument.Recorder

	// Tx holds the conversation group lock. The receiver owns it until
	// TakeTransaction.
	Tx broker.Tx
	// Handle is released once the receiver is done with the connection
	// behind Tx.
	Handle  Releaser
	Queue   string
	GroupID uuid.UUID

	// Shutdown is the listener-wide cancellation signal.
	Shutdown <-chan struct{}
	// MaxMessageSize rejects larger bodies when positive.
	MaxMessageSize int64
	// DetachedTxTimeout rolls back a transaction taken with TakeTransaction
	// that was not finished in time. Zero disables the watchdog.
	DetachedTxTimeout time.Duration
}

// Message is one received message.
type Message struct {
	Conversation broker.ConversationContext
	ServiceName  string
	Body         []byte
}

// Len returns the body length.
func (m *Message) Len() int {
	if m == nil {
		return 0
	}
	return len(m.Body)
}

// receivedMessage is the look-ahead row kept by WaitForFirstMessage.
type receivedMessage struct {
	row broker.Row
}

// Receiver consumes one conversation group.
type Receiver struct {
	logger   pslog.Logger
	clock    clock.Clock
	runner   *cmdrun.Runner
	recorder *instrument.Recorder
	queue    string
	group    uuid.UUID
	maxSize  int64
	detached time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	state   State
	tx      broker.Tx
	ownsTx  bool
	handle  Releaser
	hooks   []CloseHook
	pending *receivedMessage
	// rollbackOnly is set once a cancelled RECEIVE may have taken rows that
	// were never delivered.
	rollbackOnly bool

	cursorMu    sync.Mutex
	batch       broker.Batch
	batchCancel context.CancelFunc
}

// New constructs a Receiver in StateCreated.
func New(opts Options) *Receiver {
	r := &Receiver{
		logger:   loggingutil.WithSubsystem(opts.Logger, "transport.receiver").With("group", opts.GroupID.String()),
		clock:    clock.Or(opts.Clock),
		runner:   opts.Runner,
		recorder: instrument.Or(opts.Recorder),
		queue:    opts.Queue,
		group:    opts.GroupID,
		maxSize:  opts.MaxMessageSize,
		detached: opts.DetachedTxTimeout,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		tx:       opts.Tx,
		ownsTx:   opts.Tx != nil,
		handle:   opts.Handle,
	}
	if opts.Shutdown != nil {
		go func() {
			select {
			case <-opts.Shutdown:
				r.signal()
			case <-r.done:
			}
		}()
	}
	return r
}

func (r *Receiver) signal() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// GroupID returns the locked conversation group.
func (r *Receiver) GroupID() uuid.UUID {
	return r.group
}

// Queue returns the queue the group is received from.
func (r *Receiver) Queue() string {
	return r.queue
}

// State returns the lifecycle state.
func (r *Receiver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Open moves the receiver to StateOpened. The connection and lock were
// already acquired by the lock protocol.
func (r *Receiver) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateCreated:
		r.state = StateOpened
		return nil
	case StateOpened:
		return nil
	default:
		return faults.New(faults.KindInvalidOperation, "receiver.open", "receiver is "+r.state.String())
	}
}

// OnClose registers a hook run by Close inside the transaction.
func (r *Receiver) OnClose(hook CloseHook) {
	if hook == nil {
		return
	}
	r.mu.Lock()
	r.hooks = append(r.hooks, hook)
	r.mu.Unlock()
}

func (r *Receiver) usable(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateClosed || r.state == StateAborted {
		return faults.New(faults.KindInvalidOperation, op, "receiver is "+r.state.String())
	}
	if r.tx == nil {
		return faults.New(faults.KindInvalidOperation, op, "receiver has no transaction")
	}
	return nil
}

// WaitForFirstMessage blocks until the group has a message and keeps it for
// the next Receive. It reports false when the wait expired or was cancelled.
func (r *Receiver) WaitForFirstMessage(ctx context.Context, timeout time.Duration) (bool, error) {
	const op = "receiver.wait_first"
	if err := r.usable(op); err != nil {
		return false, err
	}
	r.mu.Lock()
	queued := r.pending != nil
	r.mu.Unlock()
	if queued {
		return false, faults.New(faults.KindInvalidOperation, op, "a message is already queued")
	}

	deadline := clock.NewDeadline(r.clock, timeout)
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	if r.batch == nil {
		ok, err := r.fetchLocked(ctx, deadline)
		if err != nil || !ok {
			return false, err
		}
	}
	if !r.batch.Next() {
		err := r.batch.Err()
		r.closeBatchLocked()
		if err != nil {
			return false, r.receiveError(op, err)
		}
		return false, nil
	}
	row := r.batch.Row()
	row.Body = append([]byte(nil), row.Body...)
	r.mu.Lock()
	r.pending = &receivedMessage{row: row}
	r.mu.Unlock()
	return true, nil
}

// Receive returns the next message of the group, or nil when none arrived
// before timeout or the wait was cancelled. The body is copied into dst when
// it has enough capacity, otherwise into a new slice of exactly the body's
// length.
func (r *Receiver) Receive(ctx context.Context, timeout time.Duration, dst []byte) (*Message, error) {
	const op = "receiver.receive"
	if err := r.usable(op); err != nil {
		return nil, err
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = nil
	r.mu.Unlock()
	if pending != nil {
		return r.decode(ctx, pending.row, dst)
	}

	deadline := clock.NewDeadline(r.clock, timeout)
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	for {
		fresh := false
		if r.batch == nil {
			ok, err := r.fetchLocked(ctx, deadline)
			if err != nil || !ok {
				return nil, err
			}
			fresh = true
		}
		if r.batch.Next() {
			return r.decode(ctx, r.batch.Row(), dst)
		}
		err := r.batch.Err()
		r.closeBatchLocked()
		if err != nil {
			return nil, r.receiveError(op, err)
		}
		if fresh {
			return nil, nil
		}
	}
}

// fetchLocked issues the bounded RECEIVE for the group. It reports false when
// the wait was cancelled by shutdown or Abort. Callers hold cursorMu.
func (r *Receiver) fetchLocked(ctx context.Context, deadline clock.Deadline) (bool, error) {
	ctx, finish := r.recorder.Start(ctx, "receiver.batch",
		attribute.String("ssbtransport.queue", r.queue),
		attribute.String("ssbtransport.group", r.group.String()),
	)
	batchCtx, cancel := context.WithCancel(ctx)
	tx := r.tx
	batch, cancelled, err := cmdrun.Run(batchCtx, r.runner, cancel, r.stop, func(ctx context.Context) (broker.Batch, error) {
		return tx.Receive(ctx, r.queue, r.group, deadline.Remaining())
	})
	finish(err)
	if cancelled {
		cancel()
		r.markRollbackOnly()
		r.logger.Debug("receiver.batch.cancelled", "error", err)
		return false, nil
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, r.receiveError("receiver.receive", err)
	}
	r.mu.Lock()
	aborted := r.state == StateAborted || r.state == StateClosed
	r.mu.Unlock()
	if aborted {
		_ = batch.Close()
		cancel()
		r.markRollbackOnly()
		return false, nil
	}
	r.batch = batch
	r.batchCancel = cancel
	return true, nil
}

func (r *Receiver) markRollbackOnly() {
	r.mu.Lock()
	r.rollbackOnly = true
	r.mu.Unlock()
}

func (r *Receiver) closeBatchLocked() {
	if r.batch != nil {
		_ = r.batch.Close()
		r.batch = nil
	}
	if r.batchCancel != nil {
		r.batchCancel()
		r.batchCancel = nil
	}
}

func (r *Receiver) receiveError(op string, err error) error {
	return faults.Wrap(faults.KindCommunication, op, fmt.Sprintf("receiving from conversation group %s", r.group), err)
}

func (r *Receiver) decode(ctx context.Context, row broker.Row, dst []byte) (*Message, error) {
	const op = "receiver.receive"
	msg := &Message{
		Conversation: broker.ConversationContext{
			ConversationHandle:    row.ConversationHandle,
			ConversationGroupID:   r.group,
			MessageSequenceNumber: row.SequenceNumber,
			MessageTypeName:       row.MessageTypeName,
		},
		ServiceName: row.ServiceName,
	}
	switch row.MessageTypeName {
	case broker.MessageTypeEndDialog, broker.MessageTypeDialogTimer:
		r.logger.Trace("receiver.control", "type", row.MessageTypeName, "conversation", row.ConversationHandle.String())
		return msg, nil
	case broker.MessageTypeError:
		payload, err := broker.ParseErrorPayload(row.Body)
		if err != nil {
			return nil, faults.Wrap(faults.KindProtocol, op, "malformed service broker error message", err)
		}
		r.logger.Debug("receiver.broker_error", "conversation", row.ConversationHandle.String(), "code", payload.Code, "description", payload.Description)
		return nil, faults.BrokerError(op, payload.Code, payload.Description)
	}
	n := len(row.Body)
	if r.maxSize > 0 && int64(n) > r.maxSize {
		return nil, faults.New(faults.KindProtocol, op, fmt.Sprintf("message of %d bytes exceeds the %d byte limit", n, r.maxSize))
	}
	if cap(dst) >= n {
		dst = dst[:n]
	} else {
		dst = make([]byte, n)
	}
	copy(dst, row.Body)
	msg.Body = dst
	r.recorder.MessageReceived(ctx, r.queue, row.MessageTypeName, n)
	return msg, nil
}

// EndConversation ends handle inside the receiver's transaction.
func (r *Receiver) EndConversation(ctx context.Context, handle uuid.UUID, timeout time.Duration) error {
	return r.end(ctx, "receiver.end_conversation", handle, broker.EndOptions{}, timeout)
}

// EndConversationWithError ends handle and sends code and description to the
// far side as a broker error message.
func (r *Receiver) EndConversationWithError(ctx context.Context, handle uuid.UUID, code int, description string, timeout time.Duration) error {
	return r.end(ctx, "receiver.end_conversation", handle, broker.EndOptions{WithError: true, ErrorCode: code, Description: description}, timeout)
}

// EndConversationWithCleanup removes handle without notifying the far side.
func (r *Receiver) EndConversationWithCleanup(ctx context.Context, handle uuid.UUID, timeout time.Duration) error {
	return r.end(ctx, "receiver.end_conversation", handle, broker.EndOptions{Cleanup: true}, timeout)
}

func (r *Receiver) end(ctx context.Context, op string, handle uuid.UUID, opts broker.EndOptions, timeout time.Duration) error {
	if err := r.usable(op); err != nil {
		return err
	}
	deadline := clock.NewDeadline(r.clock, timeout)
	endCtx, cancel := boundedContext(ctx, timeout)
	defer cancel()
	err := r.tx.EndConversation(endCtx, handle, opts)
	if err == nil {
		r.logger.Debug("receiver.conversation.ended", "conversation", handle.String(), "with_error", opts.WithError, "cleanup", opts.Cleanup)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return faults.Reclassify(op, timeout, deadline.Expired() || errors.Is(err, context.DeadlineExceeded), err)
}

// SetConversationTimer arms the dialog timer of handle to fire after d. A d
// of zero or less clears it.
func (r *Receiver) SetConversationTimer(ctx context.Context, handle uuid.UUID, d time.Duration) error {
	const op = "receiver.set_timer"
	if err := r.usable(op); err != nil {
		return err
	}
	if err := r.tx.SetConversationTimer(ctx, handle, broker.TimerSeconds(d)); err != nil {
		return faults.Wrap(faults.KindCommunication, op, "", err)
	}
	return nil
}

// Transaction returns a view of the receiver's transaction that can run
// broker commands but cannot finish it.
func (r *Receiver) Transaction() broker.Commands {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tx == nil {
		return nil
	}
	return commandsOnly{r.tx}
}

type commandsOnly struct {
	broker.Commands
}

// TakeTransaction detaches the transaction, and the connection it runs on,
// from the receiver. The caller must Commit or Rollback it; either releases
// the connection. Close and Abort leave a taken transaction alone.
func (r *Receiver) TakeTransaction() broker.Tx {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ownsTx || r.tx == nil {
		return nil
	}
	r.ownsTx = false
	d := newDetachedTx(r.tx, r.handle, r.clock, r.detached, r.logger)
	r.handle = nil
	return d
}

// Close runs the close hooks, commits an owned transaction and releases the
// connection. A receiver whose RECEIVE was cancelled by shutdown or a
// concurrent Close rolls back instead, so no taken message is lost. Closing
// twice is a no-op.
func (r *Receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.state == StateClosed || r.state == StateAborted {
		r.mu.Unlock()
		return nil
	}
	r.state = StateClosed
	hooks := r.hooks
	r.hooks = nil
	tx, owns, handle := r.tx, r.ownsTx, r.handle
	r.handle = nil
	r.ownsTx = false
	r.mu.Unlock()

	r.signal()
	r.cursorMu.Lock()
	r.closeBatchLocked()
	r.cursorMu.Unlock()
	defer close(r.done)

	r.mu.Lock()
	rollback := r.rollbackOnly
	r.mu.Unlock()
	var errs []error
	if tx != nil && !(owns && rollback) {
		for _, hook := range hooks {
			if err := hook(ctx, commandsOnly{tx}); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}
	if owns {
		if rollback {
			r.logger.Debug("receiver.rolled_back", "reason", "receive cancelled")
			if err := tx.Rollback(); err != nil && !errors.Is(err, broker.ErrTxDone) {
				errs = append(errs, err)
			}
		} else if len(errs) > 0 {
			if err := tx.Rollback(); err != nil && !errors.Is(err, broker.ErrTxDone) {
				errs = append(errs, err)
			}
		} else if err := tx.Commit(); err != nil && !errors.Is(err, broker.ErrTxDone) {
			errs = append(errs, faults.Wrap(faults.KindCommunication, "receiver.close", "commit", err))
		}
	}
	if handle != nil {
		if err := handle.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	r.logger.Trace("receiver.closed", "committed", owns && !rollback && len(errs) == 0)
	return errors.Join(errs...)
}

// Abort cancels any in-flight wait, rolls back an owned transaction and
// releases the connection. It is safe to call at any time and more than once.
func (r *Receiver) Abort() {
	r.mu.Lock()
	if r.state == StateClosed || r.state == StateAborted {
		r.mu.Unlock()
		return
	}
	r.state = StateAborted
	tx, owns, handle := r.tx, r.ownsTx, r.handle
	r.handle = nil
	r.ownsTx = false
	r.pending = nil
	r.mu.Unlock()

	r.signal()
	r.cursorMu.Lock()
	r.closeBatchLocked()
	r.cursorMu.Unlock()
	defer close(r.done)

	if owns {
		if err := tx.Rollback(); err != nil && !errors.Is(err, broker.ErrTxDone) {
			r.logger.Debug("receiver.abort.rollback_failed", "error", err)
		}
	}
	if handle != nil {
		if err := handle.Release(); err != nil {
			r.logger.Debug("receiver.abort.release_failed", "error", err)
		}
	}
	r.logger.Trace("receiver.aborted")
}

func boundedContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout == clock.Forever {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
