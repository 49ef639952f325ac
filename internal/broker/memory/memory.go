// Package memory emulates a Service Broker database in process: queues,
// services, dialogs, conversation groups, application locks, transactions
// with savepoints and dialog timers. Sends and end-of-dialog notifications
// become visible to the far side when the issuing transaction commits.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/loggingutil"
)

// Error numbers raised by the emulator, matching the backend's.
const (
	errNumberInvalidObject  = 208
	errNumberHandleNotFound = 8426
)

// Option customises a Broker.
type Option func(*Broker)

// WithClock sets the time source used for waits and dialog timers.
func WithClock(clk clock.Clock) Option {
	return func(b *Broker) {
		b.clk = clock.Or(clk)
	}
}

// WithLogger sets the broker's logger.
func WithLogger(logger pslog.Logger) Option {
	return func(b *Broker) {
		b.logger = loggingutil.WithSubsystem(logger, "broker.memory")
	}
}

// Broker is one emulated database.
type Broker struct {
	mu      sync.Mutex
	clk     clock.Clock
	logger  pslog.Logger
	changed chan struct{}

	nextObjectID int32
	order        uint64
	txSeq        uint64

	queues    map[string]*queue
	services  map[string]*service
	endpoints map[uuid.UUID]*endpoint
	groups    map[uuid.UUID]*Tx
	appLocks  map[string]*Tx
	openTx    map[uint64]*Tx
}

type queue struct {
	id       int32
	name     string
	messages []*message
}

type service struct {
	id    int32
	name  string
	queue *queue
}

type endpoint struct {
	handle         uuid.UUID
	conversationID uuid.UUID
	group          uuid.UUID
	service        *service
	farService     string
	far            *endpoint
	initiator      bool
	state          broker.State
	sendSeq        int64
	timerAt        time.Time
}

type message struct {
	order       uint64
	endpoint    *endpoint
	messageType string
	body        []byte
	seq         int64
}

// New constructs an empty broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		clk:          clock.Real{},
		logger:       loggingutil.WithSubsystem(nil, "broker.memory"),
		changed:      make(chan struct{}),
		nextObjectID: 1000,
		queues:       make(map[string]*queue),
		services:     make(map[string]*service),
		endpoints:    make(map[uuid.UUID]*endpoint),
		groups:       make(map[uuid.UUID]*Tx),
		appLocks:     make(map[string]*Tx),
		openTx:       make(map[uint64]*Tx),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// CreateQueue adds a queue. Creating an existing queue is a no-op.
func (b *Broker) CreateQueue(name string) error {
	if name == "" {
		return fmt.Errorf("memory: queue name required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queueLocked(name)
	return nil
}

// CreateService adds a service reading from queueName, creating the queue if
// needed.
func (b *Broker) CreateService(name, queueName string) error {
	if name == "" || queueName == "" {
		return fmt.Errorf("memory: service and queue names required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[name]; ok {
		return fmt.Errorf("memory: service %q already exists", name)
	}
	b.nextObjectID++
	b.services[name] = &service{id: b.nextObjectID, name: name, queue: b.queueLocked(queueName)}
	return nil
}

func (b *Broker) queueLocked(name string) *queue {
	if q, ok := b.queues[name]; ok {
		return q
	}
	b.nextObjectID++
	q := &queue{id: b.nextObjectID, name: name}
	b.queues[name] = q
	return q
}

// Connect opens a connection.
func (b *Broker) Connect() *Conn {
	return &Conn{b: b}
}

// Pending returns the number of messages waiting on a queue.
func (b *Broker) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fireTimersLocked()
	if q, ok := b.queues[queueName]; ok {
		return len(q.messages)
	}
	return 0
}

// OpenTransactions returns the number of transactions not yet finished.
func (b *Broker) OpenTransactions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.openTx)
}

// AppLockHeld reports whether any transaction holds an application lock on
// resource.
func (b *Broker) AppLockHeld(resource string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.appLocks[resource]
	return ok
}

func (b *Broker) notifyLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

// awaitLocked releases the broker lock until state changes, a dialog timer
// comes due, the deadline passes or ctx ends. Callers re-check their
// condition afterwards.
func (b *Broker) awaitLocked(ctx context.Context, dl clock.Deadline) error {
	changed := b.changed
	wait := dl.Remaining()
	if due, ok := b.nextTimerLocked(); ok {
		if untilDue := due.Sub(b.clk.Now()); untilDue < wait {
			wait = untilDue
		}
	}
	var timer <-chan time.Time
	if wait != clock.Forever {
		if wait < 0 {
			wait = 0
		}
		timer = b.clk.After(wait)
	}
	b.mu.Unlock()
	defer b.mu.Lock()
	select {
	case <-changed:
		return nil
	case <-timer:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Broker) deadline(wait time.Duration) clock.Deadline {
	return clock.NewDeadline(b.clk, wait)
}

func (b *Broker) enqueueLocked(to *endpoint, messageType string, body []byte, seq int64) {
	b.order++
	q := to.service.queue
	q.messages = append(q.messages, &message{
		order:       b.order,
		endpoint:    to,
		messageType: messageType,
		body:        body,
		seq:         seq,
	})
	b.notifyLocked()
}

func (b *Broker) restoreLocked(q *queue, msgs []*message) {
	q.messages = append(q.messages, msgs...)
	sort.Slice(q.messages, func(i, j int) bool { return q.messages[i].order < q.messages[j].order })
	b.notifyLocked()
}

// dropLocked removes every queued message addressed to ep and returns them.
func (b *Broker) dropLocked(ep *endpoint) []*message {
	q := ep.service.queue
	var dropped []*message
	kept := make([]*message, 0, len(q.messages))
	for _, m := range q.messages {
		if m.endpoint == ep {
			dropped = append(dropped, m)
			continue
		}
		kept = append(kept, m)
	}
	q.messages = kept
	return dropped
}

func (b *Broker) nextTimerLocked() (time.Time, bool) {
	var next time.Time
	for _, ep := range b.endpoints {
		if ep.timerAt.IsZero() {
			continue
		}
		if next.IsZero() || ep.timerAt.Before(next) {
			next = ep.timerAt
		}
	}
	return next, !next.IsZero()
}

func (b *Broker) fireTimersLocked() {
	now := b.clk.Now()
	due := make([]*endpoint, 0)
	for _, ep := range b.endpoints {
		if ep.timerAt.IsZero() || now.Before(ep.timerAt) {
			continue
		}
		due = append(due, ep)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].timerAt.Before(due[j].timerAt) })
	for _, ep := range due {
		ep.timerAt = time.Time{}
		if ep.state == broker.StateClosed {
			continue
		}
		b.enqueueLocked(ep, broker.MessageTypeDialogTimer, nil, 0)
		b.logger.Trace("memory.timer.fired", "conversation_handle", ep.handle)
	}
}

// deliverLocked hands a committed message to the far endpoint, creating the
// target endpoint on first contact.
func (b *Broker) deliverLocked(from *endpoint, messageType string, body []byte, seq int64) {
	far := from.far
	if far == nil {
		if !from.initiator {
			return
		}
		target, ok := b.services[from.farService]
		if !ok {
			from.state = broker.StateError
			payload := broker.EncodeErrorPayload(broker.ErrorPayload{
				Code:        -8408,
				Description: fmt.Sprintf("Target service '%s' could not be found.", from.farService),
			})
			b.enqueueLocked(from, broker.MessageTypeError, payload, 0)
			b.logger.Debug("memory.deliver.target_missing", "service", from.farService)
			return
		}
		far = &endpoint{
			handle:         uuid.New(),
			conversationID: from.conversationID,
			group:          uuid.New(),
			service:        target,
			farService:     from.service.name,
			far:            from,
			state:          broker.StateConversing,
		}
		from.far = far
		b.endpoints[far.handle] = far
	}
	if far.state == broker.StateClosed {
		return
	}
	if _, ok := b.endpoints[far.handle]; !ok {
		return
	}
	b.enqueueLocked(far, messageType, body, seq)
}

func (b *Broker) newTxLocked(c *Conn) *Tx {
	b.txSeq++
	t := &Tx{b: b, conn: c, id: b.txSeq}
	b.openTx[t.id] = t
	return t
}

func serverError(number int32, format string, args ...any) error {
	return &broker.ServerError{Number: number, Message: fmt.Sprintf(format, args...)}
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]*Broker)
)

// Register publishes b under name so mem://name data source names resolve
// to it.
func Register(name string, b *Broker) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = b
}

// Unregister removes a published broker.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// Lookup returns the broker published under name.
func Lookup(name string) (*Broker, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	b, ok := registry[name]
	return b, ok
}
