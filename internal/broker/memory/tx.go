package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"pkt.systems/ssbtransport/internal/broker"
)

// Tx is an emulated transaction. Undo actions reverse its visible effects on
// rollback, deferred actions publish its sends on commit.
type Tx struct {
	b          *Broker
	conn       *Conn
	id         uint64
	done       bool
	undo       []func()
	deferred   []func()
	savepoints []savepoint
	groups     []uuid.UUID
	locks      []string
}

type savepoint struct {
	name     string
	undo     int
	deferred int
	groups   int
}

var _ broker.Tx = (*Tx)(nil)

// Commit publishes deferred work and releases every lock.
func (t *Tx) Commit() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.done {
		return broker.ErrTxDone
	}
	t.finishLocked(true)
	return nil
}

// Rollback undoes the transaction's effects and releases every lock.
func (t *Tx) Rollback() error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.done {
		return broker.ErrTxDone
	}
	t.finishLocked(false)
	return nil
}

// Savepoint marks a point RollbackTo can return to.
func (t *Tx) Savepoint(_ context.Context, name string) error {
	if err := broker.ValidateIdentifier("savepoint", name); err != nil {
		return err
	}
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.done {
		return broker.ErrTxDone
	}
	t.savepoints = append(t.savepoints, savepoint{
		name:     name,
		undo:     len(t.undo),
		deferred: len(t.deferred),
		groups:   len(t.groups),
	})
	return nil
}

// RollbackTo undoes the work done since the latest savepoint called name and
// releases the conversation groups locked since then. Application locks stay
// held.
func (t *Tx) RollbackTo(_ context.Context, name string) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	if t.done {
		return broker.ErrTxDone
	}
	idx := -1
	for i := len(t.savepoints) - 1; i >= 0; i-- {
		if t.savepoints[i].name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return serverError(6401, "Cannot roll back %s. No transaction or savepoint of that name was found.", name)
	}
	sp := t.savepoints[idx]
	for i := len(t.undo) - 1; i >= sp.undo; i-- {
		t.undo[i]()
	}
	t.undo = t.undo[:sp.undo]
	t.deferred = t.deferred[:sp.deferred]
	for _, g := range t.groups[sp.groups:] {
		if t.b.groups[g] == t {
			delete(t.b.groups, g)
		}
	}
	t.groups = t.groups[:sp.groups]
	t.savepoints = t.savepoints[:idx+1]
	t.b.notifyLocked()
	return nil
}

func (t *Tx) finishLocked(commit bool) {
	b := t.b
	if commit {
		for _, fn := range t.deferred {
			fn()
		}
	} else {
		for i := len(t.undo) - 1; i >= 0; i-- {
			t.undo[i]()
		}
	}
	for _, g := range t.groups {
		if b.groups[g] == t {
			delete(b.groups, g)
		}
	}
	for _, resource := range t.locks {
		if b.appLocks[resource] == t {
			delete(b.appLocks, resource)
		}
	}
	t.undo, t.deferred, t.savepoints, t.groups, t.locks = nil, nil, nil, nil, nil
	t.done = true
	delete(b.openTx, t.id)
	if t.conn != nil && t.conn.active == t {
		t.conn.active = nil
	}
	b.notifyLocked()
}

func (t *Tx) lockGroupLocked(group uuid.UUID) {
	if t.b.groups[group] == t {
		return
	}
	t.b.groups[group] = t
	t.groups = append(t.groups, group)
}

func (t *Tx) checkLocked() error {
	if t.done {
		return broker.ErrTxDone
	}
	if t.conn != nil && t.conn.closed {
		return broker.ErrConnClosed
	}
	return nil
}

// AppLock implements sp_getapplock with an exclusive, transaction-owned lock.
func (t *Tx) AppLock(ctx context.Context, resource string, wait time.Duration) (int, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.appLockLocked(ctx, resource, wait)
}

func (t *Tx) appLockLocked(ctx context.Context, resource string, wait time.Duration) (int, error) {
	b := t.b
	dl := b.deadline(wait)
	waited := false
	for {
		if err := t.checkLocked(); err != nil {
			return 0, err
		}
		switch owner := b.appLocks[resource]; owner {
		case nil:
			b.appLocks[resource] = t
			t.locks = append(t.locks, resource)
			if waited {
				return 1, nil
			}
			return 0, nil
		case t:
			return 0, nil
		}
		if dl.Expired() {
			return -1, nil
		}
		waited = true
		if err := b.awaitLocked(ctx, dl); err != nil {
			return 0, err
		}
	}
}

// GetConversationGroup locks and returns the group of the oldest message on
// queue that no transaction has locked.
func (t *Tx) GetConversationGroup(ctx context.Context, queueName string, wait time.Duration) (uuid.UUID, bool, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.getConversationGroupLocked(ctx, queueName, wait)
}

func (t *Tx) getConversationGroupLocked(ctx context.Context, queueName string, wait time.Duration) (uuid.UUID, bool, error) {
	b := t.b
	dl := b.deadline(wait)
	for {
		if err := t.checkLocked(); err != nil {
			return uuid.Nil, false, err
		}
		b.fireTimersLocked()
		q, ok := b.queues[queueName]
		if !ok {
			return uuid.Nil, false, serverError(errNumberInvalidObject, "Invalid object name '%s'.", queueName)
		}
		for _, m := range q.messages {
			group := m.endpoint.group
			if _, locked := b.groups[group]; locked {
				continue
			}
			t.lockGroupLocked(group)
			return group, true, nil
		}
		if dl.Expired() {
			return uuid.Nil, false, nil
		}
		if err := b.awaitLocked(ctx, dl); err != nil {
			return uuid.Nil, false, err
		}
	}
}

// Receive removes every message of group from queue, waiting while another
// transaction holds the group or no message is available.
func (t *Tx) Receive(ctx context.Context, queueName string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.receiveLocked(ctx, queueName, group, wait)
}

func (t *Tx) receiveLocked(ctx context.Context, queueName string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	b := t.b
	dl := b.deadline(wait)
	for {
		if err := t.checkLocked(); err != nil {
			return nil, err
		}
		b.fireTimersLocked()
		q, ok := b.queues[queueName]
		if !ok {
			return nil, serverError(errNumberInvalidObject, "Invalid object name '%s'.", queueName)
		}
		if owner, locked := b.groups[group]; !locked || owner == t {
			var taken []*message
			kept := make([]*message, 0, len(q.messages))
			for _, m := range q.messages {
				if m.endpoint.group == group {
					taken = append(taken, m)
					continue
				}
				kept = append(kept, m)
			}
			if len(taken) > 0 {
				q.messages = kept
				t.lockGroupLocked(group)
				t.undo = append(t.undo, func() { b.restoreLocked(q, taken) })
				rows := make([]broker.Row, 0, len(taken))
				for _, m := range taken {
					rows = append(rows, broker.Row{
						ConversationHandle: m.endpoint.handle,
						ServiceName:        m.endpoint.service.name,
						MessageTypeName:    m.messageType,
						Body:               m.body,
						SequenceNumber:     m.seq,
					})
				}
				return &batch{rows: rows, pos: -1}, nil
			}
		}
		if dl.Expired() {
			return &batch{pos: -1}, nil
		}
		if err := b.awaitLocked(ctx, dl); err != nil {
			return nil, err
		}
	}
}

// BeginDialog creates the initiator endpoint. The target endpoint appears
// when the first message is delivered.
func (t *Tx) BeginDialog(ctx context.Context, spec broker.DialogSpec) (uuid.UUID, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.beginDialogLocked(spec)
}

func (t *Tx) beginDialogLocked(spec broker.DialogSpec) (uuid.UUID, error) {
	b := t.b
	if err := t.checkLocked(); err != nil {
		return uuid.Nil, err
	}
	from, ok := b.services[spec.FromService]
	if !ok {
		return uuid.Nil, fmt.Errorf("begin dialog from %q: %w", spec.FromService, broker.ErrServiceNotFound)
	}
	if spec.ToService == "" {
		return uuid.Nil, fmt.Errorf("begin dialog: target service required")
	}
	if err := broker.ValidateIdentifier("contract", spec.Contract); err != nil {
		return uuid.Nil, err
	}
	group := spec.RelatedGroup
	if group == uuid.Nil {
		group = uuid.New()
	}
	ep := &endpoint{
		handle:         uuid.New(),
		conversationID: uuid.New(),
		group:          group,
		service:        from,
		farService:     spec.ToService,
		initiator:      true,
		state:          broker.StateStartedOutbound,
		sendSeq:        0,
	}
	b.endpoints[ep.handle] = ep
	t.undo = append(t.undo, func() { delete(b.endpoints, ep.handle) })
	return ep.handle, nil
}

// Send queues body for delivery to the far endpoint on commit.
func (t *Tx) Send(ctx context.Context, handle uuid.UUID, messageType string, body []byte) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.sendLocked(handle, messageType, body)
}

func (t *Tx) sendLocked(handle uuid.UUID, messageType string, body []byte) error {
	b := t.b
	if err := t.checkLocked(); err != nil {
		return err
	}
	ep, ok := b.endpoints[handle]
	if !ok {
		return serverError(errNumberHandleNotFound, "The conversation handle \"%s\" is not found.", handle)
	}
	switch ep.state {
	case broker.StateStartedOutbound, broker.StateStartedInbound, broker.StateConversing:
	default:
		return serverError(broker.ErrNumberConversationDisabled,
			"The conversation endpoint is not in a valid state for SEND. The current endpoint state is '%s'.", ep.state)
	}
	if err := broker.ValidateIdentifier("message type", messageType); err != nil {
		return err
	}
	prevState, prevSeq := ep.state, ep.sendSeq
	ep.state = broker.StateConversing
	seq := ep.sendSeq
	ep.sendSeq++
	t.undo = append(t.undo, func() {
		ep.state = prevState
		ep.sendSeq = prevSeq
	})
	payload := append([]byte(nil), body...)
	t.deferred = append(t.deferred, func() { b.deliverLocked(ep, messageType, payload, seq) })
	return nil
}

// EndConversation ends handle locally and notifies the far side on commit.
func (t *Tx) EndConversation(ctx context.Context, handle uuid.UUID, opts broker.EndOptions) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.endConversationLocked(handle, opts)
}

func (t *Tx) endConversationLocked(handle uuid.UUID, opts broker.EndOptions) error {
	b := t.b
	if err := t.checkLocked(); err != nil {
		return err
	}
	ep, ok := b.endpoints[handle]
	if !ok || ep.state == broker.StateClosed {
		return serverError(errNumberHandleNotFound, "The conversation handle \"%s\" is not found.", handle)
	}
	dropped := b.dropLocked(ep)
	q := ep.service.queue
	if opts.Cleanup {
		delete(b.endpoints, handle)
		t.undo = append(t.undo, func() {
			b.endpoints[handle] = ep
			b.restoreLocked(q, dropped)
		})
		return nil
	}
	prevState, prevTimer := ep.state, ep.timerAt
	switch ep.state {
	case broker.StateDisconnectedInbound, broker.StateError:
		ep.state = broker.StateClosed
	default:
		ep.state = broker.StateDisconnectedOutbound
	}
	ep.timerAt = time.Time{}
	t.undo = append(t.undo, func() {
		ep.state, ep.timerAt = prevState, prevTimer
		b.restoreLocked(q, dropped)
	})
	t.deferred = append(t.deferred, func() {
		far := ep.far
		if far == nil {
			ep.state = broker.StateClosed
			return
		}
		switch far.state {
		case broker.StateClosed:
			return
		case broker.StateDisconnectedOutbound:
			far.state = broker.StateClosed
			ep.state = broker.StateClosed
			return
		}
		if opts.WithError {
			far.state = broker.StateError
			b.enqueueLocked(far, broker.MessageTypeError, broker.EncodeErrorPayload(broker.ErrorPayload{
				Code:        opts.ErrorCode,
				Description: opts.Description,
			}), 0)
			return
		}
		far.state = broker.StateDisconnectedInbound
		b.enqueueLocked(far, broker.MessageTypeEndDialog, nil, 0)
	})
	return nil
}

// SetConversationTimer arms or clears the dialog timer of handle.
func (t *Tx) SetConversationTimer(ctx context.Context, handle uuid.UUID, seconds int32) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.setConversationTimerLocked(handle, seconds)
}

func (t *Tx) setConversationTimerLocked(handle uuid.UUID, seconds int32) error {
	b := t.b
	if err := t.checkLocked(); err != nil {
		return err
	}
	ep, ok := b.endpoints[handle]
	if !ok || ep.state == broker.StateClosed {
		return serverError(errNumberHandleNotFound, "The conversation handle \"%s\" is not found.", handle)
	}
	prev := ep.timerAt
	if seconds <= 0 {
		ep.timerAt = time.Time{}
	} else {
		ep.timerAt = b.clk.Now().Add(time.Duration(seconds) * time.Second)
	}
	t.undo = append(t.undo, func() { ep.timerAt = prev })
	b.notifyLocked()
	return nil
}

// LookupService returns the catalog entry of name.
func (t *Tx) LookupService(ctx context.Context, name string) (broker.ServiceInfo, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.lookupServiceLocked(name)
}

func (t *Tx) lookupServiceLocked(name string) (broker.ServiceInfo, error) {
	if err := t.checkLocked(); err != nil {
		return broker.ServiceInfo{}, err
	}
	s, ok := t.b.services[name]
	if !ok {
		return broker.ServiceInfo{}, broker.ErrServiceNotFound
	}
	return broker.ServiceInfo{
		ServiceName: s.name,
		ServiceID:   s.id,
		QueueName:   s.queue.name,
		QueueID:     s.queue.id,
	}, nil
}

// LookupConversation returns the endpoint metadata of handle.
func (t *Tx) LookupConversation(ctx context.Context, handle uuid.UUID) (broker.ConversationInfo, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.lookupConversationLocked(handle)
}

func (t *Tx) lookupConversationLocked(handle uuid.UUID) (broker.ConversationInfo, error) {
	if err := t.checkLocked(); err != nil {
		return broker.ConversationInfo{}, err
	}
	ep, ok := t.b.endpoints[handle]
	if !ok {
		return broker.ConversationInfo{}, broker.ErrConversationNotFound
	}
	return broker.ConversationInfo{
		ServiceName:         ep.service.name,
		QueueName:           ep.service.queue.name,
		TargetServiceName:   ep.farService,
		ConversationID:      ep.conversationID,
		ConversationHandle:  ep.handle,
		ConversationGroupID: ep.group,
		State:               ep.state,
	}, nil
}

// ConversationError peeks at the first error message queued for handle.
func (t *Tx) ConversationError(ctx context.Context, handle uuid.UUID) (broker.ErrorPayload, bool, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.conversationErrorLocked(handle)
}

func (t *Tx) conversationErrorLocked(handle uuid.UUID) (broker.ErrorPayload, bool, error) {
	if err := t.checkLocked(); err != nil {
		return broker.ErrorPayload{}, false, err
	}
	ep, ok := t.b.endpoints[handle]
	if !ok {
		return broker.ErrorPayload{}, false, nil
	}
	for _, m := range ep.service.queue.messages {
		if m.endpoint != ep || m.messageType != broker.MessageTypeError {
			continue
		}
		payload, err := broker.ParseErrorPayload(m.body)
		if err != nil {
			return broker.ErrorPayload{}, false, err
		}
		return payload, true, nil
	}
	return broker.ErrorPayload{}, false, nil
}

// EndAllConversationsWithCleanup drops every endpoint and its messages.
func (t *Tx) EndAllConversationsWithCleanup(ctx context.Context) (int, error) {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	return t.endAllLocked()
}

func (t *Tx) endAllLocked() (int, error) {
	b := t.b
	if err := t.checkLocked(); err != nil {
		return 0, err
	}
	removed := b.endpoints
	queues := make(map[*queue][]*message, len(b.queues))
	for _, q := range b.queues {
		queues[q] = q.messages
		q.messages = nil
	}
	b.endpoints = make(map[uuid.UUID]*endpoint)
	t.undo = append(t.undo, func() {
		b.endpoints = removed
		for q, msgs := range queues {
			q.messages = msgs
		}
		b.notifyLocked()
	})
	b.notifyLocked()
	return len(removed), nil
}

var errNoTransaction = errors.New("memory: sp_getapplock with a transaction owner requires an active transaction")
