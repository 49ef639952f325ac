package memory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pkt.systems/ssbtransport/internal/broker"
)

// Conn is an emulated connection. Commands issued while a transaction is
// active run inside it, otherwise each command commits on its own.
type Conn struct {
	b      *Broker
	active *Tx
	closed bool
}

var _ broker.Conn = (*Conn)(nil)

// BeginTx starts a transaction on the connection.
func (c *Conn) BeginTx(ctx context.Context) (broker.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, broker.ErrConnClosed
	}
	if c.active != nil {
		return nil, errors.New("memory: transaction already active on connection")
	}
	c.active = c.b.newTxLocked(c)
	return c.active, nil
}

// Close rolls back an active transaction and closes the connection.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.active != nil {
		c.active.finishLocked(false)
	}
	c.closed = true
	c.b.notifyLocked()
	return nil
}

func (c *Conn) exec(fn func(t *Tx) error) error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return broker.ErrConnClosed
	}
	if c.active != nil {
		return fn(c.active)
	}
	t := c.b.newTxLocked(c)
	err := fn(t)
	if !t.done {
		t.finishLocked(err == nil)
	}
	return err
}

func (c *Conn) AppLock(ctx context.Context, resource string, wait time.Duration) (int, error) {
	var code int
	err := c.exec(func(t *Tx) error {
		if t != c.active {
			return errNoTransaction
		}
		var err error
		code, err = t.appLockLocked(ctx, resource, wait)
		return err
	})
	return code, err
}

func (c *Conn) GetConversationGroup(ctx context.Context, queueName string, wait time.Duration) (uuid.UUID, bool, error) {
	var (
		group uuid.UUID
		ok    bool
	)
	err := c.exec(func(t *Tx) error {
		var err error
		group, ok, err = t.getConversationGroupLocked(ctx, queueName, wait)
		return err
	})
	return group, ok, err
}

func (c *Conn) Receive(ctx context.Context, queueName string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	var out broker.Batch
	err := c.exec(func(t *Tx) error {
		var err error
		out, err = t.receiveLocked(ctx, queueName, group, wait)
		return err
	})
	return out, err
}

func (c *Conn) BeginDialog(ctx context.Context, spec broker.DialogSpec) (uuid.UUID, error) {
	var handle uuid.UUID
	err := c.exec(func(t *Tx) error {
		var err error
		handle, err = t.beginDialogLocked(spec)
		return err
	})
	return handle, err
}

func (c *Conn) Send(ctx context.Context, handle uuid.UUID, messageType string, body []byte) error {
	return c.exec(func(t *Tx) error {
		return t.sendLocked(handle, messageType, body)
	})
}

func (c *Conn) EndConversation(ctx context.Context, handle uuid.UUID, opts broker.EndOptions) error {
	return c.exec(func(t *Tx) error {
		return t.endConversationLocked(handle, opts)
	})
}

func (c *Conn) SetConversationTimer(ctx context.Context, handle uuid.UUID, seconds int32) error {
	return c.exec(func(t *Tx) error {
		return t.setConversationTimerLocked(handle, seconds)
	})
}

func (c *Conn) LookupService(ctx context.Context, name string) (broker.ServiceInfo, error) {
	var info broker.ServiceInfo
	err := c.exec(func(t *Tx) error {
		var err error
		info, err = t.lookupServiceLocked(name)
		return err
	})
	return info, err
}

func (c *Conn) LookupConversation(ctx context.Context, handle uuid.UUID) (broker.ConversationInfo, error) {
	var info broker.ConversationInfo
	err := c.exec(func(t *Tx) error {
		var err error
		info, err = t.lookupConversationLocked(handle)
		return err
	})
	return info, err
}

func (c *Conn) ConversationError(ctx context.Context, handle uuid.UUID) (broker.ErrorPayload, bool, error) {
	var (
		payload broker.ErrorPayload
		found   bool
	)
	err := c.exec(func(t *Tx) error {
		var err error
		payload, found, err = t.conversationErrorLocked(handle)
		return err
	})
	return payload, found, err
}

func (c *Conn) EndAllConversationsWithCleanup(ctx context.Context) (int, error) {
	var n int
	err := c.exec(func(t *Tx) error {
		var err error
		n, err = t.endAllLocked()
		return err
	})
	return n, err
}

type batch struct {
	rows   []broker.Row
	pos    int
	closed bool
}

func (b *batch) Next() bool {
	if b.closed || b.pos+1 >= len(b.rows) {
		return false
	}
	b.pos++
	return true
}

func (b *batch) Row() broker.Row {
	if b.pos < 0 || b.pos >= len(b.rows) {
		return broker.Row{}
	}
	return b.rows[b.pos]
}

func (b *batch) Err() error {
	return nil
}

func (b *batch) Close() error {
	b.closed = true
	return nil
}
