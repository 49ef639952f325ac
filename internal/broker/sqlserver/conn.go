package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"pkt.systems/ssbtransport/internal/broker"
)

// Conn is one exclusive SQL Server session. Commands run inside the active
// transaction when there is one.
type Conn struct {
	mu     sync.Mutex
	conn   *sql.Conn
	cmds   commands
	active *Tx
	closed bool
}

var _ broker.Conn = (*Conn)(nil)

// BeginTx starts a read-committed transaction. The transaction outlives ctx;
// it ends only through Commit or Rollback.
func (c *Conn) BeginTx(ctx context.Context) (broker.Tx, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, broker.ErrConnClosed
	}
	if c.active != nil {
		return nil, errors.New("sqlserver: transaction already active on connection")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tx, err := c.conn.BeginTx(context.WithoutCancel(ctx), &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, wrap(err)
	}
	c.active = &Tx{tx: tx, conn: c, commands: commands{q: tx}}
	return c.active, nil
}

// Close rolls back an active transaction and returns the session to its pool.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	active := c.active
	c.active = nil
	c.mu.Unlock()
	var rollbackErr error
	if active != nil {
		if err := active.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			rollbackErr = wrap(err)
		}
	}
	return errors.Join(rollbackErr, wrap(c.conn.Close()))
}

func (c *Conn) current() (commands, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return commands{}, broker.ErrConnClosed
	}
	if c.active != nil {
		return c.active.commands, nil
	}
	return c.cmds, nil
}

func (c *Conn) release(tx *Tx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == tx {
		c.active = nil
	}
}

func (c *Conn) AppLock(ctx context.Context, resource string, wait time.Duration) (int, error) {
	cmds, err := c.current()
	if err != nil {
		return 0, err
	}
	return cmds.AppLock(ctx, resource, wait)
}

func (c *Conn) GetConversationGroup(ctx context.Context, queue string, wait time.Duration) (uuid.UUID, bool, error) {
	cmds, err := c.current()
	if err != nil {
		return uuid.Nil, false, err
	}
	return cmds.GetConversationGroup(ctx, queue, wait)
}

func (c *Conn) Receive(ctx context.Context, queue string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	cmds, err := c.current()
	if err != nil {
		return nil, err
	}
	return cmds.Receive(ctx, queue, group, wait)
}

func (c *Conn) BeginDialog(ctx context.Context, spec broker.DialogSpec) (uuid.UUID, error) {
	cmds, err := c.current()
	if err != nil {
		return uuid.Nil, err
	}
	return cmds.BeginDialog(ctx, spec)
}

func (c *Conn) Send(ctx context.Context, handle uuid.UUID, messageType string, body []byte) error {
	cmds, err := c.current()
	if err != nil {
		return err
	}
	return cmds.Send(ctx, handle, messageType, body)
}

func (c *Conn) EndConversation(ctx context.Context, handle uuid.UUID, opts broker.EndOptions) error {
	cmds, err := c.current()
	if err != nil {
		return err
	}
	return cmds.EndConversation(ctx, handle, opts)
}

func (c *Conn) SetConversationTimer(ctx context.Context, handle uuid.UUID, seconds int32) error {
	cmds, err := c.current()
	if err != nil {
		return err
	}
	return cmds.SetConversationTimer(ctx, handle, seconds)
}

func (c *Conn) LookupService(ctx context.Context, name string) (broker.ServiceInfo, error) {
	cmds, err := c.current()
	if err != nil {
		return broker.ServiceInfo{}, err
	}
	return cmds.LookupService(ctx, name)
}

func (c *Conn) LookupConversation(ctx context.Context, handle uuid.UUID) (broker.ConversationInfo, error) {
	cmds, err := c.current()
	if err != nil {
		return broker.ConversationInfo{}, err
	}
	return cmds.LookupConversation(ctx, handle)
}

func (c *Conn) ConversationError(ctx context.Context, handle uuid.UUID) (broker.ErrorPayload, bool, error) {
	cmds, err := c.current()
	if err != nil {
		return broker.ErrorPayload{}, false, err
	}
	return cmds.ConversationError(ctx, handle)
}

func (c *Conn) EndAllConversationsWithCleanup(ctx context.Context) (int, error) {
	cmds, err := c.current()
	if err != nil {
		return 0, err
	}
	return cmds.EndAllConversationsWithCleanup(ctx)
}

// Tx is a SQL Server transaction.
type Tx struct {
	commands
	tx   *sql.Tx
	conn *Conn
}

var _ broker.Tx = (*Tx)(nil)

func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if err := broker.ValidateIdentifier("savepoint", name); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "SAVE TRANSACTION "+name+";")
	return wrap(err)
}

func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := broker.ValidateIdentifier("savepoint", name); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(ctx, "ROLLBACK TRANSACTION "+name+";")
	return wrap(err)
}

func (t *Tx) Commit() error {
	defer t.conn.release(t)
	return t.finish(t.tx.Commit())
}

func (t *Tx) Rollback() error {
	defer t.conn.release(t)
	return t.finish(t.tx.Rollback())
}

func (t *Tx) finish(err error) error {
	if errors.Is(err, sql.ErrTxDone) {
		return broker.ErrTxDone
	}
	return wrap(err)
}
