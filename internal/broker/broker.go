// Package broker defines the command surface the transport issues against a
// Service Broker backend. The sqlserver subpackage implements it over T-SQL,
// the memory subpackage emulates it in process.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Wait durations passed to blocking commands follow the broker's conventions:
// zero does not wait and clock.Forever waits without limit.

// Commands are the broker operations available on an autocommit connection
// or inside a transaction.
type Commands interface {
	// AppLock requests an exclusive application lock on resource owned by the
	// current transaction. It returns the sp_getapplock result code.
	AppLock(ctx context.Context, resource string, wait time.Duration) (int, error)
	// GetConversationGroup waits for the next conversation group with
	// messages on queue. ok is false when the wait expired.
	GetConversationGroup(ctx context.Context, queue string, wait time.Duration) (group uuid.UUID, ok bool, err error)
	// Receive waits for messages of group on queue and returns them as a
	// batch. An expired wait yields an empty batch.
	Receive(ctx context.Context, queue string, group uuid.UUID, wait time.Duration) (Batch, error)
	BeginDialog(ctx context.Context, spec DialogSpec) (uuid.UUID, error)
	Send(ctx context.Context, handle uuid.UUID, messageType string, body []byte) error
	EndConversation(ctx context.Context, handle uuid.UUID, opts EndOptions) error
	// SetConversationTimer arms the dialog timer of handle. Zero seconds
	// clears it.
	SetConversationTimer(ctx context.Context, handle uuid.UUID, seconds int32) error
	// LookupService returns ErrServiceNotFound for unknown names.
	LookupService(ctx context.Context, name string) (ServiceInfo, error)
	// LookupConversation returns ErrConversationNotFound for unknown handles.
	LookupConversation(ctx context.Context, handle uuid.UUID) (ConversationInfo, error)
	// ConversationError inspects the queue of handle for a broker-delivered
	// error message without consuming it.
	ConversationError(ctx context.Context, handle uuid.UUID) (payload ErrorPayload, found bool, err error)
	// EndAllConversationsWithCleanup removes every conversation endpoint in
	// the database and reports how many were removed.
	EndAllConversationsWithCleanup(ctx context.Context) (int, error)
}

// Tx is a broker transaction. Commit and Rollback finish it; further calls
// fail.
type Tx interface {
	Commands
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	Commit() error
	Rollback() error
}

// Conn is one exclusive backend connection.
type Conn interface {
	Commands
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Batch is the cursor over one RECEIVE result.
type Batch interface {
	Next() bool
	// Row returns the current row. Row.Body is only valid until the next call
	// to Next or Close.
	Row() Row
	Err() error
	Close() error
}

// Row is one received message.
type Row struct {
	ConversationHandle uuid.UUID
	ServiceName        string
	MessageTypeName    string
	Body               []byte
	SequenceNumber     int64
}

// DialogSpec describes a BEGIN DIALOG command.
type DialogSpec struct {
	FromService string
	ToService   string
	Contract    string
	Encryption  bool
	// RelatedGroup places the new dialog in an existing conversation group
	// when not uuid.Nil.
	RelatedGroup uuid.UUID
}

// EndOptions select the END CONVERSATION variant.
type EndOptions struct {
	WithError   bool
	ErrorCode   int
	Description string
	Cleanup     bool
}
