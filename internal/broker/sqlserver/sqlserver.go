// Package sqlserver issues the broker command surface as T-SQL against SQL
// Server through database/sql and go-mssqldb.
package sqlserver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	mssql "github.com/microsoft/go-mssqldb"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/clock"
)

// OpenDB builds a connection pool for dsn. The DSN must already be stripped
// of transport-level capability keys.
func OpenDB(dsn string) (*sql.DB, error) {
	connector, err := mssql.NewConnector(dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlserver: parse dsn: %w", err)
	}
	return sql.OpenDB(connector), nil
}

// Connect takes one exclusive connection from db.
func Connect(ctx context.Context, db *sql.DB) (*Conn, error) {
	c, err := db.Conn(ctx)
	if err != nil {
		return nil, wrap(err)
	}
	return &Conn{conn: c, cmds: commands{q: c}}, nil
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// wrap attaches the backend error number to SQL Server errors.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var sqlErr mssql.Error
	if errors.As(err, &sqlErr) {
		return &broker.ServerError{Number: sqlErr.Number, Message: sqlErr.Message, Err: err}
	}
	return err
}

func guid(id uuid.UUID) mssql.UniqueIdentifier {
	return mssql.UniqueIdentifier(id)
}

const appLockSQL = `DECLARE @rc int;
EXEC @rc = sp_getapplock @Resource = @resource, @LockMode = 'Exclusive', @LockOwner = 'Transaction', @LockTimeout = @timeout;
SELECT @rc;`

const serviceInfoSQL = `SELECT s.name, s.service_id, q.name, q.object_id
FROM sys.services s
INNER JOIN sys.service_queues q ON s.service_queue_id = q.object_id
WHERE s.name = @name;`

const conversationInfoSQL = `SELECT ce.conversation_group_id, ce.conversation_id, s.name, ce.far_service, q.name, ce.state
FROM sys.conversation_endpoints ce
JOIN sys.services s ON ce.service_id = s.service_id
JOIN sys.service_queue_usages u ON u.service_id = s.service_id
JOIN sys.service_queues q ON q.object_id = u.service_queue_id
WHERE ce.conversation_handle = @handle;`

const conversationErrorSQL = `DECLARE @queueName sysname;
SELECT @queueName = sq.name
FROM sys.conversation_endpoints ce
JOIN sys.services s ON s.service_id = ce.service_id
JOIN sys.service_queue_usages squ ON s.service_id = squ.service_id
JOIN sys.service_queues sq ON squ.service_queue_id = sq.object_id
WHERE ce.conversation_handle = @handle;
DECLARE @msg xml;
IF @queueName IS NOT NULL
BEGIN
  DECLARE @sql nvarchar(max) = N'SELECT TOP (1) @m = CAST(message_body AS xml) FROM ' + QUOTENAME(@queueName)
    + N' WITH (NOLOCK) WHERE message_type_id = 1 AND conversation_handle = @ch';
  EXEC sp_executesql @sql, N'@ch uniqueidentifier, @m xml OUTPUT', @ch = @handle, @m = @msg OUTPUT;
END;
WITH XMLNAMESPACES ('http://schemas.microsoft.com/SQL/ServiceBroker/Error' AS e)
SELECT @msg.value('(/e:Error/e:Code)[1]', 'int'), @msg.value('(/e:Error/e:Description)[1]', 'nvarchar(max)');`

const endAllSQL = `DECLARE conversations CURSOR LOCAL FOR
  SELECT conversation_handle FROM sys.conversation_endpoints
  WHERE NOT (state = 'CD' AND is_initiator = 0);
DECLARE @handle uniqueidentifier;
DECLARE @count int = 0;
OPEN conversations;
FETCH NEXT FROM conversations INTO @handle;
WHILE @@FETCH_STATUS = 0
BEGIN
  SET @count = @count + 1;
  END CONVERSATION @handle WITH CLEANUP;
  FETCH NEXT FROM conversations INTO @handle;
END;
CLOSE conversations;
DEALLOCATE conversations;
SELECT @count;`

// commands implements broker.Commands over a connection or transaction.
type commands struct {
	q querier
}

func (c commands) AppLock(ctx context.Context, resource string, wait time.Duration) (int, error) {
	var rc int
	err := c.q.QueryRowContext(ctx, appLockSQL,
		sql.Named("resource", resource),
		sql.Named("timeout", clock.ToMillis(wait)),
	).Scan(&rc)
	if err != nil {
		return 0, wrap(err)
	}
	return rc, nil
}

func (c commands) GetConversationGroup(ctx context.Context, queue string, wait time.Duration) (uuid.UUID, bool, error) {
	query := fmt.Sprintf(`DECLARE @cg uniqueidentifier;
WAITFOR (GET CONVERSATION GROUP @cg FROM %s), TIMEOUT @timeout;
SELECT @cg;`, broker.QuoteName(queue))
	var group mssql.NullUniqueIdentifier
	if err := c.q.QueryRowContext(ctx, query, sql.Named("timeout", clock.ToMillis(wait))).Scan(&group); err != nil {
		return uuid.Nil, false, wrap(err)
	}
	if !group.Valid {
		return uuid.Nil, false, nil
	}
	return uuid.UUID(group.UUID), true, nil
}

func (c commands) Receive(ctx context.Context, queue string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	query := fmt.Sprintf(`WAITFOR (
  RECEIVE conversation_handle, service_name, message_type_name, message_body, message_sequence_number
  FROM %s WHERE conversation_group_id = @cgid
), TIMEOUT @timeout;`, broker.QuoteName(queue))
	rows, err := c.q.QueryContext(ctx, query,
		sql.Named("cgid", guid(group)),
		sql.Named("timeout", clock.ToMillis(wait)),
	)
	if err != nil {
		return nil, wrap(err)
	}
	return &batch{rows: rows}, nil
}

func (c commands) BeginDialog(ctx context.Context, spec broker.DialogSpec) (uuid.UUID, error) {
	if err := broker.ValidateIdentifier("contract", spec.Contract); err != nil {
		return uuid.Nil, err
	}
	encryption := "OFF"
	if spec.Encryption {
		encryption = "ON"
	}
	var q strings.Builder
	q.WriteString("DECLARE @h uniqueidentifier;\n")
	fmt.Fprintf(&q, "BEGIN DIALOG CONVERSATION @h FROM SERVICE @src TO SERVICE @dst ON CONTRACT [%s] WITH ENCRYPTION = %s", spec.Contract, encryption)
	args := []any{
		sql.Named("src", spec.FromService),
		sql.Named("dst", spec.ToService),
	}
	if spec.RelatedGroup != uuid.Nil {
		q.WriteString(", RELATED_CONVERSATION_GROUP = @related")
		args = append(args, sql.Named("related", guid(spec.RelatedGroup)))
	}
	q.WriteString(";\nSELECT @h;")
	var handle mssql.UniqueIdentifier
	if err := c.q.QueryRowContext(ctx, q.String(), args...).Scan(&handle); err != nil {
		return uuid.Nil, wrap(err)
	}
	return uuid.UUID(handle), nil
}

func (c commands) Send(ctx context.Context, handle uuid.UUID, messageType string, body []byte) error {
	if err := broker.ValidateIdentifier("message type", messageType); err != nil {
		return err
	}
	if body == nil {
		body = []byte{}
	}
	query := fmt.Sprintf("SEND ON CONVERSATION @h MESSAGE TYPE [%s](@body);", messageType)
	_, err := c.q.ExecContext(ctx, query, sql.Named("h", guid(handle)), sql.Named("body", body))
	return wrap(err)
}

func (c commands) EndConversation(ctx context.Context, handle uuid.UUID, opts broker.EndOptions) error {
	query := "END CONVERSATION @h"
	args := []any{sql.Named("h", guid(handle))}
	switch {
	case opts.Cleanup:
		query += " WITH CLEANUP"
	case opts.WithError:
		query += " WITH ERROR = @code DESCRIPTION = @description"
		args = append(args, sql.Named("code", opts.ErrorCode), sql.Named("description", opts.Description))
	}
	_, err := c.q.ExecContext(ctx, query+";", args...)
	return wrap(err)
}

func (c commands) SetConversationTimer(ctx context.Context, handle uuid.UUID, seconds int32) error {
	_, err := c.q.ExecContext(ctx, "BEGIN CONVERSATION TIMER (@h) TIMEOUT = @timeout;",
		sql.Named("h", guid(handle)),
		sql.Named("timeout", seconds),
	)
	return wrap(err)
}

func (c commands) LookupService(ctx context.Context, name string) (broker.ServiceInfo, error) {
	var info broker.ServiceInfo
	err := c.q.QueryRowContext(ctx, serviceInfoSQL, sql.Named("name", name)).
		Scan(&info.ServiceName, &info.ServiceID, &info.QueueName, &info.QueueID)
	if errors.Is(err, sql.ErrNoRows) {
		return broker.ServiceInfo{}, broker.ErrServiceNotFound
	}
	if err != nil {
		return broker.ServiceInfo{}, wrap(err)
	}
	return info, nil
}

func (c commands) LookupConversation(ctx context.Context, handle uuid.UUID) (broker.ConversationInfo, error) {
	var (
		group, id mssql.UniqueIdentifier
		state     string
		info      broker.ConversationInfo
	)
	err := c.q.QueryRowContext(ctx, conversationInfoSQL, sql.Named("handle", guid(handle))).
		Scan(&group, &id, &info.ServiceName, &info.TargetServiceName, &info.QueueName, &state)
	if errors.Is(err, sql.ErrNoRows) {
		return broker.ConversationInfo{}, broker.ErrConversationNotFound
	}
	if err != nil {
		return broker.ConversationInfo{}, wrap(err)
	}
	info.ConversationGroupID = uuid.UUID(group)
	info.ConversationID = uuid.UUID(id)
	info.ConversationHandle = handle
	info.State = broker.State(strings.TrimSpace(state))
	return info, nil
}

func (c commands) ConversationError(ctx context.Context, handle uuid.UUID) (broker.ErrorPayload, bool, error) {
	var (
		code        sql.NullInt32
		description sql.NullString
	)
	err := c.q.QueryRowContext(ctx, conversationErrorSQL, sql.Named("handle", guid(handle))).Scan(&code, &description)
	if err != nil {
		return broker.ErrorPayload{}, false, wrap(err)
	}
	if !code.Valid && !description.Valid {
		return broker.ErrorPayload{}, false, nil
	}
	return broker.ErrorPayload{Code: int(code.Int32), Description: description.String}, true, nil
}

func (c commands) EndAllConversationsWithCleanup(ctx context.Context) (int, error) {
	var n int
	if err := c.q.QueryRowContext(ctx, endAllSQL).Scan(&n); err != nil {
		return 0, wrap(err)
	}
	return n, nil
}

type batch struct {
	rows *sql.Rows
	row  broker.Row
	err  error
}

func (b *batch) Next() bool {
	if b.err != nil || !b.rows.Next() {
		return false
	}
	var (
		handle mssql.UniqueIdentifier
		body   sql.RawBytes
	)
	if err := b.rows.Scan(&handle, &b.row.ServiceName, &b.row.MessageTypeName, &body, &b.row.SequenceNumber); err != nil {
		b.err = wrap(err)
		return false
	}
	b.row.ConversationHandle = uuid.UUID(handle)
	b.row.Body = body
	return true
}

func (b *batch) Row() broker.Row {
	return b.row
}

func (b *batch) Err() error {
	if b.err != nil {
		return b.err
	}
	return wrap(b.rows.Err())
}

func (b *batch) Close() error {
	b.row = broker.Row{}
	return wrap(b.rows.Close())
}
