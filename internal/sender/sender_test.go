package sender_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/broker/memory"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/instrument"
	"pkt.systems/ssbtransport/internal/sender"
	"pkt.systems/ssbtransport/internal/sqlconn"
)

type fixture struct {
	broker   *memory.Broker
	provider *sqlconn.Provider
	dsn      string
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	b := memory.New(opts...)
	if err := b.CreateService("client", "client_q"); err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := b.CreateService("orders", "orders_q"); err != nil {
		t.Fatalf("create orders: %v", err)
	}
	name := "sender-" + strings.ReplaceAll(t.Name(), "/", "-")
	memory.Register(name, b)
	f := &fixture{broker: b, provider: sqlconn.New(sqlconn.Options{}), dsn: sqlconn.MemoryScheme + name}
	t.Cleanup(func() {
		memory.Unregister(name)
		_ = f.provider.Close()
	})
	return f
}

func (f *fixture) sender(t *testing.T, opts sender.Options) *sender.Sender {
	t.Helper()
	opts.Opener = f.provider
	opts.DSN = f.dsn
	if opts.Source == "" {
		opts.Source = "client"
	}
	if opts.Target == "" {
		opts.Target = "orders"
	}
	s, err := sender.New(opts)
	if err != nil {
		t.Fatalf("new sender: %v", err)
	}
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("open sender: %v", err)
	}
	return s
}

// drain receives every message queued on queue in one batch.
func (f *fixture) drain(t *testing.T, queue string) []broker.Row {
	t.Helper()
	ctx := context.Background()
	conn := f.broker.Connect()
	defer conn.Close()
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	defer tx.Commit()
	var rows []broker.Row
	for {
		group, ok, err := tx.GetConversationGroup(ctx, queue, 0)
		if err != nil {
			t.Fatalf("get group: %v", err)
		}
		if !ok {
			return rows
		}
		batch, err := tx.Receive(ctx, queue, group, 0)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		for batch.Next() {
			row := batch.Row()
			row.Body = append([]byte(nil), row.Body...)
			rows = append(rows, row)
		}
		_ = batch.Close()
	}
}

func TestSendBeginsImplicitConversationAndEndsOnClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	rec := instrument.New(nil, nil, nil)
	s := f.sender(t, sender.Options{Recorder: rec})

	if err := s.Send(ctx, []byte("hello"), time.Second, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	handle, err := s.ConversationHandle()
	if err != nil {
		t.Fatalf("conversation handle: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}

	rows := f.drain(t, "orders_q")
	if len(rows) != 2 {
		t.Fatalf("expected message and end dialog, got %d rows", len(rows))
	}
	if string(rows[0].Body) != "hello" || rows[0].MessageTypeName != broker.MessageTypeDefault {
		t.Fatalf("unexpected first row %+v", rows[0])
	}
	if rows[1].MessageTypeName != broker.MessageTypeEndDialog {
		t.Fatalf("expected end dialog, got %q", rows[1].MessageTypeName)
	}

	conn := f.broker.Connect()
	defer conn.Close()
	info, err := conn.LookupConversation(ctx, handle)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.State.Resumable() {
		t.Fatalf("expected ended conversation, state %s", info.State)
	}
	if totals := rec.Totals(); totals.MessagesSent != 1 || totals.BytesSent != 5 {
		t.Fatalf("unexpected totals %+v", totals)
	}
	if leaks := f.provider.Leaks(); len(leaks) != 0 {
		t.Fatalf("expected released handle, got %d leaks", len(leaks))
	}
}

func TestExplicitConversationSurvivesClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{})
	handle, err := s.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Send(ctx, []byte("one"), time.Second, broker.MessageTypeDefault); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	resumed := f.sender(t, sender.Options{})
	defer resumed.Abort()
	if err := resumed.OpenConversation(ctx, handle, time.Second); err != nil {
		t.Fatalf("open conversation: %v", err)
	}
	if err := resumed.Send(ctx, []byte("two"), time.Second, ""); err != nil {
		t.Fatalf("send on resumed conversation: %v", err)
	}
	rows := f.drain(t, "orders_q")
	if len(rows) != 2 || string(rows[0].Body) != "one" || string(rows[1].Body) != "two" {
		t.Fatalf("unexpected rows %+v", rows)
	}
	if rows[0].SequenceNumber >= rows[1].SequenceNumber {
		t.Fatalf("expected increasing sequence numbers, got %d then %d", rows[0].SequenceNumber, rows[1].SequenceNumber)
	}
}

func TestEndConversationClearsActiveConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	if err := s.Send(ctx, []byte("a"), time.Second, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	first, _ := s.ConversationHandle()
	if err := s.EndConversation(ctx, time.Second); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := s.ConversationHandle(); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected no active conversation, got %v", err)
	}
	if err := s.EndConversation(ctx, time.Second); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation ending twice, got %v", err)
	}
	if err := s.Send(ctx, []byte("b"), time.Second, ""); err != nil {
		t.Fatalf("send after end: %v", err)
	}
	second, _ := s.ConversationHandle()
	if first == second {
		t.Fatal("expected a new conversation after ending the previous one")
	}
}

func TestBeginConversationInRelatedGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	group := uuid.New()
	if _, err := s.BeginConversation(ctx, group, time.Second); err != nil {
		t.Fatalf("begin: %v", err)
	}
	got, err := s.ConversationGroupID()
	if err != nil || got != group {
		t.Fatalf("expected group %s, got %s (%v)", group, got, err)
	}
	info, ok := s.Conversation()
	if !ok || info.TargetServiceName != "orders" || info.ServiceName != "client" {
		t.Fatalf("unexpected conversation %+v", info)
	}
}

func TestSendSurfacesBrokerErrorOnDisabledConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{Target: "nowhere"})
	defer s.Abort()
	if err := s.Send(ctx, []byte("lost"), time.Second, ""); err != nil {
		t.Fatalf("first send: %v", err)
	}
	err := s.Send(ctx, []byte("again"), time.Second, "")
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.Kind != faults.KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if fe.Code != -8408 || !strings.Contains(fe.Description, "nowhere") {
		t.Fatalf("unexpected payload %d %q", fe.Code, fe.Description)
	}
}

func TestSendValidatesMessageType(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	err := s.Send(context.Background(), []byte("x"), time.Second, "bad]type")
	if !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if _, ok := s.Conversation(); ok {
		t.Fatal("rejected send must not begin a conversation")
	}
}

func TestNewRejectsUnsafeContract(t *testing.T) {
	t.Parallel()

	_, err := sender.New(sender.Options{Contract: "orders'; drop table x; --"})
	if !errors.Is(err, faults.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestSendRequiresOpen(t *testing.T) {
	t.Parallel()

	s, err := sender.New(sender.Options{Source: "client", Target: "orders"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.Send(context.Background(), []byte("x"), time.Second, ""); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
	if err := s.Open(context.Background()); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected open without connection to fail, got %v", err)
	}
}

func TestBorrowedConnectionIsNotClosed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	conn := f.broker.Connect()
	defer conn.Close()

	s, err := sender.New(sender.Options{Source: "client", Target: "orders"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := s.UseConnection(conn); err != nil {
		t.Fatalf("use connection: %v", err)
	}
	if err := s.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UseConnection(conn); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation once opened, got %v", err)
	}
	if err := s.Send(ctx, []byte("borrowed"), time.Second, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := conn.LookupService(ctx, "orders"); err != nil {
		t.Fatalf("borrowed connection was closed: %v", err)
	}
}

func TestOpenConversationRejectsEndedConversation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	handle, err := s.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.EndConversation(ctx, time.Second); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := s.OpenConversation(ctx, handle, time.Second); !errors.Is(err, faults.ErrInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
	if err := s.OpenConversation(ctx, uuid.New(), time.Second); !errors.Is(err, faults.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSetConversationTimerDeliversTimerMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	f := newFixture(t, memory.WithClock(manual))
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	handle, err := s.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.SetConversationTimer(ctx, handle, 1500*time.Millisecond); err != nil {
		t.Fatalf("set timer: %v", err)
	}
	manual.Advance(time.Second)
	if got := f.broker.Pending("client_q"); got != 0 {
		t.Fatalf("timer fired early: %d pending", got)
	}
	manual.Advance(time.Second)
	rows := f.drain(t, "client_q")
	if len(rows) != 1 || rows[0].MessageTypeName != broker.MessageTypeDialogTimer || rows[0].ConversationHandle != handle {
		t.Fatalf("unexpected timer rows %+v", rows)
	}
}

func TestEndConversationOnCloseAppliesToExplicitConversations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	s := f.sender(t, sender.Options{EndConversationOnClose: true})
	handle, err := s.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.Send(ctx, []byte("one"), time.Second, ""); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	conn := f.broker.Connect()
	defer conn.Close()
	info, err := conn.LookupConversation(ctx, handle)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.State.Resumable() {
		t.Fatalf("expected close to end the conversation, state %s", info.State)
	}
	rows := f.drain(t, "orders_q")
	if len(rows) != 2 || rows[1].MessageTypeName != broker.MessageTypeEndDialog {
		t.Fatalf("expected message and end dialog, got %+v", rows)
	}

	kept := f.sender(t, sender.Options{EndConversationOnClose: true})
	kept.SetEndConversationOnClose(false)
	second, err := kept.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin second: %v", err)
	}
	if err := kept.Close(ctx); err != nil {
		t.Fatalf("close second: %v", err)
	}
	info, err = conn.LookupConversation(ctx, second)
	if err != nil {
		t.Fatalf("lookup second: %v", err)
	}
	if !info.State.Resumable() {
		t.Fatalf("expected the second conversation to stay open, state %s", info.State)
	}
}

func TestSetConversationTimerZeroClearsTimer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	f := newFixture(t, memory.WithClock(manual))
	s := f.sender(t, sender.Options{})
	defer s.Abort()
	handle, err := s.BeginConversation(ctx, uuid.Nil, time.Second)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := s.SetConversationTimer(ctx, handle, time.Second); err != nil {
		t.Fatalf("set timer: %v", err)
	}
	if err := s.SetConversationTimer(ctx, handle, 0); err != nil {
		t.Fatalf("clear timer: %v", err)
	}
	manual.Advance(5 * time.Second)
	if got := f.broker.Pending("client_q"); got != 0 {
		t.Fatalf("expected a cleared timer not to fire, %d pending", got)
	}
}
