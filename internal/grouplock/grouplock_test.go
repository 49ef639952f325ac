package grouplock_test

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
	"pkt.systems/ssbtransport/internal/grouplock"
	"pkt.systems/ssbtransport/internal/instrument"
	"pkt.systems/ssbtransport/internal/receiver"
	"pkt.systems/ssbtransport/internal/sqlconn"
)

type fixture struct {
	broker   *memory.Broker
	provider *sqlconn.Provider
	dsn      string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := memory.New()
	if err := b.CreateService("client", "client_q"); err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := b.CreateService("orders", "orders_q"); err != nil {
		t.Fatalf("create orders: %v", err)
	}
	name := "grouplock-" + strings.ReplaceAll(t.Name(), "/", "-")
	memory.Register(name, b)
	f := &fixture{broker: b, provider: sqlconn.New(sqlconn.Options{}), dsn: sqlconn.MemoryScheme + name}
	t.Cleanup(func() {
		memory.Unregister(name)
		_ = f.provider.Close()
	})
	return f
}

func (f *fixture) protocol(opts grouplock.Options) *grouplock.Protocol {
	opts.Opener = f.provider
	opts.DSN = f.dsn
	opts.Queue = "orders_q"
	return grouplock.New(opts)
}

func (f *fixture) send(t *testing.T, handle uuid.UUID, body string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	conn := f.broker.Connect()
	defer conn.Close()
	if handle == uuid.Nil {
		var err error
		handle, err = conn.BeginDialog(ctx, broker.DialogSpec{FromService: "client", ToService: "orders", Contract: broker.ContractDefault})
		if err != nil {
			t.Fatalf("begin dialog: %v", err)
		}
	}
	if err := conn.Send(ctx, handle, broker.MessageTypeDefault, []byte(body)); err != nil {
		t.Fatalf("send: %v", err)
	}
	return handle
}

// holdLock takes the application lock of the next signalled group on a raw
// transaction and hands the group signal back, the way a competing receiver
// that has not started receiving looks to the broker.
func (f *fixture) holdLock(t *testing.T) (uuid.UUID, broker.Tx, *memory.Conn) {
	t.Helper()
	ctx := context.Background()
	conn := f.broker.Connect()
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	if err := tx.Savepoint(ctx, "peek"); err != nil {
		t.Fatalf("savepoint: %v", err)
	}
	group, ok, err := tx.GetConversationGroup(ctx, "orders_q", time.Second)
	if err != nil || !ok {
		t.Fatalf("get conversation group: %v %v", ok, err)
	}
	if code, err := tx.AppLock(ctx, group.String(), 0); err != nil || code != grouplock.LockGranted {
		t.Fatalf("applock: %d %v", code, err)
	}
	if err := tx.RollbackTo(ctx, "peek"); err != nil {
		t.Fatalf("rollback to savepoint: %v", err)
	}
	return group, tx, conn
}

func (f *fixture) assertReleased(t *testing.T) {
	t.Helper()
	if leaks := f.provider.Leaks(); len(leaks) != 0 {
		t.Fatalf("expected no leaked handles, got %d", len(leaks))
	}
	if open := f.broker.OpenTransactions(); open != 0 {
		t.Fatalf("expected no open transactions, got %d", open)
	}
}

func receiveBody(t *testing.T, r *receiver.Receiver) string {
	t.Helper()
	msg, err := r.Receive(context.Background(), time.Second, nil)
	if err != nil || msg == nil {
		t.Fatalf("receive: %v %v", msg, err)
	}
	return string(msg.Body)
}

func TestAcquireNextHelloScenario(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	handle := f.send(t, uuid.Nil, "hello")
	p := f.protocol(grouplock.Options{})

	r, err := p.AcquireNext(ctx, time.Second)
	if err != nil || r == nil {
		t.Fatalf("acquire next: %v %v", r, err)
	}
	msg, err := r.Receive(ctx, time.Second, nil)
	if err != nil || msg == nil {
		t.Fatalf("receive: %v %v", msg, err)
	}
	if string(msg.Body) != "hello" || msg.Conversation.MessageTypeName != broker.MessageTypeDefault {
		t.Fatalf("unexpected message %q %q", msg.Body, msg.Conversation.MessageTypeName)
	}
	if next, err := r.Receive(ctx, 50*time.Millisecond, nil); err != nil || next != nil {
		t.Fatalf("expected no further message, got %v %v", next, err)
	}

	f.send(t, handle, "again")
	if body := receiveBody(t, r); body != "again" {
		t.Fatalf("unexpected second body %q", body)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.assertReleased(t)
}

func TestAcquireNextWithoutGroupsReturnsNil(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.protocol(grouplock.Options{})
	r, err := p.AcquireNext(context.Background(), 20*time.Millisecond)
	if err != nil || r != nil {
		t.Fatalf("expected no group, got %v %v", r, err)
	}
	f.assertReleased(t)
}

func TestAcquireNextIsExclusivePerGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	first := f.send(t, uuid.Nil, "a1")
	f.send(t, first, "a2")
	f.send(t, uuid.Nil, "b1")
	p := f.protocol(grouplock.Options{})

	a, err := p.AcquireNext(ctx, time.Second)
	if err != nil || a == nil {
		t.Fatalf("first acquire: %v %v", a, err)
	}
	defer a.Abort()
	b, err := p.AcquireNext(ctx, time.Second)
	if err != nil || b == nil {
		t.Fatalf("second acquire: %v %v", b, err)
	}
	defer b.Abort()
	if a.GroupID() == b.GroupID() {
		t.Fatalf("two receivers own group %s", a.GroupID())
	}
	c, err := p.AcquireNext(ctx, 30*time.Millisecond)
	if err != nil || c != nil {
		t.Fatalf("expected every group to be owned, got %v %v", c, err)
	}
	if got := receiveBody(t, a); got != "a1" {
		t.Fatalf("unexpected first body %q", got)
	}
	if got := receiveBody(t, a); got != "a2" {
		t.Fatalf("unexpected ordering, got %q", got)
	}
	if got := receiveBody(t, b); got != "b1" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestAcquireNextRetriesContendedGroup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.send(t, uuid.Nil, "contended")
	group, holder, holderConn := f.holdLock(t)
	defer holderConn.Close()

	rec := instrument.New(nil, nil, nil)
	p := f.protocol(grouplock.Options{Recorder: rec, ContentionBackoff: 5 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Commit()
	}()
	r, err := p.AcquireNext(ctx, 2*time.Second)
	if err != nil || r == nil {
		t.Fatalf("acquire next: %v %v", r, err)
	}
	defer r.Abort()
	if r.GroupID() != group {
		t.Fatalf("expected contended group %s, got %s", group, r.GroupID())
	}
	if body := receiveBody(t, r); body != "contended" {
		t.Fatalf("unexpected body %q", body)
	}
	if rec.Totals().LockContention == 0 {
		t.Fatal("expected lock contention to be recorded")
	}
}

func TestAcquireNextNeverDropsContendedGroup(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(t, uuid.Nil, "kept")
	_, holder, holderConn := f.holdLock(t)
	defer holderConn.Close()

	p := f.protocol(grouplock.Options{ContentionBackoff: 5 * time.Millisecond})
	r, err := p.AcquireNext(context.Background(), 60*time.Millisecond)
	if err != nil || r != nil {
		t.Fatalf("expected timeout without a group, got %v %v", r, err)
	}
	if err := holder.Rollback(); err != nil {
		t.Fatalf("rollback holder: %v", err)
	}
	if got := f.broker.Pending("orders_q"); got != 1 {
		t.Fatalf("expected the message to stay queued, %d pending", got)
	}
	f.assertReleased(t)
}

func TestShutdownCancelsAcquireWithoutLeaks(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	shutdown := make(chan struct{})
	p := f.protocol(grouplock.Options{Shutdown: shutdown})

	type result struct {
		r   *receiver.Receiver
		err error
	}
	done := make(chan result, 1)
	go func() {
		r, err := p.AcquireNext(context.Background(), clock.Forever)
		done <- result{r, err}
	}()
	time.Sleep(20 * time.Millisecond)
	close(shutdown)
	select {
	case res := <-done:
		if res.err != nil || res.r != nil {
			t.Fatalf("expected silent cancellation, got %v %v", res.r, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not return after shutdown")
	}
	f.assertReleased(t)
}

func TestAcquireGroupTargeted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	f.send(t, uuid.Nil, "targeted")
	group, holder, holderConn := f.holdLock(t)
	if err := holder.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	holderConn.Close()

	p := f.protocol(grouplock.Options{})
	r, err := p.AcquireGroup(ctx, group, time.Second)
	if err != nil || r == nil {
		t.Fatalf("acquire group: %v %v", r, err)
	}
	if body := receiveBody(t, r); body != "targeted" {
		t.Fatalf("unexpected body %q", body)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.assertReleased(t)
}

func TestAcquireGroupTimesOutWithoutMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.protocol(grouplock.Options{})
	r, err := p.AcquireGroup(context.Background(), uuid.New(), 30*time.Millisecond)
	if r != nil || !faults.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v %v", r, err)
	}
	f.assertReleased(t)
}

func TestAcquireGroupDuringShutdownReturnsNil(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	shutdown := make(chan struct{})
	close(shutdown)
	p := f.protocol(grouplock.Options{Shutdown: shutdown})
	r, err := p.AcquireGroup(context.Background(), uuid.New(), time.Second)
	if err != nil || r != nil {
		t.Fatalf("expected nil during shutdown, got %v %v", r, err)
	}
	f.assertReleased(t)
}

func TestAcquireGroupRejectsHeldLock(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.send(t, uuid.Nil, "held")
	group, holder, holderConn := f.holdLock(t)
	defer holderConn.Close()
	defer holder.Rollback()

	p := f.protocol(grouplock.Options{})
	r, err := p.AcquireGroup(context.Background(), group, 30*time.Millisecond)
	if r != nil || !faults.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v %v", r, err)
	}
}

func TestAcquireGroupRequiresGroupID(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	p := f.protocol(grouplock.Options{})
	_, err := p.AcquireGroup(context.Background(), uuid.Nil, time.Second)
	if !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation, got %v", err)
	}
}

// emptyGroupDialer hands out connections whose broker signals a conversation
// group that has no messages.
type emptyGroupDialer struct {
	broker *memory.Broker
	group  uuid.UUID
}

func (d emptyGroupDialer) Dial(context.Context, string) (broker.Conn, error) {
	return emptyGroupConn{Conn: d.broker.Connect(), group: d.group}, nil
}

func (emptyGroupDialer) Close() error { return nil }

type emptyGroupConn struct {
	broker.Conn
	group uuid.UUID
}

func (c emptyGroupConn) BeginTx(ctx context.Context) (broker.Tx, error) {
	tx, err := c.Conn.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	return emptyGroupTx{Tx: tx, group: c.group}, nil
}

type emptyGroupTx struct {
	broker.Tx
	group uuid.UUID
}

func (tx emptyGroupTx) GetConversationGroup(context.Context, string, time.Duration) (uuid.UUID, bool, error) {
	return tx.group, true, nil
}

func TestAcquireNextTimesOutWhenGroupHasNoMessage(t *testing.T) {
	t.Parallel()

	b := memory.New()
	if err := b.CreateService("orders", "orders_q"); err != nil {
		t.Fatalf("create orders: %v", err)
	}
	provider := sqlconn.New(sqlconn.Options{Memory: emptyGroupDialer{broker: b, group: uuid.New()}})
	defer provider.Close()
	p := grouplock.New(grouplock.Options{
		Opener: provider,
		DSN:    sqlconn.MemoryScheme + "empty-group",
		Queue:  "orders_q",
	})

	r, err := p.AcquireNext(context.Background(), 30*time.Millisecond)
	if r != nil || !faults.IsTimeout(err) {
		t.Fatalf("expected timeout, got %v %v", r, err)
	}
	if leaks := provider.Leaks(); len(leaks) != 0 {
		t.Fatalf("expected released connection, got %d leaks", len(leaks))
	}
	if b.OpenTransactions() != 0 {
		t.Fatalf("expected no open transactions, got %d", b.OpenTransactions())
	}
}
