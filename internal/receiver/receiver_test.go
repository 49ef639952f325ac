package receiver_test

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"pkt.systems/ssbtransport/faults"
	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/broker/memory"
	"pkt.systems/ssbtransport/internal/clock"
	"pkt.systems/ssbtransport/internal/receiver"
)

type connHandle struct {
	conn     *memory.Conn
	released atomic.Int32
}

func (h *connHandle) Release() error {
	h.released.Add(1)
	return h.conn.Close()
}

func newBroker(t *testing.T, opts ...memory.Option) *memory.Broker {
	t.Helper()
	b := memory.New(opts...)
	if err := b.CreateService("client", "client_q"); err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := b.CreateService("orders", "orders_q"); err != nil {
		t.Fatalf("create orders: %v", err)
	}
	return b
}

func send(t *testing.T, b *memory.Broker, handle uuid.UUID, messageType string, body []byte) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	conn := b.Connect()
	defer conn.Close()
	if handle == uuid.Nil {
		var err error
		handle, err = conn.BeginDialog(ctx, broker.DialogSpec{FromService: "client", ToService: "orders", Contract: broker.ContractDefault})
		if err != nil {
			t.Fatalf("begin dialog: %v", err)
		}
	}
	if err := conn.Send(ctx, handle, messageType, body); err != nil {
		t.Fatalf("send: %v", err)
	}
	return handle
}

func lockNext(t *testing.T, b *memory.Broker, opts receiver.Options) (*receiver.Receiver, *connHandle) {
	t.Helper()
	ctx := context.Background()
	conn := b.Connect()
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	group, ok, err := tx.GetConversationGroup(ctx, "orders_q", time.Second)
	if err != nil || !ok {
		t.Fatalf("get conversation group: ok=%v err=%v", ok, err)
	}
	if code, err := tx.AppLock(ctx, group.String(), 0); err != nil || code < 0 {
		t.Fatalf("applock: code=%d err=%v", code, err)
	}
	h := &connHandle{conn: conn}
	opts.Tx = tx
	opts.Handle = h
	opts.Queue = "orders_q"
	opts.GroupID = group
	r := receiver.New(opts)
	if err := r.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	return r, h
}

func TestReceiveRoundTripIsByteExact(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	body := []byte{0, 1, 2, 0xff, 'h', 'i'}
	handle := send(t, b, uuid.Nil, broker.MessageTypeDefault, body)
	r, _ := lockNext(t, b, receiver.Options{})
	defer r.Abort()

	dst := make([]byte, 0, 64)
	msg, err := r.Receive(ctx, time.Second, dst)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if !bytes.Equal(msg.Body, body) || msg.Len() != len(body) {
		t.Fatalf("unexpected body %v", msg.Body)
	}
	if &msg.Body[0] != &dst[:1][0] {
		t.Fatal("expected body to reuse the destination buffer")
	}
	if msg.Conversation.MessageTypeName != broker.MessageTypeDefault {
		t.Fatalf("unexpected type %q", msg.Conversation.MessageTypeName)
	}
	if msg.Conversation.ConversationGroupID != r.GroupID() {
		t.Fatalf("unexpected group %s", msg.Conversation.ConversationGroupID)
	}
	if msg.Conversation.ConversationHandle == handle {
		t.Fatal("expected the target endpoint handle, not the initiator's")
	}
	if msg.ServiceName != "orders" {
		t.Fatalf("unexpected service %q", msg.ServiceName)
	}

	next, err := r.Receive(ctx, 0, nil)
	if err != nil || next != nil {
		t.Fatalf("expected no further message, got %v %v", next, err)
	}
}

func TestReceiveAllocatesExactLength(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("hello"))
	r, _ := lockNext(t, b, receiver.Options{})
	defer r.Abort()

	msg, err := r.Receive(context.Background(), time.Second, make([]byte, 0, 2))
	if err != nil || msg == nil {
		t.Fatalf("receive: %v %v", msg, err)
	}
	if cap(msg.Body) != 5 || string(msg.Body) != "hello" {
		t.Fatalf("unexpected body %q cap %d", msg.Body, cap(msg.Body))
	}
}

func TestReceiveSurfacesBrokerErrorPayload(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("order"))

	// The target rejects the conversation with an application error.
	r, _ := lockNext(t, b, receiver.Options{})
	msg, err := r.Receive(ctx, time.Second, nil)
	if err != nil || msg == nil {
		t.Fatalf("receive order: %v %v", msg, err)
	}
	if err := r.EndConversationWithError(ctx, msg.Conversation.ConversationHandle, 50001, "order rejected", time.Second); err != nil {
		t.Fatalf("end with error: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	conn := b.Connect()
	defer conn.Close()
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	group, ok, err := tx.GetConversationGroup(ctx, "client_q", time.Second)
	if err != nil || !ok {
		t.Fatalf("initiator group: %v %v", ok, err)
	}
	ir := receiver.New(receiver.Options{Tx: tx, Queue: "client_q", GroupID: group})
	defer ir.Abort()
	_, err = ir.Receive(ctx, time.Second, nil)
	var fe *faults.Error
	if !errors.As(err, &fe) || fe.Kind != faults.KindProtocol {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if fe.Code != 50001 || fe.Description != "order rejected" {
		t.Fatalf("unexpected payload %d %q", fe.Code, fe.Description)
	}
}

func TestReceiveReturnsEndDialogWithoutBody(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	handle := send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("bye"))
	conn := b.Connect()
	if err := conn.EndConversation(ctx, handle, broker.EndOptions{}); err != nil {
		t.Fatalf("end: %v", err)
	}
	conn.Close()

	r, _ := lockNext(t, b, receiver.Options{})
	defer r.Abort()
	first, err := r.Receive(ctx, time.Second, nil)
	if err != nil || first == nil || string(first.Body) != "bye" {
		t.Fatalf("unexpected first message %v %v", first, err)
	}
	second, err := r.Receive(ctx, time.Second, nil)
	if err != nil || second == nil {
		t.Fatalf("expected end dialog, got %v %v", second, err)
	}
	if second.Conversation.MessageTypeName != broker.MessageTypeEndDialog || second.Len() != 0 {
		t.Fatalf("unexpected control message %+v", second)
	}
}

func TestZeroTimeoutReceiveReturnsNil(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, _ := lockNext(t, b, receiver.Options{})
	defer r.Abort()
	if _, err := r.Receive(context.Background(), time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	msg, err := r.Receive(context.Background(), 0, nil)
	if err != nil || msg != nil {
		t.Fatalf("expected nil, got %v %v", msg, err)
	}
}

func TestCloseCommitsOnceAndReleases(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, h := lockNext(t, b, receiver.Options{})
	if _, err := r.Receive(ctx, time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	hooked := 0
	r.OnClose(func(ctx context.Context, cmds broker.Commands) error {
		hooked++
		if _, ok := cmds.(broker.Tx); ok {
			t.Error("close hook must not be able to finish the transaction")
		}
		return nil
	})
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	r.Abort()
	if hooked != 1 || h.released.Load() != 1 {
		t.Fatalf("expected one hook run and one release, got %d %d", hooked, h.released.Load())
	}
	if got := b.Pending("orders_q"); got != 0 {
		t.Fatalf("expected consumed message, %d pending", got)
	}
	if b.OpenTransactions() != 0 {
		t.Fatalf("expected no open transactions, got %d", b.OpenTransactions())
	}
	if _, err := r.Receive(ctx, 0, nil); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation after close, got %v", err)
	}
}

func TestAbortRestoresMessages(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, h := lockNext(t, b, receiver.Options{})
	if _, err := r.Receive(ctx, time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	r.Abort()
	r.Abort()
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close after abort: %v", err)
	}
	if h.released.Load() != 1 {
		t.Fatalf("expected one release, got %d", h.released.Load())
	}
	if got := b.Pending("orders_q"); got != 1 {
		t.Fatalf("expected message back on the queue, %d pending", got)
	}
}

func TestAbortCancelsInFlightReceive(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, h := lockNext(t, b, receiver.Options{})
	if _, err := r.Receive(context.Background(), time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}

	type result struct {
		msg *receiver.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := r.Receive(context.Background(), clock.Forever, nil)
		done <- result{msg, err}
	}()
	time.Sleep(20 * time.Millisecond)
	r.Abort()
	select {
	case res := <-done:
		if res.err != nil || res.msg != nil {
			t.Fatalf("expected silent cancellation, got %v %v", res.msg, res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not return after abort")
	}
	if h.released.Load() != 1 || b.OpenTransactions() != 0 {
		t.Fatalf("expected resources released, releases=%d open=%d", h.released.Load(), b.OpenTransactions())
	}
}

func TestShutdownSignalCancelsWait(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	shutdown := make(chan struct{})
	r, _ := lockNext(t, b, receiver.Options{Shutdown: shutdown})
	defer r.Abort()
	if _, err := r.Receive(context.Background(), time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(shutdown)
	}()
	msg, err := r.Receive(context.Background(), clock.Forever, nil)
	if err != nil || msg != nil {
		t.Fatalf("expected nil after shutdown, got %v %v", msg, err)
	}
}

func TestWaitForFirstMessageQueuesLookAhead(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("first"))
	r, _ := lockNext(t, b, receiver.Options{})
	defer r.Abort()

	ok, err := r.WaitForFirstMessage(ctx, time.Second)
	if err != nil || !ok {
		t.Fatalf("wait for first: %v %v", ok, err)
	}
	if _, err := r.WaitForFirstMessage(ctx, time.Second); !errors.Is(err, faults.ErrInvalidOperation) {
		t.Fatalf("expected invalid operation with a queued message, got %v", err)
	}
	msg, err := r.Receive(ctx, 0, nil)
	if err != nil || msg == nil || string(msg.Body) != "first" {
		t.Fatalf("unexpected look-ahead message %v %v", msg, err)
	}
}

func TestMaxMessageSizeRejectsLargeBodies(t *testing.T) {
	t.Parallel()

	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, bytes.Repeat([]byte("x"), 16))
	r, _ := lockNext(t, b, receiver.Options{MaxMessageSize: 8})
	defer r.Abort()
	_, err := r.Receive(context.Background(), time.Second, nil)
	if !faults.IsProtocol(err) {
		t.Fatalf("expected protocol error, got %v", err)
	}
}

func TestTakeTransactionTransfersOwnership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, h := lockNext(t, b, receiver.Options{})
	if _, err := r.Receive(ctx, time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	tx := r.TakeTransaction()
	if tx == nil {
		t.Fatal("expected a transaction")
	}
	if again := r.TakeTransaction(); again != nil {
		t.Fatal("transaction taken twice")
	}
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if b.OpenTransactions() != 1 || h.released.Load() != 0 {
		t.Fatalf("close finished a taken transaction: open=%d releases=%d", b.OpenTransactions(), h.released.Load())
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := tx.Rollback(); !errors.Is(err, broker.ErrTxDone) {
		t.Fatalf("expected ErrTxDone, got %v", err)
	}
	if b.OpenTransactions() != 0 || h.released.Load() != 1 {
		t.Fatalf("expected commit to release: open=%d releases=%d", b.OpenTransactions(), h.released.Load())
	}
	if got := b.Pending("orders_q"); got != 0 {
		t.Fatalf("expected committed receive, %d pending", got)
	}
}

func TestDetachedTransactionWatchdog(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	manual := clock.NewManual(time.Unix(1_700_000_000, 0))
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("x"))
	r, h := lockNext(t, b, receiver.Options{Clock: manual, DetachedTxTimeout: time.Minute})
	if _, err := r.Receive(ctx, time.Second, nil); err != nil {
		t.Fatalf("receive: %v", err)
	}
	tx := r.TakeTransaction()
	_ = r.Close(ctx)
	if !manual.WaitForTimers(1, time.Second) {
		t.Fatal("watchdog timer not armed")
	}
	manual.Advance(time.Minute)
	deadline := time.Now().Add(2 * time.Second)
	for h.released.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.released.Load() != 1 {
		t.Fatal("watchdog did not release the connection")
	}
	if got := b.Pending("orders_q"); got != 1 {
		t.Fatalf("expected rollback to restore the message, %d pending", got)
	}
	if err := tx.Commit(); !errors.Is(err, broker.ErrTxDone) {
		t.Fatalf("expected ErrTxDone after watchdog, got %v", err)
	}
}

// lateReceiveTx completes RECEIVE only after the receiver cancelled it, the
// way a server finishes a statement the client already gave up on.
type lateReceiveTx struct {
	broker.Tx
	returned chan struct{}
}

func (tx *lateReceiveTx) Receive(ctx context.Context, queue string, group uuid.UUID, wait time.Duration) (broker.Batch, error) {
	<-ctx.Done()
	defer close(tx.returned)
	return tx.Tx.Receive(context.Background(), queue, group, wait)
}

func TestCancelledReceiveRollsBackOnClose(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newBroker(t)
	send(t, b, uuid.Nil, broker.MessageTypeDefault, []byte("first"))
	conn := b.Connect()
	tx, err := conn.BeginTx(ctx)
	if err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	group, ok, err := tx.GetConversationGroup(ctx, "orders_q", time.Second)
	if err != nil || !ok {
		t.Fatalf("get conversation group: ok=%v err=%v", ok, err)
	}
	if code, err := tx.AppLock(ctx, group.String(), 0); err != nil || code < 0 {
		t.Fatalf("applock: code=%d err=%v", code, err)
	}
	late := &lateReceiveTx{Tx: tx, returned: make(chan struct{})}
	h := &connHandle{conn: conn}
	shutdown := make(chan struct{})
	r := receiver.New(receiver.Options{
		Tx:       late,
		Handle:   h,
		Queue:    "orders_q",
		GroupID:  group,
		Shutdown: shutdown,
	})
	if err := r.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(shutdown)
	}()
	msg, err := r.Receive(ctx, time.Second, nil)
	if err != nil || msg != nil {
		t.Fatalf("expected nil after shutdown, got %v %v", msg, err)
	}
	select {
	case <-late.returned:
	case <-time.After(2 * time.Second):
		t.Fatal("receive never reached the broker")
	}
	hooked := false
	r.OnClose(func(context.Context, broker.Commands) error {
		hooked = true
		return nil
	})
	if err := r.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if hooked {
		t.Fatal("close hooks must not run on a transaction that rolls back")
	}
	if got := b.Pending("orders_q"); got != 1 {
		t.Fatalf("expected the taken message back on the queue, %d pending", got)
	}
	if h.released.Load() != 1 || b.OpenTransactions() != 0 {
		t.Fatalf("expected resources released, releases=%d open=%d", h.released.Load(), b.OpenTransactions())
	}

	again, _ := lockNext(t, b, receiver.Options{})
	defer again.Abort()
	msg, err = again.Receive(ctx, time.Second, nil)
	if err != nil || msg == nil || string(msg.Body) != "first" {
		t.Fatalf("expected redelivery of the message, got %v %v", msg, err)
	}
}
