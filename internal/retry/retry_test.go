package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/ssbtransport/internal/broker"
	"pkt.systems/ssbtransport/internal/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

var errDeadlock = &broker.ServerError{Number: broker.ErrNumberDeadlock, Message: "deadlock victim"}

func TestDoRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	p := retry.New(nil, clk, retry.Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 25 * time.Millisecond, Multiplier: 2})
	calls := 0
	err := p.Do(context.Background(), "open", func(context.Context) error {
		calls++
		if calls < 4 {
			return errDeadlock
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %s, want %s", i, clk.sleeps[i], want[i])
		}
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	t.Parallel()

	clk := &fakeClock{}
	p := retry.New(nil, clk, retry.Config{MaxAttempts: 5})
	permanent := errors.New("login failed")
	calls := 0
	err := p.Do(context.Background(), "open", func(context.Context) error {
		calls++
		return permanent
	})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("expected single failing call, calls=%d err=%v", calls, err)
	}
	if len(clk.sleeps) != 0 {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
}

func TestDoReturnsLastErrorWhenExhausted(t *testing.T) {
	t.Parallel()

	p := retry.New(nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	calls := 0
	err := p.Do(context.Background(), "lookup", func(context.Context) error {
		calls++
		return errDeadlock
	})
	if calls != 3 || broker.ErrorNumber(err) != broker.ErrNumberDeadlock {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}

func TestDoHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := retry.New(nil, &fakeClock{}, retry.Config{MaxAttempts: 3})
	err := p.Do(ctx, "lookup", func(context.Context) error { return errDeadlock })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestValueAndNilPolicy(t *testing.T) {
	t.Parallel()

	got, err := retry.Value(context.Background(), nil, "single", func(context.Context) (int, error) { return 7, nil })
	if err != nil || got != 7 {
		t.Fatalf("got %d err=%v", got, err)
	}
	custom := retry.New(nil, &fakeClock{}, retry.Config{
		MaxAttempts: 2,
		Transient:   func(err error) bool { return err.Error() == "again" },
	})
	calls := 0
	_, err = retry.Value(context.Background(), custom, "custom", func(context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("again")
		}
		return "ok", nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("calls=%d err=%v", calls, err)
	}
}
