package cmdrun_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/ssbtransport/internal/cmdrun"
)

type closeRecorder struct {
	closed chan struct{}
}

func (c *closeRecorder) Close() error {
	close(c.closed)
	return nil
}

func TestRunReturnsCompletedValue(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	v, cancelled, err := cmdrun.Run(ctx, nil, cancel, make(chan struct{}), func(context.Context) (int, error) {
		return 42, nil
	})
	if err != nil || cancelled || v != 42 {
		t.Fatalf("v=%d cancelled=%v err=%v", v, cancelled, err)
	}
	if ctx.Err() != nil {
		t.Fatal("context must stay alive for the caller after completion")
	}
}

func TestRunPropagatesFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, cancelled, err := cmdrun.Run(ctx, nil, cancel, nil, func(context.Context) (string, error) {
		return "", boom
	})
	if cancelled || !errors.Is(err, boom) {
		t.Fatalf("cancelled=%v err=%v", cancelled, err)
	}
}

func TestRunCancelsOnSignalAndClosesResult(t *testing.T) {
	t.Parallel()

	signal := make(chan struct{})
	rec := &closeRecorder{closed: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(signal)
	}()
	_, cancelled, err := cmdrun.Run(ctx, cmdrun.New(), cancel, signal, func(ctx context.Context) (*closeRecorder, error) {
		<-ctx.Done()
		return rec, nil
	})
	if !cancelled || err != nil {
		t.Fatalf("cancelled=%v err=%v", cancelled, err)
	}
	select {
	case <-rec.closed:
	case <-time.After(time.Second):
		t.Fatal("expected the late result to be closed")
	}
}

func TestRunReportsDrainTimeout(t *testing.T) {
	t.Parallel()

	signal := make(chan struct{})
	close(signal)
	release := make(chan struct{})
	defer close(release)
	r := cmdrun.New(cmdrun.WithDrainTimeout(10 * time.Millisecond))
	start := time.Now()
	_, cancelled, err := cmdrun.Run(context.Background(), r, func() {}, signal, func(context.Context) (int, error) {
		<-release
		return 0, nil
	})
	if !cancelled || !errors.Is(err, cmdrun.ErrDrainTimeout) {
		t.Fatalf("cancelled=%v err=%v", cancelled, err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("drain timeout not honoured")
	}
}
