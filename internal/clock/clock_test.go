package clock_test

import (
	"testing"
	"time"

	"pkt.systems/ssbtransport/internal/clock"
)

func TestRealNowUsesUTC(t *testing.T) {
	t.Parallel()

	now := clock.Real{}.Now()
	if loc := now.Location(); loc != time.UTC {
		t.Fatalf("expected UTC location, got %v", loc)
	}
	if delta := time.Since(now); delta < 0 || delta > time.Second {
		t.Fatalf("unexpected Now delta: %v", delta)
	}
}

func TestRealAfterDeliversOnce(t *testing.T) {
	t.Parallel()

	ch := clock.Real{}.After(10 * time.Millisecond)
	select {
	case <-ch:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("After did not trigger within timeout")
	}
}

func TestOrFallsBackToReal(t *testing.T) {
	t.Parallel()

	if _, ok := clock.Or(nil).(clock.Real); !ok {
		t.Fatal("expected Real clock for nil input")
	}
	manual := clock.NewManual(time.Unix(0, 0))
	if clock.Or(manual) != clock.Clock(manual) {
		t.Fatal("expected supplied clock to be returned")
	}
}

func TestDeadlineTracksManualClock(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(1000, 0))
	d := clock.NewDeadline(manual, 5*time.Second)
	if got := d.Remaining(); got != 5*time.Second {
		t.Fatalf("expected 5s remaining, got %v", got)
	}
	manual.Advance(2 * time.Second)
	if got := d.Millis(); got != 3000 {
		t.Fatalf("expected 3000ms, got %d", got)
	}
	manual.Advance(4 * time.Second)
	if !d.Expired() {
		t.Fatal("expected deadline to be expired")
	}
	if got := d.Remaining(); got != 0 {
		t.Fatalf("expected zero remaining, got %v", got)
	}
}

func TestDeadlineForeverNeverExpires(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	d := clock.NewDeadline(manual, clock.Forever)
	manual.Advance(24 * time.Hour)
	if d.Expired() {
		t.Fatal("forever deadline expired")
	}
	if d.Millis() != -1 {
		t.Fatalf("expected -1 millis for forever, got %d", d.Millis())
	}
}

func TestToMillisClamps(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   time.Duration
		want int32
	}{
		{-time.Second, 0},
		{0, 0},
		{1500 * time.Microsecond, 1},
		{90 * 24 * time.Hour, 1<<31 - 1},
	}
	for _, tc := range cases {
		if got := clock.ToMillis(tc.in); got != tc.want {
			t.Fatalf("ToMillis(%v)=%d want %d", tc.in, got, tc.want)
		}
	}
}

func TestManualAfterFiresOnAdvance(t *testing.T) {
	t.Parallel()

	manual := clock.NewManual(time.Unix(0, 0))
	ch := manual.After(time.Second)
	if !manual.WaitForTimers(1, time.Second) {
		t.Fatal("expected pending timer")
	}
	select {
	case <-ch:
		t.Fatal("timer fired early")
	default:
	}
	manual.Advance(time.Second)
	select {
	case <-ch:
	default:
		t.Fatal("timer did not fire after advance")
	}
	if manual.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", manual.Pending())
	}
}
