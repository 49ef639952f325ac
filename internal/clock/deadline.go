package clock

import (
	"math"
	"time"
)

// Forever is the timeout value treated as "no deadline".
const Forever = time.Duration(math.MaxInt64)

// Deadline tracks the time left of a bounded operation that spans several
// broker round trips.
type Deadline struct {
	clk     Clock
	timeout time.Duration
	at      time.Time
	forever bool
}

// NewDeadline starts a deadline of timeout from now. Negative timeouts are
// treated as zero; Forever never expires.
func NewDeadline(clk Clock, timeout time.Duration) Deadline {
	clk = Or(clk)
	if timeout < 0 {
		timeout = 0
	}
	d := Deadline{clk: clk, timeout: timeout}
	if timeout == Forever {
		d.forever = true
		return d
	}
	d.at = clk.Now().Add(timeout)
	return d
}

// Timeout returns the original timeout.
func (d Deadline) Timeout() time.Duration {
	return d.timeout
}

// Remaining returns the time left, never negative.
func (d Deadline) Remaining() time.Duration {
	if d.forever {
		return Forever
	}
	left := d.at.Sub(Or(d.clk).Now())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether no time is left.
func (d Deadline) Expired() bool {
	return !d.forever && d.Remaining() <= 0
}

// Millis returns the remaining time in whole milliseconds clamped to int32,
// the unit WAITFOR and sp_getapplock take. Forever maps to -1.
func (d Deadline) Millis() int32 {
	if d.forever {
		return -1
	}
	return ToMillis(d.Remaining())
}

// ToMillis converts d to milliseconds for broker commands, clamped to
// [0, MaxInt32]. Forever maps to -1 (wait indefinitely).
func ToMillis(d time.Duration) int32 {
	if d == Forever {
		return -1
	}
	if d <= 0 {
		return 0
	}
	ms := d.Milliseconds()
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int32(ms)
}
