package broker

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const forbiddenIdentifierChars = "[]'\"\r\n\t"

// ValidateIdentifier rejects names that are spliced into commands unescaped
// and contain delimiter or escape characters.
func ValidateIdentifier(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%s must not be empty", kind)
	}
	if i := strings.IndexAny(name, forbiddenIdentifierChars); i >= 0 {
		return fmt.Errorf("%s %q contains forbidden character %q", kind, name, name[i])
	}
	return nil
}

// QuoteName brackets a catalog name, doubling closing brackets.
func QuoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// Dialog timer bounds in seconds.
const (
	MinTimerSeconds = 1
	MaxTimerSeconds = math.MaxInt32 - 1
)

// TimerSeconds converts d to dialog timer seconds, rounding half away from
// zero and clamping to the broker's accepted range. A d of zero or less maps
// to 0, which clears the timer.
func TimerSeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	secs := math.Round(d.Seconds())
	if secs < MinTimerSeconds {
		return MinTimerSeconds
	}
	if secs > MaxTimerSeconds {
		return MaxTimerSeconds
	}
	return int32(secs)
}
