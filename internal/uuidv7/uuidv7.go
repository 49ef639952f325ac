// Package uuidv7 issues time-ordered identifiers for sessions and receivers.
package uuidv7

import (
	"time"

	"github.com/google/uuid"
)

// New returns a UUIDv7 value or panics if generation fails.
func New() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// Time returns the creation time embedded in a version 7 id. Other versions
// report false.
func Time(id uuid.UUID) (time.Time, bool) {
	if id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), true
}
