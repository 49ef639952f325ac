package broker

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

var (
	// ErrServiceNotFound is returned by LookupService for unknown services.
	ErrServiceNotFound = errors.New("broker: service not found")
	// ErrConversationNotFound is returned by LookupConversation for unknown handles.
	ErrConversationNotFound = errors.New("broker: conversation not found")
	// ErrTxDone is returned when a finished transaction is used.
	ErrTxDone = errors.New("broker: transaction already finished")
	// ErrConnClosed is returned when a closed connection is used.
	ErrConnClosed = errors.New("broker: connection closed")
)

// Backend error numbers the transport reacts to.
const (
	// ErrNumberConversationDisabled is raised by SEND on a conversation that
	// has been ended or errored by the far side.
	ErrNumberConversationDisabled = 8429
	ErrNumberDeadlock             = 1205
)

var transientNumbers = map[int32]struct{}{
	ErrNumberDeadlock: {},
	233:               {},
	4060:              {},
	10053:             {},
	10054:             {},
	10060:             {},
	40197:             {},
	40501:             {},
	40613:             {},
	49918:             {},
	49919:             {},
	49920:             {},
}

// ServerError is a numbered error raised by the backend.
type ServerError struct {
	Number  int32
	Message string
	Err     error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("broker: server error %d: %s", e.Number, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// ErrorNumber returns the backend error number carried by err, or 0.
func ErrorNumber(err error) int32 {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Number
	}
	return 0
}

// IsTransient reports whether err is worth retrying on a fresh attempt:
// deadlock victims, throttling and dropped connections.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if _, ok := transientNumbers[ErrorNumber(err)]; ok {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
