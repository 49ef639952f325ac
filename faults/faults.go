// Package faults defines the typed failures surfaced by the transport so callers
// can branch on timeout, protocol and communication problems without parsing
// error strings.
package faults

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a failure.
type Kind uint8

const (
	// KindUnknown is never produced by the transport.
	KindUnknown Kind = iota
	// KindTimeout means an operation's deadline elapsed. Cancellation is not a timeout.
	KindTimeout
	// KindProtocol covers malformed broker responses, broker-delivered error
	// messages and unsupported states or configuration combinations.
	KindProtocol
	// KindCommunication is a backend failure not attributable to a timeout.
	KindCommunication
	// KindInvalidOperation is caller misuse.
	KindInvalidOperation
	// KindConfig is a connection string or configuration value that cannot be used.
	KindConfig
	// KindNotFound is a service or conversation that does not exist.
	KindNotFound
	// KindInvalidState is a conversation that cannot be resumed for sending.
	KindInvalidState
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindProtocol:
		return "protocol"
	case KindCommunication:
		return "communication"
	case KindInvalidOperation:
		return "invalid_operation"
	case KindConfig:
		return "config"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching. Any *Error of the same kind matches.
var (
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrProtocol         = &Error{Kind: KindProtocol}
	ErrCommunication    = &Error{Kind: KindCommunication}
	ErrInvalidOperation = &Error{Kind: KindInvalidOperation}
	ErrConfig           = &Error{Kind: KindConfig}
	ErrNotFound         = &Error{Kind: KindNotFound}
	ErrInvalidState     = &Error{Kind: KindInvalidState}
)

// Error is a classified transport failure. Code and Description are populated
// when the broker delivered an application error on a conversation.
type Error struct {
	Kind        Kind
	Op          string
	Detail      string
	Code        int
	Description string
	Err         error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Code != 0 || e.Description != "" {
		fmt.Fprintf(&b, " (broker error %d: %s)", e.Code, e.Description)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so sentinels match any error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// New returns an Error of kind k.
func New(k Kind, op, detail string) *Error {
	return &Error{Kind: k, Op: op, Detail: detail}
}

// Wrap returns an Error of kind k wrapping err.
func Wrap(k Kind, op, detail string, err error) *Error {
	return &Error{Kind: k, Op: op, Detail: detail, Err: err}
}

// Timeout builds a KindTimeout error that records the configured timeout.
func Timeout(op string, timeout time.Duration, err error) *Error {
	return &Error{
		Kind:   KindTimeout,
		Op:     op,
		Detail: fmt.Sprintf("timed out after %s", timeout),
		Err:    err,
	}
}

// BrokerError builds the KindProtocol error raised for a broker-delivered error message.
func BrokerError(op string, code int, description string) *Error {
	return &Error{
		Kind:        KindProtocol,
		Op:          op,
		Detail:      "service broker error message",
		Code:        code,
		Description: description,
	}
}

// Reclassify maps a backend failure raised during a bounded operation. When
// the deadline already elapsed the failure is a timeout, otherwise it is a
// communication failure. Errors that are already classified pass through.
func Reclassify(op string, timeout time.Duration, expired bool, err error) error {
	if err == nil {
		return nil
	}
	var classified *Error
	if errors.As(err, &classified) {
		return err
	}
	if expired {
		return Timeout(op, timeout, err)
	}
	return Wrap(KindCommunication, op, "", err)
}

// KindOf returns the kind of err, or KindUnknown when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTimeout reports whether err is a KindTimeout failure.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }

// IsProtocol reports whether err is a KindProtocol failure.
func IsProtocol(err error) bool { return errors.Is(err, ErrProtocol) }

// IsCommunication reports whether err is a KindCommunication failure.
func IsCommunication(err error) bool { return errors.Is(err, ErrCommunication) }
