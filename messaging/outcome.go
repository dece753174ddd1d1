package messaging

import (
	"errors"
	"fmt"
)

// Status is the result category of dispatching a delivery
type Status int

const (
	// StatusSuccess means the handler completed
	StatusSuccess Status = iota
	// StatusRetryable means the handler failed and the delivery may be retried
	StatusRetryable
	// StatusFatal means the delivery can never succeed and must be dropped
	StatusFatal
	// StatusUnroutable means no handler is registered for the routing key
	StatusUnroutable
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	case StatusUnroutable:
		return "unroutable"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Outcome is the explicit result of one dispatch
type Outcome struct {
	Status    Status
	EventType string
	EventID   string
	Err       error
}

// Succeeded reports whether the handler completed
func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Retryable reports whether the failure may be retried
func (o Outcome) Retryable() bool {
	return o.Status == StatusRetryable
}

var (
	// ErrUnknownEventType is returned for routing keys without a registered handler
	ErrUnknownEventType = errors.New("messaging: unknown event type")
	// ErrDecodeFailed is returned when a payload cannot be decoded
	ErrDecodeFailed = errors.New("messaging: failed to decode event")
	// ErrDuplicateRegistration is returned when a type name is registered twice
	ErrDuplicateRegistration = errors.New("messaging: event type already registered")
	// ErrReservedTypeName is returned for type names ending in the retry suffix
	ErrReservedTypeName = errors.New("messaging: reserved event type name")
)

// PermanentError marks a handler error that must not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the dispatcher reports it as a fatal failure
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// outcomeFor maps a handler error to an outcome
func outcomeFor(evt eventInfo, err error) Outcome {
	o := Outcome{EventType: evt.typeName, EventID: evt.id, Err: err}
	switch {
	case err == nil:
		o.Status = StatusSuccess
	case IsPermanent(err):
		o.Status = StatusFatal
	default:
		o.Status = StatusRetryable
	}
	return o
}

type eventInfo struct {
	typeName string
	id       string
}
