// Package errors holds the sentinel errors and the failure taxonomy shared by
// the ingestion pipeline. Every stage classifies its failures through this
// package so retry and status decisions are made in one place.
package errors

import (
	sterrors "errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrConfigRequired     = sterrors.New("eventflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("eventflow: logger is required")
	ErrPublisherRequired  = sterrors.New("eventflow: publisher is required")
	ErrSubscriberRequired = sterrors.New("eventflow: subscriber is required")
	ErrTopicRequired      = sterrors.New("eventflow: topic is required")
	ErrStoreRequired      = sterrors.New("eventflow: store is required")
	ErrEnvelopeRequired   = sterrors.New("eventflow: envelope is required")
	ErrDispatcherClosed   = sterrors.New("eventflow: dispatcher is shut down")
	ErrNotFound           = sterrors.New("eventflow: not found")

	// ErrDuplicate marks an event whose processing already completed.
	ErrDuplicate = sterrors.New("eventflow: event already processed")
)

// Class is the coarse category of a pipeline failure.
type Class int

const (
	ClassNone Class = iota
	ClassValidation
	ClassDecode
	ClassDispatch
	ClassTransient
	ClassPermanent
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassValidation:
		return "validation"
	case ClassDecode:
		return "decode"
	case ClassDispatch:
		return "dispatch"
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ValidationError reports a payload that violates its kind's contract.
type ValidationError struct {
	Kind    string
	Missing []string
	Reason  string
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("eventflow: invalid ")
	if e.Kind != "" {
		b.WriteString(e.Kind)
		b.WriteString(" ")
	}
	b.WriteString("event")
	if len(e.Missing) > 0 {
		b.WriteString(": missing required fields: ")
		b.WriteString(strings.Join(e.Missing, ", "))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// DecodeError reports a wire message that could not be turned into an envelope.
type DecodeError struct {
	MessageID string
	Cause     error
}

func (e *DecodeError) Error() string {
	if e.MessageID != "" {
		return fmt.Sprintf("eventflow: decode message %s: %v", e.MessageID, e.Cause)
	}
	return fmt.Sprintf("eventflow: decode message: %v", e.Cause)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// DispatchError reports an event kind with no registered processing routine.
type DispatchError struct {
	Kind string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("eventflow: no processing routine registered for kind %q", e.Kind)
}

// PublishError reports a failed publish. Retryable is false for failures that
// another attempt cannot fix, such as serialization errors.
type PublishError struct {
	Topic     string
	Attempts  int
	Retryable bool
	Cause     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("eventflow: publish to %q failed after %d attempt(s): %v", e.Topic, e.Attempts, e.Cause)
}

func (e *PublishError) Unwrap() error { return e.Cause }

// TransientError wraps an infrastructure failure that may succeed on retry.
type TransientError struct {
	Op    string
	Cause error
	// RetryAfter overrides the retry policy's next delay when positive.
	RetryAfter time.Duration
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("eventflow: %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error { return e.Cause }

// Transient wraps err as a TransientError for op. A nil err stays nil.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Cause: err}
}

// PermanentError wraps a failure that must not be retried.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

// Permanent wraps err so that Classify reports ClassPermanent. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// Classify maps err onto the failure taxonomy. Unknown errors are treated as
// transient so that processing routines default to being retried.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}

	var validation *ValidationError
	if sterrors.As(err, &validation) {
		return ClassValidation
	}
	var decode *DecodeError
	if sterrors.As(err, &decode) {
		return ClassDecode
	}
	var dispatch *DispatchError
	if sterrors.As(err, &dispatch) {
		return ClassDispatch
	}
	var permanent *PermanentError
	if sterrors.As(err, &permanent) {
		return ClassPermanent
	}
	var publish *PublishError
	if sterrors.As(err, &publish) && !publish.Retryable {
		return ClassPermanent
	}
	return ClassTransient
}

// IsRetryable reports whether err should be retried under a retry budget.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// RetryDelay returns the delay requested by a TransientError in err's chain.
func RetryDelay(err error) (time.Duration, bool) {
	var transient *TransientError
	if sterrors.As(err, &transient) && transient.RetryAfter > 0 {
		return transient.RetryAfter, true
	}
	return 0, false
}
