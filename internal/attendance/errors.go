package attendance

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a normalization failure.
type ErrorKind string

// Normalization failure kinds.
const (
	KindMissingField     ErrorKind = "missing_field"
	KindInvalidStatus    ErrorKind = "invalid_status"
	KindInvalidDate      ErrorKind = "invalid_date"
	KindInvalidTimestamp ErrorKind = "invalid_timestamp"
	KindInvalidPayload   ErrorKind = "invalid_payload"
)

// Sentinel errors matched by NormalizationError.Is.
var (
	ErrMissingField     = errors.New("missing required field")
	ErrInvalidStatus    = errors.New("invalid attendance status")
	ErrInvalidDate      = errors.New("invalid attendance date")
	ErrInvalidTimestamp = errors.New("invalid timestamp")
	ErrInvalidPayload   = errors.New("invalid payload")
)

var kindSentinels = map[ErrorKind]error{
	KindMissingField:     ErrMissingField,
	KindInvalidStatus:    ErrInvalidStatus,
	KindInvalidDate:      ErrInvalidDate,
	KindInvalidTimestamp: ErrInvalidTimestamp,
	KindInvalidPayload:   ErrInvalidPayload,
}

// NormalizationError reports why a payload could not become an Event.
type NormalizationError struct {
	Kind  ErrorKind
	Field string
	Value string
	Err   error
}

func (e *NormalizationError) Error() string {
	msg := "normalize: " + string(e.Kind)
	if e.Field != "" {
		msg += " " + e.Field
	}
	if e.Value != "" {
		msg += fmt.Sprintf(" %q", e.Value)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *NormalizationError) Unwrap() error { return e.Err }

// Is matches the sentinel for the error's kind.
func (e *NormalizationError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func missingField(field string) error {
	return &NormalizationError{Kind: KindMissingField, Field: field}
}
