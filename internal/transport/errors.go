package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a failed gateway call.
type Kind int

// Failure kinds.
const (
	KindTimeout Kind = iota + 1
	KindNetworkUnavailable
	KindServerError
	KindMalformedResponse
	// KindCanceled means the caller's context was canceled before a response arrived.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindServerError:
		return "server_error"
	case KindMalformedResponse:
		return "malformed_response"
	case KindCanceled:
		return "canceled"
	}
	return "unknown"
}

// Sentinel errors for use with errors.Is.
var (
	ErrTimeout            = errors.New("transport: timeout")
	ErrNetworkUnavailable = errors.New("transport: network unavailable")
	ErrServerError        = errors.New("transport: server error")
	ErrMalformedResponse  = errors.New("transport: malformed response")
	ErrCanceled           = errors.New("transport: canceled")
)

var kindSentinels = map[Kind]error{
	KindTimeout:            ErrTimeout,
	KindNetworkUnavailable: ErrNetworkUnavailable,
	KindServerError:        ErrServerError,
	KindMalformedResponse:  ErrMalformedResponse,
	KindCanceled:           ErrCanceled,
}

// Error is a classified gateway failure.
type Error struct {
	Kind       Kind
	Endpoint   string
	StatusCode int // set for KindServerError
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("transport %s: %s", e.Endpoint, e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf returns the failure kind of err, or 0 if err is not a transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return 0
}
