package channel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies push channel failures.
type ErrorKind int

// Push channel failure kinds.
const (
	KindHandshakeFailed ErrorKind = iota + 1
	KindDisconnected
)

func (k ErrorKind) String() string {
	switch k {
	case KindHandshakeFailed:
		return "handshake_failed"
	case KindDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Sentinel errors for use with errors.Is.
var (
	ErrHandshakeFailed = errors.New("channel: handshake failed")
	ErrDisconnected    = errors.New("channel: disconnected")
)

// Error is a push channel failure. It never escapes the manager as a fatal
// error; it drives state transitions and is reported to observers.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel: %s", e.Kind)
	}
	return fmt.Sprintf("channel: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch e.Kind {
	case KindHandshakeFailed:
		return target == ErrHandshakeFailed
	case KindDisconnected:
		return target == ErrDisconnected
	}
	return false
}
