package lib

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout             error = &TimeoutError{msg: "operation timed out"}
	ErrInterrupted               = errors.New("operation interrupted")
	ErrNotFound                  = errors.New("not found")
	ErrPortInUse                 = errors.New("port already in use")
	ErrNoPorts                   = errors.New("no ephemeral port available")
	ErrInvalidState              = errors.New("operation not valid in current connection state")
	ErrConnectionRefused         = errors.New("connection refused")
	ErrConnectionReset           = errors.New("connection reset by peer")
	ErrUnsupportedEndpoint       = errors.New("endpoint kind not supported")
	ErrNoRoute                   = errors.New("no route to host")
	ErrMalformed                 = errors.New("malformed packet")
	ErrBadChecksum               = errors.New("checksum mismatch")
	ErrClosed                    = errors.New("stack closed")
)

// TimeoutError satisfies net.Error so callers holding a net.Conn style
// interface can test Timeout().
type TimeoutError struct {
	msg string
}

func (e *TimeoutError) Error() string {
	return e.msg
}

func (e *TimeoutError) Timeout() bool {
	return true
}

func (e *TimeoutError) Temporary() bool {
	return false
}

// interruptedError keeps the context cause reachable through errors.Is.
type interruptedError struct {
	cause error
}

func (e *interruptedError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInterrupted, e.cause)
}

func (e *interruptedError) Is(target error) bool {
	return target == ErrInterrupted
}

func (e *interruptedError) Unwrap() error {
	return e.cause
}

func malformed(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}
