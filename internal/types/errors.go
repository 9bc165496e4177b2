package types

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrClosed     = errors.New("glimpse: socket closed")
	ErrRunning    = errors.New("glimpse: session is running")
	ErrCasterGone = errors.New("glimpse: caster ended the session")
)

// BindError means a local UDP endpoint could not be opened.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// CaptureError is a failed grab. Fatal is set when capture cannot start at all.
type CaptureError struct {
	Target string
	Fatal  bool
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Fatal {
		return fmt.Sprintf("capture %s unavailable: %v", e.Target, e.Err)
	}
	return fmt.Sprintf("capture %s: %v", e.Target, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// RegistrationTimeoutError is returned when a caster never acknowledged.
type RegistrationTimeoutError struct {
	Caster string
	After  time.Duration
}

func (e *RegistrationTimeoutError) Error() string {
	return fmt.Sprintf("no answer from caster %s within %v", e.Caster, e.After)
}

// Timeout lets callers treat the error like a net.Error timeout.
func (e *RegistrationTimeoutError) Timeout() bool { return true }

// RegistrationRejectedError carries the reason a caster gave for refusing.
type RegistrationRejectedError struct {
	Caster string
	Reason string
}

func (e *RegistrationRejectedError) Error() string {
	return fmt.Sprintf("caster %s rejected registration: %s", e.Caster, e.Reason)
}

// SendError is a failed delivery to one receiver.
type SendError struct {
	Addr string
	Err  error
}

func (e *SendError) Error() string { return fmt.Sprintf("send to %s: %v", e.Addr, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

// DecodeError is a malformed datagram or frame payload.
type DecodeError struct {
	What string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.What, e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }

// IsRegistrationError reports whether err is a retryable handshake failure.
func IsRegistrationError(err error) bool {
	var te *RegistrationTimeoutError
	var re *RegistrationRejectedError
	return errors.As(err, &te) || errors.As(err, &re)
}
