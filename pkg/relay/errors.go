// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

var (
	// ErrMalformedEvent is returned by Event.Normalize when a required field is missing.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrSkipEvent is returned by Event.Normalize for events that should be
	// discarded without a warning, such as the relay's own posts.
	ErrSkipEvent = errors.New("skip event")

	// ErrStartup wraps connectivity failures while a source or sink is being set up.
	ErrStartup = errors.New("startup failed")
)

// TransientError marks a delivery failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient delivery error: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError marks a delivery failure that will not succeed on retry,
// like rejected credentials or a missing destination chat.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent delivery error: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Transient wraps err as a TransientError. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as a PermanentError. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Transientf is shorthand for Transient(fmt.Errorf(...)).
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsTransient reports whether a send error should be retried. Explicitly
// classified errors win; otherwise network-level failures are transient and
// everything else is treated as permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var perm *PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var trans *TransientError
	if errors.As(err, &trans) {
		return true
	}

	return isNetworkErr(err)
}

func isNetworkErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial", "read", "write":
			return true
		}
	}

	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
