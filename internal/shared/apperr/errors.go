// Package apperr holds the error taxonomy shared by the tracking core.
//
// None of these errors are fatal: callers log them at the boundary and keep
// serving whatever state they already have.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthentication means no bearer token was available, or the backend rejected it.
	ErrAuthentication = errors.New("authentication required")
	// ErrMalformedPayload marks an inbound message that failed validation and was dropped.
	ErrMalformedPayload = errors.New("malformed payload")
)

// NetworkError is a failed REST call against the field-operations backend.
type NetworkError struct {
	Op        string
	Status    int
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ChannelError is a push-channel dial, subscribe or receive failure.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("push channel %s: %v", e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsRetryable reports whether retrying the failed operation can succeed without
// operator action.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, ErrAuthentication) {
		return false
	}

	var netErr *NetworkError
	if errors.As(err, &netErr) {
		return netErr.Retryable
	}

	var chErr *ChannelError
	return errors.As(err, &chErr)
}
