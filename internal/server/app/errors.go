package app

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable indicates the service is shutting down or a dependency
	// is not configured.
	ErrUnavailable = errors.New("service unavailable")

	// ErrConflict indicates a state conflict, such as cleaning up a
	// session that is still running.
	ErrConflict = errors.New("conflict")

	errSubscriberBufferFull = errors.New("subscriber buffer full")
)

// UnavailableError wraps ErrUnavailable with a descriptive message.
func UnavailableError(msg string) error {
	return fmt.Errorf("%s: %w", msg, ErrUnavailable)
}
