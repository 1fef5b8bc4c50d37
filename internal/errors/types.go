package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies failures by how far they are allowed to propagate.
type Kind int

const (
	// KindFatal terminates the run it belongs to.
	KindFatal Kind = iota
	// KindRecoverable is handled locally; the run continues.
	KindRecoverable
)

// LaunchError reports that the pipeline could not be started, either because
// the request was rejected during sanitization or because the process failed
// to spawn.
type LaunchError struct {
	SessionID string
	Reason    string
	Err       error
}

func (e *LaunchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch session %s: %s: %v", e.SessionID, e.Reason, e.Err)
	}
	return fmt.Sprintf("launch session %s: %s", e.SessionID, e.Reason)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// StreamDecodeError reports a line that could not be interpreted as either a
// structured or a legacy event.
type StreamDecodeError struct {
	Line string
	Err  error
}

func (e *StreamDecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode line %q: %v", truncate(e.Line, 80), e.Err)
	}
	return fmt.Sprintf("decode line %q: no pattern matched", truncate(e.Line, 80))
}

func (e *StreamDecodeError) Unwrap() error {
	return e.Err
}

// ProtocolViolation reports a structured event whose payload is missing a
// field required by its type.
type ProtocolViolation struct {
	EventType string
	Field     string
	Detail    string
}

func (e *ProtocolViolation) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s event: field %q: %s", e.EventType, e.Field, e.Detail)
	}
	return fmt.Sprintf("%s event: missing required field %q", e.EventType, e.Field)
}

// ReconciliationTimeout reports that the polling window closed without any
// artifact appearing for the session.
type ReconciliationTimeout struct {
	SessionID string
	Waited    time.Duration
}

func (e *ReconciliationTimeout) Error() string {
	return fmt.Sprintf("session %s: no artifacts after %s", e.SessionID, e.Waited)
}

// BroadcastDeliveryFailure reports a subscriber that could not accept an event.
type BroadcastDeliveryFailure struct {
	SessionID    string
	SubscriberID uint64
	Err          error
}

func (e *BroadcastDeliveryFailure) Error() string {
	return fmt.Sprintf("session %s: deliver to subscriber %d: %v", e.SessionID, e.SubscriberID, e.Err)
}

func (e *BroadcastDeliveryFailure) Unwrap() error {
	return e.Err
}

// StageError reports a failed pipeline stage.
type StageError struct {
	Stage      string
	BestEffort bool
	Err        error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ErrSessionNotFound is returned for unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// ErrSessionExists is returned when a session id is submitted twice.
var ErrSessionExists = errors.New("session already exists")

// ErrArtifactNotFound is returned when a requested artifact does not exist.
var ErrArtifactNotFound = errors.New("artifact not found")

// ErrInvalidInput marks caller mistakes (bad subject, bad filename).
var ErrInvalidInput = errors.New("invalid input")

// IsLaunchError reports whether err wraps a LaunchError.
func IsLaunchError(err error) bool {
	var launchErr *LaunchError
	return errors.As(err, &launchErr)
}

// IsProtocolViolation reports whether err wraps a ProtocolViolation.
func IsProtocolViolation(err error) bool {
	var violation *ProtocolViolation
	return errors.As(err, &violation)
}

// IsReconciliationTimeout reports whether err wraps a ReconciliationTimeout.
func IsReconciliationTimeout(err error) bool {
	var timeout *ReconciliationTimeout
	return errors.As(err, &timeout)
}

// GetKind classifies an error. Only launch failures and mandatory stage
// failures terminate a run; everything else is recovered where it happens.
func GetKind(err error) Kind {
	if err == nil {
		return KindRecoverable
	}
	if IsLaunchError(err) {
		return KindFatal
	}
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		if stageErr.BestEffort {
			return KindRecoverable
		}
		return KindFatal
	}
	return KindRecoverable
}

// IsFatal reports whether err must terminate the run.
func IsFatal(err error) bool {
	return err != nil && GetKind(err) == KindFatal
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
