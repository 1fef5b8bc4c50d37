package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestGetKindClassifiesTaxonomy(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		fatal bool
	}{
		{"launch", &LaunchError{SessionID: "s1", Reason: "empty subject"}, true},
		{"wrapped launch", fmt.Errorf("run: %w", &LaunchError{SessionID: "s1", Reason: "spawn"}), true},
		{"mandatory stage", &StageError{Stage: "writer", Err: errors.New("boom")}, true},
		{"best effort stage", &StageError{Stage: "translator", BestEffort: true, Err: errors.New("boom")}, false},
		{"decode", &StreamDecodeError{Line: "garbage"}, false},
		{"protocol", &ProtocolViolation{EventType: "log", Field: "message"}, false},
		{"reconcile timeout", &ReconciliationTimeout{SessionID: "s1", Waited: time.Second}, false},
		{"delivery", &BroadcastDeliveryFailure{SessionID: "s1", SubscriberID: 3, Err: errors.New("full")}, false},
		{"nil", nil, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsFatal(tc.err); got != tc.fatal {
				t.Fatalf("IsFatal(%v) = %v, want %v", tc.err, got, tc.fatal)
			}
		})
	}
}

func TestLaunchErrorUnwraps(t *testing.T) {
	cause := errors.New("exec: not found")
	err := fmt.Errorf("supervisor: %w", &LaunchError{SessionID: "abc", Reason: "start process", Err: cause})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through LaunchError")
	}
	if !IsLaunchError(err) {
		t.Fatalf("expected IsLaunchError to match wrapped error")
	}
}

func TestStreamDecodeErrorTruncatesLongLines(t *testing.T) {
	line := make([]byte, 200)
	for i := range line {
		line[i] = 'x'
	}
	msg := (&StreamDecodeError{Line: string(line)}).Error()
	if len(msg) > 140 {
		t.Fatalf("expected truncated message, got %d bytes", len(msg))
	}
}
