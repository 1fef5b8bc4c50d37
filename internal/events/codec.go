package events

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// TypeSnapshot marks the rehydration frame sent when a subscriber connects.
const TypeSnapshot = "snapshot"

type wireEnvelope struct {
	EventType string          `json:"event_type"`
	SessionID string          `json:"session_id"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MarshalJSON renders the hub-to-client wire format.
func (e Envelope) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("envelope for session %s has no payload", e.SessionID)
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		EventType: string(e.Payload.EventType()),
		SessionID: e.SessionID,
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// UnmarshalJSON parses the wire format strictly: unknown event types fail.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	payload, err := decodePayload(EventType(wire.EventType), wire.Payload)
	if err != nil {
		return err
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return err
	}
	*e = Envelope{SessionID: wire.SessionID, Timestamp: ts, Payload: payload}
	return nil
}

func decodePayload(kind EventType, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	switch kind {
	case TypeAgentUpdate:
		var p AgentUpdate
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeFileGenerated:
		var p FileGenerated
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeResearchStatus:
		var p ResearchStatus
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeLog:
		var p LogMessage
		err := json.Unmarshal(raw, &p)
		return p, err
	case TypeError:
		var p ErrorReport
		err := json.Unmarshal(raw, &p)
		return p, err
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", value, err)
	}
	return ts.UTC(), nil
}

// Frame is one message on the subscriber stream: either a live event or the
// rehydration snapshot sent on connect.
type Frame struct {
	Snapshot  bool
	SessionID string
	Timestamp time.Time
	Event     Envelope
	Events    []Envelope
}

type snapshotPayload struct {
	Events []Envelope `json:"events"`
}

// SnapshotFrame wraps a rehydration snapshot.
func SnapshotFrame(sessionID string, snapshot []Envelope) Frame {
	return Frame{Snapshot: true, SessionID: sessionID, Timestamp: time.Now().UTC(), Events: snapshot}
}

// EventFrame wraps a live event.
func EventFrame(event Envelope) Frame {
	return Frame{SessionID: event.SessionID, Timestamp: event.Timestamp, Event: event}
}

// MarshalFrame renders a frame. Snapshot frames use the envelope shape with
// event_type "snapshot" and the replayed events under payload.events.
func MarshalFrame(f Frame) ([]byte, error) {
	if !f.Snapshot {
		return json.Marshal(f.Event)
	}
	events := f.Events
	if events == nil {
		events = []Envelope{}
	}
	payload, err := json.Marshal(snapshotPayload{Events: events})
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{
		EventType: TypeSnapshot,
		SessionID: f.SessionID,
		Timestamp: f.Timestamp.UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

// ParseFrame parses a frame produced by MarshalFrame.
func ParseFrame(data []byte) (Frame, error) {
	var wire wireEnvelope
	if err := json.Unmarshal(data, &wire); err != nil {
		return Frame{}, err
	}
	if wire.EventType != TypeSnapshot {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return Frame{}, err
		}
		return EventFrame(env), nil
	}
	var payload snapshotPayload
	if len(wire.Payload) > 0 {
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			return Frame{}, fmt.Errorf("parse snapshot: %w", err)
		}
	}
	ts, err := parseTimestamp(wire.Timestamp)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Snapshot: true, SessionID: wire.SessionID, Timestamp: ts, Events: payload.Events}, nil
}

type structuredLine struct {
	Type      string  `json:"type"`
	SessionID string  `json:"session_id,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
	Payload   Payload `json:"payload"`
}

// Encoder writes envelopes in the structured line format understood by
// Decoder. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one envelope followed by a newline.
func (e *Encoder) Encode(env Envelope) error {
	if env.Payload == nil {
		return fmt.Errorf("encode: envelope has no payload")
	}
	line := structuredLine{
		Type:      string(env.Payload.EventType()),
		SessionID: env.SessionID,
		Payload:   env.Payload,
	}
	if !env.Timestamp.IsZero() {
		line.Timestamp = env.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	data, err := json.Marshal(line)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}
