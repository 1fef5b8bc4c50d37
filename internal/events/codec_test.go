package events

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func samplePayloads() []Payload {
	return []Payload{
		AgentUpdate{AgentID: "researcher", AgentName: "Researcher", Status: AgentRunning, Progress: Float(42.5), Message: "reading", Stats: map[string]any{"sources": 12.0}},
		FileGenerated{FileID: "abc", Filename: "a1b2_report_fr.pdf", FileType: "pdf", Language: "fr", SizeBytes: 2048, Path: "/tmp/x"},
		ResearchStatus{OverallStatus: RunRunning, Progress: 50, CurrentStage: "Writer", AgentsCompleted: 3, AgentsTotal: 6},
		LogMessage{Message: "warming up", Level: "info"},
		ErrorReport{Code: "pipeline_failed", Message: "exit status 2", Details: map[string]any{"exit_code": 2.0}},
	}
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 123, time.UTC)
	for _, payload := range samplePayloads() {
		env := New("sess-7", ts, payload)
		data, err := json.Marshal(env)
		require.NoError(t, err)

		var wire map[string]any
		require.NoError(t, json.Unmarshal(data, &wire))
		require.Equal(t, string(payload.EventType()), wire["event_type"])
		require.Equal(t, "sess-7", wire["session_id"])

		var decoded Envelope
		require.NoError(t, json.Unmarshal(data, &decoded))
		require.Equal(t, env, decoded)
	}
}

func TestEnvelopeUnmarshalRejectsUnknownType(t *testing.T) {
	var env Envelope
	err := json.Unmarshal([]byte(`{"event_type":"telemetry","session_id":"s","payload":{}}`), &env)
	require.Error(t, err)
}

func TestEnvelopeMarshalRequiresPayload(t *testing.T) {
	_, err := json.Marshal(Envelope{SessionID: "s"})
	require.Error(t, err)
}

func TestEncoderOutputDecodesToSameEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	payloads := samplePayloads()
	for _, payload := range payloads {
		require.NoError(t, enc.Encode(New("child-claims-this", ts, payload)))
	}

	d := NewDecoder("sess-7", nil)
	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, len(payloads))
	for i, line := range lines {
		env, err := d.DecodeDetailed(line)
		require.NoError(t, err, line)
		require.Equal(t, New("sess-7", ts, payloads[i]), env)
	}
}

func TestSnapshotFrameRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	events := []Envelope{
		New("sess-7", ts, AgentUpdate{AgentID: "editor", AgentName: "Editor", Status: AgentCompleted, Message: "outline ready"}),
		New("sess-7", ts, ResearchStatus{OverallStatus: RunRunning, Progress: 30}),
	}
	frame := Frame{Snapshot: true, SessionID: "sess-7", Timestamp: ts, Events: events}
	data, err := MarshalFrame(frame)
	require.NoError(t, err)
	require.Contains(t, string(data), `"event_type":"snapshot"`)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	require.Equal(t, frame, parsed)
}

func TestEmptySnapshotFrame(t *testing.T) {
	data, err := MarshalFrame(SnapshotFrame("sess-7", nil))
	require.NoError(t, err)
	require.Contains(t, string(data), `"events":[]`)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	require.True(t, parsed.Snapshot)
	require.Empty(t, parsed.Events)
}

func TestEventFrameRoundTrip(t *testing.T) {
	env := New("sess-7", time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC), LogMessage{Message: "hi"})
	data, err := MarshalFrame(EventFrame(env))
	require.NoError(t, err)

	parsed, err := ParseFrame(data)
	require.NoError(t, err)
	require.False(t, parsed.Snapshot)
	require.Equal(t, env, parsed.Event)
}
