package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"

	scouterrors "scout/internal/errors"
)

// ErrSuppressed is returned for lines naming a suppressed stage.
var ErrSuppressed = errors.New("stage label is suppressed")

// ErrBlankLine is returned for lines with no content.
var ErrBlankLine = errors.New("blank line")

var (
	// "RESEARCHER: Found 12 sources"
	colonPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 _-]{0,47}):(?:\s+(.*))?$`)
	// "Researcher - Found 12 sources"
	dashPattern = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9 _]{0,47}?)\s+-\s+(.*)$`)

	errorWords     = regexp.MustCompile(`\b(error|errors|failed|failure)\b`)
	completedWords = regexp.MustCompile(`\b(done|completed|complete|finished)\b`)
)

// Decoder converts logical output lines into envelopes for one session.
// The session id and timestamp always come from the decoder, never from the
// line, so a child process cannot redirect its events to another session or
// reorder them.
type Decoder struct {
	sessionID string
	aliases   *AliasTable
	now       func() time.Time
}

// NewDecoder returns a decoder bound to sessionID. A nil table uses the
// defaults.
func NewDecoder(sessionID string, aliases *AliasTable) *Decoder {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	return &Decoder{
		sessionID: sessionID,
		aliases:   aliases,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Decode returns the event for line, or false when the line is dropped.
func (d *Decoder) Decode(line string) (Envelope, bool) {
	env, err := d.DecodeDetailed(line)
	return env, err == nil
}

// DecodeDetailed is Decode with the reason a line was dropped: ErrBlankLine,
// ErrSuppressed, a *errors.ProtocolViolation or a *errors.StreamDecodeError.
func (d *Decoder) DecodeDetailed(line string) (Envelope, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return Envelope{}, ErrBlankLine
	}

	var structuredErr error
	if strings.HasPrefix(trimmed, "{") {
		env, err, recognized := d.decodeStructured(trimmed)
		if recognized {
			return env, err
		}
		structuredErr = err
	}

	env, err := d.decodeLegacy(trimmed)
	if err == nil || errors.Is(err, ErrSuppressed) {
		return env, err
	}
	if structuredErr != nil {
		return Envelope{}, &scouterrors.StreamDecodeError{Line: trimmed, Err: structuredErr}
	}
	return Envelope{}, err
}

// decodeStructured reports recognized=true when the line is a JSON object
// with a known discriminator; the returned error then decides its fate.
func (d *Decoder) decodeStructured(line string) (Envelope, error, bool) {
	obj, err := parseObject(line)
	if err != nil {
		return Envelope{}, err, false
	}

	kind := EventType(stringField(obj, "type"))
	if kind == "" {
		kind = EventType(stringField(obj, "event_type"))
	}
	switch kind {
	case TypeAgentUpdate, TypeFileGenerated, TypeResearchStatus, TypeLog, TypeError:
	default:
		return Envelope{}, fmt.Errorf("unrecognized event type %q", kind), false
	}

	payload := objectField(obj, "payload")
	if payload == nil {
		payload = objectField(obj, "data")
	}
	if payload == nil {
		payload = obj
	}

	var p Payload
	switch kind {
	case TypeAgentUpdate:
		p, err = d.agentUpdateFrom(payload)
	case TypeFileGenerated:
		p, err = fileGeneratedFrom(payload)
	case TypeResearchStatus:
		p, err = researchStatusFrom(payload)
	case TypeLog:
		p, err = logFrom(payload)
	case TypeError:
		p, err = errorFrom(payload)
	}
	if err != nil {
		return Envelope{}, err, true
	}
	// Envelopes carry arrival time; a child clock can run behind ours.
	return New(d.sessionID, d.now(), p), nil, true
}

func (d *Decoder) agentUpdateFrom(obj map[string]any) (Payload, error) {
	label := stringField(obj, "agent_name")
	if label == "" {
		label = stringField(obj, "agent_id")
	}
	if label == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeAgentUpdate), Field: "agent_name"}
	}
	rawStatus := stringField(obj, "status")
	if rawStatus == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeAgentUpdate), Field: "status"}
	}
	status, ok := ParseAgentStatus(rawStatus)
	if !ok {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeAgentUpdate), Field: "status", Detail: fmt.Sprintf("unknown value %q", rawStatus)}
	}

	res := d.aliases.Resolve(label)
	if res.Kind == Suppressed {
		return nil, ErrSuppressed
	}

	update := AgentUpdate{
		AgentID:   res.ID,
		AgentName: res.DisplayName,
		Status:    status,
		Message:   stringField(obj, "message"),
	}
	if progress, ok := numberField(obj, "progress"); ok {
		update.Progress = Float(clampProgress(progress))
	}
	if stats := objectField(obj, "stats"); stats != nil {
		update.Stats = stats
	}
	return update, nil
}

func fileGeneratedFrom(obj map[string]any) (Payload, error) {
	filename := stringField(obj, "filename")
	if filename == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeFileGenerated), Field: "filename"}
	}
	size, _ := numberField(obj, "size_bytes")
	return FileGenerated{
		FileID:    stringField(obj, "file_id"),
		Filename:  filename,
		FileType:  stringField(obj, "file_type"),
		Language:  stringField(obj, "language"),
		SizeBytes: int64(size),
		Path:      stringField(obj, "path"),
	}, nil
}

func researchStatusFrom(obj map[string]any) (Payload, error) {
	raw := stringField(obj, "overall_status")
	if raw == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeResearchStatus), Field: "overall_status"}
	}
	status, ok := ParseRunStatus(raw)
	if !ok {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeResearchStatus), Field: "overall_status", Detail: fmt.Sprintf("unknown value %q", raw)}
	}
	progress, _ := numberField(obj, "progress")
	completed, _ := numberField(obj, "agents_completed")
	total, _ := numberField(obj, "agents_total")
	return ResearchStatus{
		OverallStatus:   status,
		Progress:        clampProgress(progress),
		CurrentStage:    stringField(obj, "current_stage"),
		AgentsCompleted: int(completed),
		AgentsTotal:     int(total),
	}, nil
}

func logFrom(obj map[string]any) (Payload, error) {
	msg := stringField(obj, "message")
	if msg == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeLog), Field: "message"}
	}
	return LogMessage{Message: msg, Level: stringField(obj, "level")}, nil
}

func errorFrom(obj map[string]any) (Payload, error) {
	msg := stringField(obj, "message")
	if msg == "" {
		return nil, &scouterrors.ProtocolViolation{EventType: string(TypeError), Field: "message"}
	}
	code := stringField(obj, "code")
	if code == "" {
		code = "pipeline_error"
	}
	return ErrorReport{Code: code, Message: msg, Details: objectField(obj, "details")}, nil
}

func (d *Decoder) decodeLegacy(line string) (Envelope, error) {
	var label, message string
	if m := colonPattern.FindStringSubmatch(line); m != nil {
		label, message = m[1], m[2]
	} else if m := dashPattern.FindStringSubmatch(line); m != nil {
		label, message = m[1], m[2]
	} else {
		return Envelope{}, &scouterrors.StreamDecodeError{Line: line}
	}

	res := d.aliases.Resolve(label)
	if res.Kind == Suppressed {
		return Envelope{}, ErrSuppressed
	}
	message = strings.TrimSpace(message)
	return New(d.sessionID, d.now(), AgentUpdate{
		AgentID:   res.ID,
		AgentName: res.DisplayName,
		Status:    inferStatus(message),
		Message:   message,
	}), nil
}

func inferStatus(message string) AgentStatus {
	lower := strings.ToLower(message)
	switch {
	case errorWords.MatchString(lower):
		return AgentError
	case completedWords.MatchString(lower):
		return AgentCompleted
	default:
		return AgentRunning
	}
}

// ParseAgentStatus maps a status string, including common synonyms, to an
// AgentStatus.
func ParseAgentStatus(raw string) (AgentStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "waiting", "queued":
		return AgentPending, true
	case "running", "started", "in_progress", "active":
		return AgentRunning, true
	case "completed", "complete", "done", "finished", "success":
		return AgentCompleted, true
	case "error", "failed", "failure":
		return AgentError, true
	default:
		return "", false
	}
}

// ParseRunStatus maps a session status string to a RunStatus.
func ParseRunStatus(raw string) (RunStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "initializing", "pending":
		return RunInitializing, true
	case "running", "in_progress":
		return RunRunning, true
	case "completed", "complete", "done":
		return RunCompleted, true
	case "failed", "error":
		return RunFailed, true
	default:
		return "", false
	}
}

func parseObject(line string) (map[string]any, error) {
	obj, err := unmarshalObject(line)
	if err == nil {
		return obj, nil
	}
	repaired, repairErr := jsonrepair.JSONRepair(line)
	if repairErr != nil {
		return nil, err
	}
	obj, repairedErr := unmarshalObject(repaired)
	if repairedErr != nil {
		return nil, err
	}
	return obj, nil
}

func unmarshalObject(data string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("not a JSON object")
	}
	return obj, nil
}

func stringField(obj map[string]any, key string) string {
	switch v := obj[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func numberField(obj map[string]any, key string) (float64, bool) {
	var f float64
	switch v := obj[key].(type) {
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(v), "%"), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func objectField(obj map[string]any, key string) map[string]any {
	if m, ok := obj[key].(map[string]any); ok {
		return normalizeNumbers(m)
	}
	return nil
}

// normalizeNumbers converts json.Number leaves to float64 so payload maps
// compare equal to maps produced by plain json.Unmarshal.
func normalizeNumbers(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch typed := v.(type) {
	case json.Number:
		if f, err := typed.Float64(); err == nil {
			return f
		}
		return typed.String()
	case map[string]any:
		return normalizeNumbers(typed)
	case []any:
		for i := range typed {
			typed[i] = normalizeValue(typed[i])
		}
		return typed
	default:
		return v
	}
}

func clampProgress(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}
