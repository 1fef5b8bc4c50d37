// Package events defines the canonical event envelope shared by the pipeline
// supervisor, the broadcast hub and dashboard clients, together with the
// decoder that turns raw pipeline output into envelopes.
package events

import "time"

// EventType discriminates envelope payloads.
type EventType string

const (
	TypeAgentUpdate    EventType = "agent_update"
	TypeFileGenerated  EventType = "file_generated"
	TypeResearchStatus EventType = "research_status"
	TypeLog            EventType = "log"
	TypeError          EventType = "error"
)

// Payload is the closed set of envelope payloads. Only types in this package
// implement it; adding an event kind means adding a type here and a case in
// every switch over payloads.
type Payload interface {
	EventType() EventType
	isPayload()
}

// AgentStatus is the lifecycle state of one pipeline stage.
type AgentStatus string

const (
	AgentPending   AgentStatus = "pending"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentError     AgentStatus = "error"
)

// Rank orders statuses along the only allowed direction of travel.
func (s AgentStatus) Rank() int {
	switch s {
	case AgentPending:
		return 0
	case AgentRunning:
		return 1
	case AgentCompleted, AgentError:
		return 2
	default:
		return -1
	}
}

// Terminal reports whether no further transition is allowed.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentError
}

// CanTransition reports whether a stage currently in s may move to next.
// Repeating a non-terminal status is allowed so running stages can report
// progress; terminal states never change.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.Rank() >= s.Rank()
}

// RunStatus is the lifecycle state of a whole session.
type RunStatus string

const (
	RunInitializing RunStatus = "initializing"
	RunRunning      RunStatus = "running"
	RunCompleted    RunStatus = "completed"
	RunFailed       RunStatus = "failed"
)

// Terminal reports whether the run has finished.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// AgentUpdate reports progress of a single stage.
type AgentUpdate struct {
	AgentID   string         `json:"agent_id"`
	AgentName string         `json:"agent_name"`
	Status    AgentStatus    `json:"status"`
	Progress  *float64       `json:"progress,omitempty"`
	Message   string         `json:"message"`
	Stats     map[string]any `json:"stats,omitempty"`
}

// FileGenerated announces an artifact available for download.
type FileGenerated struct {
	FileID    string `json:"file_id"`
	Filename  string `json:"filename"`
	FileType  string `json:"file_type"`
	Language  string `json:"language"`
	SizeBytes int64  `json:"size_bytes"`
	Path      string `json:"path,omitempty"`
}

// ResearchStatus reports session-level progress.
type ResearchStatus struct {
	OverallStatus   RunStatus `json:"overall_status"`
	Progress        float64   `json:"progress"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	AgentsCompleted int       `json:"agents_completed"`
	AgentsTotal     int       `json:"agents_total"`
}

// LogMessage carries free-form diagnostic text.
type LogMessage struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

// ErrorReport carries a failure surfaced to the dashboard.
type ErrorReport struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (AgentUpdate) EventType() EventType    { return TypeAgentUpdate }
func (FileGenerated) EventType() EventType  { return TypeFileGenerated }
func (ResearchStatus) EventType() EventType { return TypeResearchStatus }
func (LogMessage) EventType() EventType     { return TypeLog }
func (ErrorReport) EventType() EventType    { return TypeError }

func (AgentUpdate) isPayload()    {}
func (FileGenerated) isPayload()  {}
func (ResearchStatus) isPayload() {}
func (LogMessage) isPayload()     {}
func (ErrorReport) isPayload()    {}

// Envelope is an immutable event bound to a session.
type Envelope struct {
	SessionID string
	Timestamp time.Time
	Payload   Payload
}

// New builds an envelope stamped with ts.
func New(sessionID string, ts time.Time, payload Payload) Envelope {
	return Envelope{SessionID: sessionID, Timestamp: ts, Payload: payload}
}

// Now builds an envelope stamped with the current UTC time.
func Now(sessionID string, payload Payload) Envelope {
	return New(sessionID, time.Now().UTC(), payload)
}

// Type returns the payload discriminator, or "" for an empty envelope.
func (e Envelope) Type() EventType {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.EventType()
}

// Float returns a pointer to v, for optional progress fields.
func Float(v float64) *float64 {
	return &v
}
