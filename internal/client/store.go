// Package client mirrors one session's state on the subscriber side and
// keeps it in sync with the server over a reconnecting stream.
package client

import (
	"sync"

	"scout/internal/events"
)

// WaitingMessage is shown for stages that have not reported yet.
const WaitingMessage = "Waiting to start"

// StageView is one row of the ordered stage view.
type StageView struct {
	ID       string
	Name     string
	Status   events.AgentStatus
	Progress *float64
	Message  string
	Reported bool
}

// Store is the client-side mirror of a session. It accepts the same
// transitions the hub accepts, so replaying a stream never regresses a stage
// or duplicates a finished one.
type Store struct {
	order   []string
	aliases *events.AliasTable

	mu         sync.RWMutex
	sessionID  string
	stages     map[string]events.AgentUpdate
	firstSeen  []string
	files      []events.FileGenerated
	fileIDs    map[string]bool
	status     *events.ResearchStatus
	lastError  *events.ErrorReport
	logs       []events.LogMessage
	maxLogs    int
	generation int
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithStageOrder sets the fixed display order of stage ids.
func WithStageOrder(order []string) StoreOption {
	return func(s *Store) { s.order = append([]string(nil), order...) }
}

// WithAliases sets the table used to name placeholder stages.
func WithAliases(aliases *events.AliasTable) StoreOption {
	return func(s *Store) { s.aliases = aliases }
}

// WithLogLimit bounds the number of retained log lines.
func WithLogLimit(n int) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxLogs = n
		}
	}
}

// NewStore creates an empty store for sessionID.
func NewStore(sessionID string, opts ...StoreOption) *Store {
	s := &Store{
		order:     events.DefaultStageOrder(),
		aliases:   events.DefaultAliases(),
		sessionID: sessionID,
		maxLogs:   100,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.reset()
	return s
}

func (s *Store) reset() {
	s.stages = make(map[string]events.AgentUpdate)
	s.firstSeen = nil
	s.files = nil
	s.fileIDs = make(map[string]bool)
	s.status = nil
	s.lastError = nil
	s.logs = nil
}

// SessionID returns the mirrored session.
func (s *Store) SessionID() string {
	return s.sessionID
}

// Apply folds one live event into the mirror. It reports whether the event
// changed state; events for other sessions are ignored.
func (s *Store) Apply(env events.Envelope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apply(env)
}

// Replace discards local state and rebuilds it from a rehydration snapshot.
func (s *Store) Replace(snapshot []events.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
	s.generation++
	for _, env := range snapshot {
		s.apply(env)
	}
}

func (s *Store) apply(env events.Envelope) bool {
	if env.SessionID != "" && s.sessionID != "" && env.SessionID != s.sessionID {
		return false
	}
	switch payload := env.Payload.(type) {
	case events.AgentUpdate:
		key := payload.AgentID
		if key == "" {
			key = events.StageID(payload.AgentName)
		}
		if key == "" {
			return false
		}
		prev, ok := s.stages[key]
		if ok && !prev.Status.CanTransition(payload.Status) {
			return false
		}
		if !ok {
			s.firstSeen = append(s.firstSeen, key)
		}
		s.stages[key] = payload
	case events.FileGenerated:
		if s.fileIDs[payload.FileID] {
			return false
		}
		s.fileIDs[payload.FileID] = true
		s.files = append(s.files, payload)
	case events.ResearchStatus:
		if s.status != nil && s.status.OverallStatus.Terminal() {
			return false
		}
		s.status = &payload
	case events.ErrorReport:
		s.lastError = &payload
	case events.LogMessage:
		s.logs = append(s.logs, payload)
		if over := len(s.logs) - s.maxLogs; over > 0 {
			s.logs = append([]events.LogMessage(nil), s.logs[over:]...)
		}
	default:
		return false
	}
	return true
}

// Ordered maps the fixed stage order onto the reported stages. Stages that
// have not reported are pending placeholders; reported stages outside the
// order follow in first-seen order.
func (s *Store) Ordered() []StageView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ordered()
}

func (s *Store) ordered() []StageView {
	views := make([]StageView, 0, len(s.order)+len(s.firstSeen))
	known := make(map[string]bool, len(s.order))
	for _, id := range s.order {
		known[id] = true
		if update, ok := s.stages[id]; ok {
			views = append(views, reported(id, update))
			continue
		}
		views = append(views, StageView{
			ID:      id,
			Name:    s.aliases.Resolve(id).DisplayName,
			Status:  events.AgentPending,
			Message: WaitingMessage,
		})
	}
	for _, id := range s.firstSeen {
		if !known[id] {
			views = append(views, reported(id, s.stages[id]))
		}
	}
	return views
}

func reported(id string, update events.AgentUpdate) StageView {
	return StageView{
		ID:       id,
		Name:     update.AgentName,
		Status:   update.Status,
		Progress: update.Progress,
		Message:  update.Message,
		Reported: true,
	}
}

// Progress averages the progress values stages have reported. Stages
// without a value are left out; with none the result is 0.
func (s *Store) Progress() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progress()
}

func (s *Store) progress() float64 {
	var sum float64
	var n int
	for _, update := range s.stages {
		if update.Progress == nil {
			continue
		}
		sum += *update.Progress
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Files returns the announced artifacts in arrival order.
func (s *Store) Files() []events.FileGenerated {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.FileGenerated(nil), s.files...)
}

// Status returns the latest run status, or initializing before any.
func (s *Store) Status() events.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runStatus()
}

func (s *Store) runStatus() events.RunStatus {
	if s.status == nil {
		return events.RunInitializing
	}
	return s.status.OverallStatus
}

// Logs returns the retained log lines, oldest first.
func (s *Store) Logs() []events.LogMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]events.LogMessage(nil), s.logs...)
}

// Snapshot is a point-in-time copy of the mirror.
type Snapshot struct {
	SessionID  string
	Status     events.RunStatus
	Progress   float64
	Stages     []StageView
	Files      []events.FileGenerated
	LastError  *events.ErrorReport
	Rehydrated int
}

// Snapshot copies the whole mirror under one lock.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		SessionID:  s.sessionID,
		Status:     s.runStatus(),
		Progress:   s.progress(),
		Stages:     s.ordered(),
		Files:      append([]events.FileGenerated(nil), s.files...),
		Rehydrated: s.generation,
	}
	if s.lastError != nil {
		report := *s.lastError
		snap.LastError = &report
	}
	return snap
}
