package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"scout/internal/artifacts"
	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/pipeline"
	"scout/internal/server/ports"
)

// Runner executes one pipeline run to completion.
type Runner interface {
	Run(ctx context.Context, req pipeline.RunRequest) (pipeline.RunResult, error)
}

// ArtifactIndex is the part of the reconciler the service drives.
type ArtifactIndex interface {
	Start(sessionID string) bool
	Running(sessionID string) bool
	Resolve(sessionID, name string) (string, error)
	Forget(sessionID string)
	SessionDir(sessionID string) string
}

// SubmitRequest asks for a new research session.
type SubmitRequest struct {
	Subject  string `json:"subject"`
	Language string `json:"language"`
	// SessionID is optional; a UUID is generated when empty.
	SessionID string `json:"session_id,omitempty"`
}

// SessionState is the authoritative view returned by get_session_state.
type SessionState struct {
	SessionID    string                 `json:"session_id"`
	Subject      string                 `json:"subject"`
	Language     string                 `json:"language"`
	Status       events.RunStatus       `json:"status"`
	Progress     float64                `json:"progress"`
	CurrentStage string                 `json:"current_stage,omitempty"`
	NoArtifacts  bool                   `json:"no_artifacts"`
	Reconciling  bool                   `json:"reconciling"`
	Error        string                 `json:"error,omitempty"`
	Agents       []events.AgentUpdate   `json:"agents"`
	Files        []events.FileGenerated `json:"files"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// SessionService owns session records and connects the supervisor, hub and
// reconciler for each submitted run.
type SessionService struct {
	store     ports.SessionStore
	hub       *Hub
	runner    Runner
	artifacts ArtifactIndex
	logger    logging.Logger
	now       func() time.Time

	recordMu sync.Mutex

	mu      sync.Mutex
	closed  bool
	runs    sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
	defLang string
}

// SessionServiceOption configures optional behavior.
type SessionServiceOption func(*SessionService)

// WithSessionLogger replaces the component logger.
func WithSessionLogger(logger logging.Logger) SessionServiceOption {
	return func(svc *SessionService) { svc.logger = logging.OrNop(logger) }
}

// WithDefaultLanguage sets the language used when a request names none.
func WithDefaultLanguage(lang string) SessionServiceOption {
	return func(svc *SessionService) {
		if lang = strings.TrimSpace(lang); lang != "" {
			svc.defLang = lang
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) SessionServiceOption {
	return func(svc *SessionService) {
		if now != nil {
			svc.now = now
		}
	}
}

// NewSessionService creates a service. The runner and artifact index are
// attached afterwards because both publish back through the service.
func NewSessionService(store ports.SessionStore, hub *Hub, opts ...SessionServiceOption) *SessionService {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &SessionService{
		store:   store,
		hub:     hub,
		logger:  logging.NewComponentLogger("SessionService"),
		now:     func() time.Time { return time.Now().UTC() },
		ctx:     ctx,
		cancel:  cancel,
		defLang: "en",
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Attach wires the pipeline runner and the artifact index.
func (svc *SessionService) Attach(runner Runner, index ArtifactIndex) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	svc.runner = runner
	svc.artifacts = index
}

// Submit validates the request, records the session and launches the run in
// the background. The returned record carries the session id.
func (svc *SessionService) Submit(ctx context.Context, req SubmitRequest) (ports.SessionRecord, error) {
	subject, err := pipeline.SanitizeSubject(req.Subject)
	if err != nil {
		return ports.SessionRecord{}, err
	}
	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.NewString()
	}
	if err := pipeline.ValidateSessionID(id); err != nil {
		return ports.SessionRecord{}, err
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = svc.defLang
	}

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.closed {
		return ports.SessionRecord{}, UnavailableError("session service is shutting down")
	}
	if svc.runner == nil {
		return ports.SessionRecord{}, UnavailableError("pipeline runner not configured")
	}

	now := svc.now()
	record := ports.SessionRecord{
		ID:        id,
		Subject:   subject,
		Language:  language,
		Status:    events.RunInitializing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := svc.store.Create(ctx, record); err != nil {
		return ports.SessionRecord{}, err
	}
	svc.hub.Publish(events.New(id, now, events.ResearchStatus{OverallStatus: events.RunInitializing}))

	runner := svc.runner
	svc.runs.Add(1)
	go func() {
		defer svc.runs.Done()
		result, err := runner.Run(svc.ctx, pipeline.RunRequest{SessionID: id, Subject: subject, Language: language})
		if err != nil {
			svc.logger.Warn("Session %s finished with %s: %v", id, result.Status, err)
			svc.updateRecord(id, func(r *ports.SessionRecord) {
				if r.Error == "" {
					r.Error = err.Error()
				}
			})
		}
	}()

	svc.logger.Info("Submitted session %s (language=%s)", id, language)
	return record, nil
}

// Publish forwards env to the hub and folds status changes into the
// session record. It implements pipeline.Publisher.
func (svc *SessionService) Publish(env events.Envelope) {
	svc.hub.Publish(env)
	switch payload := env.Payload.(type) {
	case events.ResearchStatus:
		svc.updateRecord(env.SessionID, func(r *ports.SessionRecord) {
			if r.Status.Terminal() {
				return
			}
			r.Status = payload.OverallStatus
			r.Progress = payload.Progress
			if payload.CurrentStage != "" {
				r.CurrentStage = payload.CurrentStage
			}
		})
	case events.ErrorReport:
		svc.updateRecord(env.SessionID, func(r *ports.SessionRecord) {
			if r.Error == "" {
				r.Error = payload.Message
			}
		})
	}
}

// OnRunComplete starts artifact reconciliation. It is the supervisor's
// completion hook and must not block.
func (svc *SessionService) OnRunComplete(sessionID string, status events.RunStatus) {
	svc.mu.Lock()
	index := svc.artifacts
	svc.mu.Unlock()
	if index == nil {
		return
	}
	if !index.Start(sessionID) {
		svc.logger.Debug("Reconciliation for %s already running", sessionID)
	}
}

// OnReconciled records the reconciliation outcome.
func (svc *SessionService) OnReconciled(result artifacts.Result) {
	if result.Outcome != artifacts.OutcomeNoArtifacts {
		return
	}
	svc.updateRecord(result.SessionID, func(r *ports.SessionRecord) {
		r.NoArtifacts = true
	})
}

func (svc *SessionService) updateRecord(id string, mutate func(*ports.SessionRecord)) {
	svc.recordMu.Lock()
	defer svc.recordMu.Unlock()
	ctx := context.Background()
	record, err := svc.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, scouterrors.ErrSessionNotFound) {
			svc.logger.Warn("Load session %s: %v", id, err)
		}
		return
	}
	mutate(&record)
	record.UpdatedAt = svc.now()
	if err := svc.store.Update(ctx, record); err != nil {
		svc.logger.Warn("Update session %s: %v", id, err)
	}
}

// RecoverInterrupted marks sessions a previous process left unfinished as
// failed. Their runs died with that process.
func (svc *SessionService) RecoverInterrupted(ctx context.Context) (int, error) {
	records, _, err := svc.store.List(ctx, 0, 0)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for _, record := range records {
		if record.Status.Terminal() {
			continue
		}
		record.Status = events.RunFailed
		if record.Error == "" {
			record.Error = "interrupted by server restart"
		}
		record.UpdatedAt = svc.now()
		if err := svc.store.Update(ctx, record); err != nil {
			return recovered, err
		}
		recovered++
	}
	if recovered > 0 {
		svc.logger.Warn("Marked %d interrupted sessions as failed", recovered)
	}
	return recovered, nil
}

// GetState merges the stored record with the hub's live view.
func (svc *SessionService) GetState(ctx context.Context, id string) (SessionState, error) {
	record, err := svc.store.Get(ctx, id)
	if err != nil {
		return SessionState{}, err
	}
	state := SessionState{
		SessionID:    record.ID,
		Subject:      record.Subject,
		Language:     record.Language,
		Status:       record.Status,
		Progress:     record.Progress,
		CurrentStage: record.CurrentStage,
		NoArtifacts:  record.NoArtifacts,
		Error:        record.Error,
		Agents:       []events.AgentUpdate{},
		Files:        []events.FileGenerated{},
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}
	if view, ok := svc.hub.View(id); ok {
		if view.Status != nil {
			state.Status = view.Status.OverallStatus
			state.Progress = view.Status.Progress
			if view.Status.CurrentStage != "" {
				state.CurrentStage = view.Status.CurrentStage
			}
		}
		if view.Agents != nil {
			state.Agents = view.Agents
		}
		if view.Files != nil {
			state.Files = view.Files
		}
	}
	svc.mu.Lock()
	index := svc.artifacts
	svc.mu.Unlock()
	if index != nil {
		state.Reconciling = index.Running(id)
	}
	return state, nil
}

// List returns session records, newest first.
func (svc *SessionService) List(ctx context.Context, limit, offset int) ([]ports.SessionRecord, int, error) {
	return svc.store.List(ctx, limit, offset)
}

// Download resolves an artifact of a known session to its path on disk.
func (svc *SessionService) Download(ctx context.Context, id, filename string) (string, error) {
	if _, err := svc.store.Get(ctx, id); err != nil {
		return "", err
	}
	svc.mu.Lock()
	index := svc.artifacts
	svc.mu.Unlock()
	if index == nil {
		return "", UnavailableError("artifact index not configured")
	}
	return index.Resolve(id, filename)
}

// Active reports whether a session still has a run or reconciliation in
// flight. The retention janitor skips active sessions.
func (svc *SessionService) Active(id string) bool {
	svc.mu.Lock()
	index := svc.artifacts
	svc.mu.Unlock()
	if index != nil && index.Running(id) {
		return true
	}
	record, err := svc.store.Get(context.Background(), id)
	if err != nil {
		return false
	}
	return !record.Status.Terminal()
}

// Cleanup forgets a finished session: hub state, seen-set, record and
// files. Sessions still running are rejected with ErrConflict.
func (svc *SessionService) Cleanup(ctx context.Context, id string) error {
	record, err := svc.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !record.Status.Terminal() {
		return fmt.Errorf("session %s is %s: %w", id, record.Status, ErrConflict)
	}
	svc.hub.Forget(id)
	svc.mu.Lock()
	index := svc.artifacts
	svc.mu.Unlock()
	if index != nil {
		index.Forget(id)
		if err := os.RemoveAll(index.SessionDir(id)); err != nil {
			return fmt.Errorf("remove session %s output: %w", id, err)
		}
	}
	if err := svc.store.Delete(ctx, id); err != nil {
		return err
	}
	svc.logger.Info("Cleaned up session %s", id)
	return nil
}

// Close stops accepting submissions, stops in-flight runs and waits for
// them to publish their terminal status.
func (svc *SessionService) Close() {
	svc.mu.Lock()
	svc.closed = true
	svc.mu.Unlock()
	svc.cancel()
	svc.runs.Wait()
}
