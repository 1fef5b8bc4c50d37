// Package pipeline launches the research pipeline as a child process and
// turns its output into session events. It also provides the stage workflow
// the child side runs.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
	"scout/internal/stream"
)

const stderrTailLines = 64

// Publisher receives every event a run produces, in order.
type Publisher interface {
	Publish(events.Envelope)
}

// ArtifactObserver dedupes artifacts reported by the child against those the
// reconciler finds on disk. It returns false for files already announced.
type ArtifactObserver interface {
	Observe(sessionID string, file events.FileGenerated) (events.FileGenerated, bool)
}

// CompletionHook is called once per run after the terminal status was
// published. It must not block.
type CompletionHook func(sessionID string, status events.RunStatus)

// Config describes how the pipeline is launched.
type Config struct {
	Command    string
	Args       []string
	Env        map[string]string
	OutputRoot string
	RunTimeout time.Duration
	ChunkSize  int
	Aliases    *events.AliasTable
	// DefaultLanguage is used when a request names none.
	DefaultLanguage string
}

// RunRequest names one session to run.
type RunRequest struct {
	SessionID string
	Subject   string
	Language  string
}

// RunResult summarizes a finished run.
type RunResult struct {
	SessionID string
	Status    events.RunStatus
	ExitCode  int
	OutputDir string
	Stderr    []string
	Err       error
}

// Supervisor owns pipeline process lifecycles.
type Supervisor struct {
	cfg        Config
	publisher  Publisher
	observer   ArtifactObserver
	onComplete CompletionHook
	logger     logging.Logger
	metrics    *observability.Metrics
	tracer     *observability.TracerProvider
}

// SupervisorOption customizes a Supervisor.
type SupervisorOption func(*Supervisor)

// WithArtifactObserver dedupes child-reported artifacts.
func WithArtifactObserver(observer ArtifactObserver) SupervisorOption {
	return func(s *Supervisor) { s.observer = observer }
}

// WithCompletionHook registers the hook invoked after the terminal status.
func WithCompletionHook(hook CompletionHook) SupervisorOption {
	return func(s *Supervisor) { s.onComplete = hook }
}

// WithLogger replaces the component logger.
func WithLogger(logger logging.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = logging.OrNop(logger) }
}

// WithMetrics records run metrics.
func WithMetrics(metrics *observability.Metrics) SupervisorOption {
	return func(s *Supervisor) { s.metrics = metrics }
}

// WithTracer records a span per run.
func WithTracer(tracer *observability.TracerProvider) SupervisorOption {
	return func(s *Supervisor) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// NewSupervisor builds a supervisor publishing to publisher.
func NewSupervisor(cfg Config, publisher Publisher, opts ...SupervisorOption) *Supervisor {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = stream.DefaultChunkSize
	}
	if cfg.Aliases == nil {
		cfg.Aliases = events.DefaultAliases()
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "en"
	}
	s := &Supervisor{
		cfg:       cfg,
		publisher: publisher,
		logger:    logging.NewComponentLogger("Supervisor"),
		tracer:    observability.NoopTracerProvider(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OutputDir returns the directory a session writes to. The session id is
// used verbatim; it is never rederived.
func (s *Supervisor) OutputDir(sessionID string) string {
	return filepath.Join(s.cfg.OutputRoot, sessionID)
}

// Run launches the pipeline for req and blocks until it exits and its output
// is fully consumed. Exactly one terminal research_status is published for a
// valid session id. The returned error is non-nil only for launch failures.
func (s *Supervisor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	result := RunResult{SessionID: req.SessionID, Status: events.RunFailed}

	ctx = observability.ContextWithSessionID(ctx, req.SessionID)
	ctx, span := s.tracer.StartSpan(ctx, observability.SpanPipelineRun)
	defer span.End()

	if err := ValidateSessionID(req.SessionID); err != nil {
		return s.launchFailed(result, err, span)
	}

	subject, err := SanitizeSubject(req.Subject)
	if err != nil {
		var launchErr *scouterrors.LaunchError
		if errors.As(err, &launchErr) {
			launchErr.SessionID = req.SessionID
		}
		return s.launchFailed(result, err, span)
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = s.cfg.DefaultLanguage
	}

	result.OutputDir = s.OutputDir(req.SessionID)
	if err := os.MkdirAll(result.OutputDir, 0o755); err != nil {
		return s.launchFailed(result, &scouterrors.LaunchError{SessionID: req.SessionID, Reason: "create output directory", Err: err}, span)
	}

	args := append(append([]string{}, s.cfg.Args...),
		"--subject", subject,
		"--session-id", req.SessionID,
		"--language", language,
		"--output-dir", result.OutputDir,
	)
	s.publish(req.SessionID, events.ResearchStatus{OverallStatus: events.RunRunning})

	started := time.Now()
	proc, err := StartProcess(ctx, ProcessConfig{
		Command: s.cfg.Command,
		Args:    args,
		Env:     s.cfg.Env,
		Timeout: s.cfg.RunTimeout,
	})
	if err != nil {
		return s.launchFailed(result, &scouterrors.LaunchError{SessionID: req.SessionID, Reason: "spawn pipeline", Err: err}, span)
	}
	s.metrics.RunStarted()
	s.logger.Info("Pipeline started for session %s (pid %d, language %s)", req.SessionID, proc.PID(), language)

	run := newRunState(req.SessionID, events.NewDecoder(req.SessionID, s.cfg.Aliases))
	run.logger = logging.ForSession(s.logger, req.SessionID)
	var g errgroup.Group
	g.Go(func() error {
		r := stream.NewReassembler(proc.Stdout(), stream.WithChunkSize(s.cfg.ChunkSize))
		return r.Each(context.Background(), func(line string) error {
			s.handleLine(run, line)
			return nil
		})
	})
	g.Go(func() error {
		r := stream.NewReassembler(proc.Stderr(), stream.WithChunkSize(s.cfg.ChunkSize))
		return r.Each(context.Background(), func(line string) error {
			if line != "" {
				run.addStderr(line)
				run.logger.Debug("stderr: %s", line)
			}
			return nil
		})
	})
	streamErr := g.Wait()
	exitCode, waitErr := proc.Wait()

	result.ExitCode = exitCode
	result.Stderr = run.stderrTail()
	result.Status, result.Err = run.outcome(exitCode, errors.Join(streamErr, waitErr))

	if result.Status == events.RunFailed {
		details := map[string]any{"exit_code": exitCode}
		if len(result.Stderr) > 0 {
			details["stderr"] = strings.Join(result.Stderr, "\n")
		}
		s.publish(req.SessionID, events.ErrorReport{Code: "pipeline_failed", Message: result.Err.Error(), Details: details})
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		s.logger.Warn("Pipeline for session %s failed: %v", req.SessionID, result.Err)
	} else {
		s.logger.Info("Pipeline for session %s completed in %s", req.SessionID, time.Since(started).Round(time.Millisecond))
	}
	s.publish(req.SessionID, run.terminalStatus(result.Status))
	span.SetAttributes(attribute.Int(observability.AttrExitCode, exitCode), attribute.String(observability.AttrStatus, string(result.Status)))
	s.metrics.RunFinished(string(result.Status), time.Since(started))

	if s.onComplete != nil {
		s.onComplete(req.SessionID, result.Status)
	}
	return result, nil
}

func (s *Supervisor) launchFailed(result RunResult, err error, span trace.Span) (RunResult, error) {
	result.Err = err
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	s.logger.Error("Launch failed for session %s: %v", result.SessionID, err)

	s.publish(result.SessionID, events.ErrorReport{Code: "launch_error", Message: err.Error()})
	s.publish(result.SessionID, events.ResearchStatus{OverallStatus: events.RunFailed})
	s.metrics.RunStarted()
	s.metrics.RunFinished("launch_error", 0)
	return result, err
}

func (s *Supervisor) handleLine(run *runState, line string) {
	env, err := run.decoder.DecodeDetailed(line)
	if err != nil {
		reason := dropReason(err)
		s.metrics.IncLineDropped(reason)
		if reason != "blank" {
			run.logger.Debug("dropped line (%s): %v", reason, err)
		}
		return
	}

	switch payload := env.Payload.(type) {
	case events.ResearchStatus:
		if payload.OverallStatus.Terminal() {
			run.rememberChildStatus(payload)
			return
		}
		run.observeStatus(payload)
	case events.AgentUpdate:
		run.observeAgent(payload)
	case events.FileGenerated:
		if s.observer != nil {
			file, fresh := s.observer.Observe(run.sessionID, payload)
			if !fresh {
				return
			}
			env.Payload = file
		}
	}
	s.publisher.Publish(env)
}

func (s *Supervisor) publish(sessionID string, payload events.Payload) {
	s.publisher.Publish(events.Now(sessionID, payload))
}

func dropReason(err error) string {
	switch {
	case errors.Is(err, events.ErrBlankLine):
		return "blank"
	case errors.Is(err, events.ErrSuppressed):
		return "suppressed"
	case scouterrors.IsProtocolViolation(err):
		return "protocol_violation"
	default:
		return "unparsed"
	}
}

// runState accumulates what the supervisor needs to build the terminal status.
type runState struct {
	sessionID string
	decoder   *events.Decoder
	logger    logging.Logger

	mu          sync.Mutex
	stages      map[string]events.AgentStatus
	order       []string
	current     string
	progress    float64
	childStatus *events.ResearchStatus
	stderr      []string
}

func newRunState(sessionID string, decoder *events.Decoder) *runState {
	return &runState{sessionID: sessionID, decoder: decoder, logger: logging.Nop(), stages: map[string]events.AgentStatus{}}
}

func (r *runState) observeAgent(update events.AgentUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, seen := r.stages[update.AgentID]
	if !seen {
		r.order = append(r.order, update.AgentID)
	}
	if !seen || prev.CanTransition(update.Status) {
		r.stages[update.AgentID] = update.Status
	}
	r.current = update.AgentName
}

func (r *runState) observeStatus(status events.ResearchStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = status.Progress
	if status.CurrentStage != "" {
		r.current = status.CurrentStage
	}
}

func (r *runState) rememberChildStatus(status events.ResearchStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.childStatus = &status
}

func (r *runState) addStderr(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stderr = append(r.stderr, line)
	if len(r.stderr) > stderrTailLines {
		r.stderr = r.stderr[len(r.stderr)-stderrTailLines:]
	}
}

func (r *runState) stderrTail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.stderr...)
}

func (r *runState) outcome(exitCode int, err error) (events.RunStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case err != nil:
		return events.RunFailed, fmt.Errorf("pipeline: %w", err)
	case exitCode != 0:
		return events.RunFailed, fmt.Errorf("pipeline exited with status %d", exitCode)
	case r.childStatus != nil && r.childStatus.OverallStatus == events.RunFailed:
		return events.RunFailed, errors.New("pipeline reported failure")
	default:
		return events.RunCompleted, nil
	}
}

func (r *runState) terminalStatus(status events.RunStatus) events.ResearchStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	completed := 0
	for _, id := range r.order {
		if r.stages[id] == events.AgentCompleted {
			completed++
		}
	}
	out := events.ResearchStatus{
		OverallStatus:   status,
		Progress:        r.progress,
		CurrentStage:    r.current,
		AgentsCompleted: completed,
		AgentsTotal:     len(r.order),
	}
	if child := r.childStatus; child != nil {
		if child.AgentsTotal > out.AgentsTotal {
			out.AgentsTotal = child.AgentsTotal
		}
		if child.AgentsCompleted > out.AgentsCompleted {
			out.AgentsCompleted = child.AgentsCompleted
		}
		if child.Progress > out.Progress {
			out.Progress = child.Progress
		}
	}
	if status == events.RunCompleted {
		out.Progress = 100
	}
	return out
}
