package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
)

// State is the shared object threaded through workflow stages.
type State map[string]any

// Well-known state keys set before the first stage runs.
const (
	StateSubject        = "subject"
	StateLanguage       = "language"
	StateSourceLanguage = "source_language"
	StateOutputDir      = "output_dir"
	StateSessionID      = "session_id"
)

// String returns the string value at key, or "".
func (s State) String(key string) string {
	v, _ := s[key].(string)
	return v
}

// Merge returns a new state with update applied on top of s. Keys in update
// win, nil values are ignored and nested maps are merged recursively; s
// itself is left untouched.
func (s State) Merge(update State) State {
	out := make(State, len(s)+len(update))
	for k, v := range s {
		out[k] = cloneValue(v)
	}
	for k, v := range update {
		if v == nil {
			continue
		}
		if next, ok := asMap(v); ok {
			if prev, ok := asMap(out[k]); ok {
				out[k] = map[string]any(State(prev).Merge(State(next)))
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case State:
		return m, true
	default:
		return nil, false
	}
}

func cloneValue(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, inner := range m {
			out[k] = cloneValue(inner)
		}
		return out
	}
	if list, ok := v.([]any); ok {
		out := make([]any, len(list))
		for i := range list {
			out[i] = cloneValue(list[i])
		}
		return out
	}
	return v
}

// StageFunc is one opaque step of research work. It returns a partial update.
type StageFunc func(ctx context.Context, state State) (State, error)

// Condition decides whether a stage runs, given the state accumulated so far.
type Condition func(State) bool

// LanguageDiffers is true when the requested language is not the source one.
func LanguageDiffers(state State) bool {
	lang := state.String(StateLanguage)
	return lang != "" && !sameLanguage(lang, state.String(StateSourceLanguage))
}

func sameLanguage(a, b string) bool {
	return events.NormalizeLabel(a) == events.NormalizeLabel(b)
}

// Stage is one named workflow step.
type Stage struct {
	Name string
	Run  StageFunc
	// BestEffort failures are reported but do not abort the run.
	BestEffort bool
	// When gates the stage; nil means always.
	When Condition
	// Checkpoint marks a human review stage that only runs when checkpoints
	// are enabled.
	Checkpoint bool
	Timeout    time.Duration
}

// Emitter receives workflow progress events.
type Emitter interface {
	Emit(events.Payload) error
}

// EncoderEmitter writes payloads as structured lines.
type EncoderEmitter struct {
	Encoder   *events.Encoder
	SessionID string
}

// Emit encodes payload with the current time.
func (e EncoderEmitter) Emit(payload events.Payload) error {
	return e.Encoder.Encode(events.Now(e.SessionID, payload))
}

// Workflow runs stages in order with fail-fast semantics.
type Workflow struct {
	stages      []Stage
	emitter     Emitter
	checkpoints bool
	logger      logging.Logger
	metrics     *observability.Metrics
	tracer      *observability.TracerProvider
}

// WorkflowOption customizes a Workflow.
type WorkflowOption func(*Workflow)

// WithCheckpoints includes checkpoint stages.
func WithCheckpoints(enabled bool) WorkflowOption {
	return func(w *Workflow) { w.checkpoints = enabled }
}

// WithWorkflowLogger replaces the component logger.
func WithWorkflowLogger(logger logging.Logger) WorkflowOption {
	return func(w *Workflow) { w.logger = logging.OrNop(logger) }
}

// WithWorkflowMetrics records stage metrics.
func WithWorkflowMetrics(metrics *observability.Metrics) WorkflowOption {
	return func(w *Workflow) { w.metrics = metrics }
}

// WithWorkflowTracer records a span per stage.
func WithWorkflowTracer(tracer *observability.TracerProvider) WorkflowOption {
	return func(w *Workflow) {
		if tracer != nil {
			w.tracer = tracer
		}
	}
}

// NewWorkflow builds a workflow over stages.
func NewWorkflow(stages []Stage, emitter Emitter, opts ...WorkflowOption) *Workflow {
	w := &Workflow{
		stages:  append([]Stage(nil), stages...),
		emitter: emitter,
		logger:  logging.NewComponentLogger("Workflow"),
		tracer:  observability.NoopTracerProvider(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Planned returns the stages that are eligible before conditions are
// evaluated.
func (w *Workflow) Planned() []Stage {
	planned := make([]Stage, 0, len(w.stages))
	for _, stage := range w.stages {
		if stage.Checkpoint && !w.checkpoints {
			continue
		}
		planned = append(planned, stage)
	}
	return planned
}

// Run executes the workflow and returns the final state. A mandatory stage
// failure aborts the run and is returned as a *errors.StageError.
func (w *Workflow) Run(ctx context.Context, initial State) (State, error) {
	planned := w.Planned()
	state := State{}.Merge(initial)
	total := len(planned)
	done := 0

	w.emit(events.ResearchStatus{OverallStatus: events.RunRunning, AgentsTotal: total})
	for _, stage := range planned {
		if err := ctx.Err(); err != nil {
			w.fail(state, stage, done, total, err)
			return state, &scouterrors.StageError{Stage: stage.Name, Err: err}
		}
		if stage.When != nil && !stage.When(state) {
			total--
			w.logger.Debug("Skipping stage %s", stage.Name)
			continue
		}

		update, err := w.runStage(ctx, stage, state)
		if err != nil {
			if stage.BestEffort {
				w.logger.Warn("Best-effort stage %s failed: %v", stage.Name, err)
				done++
				w.emit(events.ResearchStatus{OverallStatus: events.RunRunning, Progress: percent(done, total), CurrentStage: stage.Name, AgentsCompleted: done, AgentsTotal: total})
				continue
			}
			w.fail(state, stage, done, total, err)
			return state, &scouterrors.StageError{Stage: stage.Name, Err: err}
		}
		state = state.Merge(update)
		done++
		w.emit(events.ResearchStatus{OverallStatus: events.RunRunning, Progress: percent(done, total), CurrentStage: stage.Name, AgentsCompleted: done, AgentsTotal: total})
	}
	w.emit(events.ResearchStatus{OverallStatus: events.RunCompleted, Progress: 100, AgentsCompleted: done, AgentsTotal: total})
	return state, nil
}

func (w *Workflow) runStage(ctx context.Context, stage Stage, state State) (update State, err error) {
	ctx, span := w.tracer.StartSpan(ctx, observability.SpanPipelineStage, attribute.String(observability.AttrStage, stage.Name))
	defer span.End()
	if stage.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, stage.Timeout)
		defer cancel()
	}

	w.emit(events.AgentUpdate{AgentID: events.StageID(stage.Name), AgentName: stage.Name, Status: events.AgentRunning, Progress: events.Float(0), Message: "Started"})
	started := time.Now()
	if stage.Run == nil {
		err = errors.New("stage has no implementation")
	} else {
		update, err = safeRun(ctx, stage.Run, state.Merge(nil))
	}
	elapsed := time.Since(started)

	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
		w.metrics.ObserveStageDuration(stage.Name, "error", elapsed)
		w.metrics.IncStageFailure(stage.Name, stage.BestEffort)
		w.emit(events.AgentUpdate{AgentID: events.StageID(stage.Name), AgentName: stage.Name, Status: events.AgentError, Message: err.Error()})
		return nil, err
	}
	w.metrics.ObserveStageDuration(stage.Name, "completed", elapsed)
	w.emit(events.AgentUpdate{
		AgentID:   events.StageID(stage.Name),
		AgentName: stage.Name,
		Status:    events.AgentCompleted,
		Progress:  events.Float(100),
		Message:   fmt.Sprintf("Completed in %s", elapsed.Round(time.Millisecond)),
	})
	return update, nil
}

func safeRun(ctx context.Context, fn StageFunc, state State) (update State, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("stage panicked: %v", r)
		}
	}()
	return fn(ctx, state)
}

func (w *Workflow) fail(state State, stage Stage, done, total int, err error) {
	w.emit(events.ErrorReport{
		Code:    "stage_failed",
		Message: fmt.Sprintf("%s: %v", stage.Name, err),
		Details: map[string]any{"stage": stage.Name, "subject": state.String(StateSubject)},
	})
	w.emit(events.ResearchStatus{OverallStatus: events.RunFailed, Progress: percent(done, total), CurrentStage: stage.Name, AgentsCompleted: done, AgentsTotal: total})
}

func (w *Workflow) emit(payload events.Payload) {
	if w.emitter == nil {
		return
	}
	if err := w.emitter.Emit(payload); err != nil {
		w.logger.Warn("Emit %s failed: %v", payload.EventType(), err)
	}
}

func percent(done, total int) float64 {
	if total <= 0 {
		return 100
	}
	return float64(done) * 100 / float64(total)
}

// StageNames lists stage names in order, for logs and plan summaries.
func StageNames(stages []Stage) []string {
	names := make([]string, 0, len(stages))
	for _, stage := range stages {
		names = append(names, stage.Name)
	}
	return names
}
