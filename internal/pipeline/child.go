package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"scout/internal/events"
)

// ChildRequest carries the launch arguments the supervisor passes to the
// pipeline process.
type ChildRequest struct {
	Subject   string
	SessionID string
	Language  string
	OutputDir string
}

// RunChild executes plan on behalf of a supervised session, writing progress
// events as structured lines to out.
func RunChild(ctx context.Context, plan Plan, req ChildRequest, out io.Writer, opts ...WorkflowOption) (State, error) {
	stages, err := plan.Build()
	if err != nil {
		return nil, err
	}
	if err := ValidateSessionID(req.SessionID); err != nil {
		return nil, err
	}
	subject, err := SanitizeSubject(req.Subject)
	if err != nil {
		return nil, err
	}
	if req.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	source := plan.SourceLanguage
	if source == "" {
		source = "en"
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = source
	}

	emitter := EncoderEmitter{Encoder: events.NewEncoder(out), SessionID: req.SessionID}
	opts = append([]WorkflowOption{WithCheckpoints(plan.Checkpoints)}, opts...)
	workflow := NewWorkflow(stages, emitter, opts...)
	return workflow.Run(ctx, State{
		StateSubject:        subject,
		StateLanguage:       language,
		StateSourceLanguage: source,
		StateOutputDir:      req.OutputDir,
		StateSessionID:      req.SessionID,
	})
}
