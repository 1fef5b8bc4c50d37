package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Builtin stage implementations usable from plan files.
const (
	BuiltinNote               = "note"
	BuiltinPublishMarkdown    = "publish_markdown"
	BuiltinPublishTranslation = "publish_translation"
)

const (
	stateNotes    = "notes"
	stateReportID = "report_id"
)

var builtins = map[string]StageFunc{
	BuiltinNote:               noteStage,
	BuiltinPublishMarkdown:    publishMarkdown,
	BuiltinPublishTranslation: publishTranslation,
}

func noteStage(ctx context.Context, state State) (State, error) {
	notes, _ := state[stateNotes].([]any)
	note := fmt.Sprintf("reviewed %q", state.String(StateSubject))
	return State{stateNotes: append(append([]any(nil), notes...), note)}, nil
}

func publishMarkdown(ctx context.Context, state State) (State, error) {
	id := state.String(stateReportID)
	if id == "" {
		id = strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	if err := writeReport(state, id+"_report.md", ""); err != nil {
		return nil, err
	}
	return State{stateReportID: id}, nil
}

func publishTranslation(ctx context.Context, state State) (State, error) {
	id := state.String(stateReportID)
	if id == "" {
		return nil, fmt.Errorf("no published report to translate")
	}
	lang := strings.ToLower(state.String(StateLanguage))
	if err := writeReport(state, fmt.Sprintf("%s_report_%s.md", id, lang), lang); err != nil {
		return nil, err
	}
	return State{}, nil
}

func writeReport(state State, name, lang string) error {
	dir := state.String(StateOutputDir)
	if dir == "" {
		return fmt.Errorf("output directory is not set")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", state.String(StateSubject))
	if lang != "" {
		fmt.Fprintf(&b, "_Language: %s_\n\n", lang)
	}
	notes, _ := state[stateNotes].([]any)
	for _, note := range notes {
		fmt.Fprintf(&b, "- %v\n", note)
	}
	// Write then rename so the reconciler never sees a partial file.
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}
