package pipeline

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scout/internal/events"
	"scout/internal/logging"
)

func TestParsePlan(t *testing.T) {
	plan, err := ParsePlan([]byte(`
source_language: en
checkpoints: true
stages:
  - name: Researcher
    command: ["./stages/research", "--depth", "2"]
    timeout: 5m
  - name: Human Review
    builtin: note
    checkpoint: true
  - name: Translator
    command: ["./stages/translate"]
    when: language_differs
    best_effort: true
`))
	require.NoError(t, err)
	require.True(t, plan.Checkpoints)
	require.Len(t, plan.Stages, 3)
	require.Equal(t, 5*time.Minute, plan.Stages[0].Timeout)

	stages, err := plan.Build()
	require.NoError(t, err)
	require.Equal(t, []string{"Researcher", "Human Review", "Translator"}, StageNames(stages))
	require.True(t, stages[1].Checkpoint)
	require.True(t, stages[2].BestEffort)
	require.NotNil(t, stages[2].When)
	require.Nil(t, stages[0].When)
}

func TestParsePlanRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"no stages":         "stages: []",
		"missing name":      "stages: [{builtin: note}]",
		"duplicate":         "stages: [{name: a, builtin: note}, {name: A, builtin: note}]",
		"no implementation": "stages: [{name: a}]",
		"both":              `stages: [{name: a, builtin: note, command: ["x"]}]`,
		"unknown builtin":   "stages: [{name: a, builtin: summon}]",
		"unknown condition": "stages: [{name: a, builtin: note, when: sometimes}]",
		"bad yaml":          "stages: [",
	}
	for name, doc := range cases {
		_, err := ParsePlan([]byte(doc))
		require.Error(t, err, name)
	}
}

func TestDefaultPlanIsValid(t *testing.T) {
	require.NoError(t, DefaultPlan().Validate())
}

func TestCommandStageRoundTripsState(t *testing.T) {
	update, err := CommandStage([]string{"cat"}, nil)(context.Background(), State{"subject": "tides", "count": 2})
	require.NoError(t, err)
	require.Equal(t, State{"subject": "tides", "count": 2.0}, update)
}

func TestCommandStageEmptyOutputIsEmptyUpdate(t *testing.T) {
	update, err := CommandStage([]string{"/bin/sh", "-c", "cat >/dev/null"}, nil)(context.Background(), State{})
	require.NoError(t, err)
	require.Empty(t, update)
}

func TestCommandStageFailures(t *testing.T) {
	_, err := CommandStage([]string{"/bin/sh", "-c", "cat >/dev/null; echo boom >&2; exit 4"}, nil)(context.Background(), State{})
	require.ErrorContains(t, err, "exit status 4: boom")

	_, err = CommandStage([]string{"/bin/sh", "-c", "cat >/dev/null; echo not-json"}, nil)(context.Background(), State{})
	require.ErrorContains(t, err, "decode stage output")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = CommandStage([]string{"/bin/sh", "-c", "sleep 30"}, nil)(ctx, State{})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunChildDefaultPlanPublishesReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sess-child")
	var out bytes.Buffer
	_, err := RunChild(context.Background(), DefaultPlan(), ChildRequest{
		Subject:   "offshore wind",
		SessionID: "sess-child",
		Language:  "fr",
		OutputDir: dir,
	}, &out, WithWorkflowLogger(logging.Nop()))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	require.Len(t, names, 2)
	var sawBase, sawTranslated bool
	for _, name := range names {
		sawBase = sawBase || strings.HasSuffix(name, "_report.md")
		sawTranslated = sawTranslated || strings.HasSuffix(name, "_report_fr.md")
	}
	require.True(t, sawBase && sawTranslated, names)

	decoder := events.NewDecoder("sess-child", nil)
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var stages []string
	for _, line := range lines {
		env, ok := decoder.Decode(line)
		require.True(t, ok, line)
		if u, isUpdate := env.Payload.(events.AgentUpdate); isUpdate && u.Status == events.AgentCompleted {
			stages = append(stages, u.AgentID)
		}
	}
	require.Equal(t, []string{"coordinator", "researcher", "editor", "writer", "publisher", "translator"}, stages)
	final, ok := decoder.Decode(lines[len(lines)-1])
	require.True(t, ok)
	require.Equal(t, events.RunCompleted, final.Payload.(events.ResearchStatus).OverallStatus)
}
