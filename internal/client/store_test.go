package client

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"scout/internal/events"
)

func agent(id, name string, status events.AgentStatus, progress *float64) events.Envelope {
	return events.Now("sess-1", events.AgentUpdate{AgentID: id, AgentName: name, Status: status, Progress: progress})
}

func TestOrderedFillsPlaceholdersAndAppendsUnknownStages(t *testing.T) {
	store := NewStore("sess-1", WithStageOrder([]string{"coordinator", "researcher", "human_review"}))
	store.Apply(agent("custom_stage", "Custom stage", events.AgentRunning, nil))
	store.Apply(agent("researcher", "Researcher", events.AgentRunning, events.Float(40)))
	store.Apply(agent("fact_checker", "Fact checker", events.AgentPending, nil))

	want := []StageView{
		{ID: "coordinator", Name: "Coordinator", Status: events.AgentPending, Message: WaitingMessage},
		{ID: "researcher", Name: "Researcher", Status: events.AgentRunning, Progress: events.Float(40), Reported: true},
		{ID: "human_review", Name: "Human Review", Status: events.AgentPending, Message: WaitingMessage},
		{ID: "custom_stage", Name: "Custom stage", Status: events.AgentRunning, Reported: true},
		{ID: "fact_checker", Name: "Fact checker", Status: events.AgentPending, Reported: true},
	}
	if diff := cmp.Diff(want, store.Ordered()); diff != "" {
		t.Fatalf("ordered view mismatch (-want +got):\n%s", diff)
	}
}

func TestProgressAveragesOnlyReportedValues(t *testing.T) {
	store := NewStore("sess-1")
	require.Zero(t, store.Progress())

	store.Apply(agent("editor", "Editor", events.AgentRunning, nil))
	require.Zero(t, store.Progress())

	store.Apply(agent("researcher", "Researcher", events.AgentRunning, events.Float(30)))
	store.Apply(agent("writer", "Writer", events.AgentRunning, events.Float(90)))
	require.InDelta(t, 60, store.Progress(), 1e-9)
}

func TestApplyRejectsRegressionsAndDuplicates(t *testing.T) {
	store := NewStore("sess-1")
	require.True(t, store.Apply(agent("writer", "Writer", events.AgentRunning, events.Float(10))))
	require.True(t, store.Apply(agent("writer", "Writer", events.AgentRunning, events.Float(50))))
	require.True(t, store.Apply(agent("writer", "Writer", events.AgentCompleted, events.Float(100))))
	require.False(t, store.Apply(agent("writer", "Writer", events.AgentCompleted, events.Float(100))))
	require.False(t, store.Apply(agent("writer", "Writer", events.AgentRunning, events.Float(20))))

	file := events.Now("sess-1", events.FileGenerated{FileID: "abc", Filename: "report.md"})
	require.True(t, store.Apply(file))
	require.False(t, store.Apply(file))
	require.Len(t, store.Files(), 1)

	require.True(t, store.Apply(events.Now("sess-1", events.ResearchStatus{OverallStatus: events.RunFailed})))
	require.False(t, store.Apply(events.Now("sess-1", events.ResearchStatus{OverallStatus: events.RunRunning})))
	require.Equal(t, events.RunFailed, store.Status())

	require.False(t, store.Apply(events.Now("other", events.LogMessage{Message: "not mine"})))
	require.Empty(t, store.Logs())
}

func TestReplaceDiscardsLocalState(t *testing.T) {
	store := NewStore("sess-1")
	store.Apply(agent("coordinator", "Coordinator", events.AgentRunning, events.Float(20)))
	store.Apply(events.Now("sess-1", events.FileGenerated{FileID: "old", Filename: "draft.md"}))
	store.Apply(events.Now("sess-1", events.ErrorReport{Code: "boom", Message: "stale"}))

	store.Replace([]events.Envelope{
		agent("researcher", "Researcher", events.AgentCompleted, events.Float(100)),
		events.Now("sess-1", events.FileGenerated{FileID: "new", Filename: "report.md"}),
		events.Now("sess-1", events.ResearchStatus{OverallStatus: events.RunCompleted, Progress: 100}),
	})

	snap := store.Snapshot()
	require.Equal(t, events.RunCompleted, snap.Status)
	require.Equal(t, 1, snap.Rehydrated)
	require.Nil(t, snap.LastError)
	require.Equal(t, []events.FileGenerated{{FileID: "new", Filename: "report.md"}}, snap.Files)
	require.InDelta(t, 100, snap.Progress, 1e-9)

	var reported []string
	for _, stage := range snap.Stages {
		if stage.Reported {
			reported = append(reported, stage.ID)
		}
	}
	require.Equal(t, []string{"researcher"}, reported)
}

func TestLogLimitKeepsNewest(t *testing.T) {
	store := NewStore("sess-1", WithLogLimit(2))
	for _, msg := range []string{"one", "two", "three"} {
		store.Apply(events.Now("sess-1", events.LogMessage{Message: msg}))
	}
	require.Equal(t, []events.LogMessage{{Message: "two"}, {Message: "three"}}, store.Logs())
}
