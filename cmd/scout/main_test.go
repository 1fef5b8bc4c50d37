package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/require"

	"scout/internal/client"
	"scout/internal/config"
	"scout/internal/events"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestPipelineCommandEmitsEventsAndReport(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sess-cli")
	out, err := runRoot(t, "pipeline",
		"--subject", "urban heat islands",
		"--session-id", "sess-cli",
		"--output-dir", dir,
	)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "*_report.md"))
	require.NoError(t, err)
	require.Len(t, matches, 1)
	body, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(string(body), "# urban heat islands"))

	lines := strings.Split(strings.TrimSpace(out), "\n")
	decoder := events.NewDecoder("sess-cli", nil)
	final, ok := decoder.Decode(lines[len(lines)-1])
	require.True(t, ok, lines[len(lines)-1])
	require.Equal(t, events.RunCompleted, final.Payload.(events.ResearchStatus).OverallStatus)
}

func TestPipelineCommandRequiresFlags(t *testing.T) {
	_, err := runRoot(t, "pipeline", "--subject", "x")
	require.Error(t, err)
	require.Contains(t, err.Error(), "session-id")
}

func TestSweepCommandRemovesExpiredArtifacts(t *testing.T) {
	root := t.TempDir()
	outputs := filepath.Join(root, "outputs")
	session := filepath.Join(outputs, "sess-old")
	require.NoError(t, os.MkdirAll(session, 0o755))
	stale := filepath.Join(session, "abc_report.md")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))
	past := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(stale, past, past))

	cfgFile := filepath.Join(root, "scout.yaml")
	require.NoError(t, os.WriteFile(cfgFile, []byte("output_root: "+outputs+"\n"), 0o644))

	out, err := runRoot(t, "sweep", "--config", cfgFile, "--ttl", "24h")
	require.NoError(t, err)
	require.Contains(t, out, "Removed 1 expired artifact(s)")
	_, err = os.Stat(session)
	require.True(t, os.IsNotExist(err))
}

func TestServeOverridesOnlyChangedFlags(t *testing.T) {
	cmd := newServeCommand(&rootOptions{})
	require.NoError(t, cmd.Flags().Parse([]string{"--port", "9090", "--store", "sqlite"}))

	opts := &serveOptions{host: "ignored", port: 9090, storeDriver: "sqlite"}
	require.Equal(t, map[string]any{"server.port": 9090, "store.driver": "sqlite"}, opts.overrides(cmd))
}

func TestDefaultServerURL(t *testing.T) {
	cfg := config.Config{Server: config.ServerConfig{Host: "0.0.0.0", Port: 8080}}
	require.Equal(t, "http://127.0.0.1:8080", defaultServerURL(cfg))
	cfg.Server.Host = "::1"
	require.Equal(t, "http://[::1]:8080", defaultServerURL(cfg))
}

func TestRenderSnapshot(t *testing.T) {
	snap := client.Snapshot{
		SessionID: "sess-r",
		Status:    events.RunRunning,
		Progress:  55,
		Stages: []client.StageView{
			{ID: "coordinator", Name: "Coordinator", Status: events.AgentCompleted, Progress: events.Float(100), Reported: true},
			{ID: "researcher", Name: "Researcher", Status: events.AgentRunning, Progress: events.Float(10), Message: "reading sources", Reported: true},
			{ID: "writer", Name: "Writer", Status: events.AgentPending, Message: client.WaitingMessage},
		},
		Files: []events.FileGenerated{{Filename: "report.md", SizeBytes: 2048}},
	}

	got := renderSnapshot(snap, 0)
	require.Contains(t, got, "Session sess-r  running   55.0%")
	require.Contains(t, got, "✓ Coordinator    completed  100%")
	require.Contains(t, got, "● Researcher     running     10%  reading sources")
	require.Contains(t, got, "○ Writer         pending          Waiting to start")
	require.Contains(t, got, "report.md  2.0 KiB")

	for _, line := range strings.Split(strings.TrimRight(renderSnapshot(snap, 20), "\n"), "\n") {
		require.LessOrEqual(t, len([]rune(line)), 20, line)
	}

	require.Equal(t, "[sess-r] running 55.0% stages 1/3 running: Researcher files: 1", renderSummary(snap))
}

func TestStatusSnapshotUsesServerProgress(t *testing.T) {
	snap := statusSnapshot(config.Config{}, client.SessionStatus{
		SessionID: "sess-s",
		Status:    events.RunCompleted,
		Progress:  100,
		Agents:    []events.AgentUpdate{{AgentID: "writer", AgentName: "Writer", Status: events.AgentCompleted}},
		Files:     []events.FileGenerated{{FileID: "f", Filename: "report.md"}},
	})
	require.Equal(t, events.RunCompleted, snap.Status)
	require.Equal(t, float64(100), snap.Progress)
	require.Len(t, snap.Files, 1)
}

func TestFormatBytes(t *testing.T) {
	require.Equal(t, "512 B", formatBytes(512))
	require.Equal(t, "1.5 KiB", formatBytes(1536))
	require.Equal(t, "3.0 MiB", formatBytes(3<<20))
}
