package bootstrap

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scout/internal/config"
	"scout/internal/events"
	"scout/internal/logging"
	serverApp "scout/internal/server/app"
)

func noEnv(string) (string, bool) { return "", false }

func TestPipelineCommandDefaultsToOwnBinary(t *testing.T) {
	self, err := os.Executable()
	require.NoError(t, err)

	command, args, err := pipelineCommand(config.PipelineConfig{
		PlanFile:       "plan.yaml",
		SourceLanguage: "en",
		Args:           []string{"--verbose"},
	})
	require.NoError(t, err)
	require.Equal(t, self, command)
	require.Equal(t, []string{"pipeline", "--plan", "plan.yaml", "--source-language", "en", "--verbose"}, args)

	command, args, err = pipelineCommand(config.PipelineConfig{Command: "research.py", Args: []string{"--fast"}})
	require.NoError(t, err)
	require.Equal(t, "research.py", command)
	require.Equal(t, []string{"--fast"}, args)
}

func TestOpenSessionStoreRejectsUnknownDriver(t *testing.T) {
	_, err := openSessionStore(context.Background(), config.StoreConfig{Driver: "postgres"})
	require.Error(t, err)
}

// The pipeline is a shell script: sh -c puts the launch flags in $0..$7, so
// the output directory is $7.
const fakePipeline = `
echo '{"type":"agent_update","agent_name":"researcher","status":"running","progress":40}'
echo 'Writer: drafting the report'
printf '# findings' > "$7/5ca1ab1e_report.md"
echo '{"type":"agent_update","agent_name":"researcher","status":"completed","progress":100}'
`

func TestServeRunsSessionEndToEnd(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
	root := t.TempDir()
	dsn := filepath.Join(root, "state", "sessions.db")
	cfg, meta, err := config.Load(
		config.WithEnv(noEnv),
		config.WithSearchDirs(t.TempDir()),
		config.WithOverrides(map[string]any{
			"output_root":             filepath.Join(root, "outputs"),
			"pipeline.command":        "/bin/sh",
			"pipeline.args":           []string{"-c", fakePipeline},
			"reconcile.poll_interval": 20 * time.Millisecond,
			"reconcile.poll_timeout":  time.Second,
			"reconcile.settle_polls":  2,
			"store.driver":            "sqlite",
			"store.dsn":               dsn,
		}),
	)
	require.NoError(t, err)
	require.Equal(t, config.SourceOverride, meta.Source("store.driver"))

	container, err := BuildContainer(context.Background(), cfg, nil)
	require.NoError(t, err)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + listener.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	served := make(chan error, 1)
	go func() { served <- Serve(ctx, container, listener, logging.Nop()) }()

	resp, err := http.Post(base+"/api/sessions", "application/json", strings.NewReader(`{"subject":"kelp forests","session_id":"sess-e2e"}`))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	_ = resp.Body.Close()

	var state serverApp.SessionState
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/api/sessions/sess-e2e")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var body struct {
			Data serverApp.SessionState `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return false
		}
		state = body.Data
		return state.Status.Terminal() && !state.Reconciling
	}, 5*time.Second, 20*time.Millisecond)

	require.Equal(t, events.RunCompleted, state.Status)
	require.Len(t, state.Agents, 2)
	require.Equal(t, "Researcher", state.Agents[0].AgentName)
	require.Equal(t, events.AgentCompleted, state.Agents[0].Status)
	require.Equal(t, "Writer", state.Agents[1].AgentName)
	require.Len(t, state.Files, 1)
	require.Equal(t, "report.md", state.Files[0].Filename)

	resp, err = http.Get(base + "/api/sessions/sess-e2e/files/report.md")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.NoError(t, err)
	require.Equal(t, "# findings", string(body))

	cancel()
	select {
	case err := <-served:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	store, err := serverApp.OpenSQLiteSessionStore(context.Background(), dsn)
	require.NoError(t, err)
	defer store.Close()
	record, err := store.Get(context.Background(), "sess-e2e")
	require.NoError(t, err)
	require.Equal(t, events.RunCompleted, record.Status)
	require.Equal(t, "kelp forests", record.Subject)
}
