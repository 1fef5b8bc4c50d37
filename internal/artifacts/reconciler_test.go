package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Envelope
}

func (p *recordingPublisher) Publish(env events.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, env)
}

func (p *recordingPublisher) files() []events.FileGenerated {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.FileGenerated
	for _, env := range p.events {
		if f, ok := env.Payload.(events.FileGenerated); ok {
			out = append(out, f)
		}
	}
	return out
}

func (p *recordingPublisher) logs() []events.LogMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.LogMessage
	for _, env := range p.events {
		if l, ok := env.Payload.(events.LogMessage); ok {
			out = append(out, l)
		}
	}
	return out
}

// writeArtifact publishes a file atomically, the way pipelines do.
func writeArtifact(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	tmp := filepath.Join(dir, "."+name+".tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, filepath.Join(dir, name)))
}

func newTestReconciler(t *testing.T, root string, pub Publisher, cfg Config, opts ...Option) *Reconciler {
	t.Helper()
	cfg.OutputRoot = root
	opts = append([]Option{WithLogger(logging.Nop())}, opts...)
	r, err := NewReconciler(cfg, pub, opts...)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

// writeLater renames each file into dir at its offset from now, the way a
// pipeline publishes finished reports.
func writeLater(dir string, offsets map[string]time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		start := time.Now()
		names := make([]string, 0, len(offsets))
		for name := range offsets {
			names = append(names, name)
		}
		sort.Slice(names, func(i, j int) bool { return offsets[names[i]] < offsets[names[j]] })
		for _, name := range names {
			time.Sleep(time.Until(start.Add(offsets[name])))
			tmp := filepath.Join(dir, "."+name+".tmp")
			if err := os.WriteFile(tmp, []byte("# "+name), 0o644); err != nil {
				done <- err
				return
			}
			if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	return done
}

func TestReconcileAnnouncesLateFilesExactlyOnce(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-5")
	pub := &recordingPublisher{}
	reg := prometheus.NewRegistry()
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 100 * time.Millisecond,
		PollTimeout:  1500 * time.Millisecond,
	}, WithMetrics(observability.MustNewMetrics(reg)))

	require.NoError(t, os.MkdirAll(dir, 0o755))
	// The last report lands long after three quiet polls.
	writerDone := writeLater(dir, map[string]time.Duration{
		"a1b2c3_report.md":    50 * time.Millisecond,
		"a1b2c3_report.pdf":   150 * time.Millisecond,
		"a1b2c3_report_fr.md": 250 * time.Millisecond,
		"a1b2c3_report.docx":  900 * time.Millisecond,
	})

	result := r.Reconcile(context.Background(), "sess-5")
	require.NoError(t, <-writerDone)

	require.Equal(t, OutcomeFound, result.Outcome)
	require.GreaterOrEqual(t, result.Waited, 1500*time.Millisecond)
	files := pub.files()
	require.Len(t, files, 4)
	var names []string
	for _, f := range files {
		names = append(names, f.Filename)
		require.Len(t, f.FileID, 16)
		require.Positive(t, f.SizeBytes)
	}
	require.ElementsMatch(t, []string{"report.md", "report.pdf", "report_fr.md", "report.docx"}, names)
	require.Len(t, result.Artifacts, 4)
	require.Empty(t, pub.logs())

	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(`
# HELP scout_artifacts_discovered_total Artifacts announced to sessions.
# TYPE scout_artifacts_discovered_total counter
scout_artifacts_discovered_total 4
`), "scout_artifacts_discovered_total"))

	path, err := r.Resolve("sess-5", "report.docx")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "a1b2c3_report.docx"), path)
}

func TestReconcileSettlesEarlyWhenConfigured(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-settle")
	writeArtifact(t, dir, "abcd_report.md", "done")
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  3 * time.Second,
		SettlePolls:  3,
	})

	result := r.Reconcile(context.Background(), "sess-settle")
	require.Equal(t, OutcomeFound, result.Outcome)
	require.Less(t, result.Waited, time.Second)
	require.Len(t, pub.files(), 1)

	// A second pass over the same directory announces nothing new.
	again := r.Reconcile(context.Background(), "sess-settle")
	require.Equal(t, OutcomeFound, again.Outcome)
	require.Len(t, pub.files(), 1)
}

func TestResolveFindsFilesWrittenAfterThePass(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-after")
	writeArtifact(t, dir, "0001_report.md", "first")
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  100 * time.Millisecond,
	})
	r.Reconcile(context.Background(), "sess-after")
	require.Len(t, pub.files(), 1)

	writeArtifact(t, dir, "0001_report_es.md", "segundo")
	path, err := r.Resolve("sess-after", "report_es.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "0001_report_es.md"), path)
	require.Len(t, pub.files(), 1)
	require.Len(t, r.Files("sess-after"), 2)
}

func TestReconcileTimesOutWithoutArtifacts(t *testing.T) {
	root := t.TempDir()
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  150 * time.Millisecond,
	})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sess-empty"), 0o755))
	writeArtifact(t, filepath.Join(root, "sess-empty"), "notes.txt", "ignored extension")

	result := r.Reconcile(context.Background(), "sess-empty")

	require.Equal(t, OutcomeNoArtifacts, result.Outcome)
	require.True(t, scouterrors.IsReconciliationTimeout(result.Err))
	require.Empty(t, pub.files())
	logs := pub.logs()
	require.Len(t, logs, 1)
	require.Equal(t, "warn", logs[0].Level)
	require.GreaterOrEqual(t, result.Waited, 150*time.Millisecond)
}

func TestReconcileMissingDirectoryIsNotAnError(t *testing.T) {
	pub := &recordingPublisher{}
	r := newTestReconciler(t, t.TempDir(), pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  80 * time.Millisecond,
	})
	result := r.Reconcile(context.Background(), "never-created")
	require.Equal(t, OutcomeNoArtifacts, result.Outcome)
}

func TestReconcileStopsWhenCancelled(t *testing.T) {
	r := newTestReconciler(t, t.TempDir(), nil, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Minute,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	result := r.Reconcile(ctx, "sess-cancel")
	require.Equal(t, OutcomeCancelled, result.Outcome)
}

func TestObserveDedupesChildReportedFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-obs")
	writeArtifact(t, dir, "f00d_report.md", "content")
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Second,
		SettlePolls:  2,
	})

	first, fresh := r.Observe("sess-obs", events.FileGenerated{Filename: filepath.Join(dir, "f00d_report.md")})
	require.True(t, fresh)
	require.Equal(t, "report.md", first.Filename)
	require.Equal(t, "f00d_report.md", first.Path)
	require.Equal(t, int64(len("content")), first.SizeBytes)
	require.Equal(t, "md", first.FileType)

	_, fresh = r.Observe("sess-obs", events.FileGenerated{Path: "f00d_report.md"})
	require.False(t, fresh)

	result := r.Reconcile(context.Background(), "sess-obs")
	require.Equal(t, OutcomeFound, result.Outcome)
	require.Empty(t, pub.files())
	require.Len(t, result.Artifacts, 1)
}

func TestObserveDropsFilesWithoutAName(t *testing.T) {
	r := newTestReconciler(t, t.TempDir(), &recordingPublisher{}, Config{})

	for _, file := range []events.FileGenerated{
		{},
		{Filename: "/"},
		{Path: "."},
		{Path: "reports/.."},
	} {
		_, fresh := r.Observe("sess-blank", file)
		require.False(t, fresh, "%+v", file)
	}
	require.Empty(t, r.Files("sess-blank"))
}

func TestCollidingDisplayNamesResolveToDistinctFiles(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-dup")
	writeArtifact(t, dir, "aaaa_report.md", "first")
	writeArtifact(t, dir, "bbbb_report.md", "second")
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Second,
		SettlePolls:  1,
	})

	r.Reconcile(context.Background(), "sess-dup")

	files := pub.files()
	require.Len(t, files, 2)
	require.Equal(t, "report.md", files[0].Filename)
	require.Equal(t, "report-2.md", files[1].Filename)

	path, err := r.Resolve("sess-dup", "report-2.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "bbbb_report.md"), path)

	path, err = r.Resolve("sess-dup", "aaaa_report.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "aaaa_report.md"), path)
}

func TestResolveReindexesForgottenSessions(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sess-old")
	writeArtifact(t, dir, "cafe_report_de.md", "hallo")
	pub := &recordingPublisher{}
	r := newTestReconciler(t, root, pub, Config{})

	path, err := r.Resolve("sess-old", "report_de.md")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "cafe_report_de.md"), path)
	require.Empty(t, pub.files())

	_, err = r.Resolve("sess-old", "report_fr.md")
	require.ErrorIs(t, err, scouterrors.ErrArtifactNotFound)

	for _, bad := range []string{"../secret.md", "..", ".hidden.md", "a/b.md", ""} {
		_, err = r.Resolve("sess-old", bad)
		require.ErrorIs(t, err, scouterrors.ErrInvalidInput, bad)
	}

	r.Forget("sess-old")
	require.Empty(t, r.Files("sess-old"))
}

func TestStartRunsOnePassPerSession(t *testing.T) {
	root := t.TempDir()
	writeArtifact(t, filepath.Join(root, "sess-bg"), "beef_report.pdf", "%PDF")
	results := make(chan Result, 2)
	r := newTestReconciler(t, root, &recordingPublisher{}, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Second,
		SettlePolls:  2,
	}, WithResultHook(func(res Result) { results <- res }))

	require.True(t, r.Start("sess-bg"))
	require.False(t, r.Start("sess-bg"))

	select {
	case res := <-results:
		require.Equal(t, "sess-bg", res.SessionID)
		require.Equal(t, OutcomeFound, res.Outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation did not finish")
	}
	require.Eventually(t, func() bool { return !r.Running("sess-bg") }, time.Second, 10*time.Millisecond)

	r.Close()
	require.False(t, r.Start("sess-late"))
}

func TestCloseCancelsBackgroundPasses(t *testing.T) {
	results := make(chan Result, 1)
	r := newTestReconciler(t, t.TempDir(), nil, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  time.Minute,
	}, WithResultHook(func(res Result) { results <- res }))

	require.True(t, r.Start("sess-slow"))
	r.Close()
	require.Equal(t, OutcomeCancelled, (<-results).Outcome)
}
