package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	scouterrors "scout/internal/errors"
	"scout/internal/events"
	"scout/internal/logging"
	"scout/internal/observability"
)

const (
	defaultPollInterval       = 2 * time.Second
	defaultPollTimeout        = 30 * time.Second
	defaultMaxTrackedSessions = 1024
)

// DefaultExtensions lists the artifact types announced to dashboards.
func DefaultExtensions() []string {
	return []string{".pdf", ".docx", ".md"}
}

// Publisher receives artifact and warning events.
type Publisher interface {
	Publish(events.Envelope)
}

// Outcome is how a reconciliation pass ended.
type Outcome string

const (
	OutcomeFound       Outcome = "found"
	OutcomeNoArtifacts Outcome = "no_artifacts"
	OutcomeCancelled   Outcome = "cancelled"
)

// Config controls polling and bookkeeping.
type Config struct {
	OutputRoot   string
	PollInterval time.Duration
	PollTimeout  time.Duration
	// SettlePolls, when positive, ends the pass early once something was
	// found and this many consecutive polls found nothing new. Zero polls
	// until PollTimeout.
	SettlePolls        int
	Extensions         []string
	MaxTrackedSessions int
	// DefaultLanguage labels files without a language suffix.
	DefaultLanguage string
}

// Result summarizes one reconciliation pass.
type Result struct {
	SessionID string
	Outcome   Outcome
	Artifacts []events.FileGenerated
	Waited    time.Duration

	// Err is a *errors.ReconciliationTimeout when the window closed empty.
	Err error
}

// ResultHook is notified after each background pass started by Start.
type ResultHook func(Result)

// Reconciler finds session artifacts on disk and announces each file once.
// Seen-sets are kept per session in a bounded LRU; the child may report the
// same files through Observe.
type Reconciler struct {
	cfg       Config
	exts      map[string]bool
	publisher Publisher
	onResult  ResultHook
	logger    logging.Logger
	metrics   *observability.Metrics
	tracer    *observability.TracerProvider

	sessions *lru.Cache[string, *sessionFiles]

	mu      sync.Mutex
	running map[string]context.CancelFunc
	closed  bool
	wg      sync.WaitGroup
	base    context.Context
	stop    context.CancelFunc
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithResultHook registers a hook for background passes.
func WithResultHook(hook ResultHook) Option {
	return func(r *Reconciler) { r.onResult = hook }
}

// WithLogger replaces the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(r *Reconciler) { r.logger = logging.OrNop(logger) }
}

// WithMetrics records discovery metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(r *Reconciler) { r.metrics = metrics }
}

// WithTracer records a span per pass.
func WithTracer(tracer *observability.TracerProvider) Option {
	return func(r *Reconciler) {
		if tracer != nil {
			r.tracer = tracer
		}
	}
}

// NewReconciler builds a reconciler publishing to publisher.
func NewReconciler(cfg Config, publisher Publisher, opts ...Option) (*Reconciler, error) {
	if strings.TrimSpace(cfg.OutputRoot) == "" {
		return nil, fmt.Errorf("artifacts: output root is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.SettlePolls < 0 {
		cfg.SettlePolls = 0
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = DefaultExtensions()
	}
	if cfg.MaxTrackedSessions <= 0 {
		cfg.MaxTrackedSessions = defaultMaxTrackedSessions
	}
	sessions, err := lru.New[string, *sessionFiles](cfg.MaxTrackedSessions)
	if err != nil {
		return nil, fmt.Errorf("artifacts: seen-set cache: %w", err)
	}

	exts := make(map[string]bool, len(cfg.Extensions))
	for _, ext := range cfg.Extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}

	base, stop := context.WithCancel(context.Background())
	r := &Reconciler{
		cfg:       cfg,
		exts:      exts,
		publisher: publisher,
		logger:    logging.NewComponentLogger("Reconciler"),
		tracer:    observability.NoopTracerProvider(),
		sessions:  sessions,
		running:   make(map[string]context.CancelFunc),
		base:      base,
		stop:      stop,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// SessionDir is the output directory of sessionID.
func (r *Reconciler) SessionDir(sessionID string) string {
	return filepath.Join(r.cfg.OutputRoot, sessionID)
}

// Start launches a background pass for sessionID. It returns false when a
// pass is already running for the session or the reconciler is closed.
func (r *Reconciler) Start(sessionID string) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.running[sessionID]; ok {
		r.mu.Unlock()
		return false
	}
	ctx, cancel := context.WithCancel(r.base)
	r.running[sessionID] = cancel
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.running, sessionID)
			r.mu.Unlock()
			cancel()
		}()
		result := r.Reconcile(ctx, sessionID)
		if r.onResult != nil {
			r.onResult(result)
		}
	}()
	return true
}

// Running reports whether a background pass is active for sessionID.
func (r *Reconciler) Running(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[sessionID]
	return ok
}

// Close cancels every background pass and waits for them to exit.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()
	r.wg.Wait()
}

// Reconcile polls the session directory until PollTimeout or ctx ends, or
// until it settles when SettlePolls is set. Filesystem notifications trigger extra scans between polls.
func (r *Reconciler) Reconcile(ctx context.Context, sessionID string) Result {
	ctx, span := r.tracer.StartSpan(observability.ContextWithSessionID(ctx, sessionID), observability.SpanReconciliation)
	defer span.End()

	started := time.Now()
	dir := r.SessionDir(sessionID)
	files := r.session(sessionID)

	hints, stopWatch := r.watch(dir)
	defer stopWatch()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(r.cfg.PollTimeout)
	defer deadline.Stop()

	idle := 0
	poll := func() {
		if r.scan(sessionID, dir, files, true) > 0 {
			idle = 0
		} else {
			idle++
		}
	}
	poll()

	var outcome Outcome
loop:
	for {
		if r.cfg.SettlePolls > 0 && files.len() > 0 && idle >= r.cfg.SettlePolls {
			break
		}
		select {
		case <-ctx.Done():
			outcome = OutcomeCancelled
			break loop
		case <-deadline.C:
			break loop
		case <-ticker.C:
			poll()
		case <-hints:
			if r.scan(sessionID, dir, files, true) > 0 {
				idle = 0
			}
		}
	}

	found := files.list()
	if outcome == "" {
		outcome = OutcomeFound
		if len(found) == 0 {
			outcome = OutcomeNoArtifacts
		}
	}
	waited := time.Since(started)

	var resultErr error
	switch outcome {
	case OutcomeNoArtifacts:
		timeout := &scouterrors.ReconciliationTimeout{SessionID: sessionID, Waited: r.cfg.PollTimeout}
		resultErr = timeout
		r.logger.Warn("%v", timeout)
		r.publish(sessionID, events.LogMessage{
			Message: fmt.Sprintf("No artifacts were produced within %s", r.cfg.PollTimeout),
			Level:   "warn",
		})
	case OutcomeFound:
		logging.ForSession(r.logger, sessionID).Info("%d artifact(s) reconciled in %s", len(found), waited.Round(time.Millisecond))
	}
	r.metrics.IncReconcileOutcome(string(outcome))
	span.SetAttributes(attribute.Int(observability.AttrArtifacts, len(found)))
	span.SetAttributes(observability.StatusAttrs(string(outcome))...)

	return Result{SessionID: sessionID, Outcome: outcome, Artifacts: found, Waited: waited, Err: resultErr}
}

// Observe dedupes a child-reported artifact against the session seen-set.
// It returns the normalized event and true when the file is new.
func (r *Reconciler) Observe(sessionID string, file events.FileGenerated) (events.FileGenerated, bool) {
	name := file.Path
	if name == "" {
		name = file.Filename
	}
	base := filepath.Base(name)
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return file, false
	}
	size := file.SizeBytes
	if size == 0 {
		if info, err := os.Stat(filepath.Join(r.SessionDir(sessionID), base)); err == nil {
			size = info.Size()
		}
	}
	described := r.describe(base, size)
	if file.Language != "" && LanguageSuffix(base) == "" {
		described.Language = file.Language
	}
	added, fresh := r.session(sessionID).add(described)
	if fresh {
		r.metrics.IncArtifactDiscovered()
	}
	return added, fresh
}

// Files lists the artifacts known for sessionID in discovery order.
func (r *Reconciler) Files(sessionID string) []events.FileGenerated {
	files, ok := r.sessions.Get(sessionID)
	if !ok {
		return nil
	}
	return files.list()
}

// Resolve maps a display name or physical filename to the file on disk.
// A miss re-scans the directory. Files found that way are announced only
// while a pass for the session is running.
func (r *Reconciler) Resolve(sessionID, name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("artifact name %q: %w", name, scouterrors.ErrInvalidInput)
	}
	dir := r.SessionDir(sessionID)
	files := r.session(sessionID)
	physical, ok := files.lookup(name)
	if !ok {
		r.scan(sessionID, dir, files, r.Running(sessionID))
		physical, ok = files.lookup(name)
	}
	if !ok {
		return "", fmt.Errorf("session %s: %s: %w", sessionID, name, scouterrors.ErrArtifactNotFound)
	}
	path := filepath.Join(dir, physical)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("session %s: %s: %w", sessionID, name, scouterrors.ErrArtifactNotFound)
		}
		return "", err
	}
	return path, nil
}

// Forget stops any pass for sessionID and drops its seen-set.
func (r *Reconciler) Forget(sessionID string) {
	r.mu.Lock()
	if cancel, ok := r.running[sessionID]; ok {
		cancel()
	}
	r.mu.Unlock()
	r.sessions.Remove(sessionID)
}

func (r *Reconciler) session(sessionID string) *sessionFiles {
	r.mu.Lock()
	defer r.mu.Unlock()
	if files, ok := r.sessions.Get(sessionID); ok {
		return files
	}
	files := newSessionFiles()
	r.sessions.Add(sessionID, files)
	return files
}

// scan lists dir and records unseen artifacts, announcing them when
// announce is set. It returns the number of new files.
func (r *Reconciler) scan(sessionID, dir string, files *sessionFiles, announce bool) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logging.ForSession(r.logger, sessionID).Warn("list %s: %v", dir, err)
		}
		return 0
	}
	fresh := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !r.exts[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if files.has(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		added, ok := files.add(r.describe(name, info.Size()))
		if !ok {
			continue
		}
		fresh++
		if announce {
			r.metrics.IncArtifactDiscovered()
			logging.ForSession(r.logger, sessionID).Debug("discovered %s as %s", name, added.Filename)
			r.publish(sessionID, added)
		}
	}
	return fresh
}

func (r *Reconciler) describe(name string, size int64) events.FileGenerated {
	lang := LanguageSuffix(name)
	if lang == "" {
		lang = r.cfg.DefaultLanguage
	}
	return events.FileGenerated{
		FileID:    FileID(name),
		Filename:  DisplayName(name),
		FileType:  FileType(name),
		Language:  lang,
		SizeBytes: size,
		Path:      name,
	}
}

func (r *Reconciler) publish(sessionID string, payload events.Payload) {
	if r.publisher == nil {
		return
	}
	r.publisher.Publish(events.Now(sessionID, payload))
}

// watch subscribes to create and write notifications in dir. Notifications
// are coalesced; a missing directory leaves polling as the only source.
func (r *Reconciler) watch(dir string) (<-chan struct{}, func()) {
	hints := make(chan struct{}, 1)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.logger.Debug("Watcher unavailable for %s: %v", dir, err)
		return hints, func() {}
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		r.logger.Debug("Not watching %s: %v", dir, err)
		return hints, func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case hints <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Debug("Watcher error for %s: %v", dir, err)
			}
		}
	}()
	return hints, func() {
		close(done)
		_ = watcher.Close()
		wg.Wait()
	}
}

// sessionFiles is the seen-set of one session.
type sessionFiles struct {
	mu        sync.Mutex
	byName    map[string]events.FileGenerated
	byDisplay map[string]string
	order     []string
}

func newSessionFiles() *sessionFiles {
	return &sessionFiles{
		byName:    make(map[string]events.FileGenerated),
		byDisplay: make(map[string]string),
	}
}

// add records file under its physical name and assigns a display name
// unique within the session.
func (s *sessionFiles) add(file events.FileGenerated) (events.FileGenerated, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byName[file.Path]; ok {
		return existing, false
	}
	file.Filename = uniqueName(file.Filename, func(name string) bool {
		_, taken := s.byDisplay[name]
		return taken
	})
	s.byName[file.Path] = file
	s.byDisplay[file.Filename] = file.Path
	s.order = append(s.order, file.Path)
	return file, true
}

func (s *sessionFiles) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// lookup accepts a display name or a physical name.
func (s *sessionFiles) lookup(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if physical, ok := s.byDisplay[name]; ok {
		return physical, true
	}
	if _, ok := s.byName[name]; ok {
		return name, true
	}
	return "", false
}

func (s *sessionFiles) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

func (s *sessionFiles) list() []events.FileGenerated {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.FileGenerated, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.byName[name])
	}
	return out
}
