package artifacts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"

	"scout/internal/logging"
	"scout/internal/observability"
)

// DefaultSweepSchedule runs retention hourly.
const DefaultSweepSchedule = "@every 1h"

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule validates a cron expression or descriptor.
func ParseSchedule(spec string) error {
	_, err := scheduleParser.Parse(spec)
	return err
}

// Janitor expires artifacts older than TTL under Root.
type Janitor struct {
	Root string
	TTL  time.Duration
	Now  func() time.Time
	// Active reports sessions whose directories must not be touched.
	Active func(sessionID string) bool
	// OnSessionRemoved runs after an emptied session directory is deleted.
	OnSessionRemoved func(sessionID string)
	Logger           logging.Logger
	Metrics          *observability.Metrics
	Tracer           *observability.TracerProvider
}

// Sweep executes a single retention pass and returns the number of files
// removed. Empty session directories are removed as well.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	if j == nil || j.Root == "" {
		return 0, errors.New("artifact janitor requires a root directory")
	}
	if j.TTL <= 0 {
		return 0, fmt.Errorf("artifact janitor: non-positive ttl %s", j.TTL)
	}
	logger := logging.OrNop(j.Logger)
	tracer := j.Tracer
	if tracer == nil {
		tracer = observability.NoopTracerProvider()
	}
	ctx, span := tracer.StartSpan(ctx, observability.SpanSweep)
	defer span.End()

	now := time.Now().UTC()
	if j.Now != nil {
		now = j.Now()
	}
	cutoff := now.Add(-j.TTL)

	sessions, err := os.ReadDir(j.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("list output root: %w", err)
	}

	removed := 0
	var errs []error
	for _, session := range sessions {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if !session.IsDir() {
			continue
		}
		id := session.Name()
		if j.Active != nil && j.Active(id) {
			continue
		}
		n, empty, err := sweepSession(filepath.Join(j.Root, id), cutoff)
		removed += n
		if err != nil {
			errs = append(errs, fmt.Errorf("session %s: %w", id, err))
			continue
		}
		if !empty {
			continue
		}
		if err := os.Remove(filepath.Join(j.Root, id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove session dir %s: %w", id, err))
			continue
		}
		logger.Debug("Removed expired session directory %s", id)
		if j.OnSessionRemoved != nil {
			j.OnSessionRemoved(id)
		}
	}

	j.Metrics.AddArtifactsSwept(removed)
	span.SetAttributes(attribute.Int(observability.AttrArtifacts, removed))
	if removed > 0 {
		logger.Info("Retention sweep removed %d file(s) older than %s", removed, j.TTL)
	}
	err = errors.Join(errs...)
	if err != nil {
		span.SetAttributes(observability.ErrorAttrs(err)...)
	}
	return removed, err
}

// sweepSession removes expired regular files in dir and reports whether
// the directory ended up empty.
func sweepSession(dir string, cutoff time.Time) (int, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, false, err
	}
	removed := 0
	remaining := 0
	for _, entry := range entries {
		if entry.IsDir() {
			remaining++
			continue
		}
		info, err := entry.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return removed, false, err
		}
		if !info.ModTime().Before(cutoff) {
			remaining++
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, false, err
		}
		removed++
	}
	return removed, remaining == 0, nil
}

// Run schedules Sweep on spec and blocks until ctx ends. Overlapping
// sweeps are skipped.
func (j *Janitor) Run(ctx context.Context, spec string) error {
	logger := logging.OrNop(j.Logger)
	c := cron.New(
		cron.WithParser(scheduleParser),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger})),
		cron.WithLogger(cronLogger{logger}),
	)
	if _, err := c.AddFunc(spec, func() {
		if _, err := j.Sweep(ctx); err != nil {
			logger.Warn("Retention sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	c.Start()
	logger.Info("Retention janitor scheduled (%s, ttl=%s)", spec, j.TTL)

	<-ctx.Done()
	<-c.Stop().Done()
	logger.Info("Retention janitor stopped")
	return nil
}

// cronLogger adapts logging.Logger to cron.Logger.
type cronLogger struct {
	logger logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: %s %v", msg, keysAndValues)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Warn("cron: %s: %v %v", msg, err, keysAndValues)
}
