package logging

import (
	"bytes"
	"context"
	"testing"

	"scout/internal/observability"
)

type recordingLogger struct {
	lines []string
}

func (r *recordingLogger) Debug(format string, args ...any) { r.lines = append(r.lines, "debug") }
func (r *recordingLogger) Info(format string, args ...any)  { r.lines = append(r.lines, "info") }
func (r *recordingLogger) Warn(format string, args ...any)  { r.lines = append(r.lines, "warn") }
func (r *recordingLogger) Error(format string, args ...any) { r.lines = append(r.lines, "error") }

func TestOrNopHandlesTypedNilPointers(t *testing.T) {
	var rec *recordingLogger
	var logger Logger = rec
	if !IsNil(logger) {
		t.Fatalf("expected typed nil pointer to be detected")
	}
	safe := OrNop(logger)
	if IsNil(safe) {
		t.Fatalf("expected OrNop to return a usable logger")
	}
	safe.Info("hello %s", "world")
}

func TestFromObservabilityFormatsMessages(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	logger := FromObservability(base, "test")
	logger.Info("hello %s", "world")
	logger.Debug("hidden %d", 1)

	if want := "hello world"; !bytes.Contains(buf.Bytes(), []byte(want)) {
		t.Fatalf("expected %q in output, got %q", want, buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("component=test")) {
		t.Fatalf("expected component attribute, got %q", buf.String())
	}
	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("debug line should be filtered at info level")
	}
}

type formatRecorder struct {
	formats []string
}

func (r *formatRecorder) Debug(format string, args ...any) { r.formats = append(r.formats, format) }
func (r *formatRecorder) Info(format string, args ...any)  { r.formats = append(r.formats, format) }
func (r *formatRecorder) Warn(format string, args ...any)  { r.formats = append(r.formats, format) }
func (r *formatRecorder) Error(format string, args ...any) { r.formats = append(r.formats, format) }

func TestFromContextPrefixesLogID(t *testing.T) {
	rec := &formatRecorder{}
	ctx := ContextWithLogID(context.Background(), "log-1")

	logger := FromContext(ctx, rec)
	logger.Info("submitted %s", "sess-1")
	WithLogID(logger, "log-2").Warn("retry")
	FromContext(context.Background(), rec).Error("plain")

	want := []string{"logid=log-1 submitted %s", "logid=log-2 retry", "plain"}
	if len(rec.formats) != len(want) {
		t.Fatalf("formats = %q", rec.formats)
	}
	for i := range want {
		if rec.formats[i] != want[i] {
			t.Fatalf("format[%d] = %q, want %q", i, rec.formats[i], want[i])
		}
	}
	if id := NewLogID(); len(id) != len("log-")+16 {
		t.Fatalf("unexpected log id %q", id)
	}
}

func TestForSessionTagsStructuredLoggers(t *testing.T) {
	buf := &bytes.Buffer{}
	base := observability.NewLogger(observability.LogConfig{
		Level:  "info",
		Format: "text",
		Output: buf,
	})

	ForSession(FromObservability(base, "Supervisor"), "sess-42").Warn("exit %d", 3)

	for _, want := range []string{"exit 3", "component=Supervisor", "session_id=sess-42"} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Fatalf("expected %q in output, got %q", want, buf.String())
		}
	}
}

func TestForSessionPrefixesOtherLoggers(t *testing.T) {
	rec := &formatRecorder{}

	ForSession(rec, "sess-1").Info("stderr: %s", "boom")
	ForSession(ForSession(rec, "sess-1"), "sess-2").Debug("rescoped")
	ForSession(rec, "").Error("unscoped")

	want := []string{"[sess-1] stderr: %s", "[sess-2] rescoped", "unscoped"}
	if len(rec.formats) != len(want) {
		t.Fatalf("formats = %q", rec.formats)
	}
	for i := range want {
		if rec.formats[i] != want[i] {
			t.Fatalf("format[%d] = %q, want %q", i, rec.formats[i], want[i])
		}
	}

	var missing *formatRecorder
	if _, ok := ForSession(missing, "sess-3").(nopLogger); !ok {
		t.Fatalf("expected typed nil logger to collapse to Nop")
	}
}
