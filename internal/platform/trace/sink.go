// Package trace appends workflow events to a JSON-lines file. It is a
// best-effort audit aid: failures are logged and swallowed, and an empty path
// turns every call into a no-op.
package trace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/lims/lims/internal/platform/db"
)

// Event names.
const (
	EventSpanStart = "span.start"
	EventSpanEnd   = "span.end"

	EventPublishRequested    = "publish_report.requested"
	EventPublishEnqueued     = "publish_report.enqueued"
	EventPublishDeduplicated = "publish_report.deduplicated"
	EventPublishRejected     = "publish_report.rejected"

	EventRenderStarted  = "document_render.started"
	EventRenderRendered = "document_render.rendered"
	EventRenderFailed   = "document_render.failed"
	EventRenderSkipped  = "document_render.skipped"
)

// Fields are extra attributes merged into an event line.
type Fields map[string]any

// Sink writes events to one file. A nil *Sink is valid and discards events.
type Sink struct {
	path     string
	mu       sync.Mutex
	lock     *flock.Flock
	lockWait time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// defaultLockWait bounds how long an append waits for another process to
// release the trace file. Events are dropped after that.
const defaultLockWait = 100 * time.Millisecond

// ErrLockTimeout is returned by append when the trace file stays locked.
var ErrLockTimeout = errors.New("trace file locked by another writer")

func NewSink(path string, logger zerolog.Logger) *Sink {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("workflow trace directory unavailable")
		}
	}
	return &Sink{
		path:   path,
		lock:     flock.New(path + ".lock"),
		lockWait: defaultLockWait,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Sink) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

// Emit appends one event line. tenantId, traceId and spanId are filled from
// ctx unless fields already set them.
func (s *Sink) Emit(ctx context.Context, event string, fields Fields) {
	if s == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn().Str("event", event).Interface("panic", r).Msg("workflow trace emit panicked")
		}
	}()

	line := make(map[string]any, len(fields)+5)
	for k, v := range fields {
		line[k] = v
	}
	line["ts"] = s.now().UTC().Format(time.RFC3339Nano)
	line["event"] = event
	if _, ok := line["tenantId"]; !ok {
		if tid := db.TenantFromContext(ctx); tid != "" {
			line["tenantId"] = tid
		}
	}
	if sc := oteltrace.SpanContextFromContext(ctx); sc.IsValid() {
		line["traceId"] = sc.TraceID().String()
		line["spanId"] = sc.SpanID().String()
	}

	b, err := json.Marshal(line)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("encode workflow trace event")
		return
	}
	if err := s.append(append(b, '\n')); err != nil {
		s.logger.Warn().Err(err).Str("event", event).Str("path", s.path).Msg("write workflow trace event")
	}
}

// Span starts an OpenTelemetry span named name and brackets it with
// span.start and span.end events. The returned func ends both; pass the
// operation's error, or nil.
func (s *Sink) Span(ctx context.Context, name string, fields Fields) (context.Context, func(error)) {
	ctx, span := otel.Tracer("lims-workflow").Start(ctx, name)
	start := time.Now()

	startFields := Fields{"span": name}
	for k, v := range fields {
		startFields[k] = v
	}
	s.Emit(ctx, EventSpanStart, startFields)

	return ctx, func(err error) {
		endFields := Fields{
			"span":       name,
			"durationMs": float64(time.Since(start).Microseconds()) / 1000,
		}
		for k, v := range fields {
			endFields[k] = v
		}
		if err != nil {
			endFields["error"] = err.Error()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.Emit(ctx, EventSpanEnd, endFields)
		span.End()
	}
}

func (s *Sink) append(b []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.lockWait)
	defer cancel()
	locked, err := s.lock.TryLockContext(ctx, 10*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("lock trace file: %w", err)
	}
	if !locked {
		return ErrLockTimeout
	}
	defer s.lock.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
