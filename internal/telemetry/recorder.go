package telemetry

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loqalabs/orator/internal/store"
)

// Categories of audit events.
const (
	CategoryAPI      = "api"
	CategoryUser     = "user"
	CategorySystem   = "system"
	CategoryExternal = "external"
)

// Event is one audit record before persistence.
type Event struct {
	Level     slog.Level
	Category  string
	Action    string
	UserID    int64
	SessionID string
	Metadata  map[string]any
	Duration  time.Duration
	Err       error
}

// Sink persists audit rows.
type Sink interface {
	AppendTelemetry(ctx context.Context, row store.TelemetryRow) error
}

// Recorder mirrors audit events to the log and the telemetry table. Failures
// to persist are logged and never surface to callers.
type Recorder struct {
	sink Sink
	log  *slog.Logger
}

func NewRecorder(sink Sink, log *slog.Logger) *Recorder {
	return &Recorder{sink: sink, log: log.With(slog.String("component", "telemetry"))}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	if e.Err != nil && e.Level < slog.LevelError {
		e.Level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.String("category", e.Category),
		slog.String("action", e.Action),
	}
	if e.SessionID != "" {
		attrs = append(attrs, slog.String("session_id", e.SessionID))
	}
	if e.UserID != 0 {
		attrs = append(attrs, slog.Int64("user_id", e.UserID))
	}
	if e.Duration > 0 {
		attrs = append(attrs, slog.Duration("duration", e.Duration))
	}
	row := store.TelemetryRow{
		Level:      levelName(e.Level),
		Category:   e.Category,
		Action:     e.Action,
		UserID:     e.UserID,
		SessionID:  e.SessionID,
		DurationMS: e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		row.Error = e.Err.Error()
		attrs = append(attrs, slog.String("error", row.Error))
	}
	if len(e.Metadata) > 0 {
		if data, err := json.Marshal(e.Metadata); err == nil {
			row.Metadata = string(data)
		}
	}
	r.log.LogAttrs(ctx, e.Level, "event", attrs...)

	if r.sink == nil {
		return
	}
	// Audit rows must land even when the request context is already done.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := r.sink.AppendTelemetry(writeCtx, row); err != nil {
		r.log.Warn("persist telemetry failed", slog.String("action", e.Action), slog.String("error", err.Error()))
	}
}

func levelName(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "error"
	case l >= slog.LevelWarn:
		return "warn"
	case l >= slog.LevelInfo:
		return "info"
	}
	return "debug"
}
