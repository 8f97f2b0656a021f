package logging

import (
	"context"
	"log/slog"
)

type Attr = slog.Attr

// Attribute constructors re-exported so call sites need only this package.
func Any(key string, value any) Attr     { return slog.Any(key, value) }
func Bool(key string, value bool) Attr   { return slog.Bool(key, value) }
func Int(key string, value int) Attr     { return slog.Int(key, value) }
func Int64(key string, value int64) Attr { return slog.Int64(key, value) }
func String(key, value string) Attr      { return slog.String(key, value) }

// Error renders err under a fixed key so log queries can rely on it.
func Error(err error) Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.Any("error", err)
}

// Attribute keys shared across components.
const (
	FieldComponent  = "component"
	FieldReleaseID  = "release_id"
	FieldSourcePath = "source_path"
	FieldRemotePath = "remote_path"
	FieldRequestID  = "request_id"
)

// NewNop returns a logger that discards all output.
func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger creates a logger with a standardized component attribute.
// If logger is nil, a no-op logger is used as the base.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }
func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler        { return NoopHandler{} }
func (NoopHandler) WithGroup(string) slog.Handler             { return NoopHandler{} }
