package cdr

import (
	"context"
	"log/slog"
)

// Log writes records to a logger at info level.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Publish(ctx context.Context, r Record) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{
		"session", r.SessionID,
		"persona", r.PersonaID,
		"direction", r.Direction,
		"remote", r.RemoteURI,
		"duration", r.Duration,
		"outcome", string(r.Outcome),
	}
	if r.RuleID != "" {
		attrs = append(attrs, "rule", r.RuleID)
	}
	if r.Error != "" {
		attrs = append(attrs, "error", r.Error)
	}
	logger.InfoContext(ctx, "cdr: call ended", attrs...)
	return nil
}
