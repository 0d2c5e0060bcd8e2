package logging

import (
	"context"
	"log/slog"
	"os"
)

const (
	// FieldSessionID identifies one daemon process lifetime in the logs.
	FieldSessionID = "session_id"
	// FieldPID is the operating system process ID of the writer.
	FieldPID = "pid"
)

// processHandler stamps every record with the identity of the writing
// process, so entries from overlapping daemon runs and CLI invocations can be
// told apart in a shared log directory.
type processHandler struct {
	slog.Handler
	identity []slog.Attr
}

func withProcessIdentity(base slog.Handler, sessionID string) slog.Handler {
	return &processHandler{
		Handler: base,
		identity: []slog.Attr{
			slog.String(FieldSessionID, sessionID),
			slog.Int(FieldPID, os.Getpid()),
		},
	}
}

func (h *processHandler) Handle(ctx context.Context, record slog.Record) error {
	record.AddAttrs(h.identity...)
	return h.Handler.Handle(ctx, record)
}

func (h *processHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &processHandler{Handler: h.Handler.WithAttrs(attrs), identity: h.identity}
}

func (h *processHandler) WithGroup(name string) slog.Handler {
	return &processHandler{Handler: h.Handler.WithGroup(name), identity: h.identity}
}
