package logx

import (
	"context"

	"pkt.systems/pslog"
	"pkt.systems/senseng/schema"
)

type contextKey int

const (
	engineKey contextKey = iota
	sessionKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithEngine annotates the logger with the engine id if present.
func WithEngine(ctx context.Context, engineID schema.EngineID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if engineID != "" {
		if current, ok := ctx.Value(engineKey).(schema.EngineID); ok && current == engineID {
			return log
		}
		log = log.With("engine", engineID)
	}
	return log
}

// WithEngineSession annotates the logger with engine and session identifiers.
func WithEngineSession(ctx context.Context, engineID schema.EngineID, sessionID schema.SessionID) pslog.Logger {
	log := WithEngine(ctx, engineID)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithChunk annotates the logger with the chunk kind and source line.
func WithChunk(log pslog.Logger, chunk schema.Chunk) pslog.Logger {
	if chunk.Kind != "" {
		log = log.With("chunk_kind", chunk.Kind)
	}
	if chunk.Line > 0 {
		log = log.With("chunk_line", chunk.Line)
	}
	return log
}

// ContextWithEngine stores the engine marker on the context for log de-duplication.
func ContextWithEngine(ctx context.Context, engineID schema.EngineID) context.Context {
	if ctx == nil || engineID == "" {
		return ctx
	}
	return context.WithValue(ctx, engineKey, engineID)
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}
