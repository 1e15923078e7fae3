package toolregistry

import "context"

type sessionKey struct{}

// WithSession tags a tool-invocation context with the owning session id.
// Session-scoped tools (working-memory writers) read it back during Invoke.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session id set by WithSession, if any.
func SessionFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionKey{}).(string)
	return id, ok && id != ""
}
