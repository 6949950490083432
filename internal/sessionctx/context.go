// Package sessionctx carries the resolved session id through request
// processing. The authentication boundary installs the id after bootstrap;
// everything below reads it from the context.
package sessionctx

import "context"

type contextKey string

const sessionContextKey contextKey = "session_id"

// WithSession returns a context carrying the resolved session id.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionContextKey, sessionID)
}

// FromContext extracts the session id installed by the authentication
// boundary. The second return is false when no session has been resolved.
func FromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionContextKey).(string)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}
