package kit

import "context"

type contextKey string

// Context keys shared by every transport. Handlers read them through the
// Get helpers rather than touching the keys directly.
const (
	TransportKey contextKey = "kit_transport" // "http", "mcp"
	RequestIDKey contextKey = "kit_request_id"
	SessionIDKey contextKey = "kit_session_id"
)

func withString(ctx context.Context, k contextKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func getString(ctx context.Context, k contextKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTransport tags the context with the transport that carried the request.
func WithTransport(ctx context.Context, t string) context.Context {
	return withString(ctx, TransportKey, t)
}

// GetTransport returns the request transport, defaulting to "http".
func GetTransport(ctx context.Context) string {
	if v := getString(ctx, TransportKey); v != "" {
		return v
	}
	return "http"
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return withString(ctx, RequestIDKey, id)
}

func GetRequestID(ctx context.Context) string {
	return getString(ctx, RequestIDKey)
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return withString(ctx, SessionIDKey, id)
}

func GetSessionID(ctx context.Context) string {
	return getString(ctx, SessionIDKey)
}
