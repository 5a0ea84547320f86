package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// TraceHeader carries the identifier that stitches an upload together across
// the API, the queued file and batch messages, and the worker logs.
const TraceHeader = "X-Trace-ID"

// requestIDHeader is the fallback for clients and load balancers that tag
// requests with the more common header name.
const requestIDHeader = "X-Request-ID"

type contextKey struct{}

var traceIDKey contextKey

// TraceID resolves the trace identifier for a request: an inbound
// X-Trace-ID wins, then X-Request-ID, and a fresh UUID is minted when the
// client sent neither. The resolved ID is echoed on the response so a
// polling client can quote it when reporting a stuck upload.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(TraceHeader)
		if traceID == "" {
			traceID = r.Header.Get(requestIDHeader)
		}
		if traceID == "" {
			traceID = uuid.NewString()
		}

		w.Header().Set(TraceHeader, traceID)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), traceID)))
	})
}

// WithTraceID attaches a trace identifier to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// GetTraceID returns the trace identifier from the context, or "" when the
// request never passed through TraceID.
func GetTraceID(ctx context.Context) string {
	if traceID, ok := ctx.Value(traceIDKey).(string); ok {
		return traceID
	}
	return ""
}
