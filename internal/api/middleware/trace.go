package middleware

import (
	"log/slog"
	"net/http"

	"github.com/pagekeep/taskengine/internal/api/shared"
)

// TraceMiddleware stamps every request with a trace ID, echoes it back in
// the X-Trace-ID header, and logs the request start. It must run before any
// handler that reads the trace ID from the context.
func TraceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := shared.SetTraceID(r.Context())
		traceID := shared.GetTraceID(ctx)

		w.Header().Set("X-Trace-ID", traceID)

		slog.Debug("request started",
			slog.String("trace_id", traceID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote_addr", r.RemoteAddr))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
