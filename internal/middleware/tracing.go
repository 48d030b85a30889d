package middleware

import (
	"net/http"

	"github.com/kenneth/secure-git-relay/internal/tracing"
)

// TracingMiddleware starts an OpenTelemetry span named after the request
// path for every request, ending it once the handler returns.
func TracingMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracing.StartHTTPSpan(r.Context(), r.URL.Path)
			defer span.End()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
