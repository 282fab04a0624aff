package gateway

import (
	"net/http"

	"github.com/go-chi/cors"
)

// Headers a browser dashboard sends to the API, and those it may read back
// (trace id, idempotent replay marker, rate limit backoff).
var (
	corsRequestHeaders  = []string{"Content-Type", "Authorization", "X-API-Key", headerIdempotencyKey, "X-Trace-ID"}
	corsResponseHeaders = []string{"X-Trace-ID", headerReplayed, "Retry-After"}
)

// NewCORSMiddleware lets the dashboards in allowOrigins call the API from a
// browser. With no origins configured the API is same-origin only and the
// middleware is a pass-through. The same list bounds /ws origins.
func NewCORSMiddleware(allowOrigins []string) func(http.Handler) http.Handler {
	if len(allowOrigins) == 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return cors.Handler(cors.Options{
		AllowedOrigins: allowOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: corsRequestHeaders,
		ExposedHeaders: corsResponseHeaders,
		MaxAge:         3600,
	})
}

// RequestSizeLimitMiddleware rejects lead and admin payloads over maxBytes
// before any handler decodes them.
func RequestSizeLimitMiddleware(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}
