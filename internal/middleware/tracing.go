package middleware

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// Tracing starts a server span per request. Once chi has routed the request
// the span is renamed after the matched pattern, so
// /store/payment-sessions/{id} is one operation rather than one per id.
func Tracing() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		named := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if name := spanName(r); name != "" {
				trace.SpanFromContext(r.Context()).SetName(name)
			}
		})
		return otelhttp.NewHandler(named, "http.request",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		)
	}
}

func spanName(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil || rctx.RoutePattern() == "" {
		return ""
	}
	return r.Method + " " + rctx.RoutePattern()
}
