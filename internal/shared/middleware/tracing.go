package middleware

import (
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	httpMeter              = otel.Meter("finsync/http")
	httpRequestDuration, _ = httpMeter.Float64Histogram("http.server.route.duration",
		metric.WithDescription("HTTP request duration in seconds by route"),
		metric.WithUnit("s"),
	)
	httpRequestTotal, _ = httpMeter.Int64Counter("http.server.route.total",
		metric.WithDescription("Total HTTP requests by route"),
	)
)

// untraced paths are probes; they are neither spanned nor counted.
var untraced = map[string]bool{
	"/health": true,
}

const unmatchedRoute = "unmatched"

// Tracing names the active span after the mux pattern that served the
// request and records per-route metrics. Route labels come from patterns,
// never raw paths, so item and notification ids stay out of metric labels.
// It must wrap the ServeMux directly or through middleware that passes the
// request pointer through unchanged.
func Tracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if untraced[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		wrapped := wrapResponseWriter(w)
		req := r.WithContext(r.Context())
		next.ServeHTTP(wrapped, req)

		status := wrapped.status
		if status == 0 {
			status = http.StatusOK
		}
		route := req.Pattern
		if route == "" {
			route = unmatchedRoute
		}

		span := trace.SpanFromContext(req.Context())
		span.SetName(route)
		span.SetAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}

		attrs := metric.WithAttributes(
			attribute.String("http.route", route),
			attribute.Int("http.status_code", status),
		)
		httpRequestDuration.Record(req.Context(), time.Since(start).Seconds(), attrs)
		httpRequestTotal.Add(req.Context(), 1, attrs)
	})
}
