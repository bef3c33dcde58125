package observability

import (
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records request counts, latency and an optional span per
// request. Paths outside routes are labelled "other" to keep cardinality
// bounded against scanners.
func MetricsMiddleware(metrics *MetricsCollector, ts *TracerSetup, routes ...string) okapi.Middleware {
	known := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		known[r] = struct{}{}
	}
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}

	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			path := routeLabel(known, r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), "http.request",
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", path),
					))
				defer span.End()
			}

			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
				if code >= http.StatusInternalServerError {
					span.SetStatus(codes.Error, http.StatusText(code))
				}
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

func routeLabel(known map[string]struct{}, path string) string {
	if len(known) == 0 {
		return path
	}
	if p := strings.TrimSuffix(path, "/"); p != "" {
		path = p
	}
	if _, ok := known[path]; ok {
		return path
	}
	return "other"
}
