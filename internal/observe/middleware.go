package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// RouteUnmatched labels status requests that matched no registered route.
const RouteUnmatched = "unmatched"

// codeRecorder remembers the status code written by the wrapped handler.
type codeRecorder struct {
	http.ResponseWriter
	code int
}

func (r *codeRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware instruments the status server. next is expected to be an
// [http.ServeMux]: requests are labelled with the pattern the mux matched
// ("GET /statusz", "GET /metrics", ...) so that requests for arbitrary paths
// collapse into the single [RouteUnmatched] series.
//
// Each request gets a server span (continuing an incoming W3C traceparent),
// an X-Trace-ID response header, a [Metrics.RecordStatusRequest] sample and a
// debug log line. The server is polled and scraped continuously, so nothing
// is logged above debug.
func Middleware(m *Metrics) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "status "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			tid := TraceID(ctx)
			if tid != "" {
				w.Header().Set("X-Trace-ID", tid)
			}

			r = r.WithContext(ctx)
			rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
			next.ServeHTTP(rec, r)

			// ServeMux stores the matched pattern on the request it was given.
			route := r.Pattern
			if route == "" {
				route = RouteUnmatched
			}
			d := time.Since(start)

			span.SetName("status " + route)
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(rec.code),
			)
			m.RecordStatusRequest(ctx, route, rec.code, d)

			slog.LogAttrs(ctx, slog.LevelDebug, "status: request",
				slog.String("route", route),
				slog.String("path", r.URL.Path),
				slog.Int("code", rec.code),
				slog.Duration("duration", d),
				slog.String("trace_id", tid),
			)
		})
	}
}
