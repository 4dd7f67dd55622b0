package observe

import (
	"bufio"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceHeader carries the trace ID back to the caller.
const TraceHeader = "X-Trace-ID"

// routeOther labels every path that is not a known route.
const routeOther = "other"

type responseRecorder struct {
	http.ResponseWriter
	status   int
	upgraded bool
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack hands the connection to a websocket upgrade. The request is then
// reported with status 101.
func (r *responseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observe: %T cannot be hijacked", r.ResponseWriter)
	}
	r.status = http.StatusSwitchingProtocols
	r.upgraded = true
	return h.Hijack()
}

func (r *responseRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Middleware traces and times every request served by the wrapped handler.
//
// An incoming traceparent header continues the caller's trace. The trace ID
// is echoed in [TraceHeader]. Paths not listed in routes are labelled
// "other" on metrics and spans so unknown URLs cannot grow cardinality.
//
// Media streams stay open for the whole call, so a hijacked request is
// logged when the stream ends, at info level. Probe and scrape requests are
// logged at debug, server errors at warn.
func Middleware(m *Metrics, routes ...string) func(http.Handler) http.Handler {
	prop := propagation.TraceContext{}
	route := func(path string) string {
		if slices.Contains(routes, path) {
			return path
		}
		return routeOther
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rt := route(r.URL.Path)

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := Tracer().Start(ctx, r.Method+" "+rt,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.HTTPRoute(rt),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			traceID := TraceID(ctx)
			if traceID != "" {
				w.Header().Set(TraceHeader, traceID)
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r.WithContext(ctx))

			elapsed := time.Since(start)
			span.SetAttributes(semconv.HTTPResponseStatusCode(rec.status))
			m.HTTPRequestDuration.Record(ctx, elapsed.Seconds(),
				metric.WithAttributes(Attr("method", r.Method), Attr("path", rt)),
			)

			level, msg := slog.LevelDebug, "request served"
			switch {
			case rec.upgraded:
				level, msg = slog.LevelInfo, "media stream ended"
			case rec.status >= http.StatusInternalServerError:
				level = slog.LevelWarn
			}
			slog.LogAttrs(ctx, level, msg,
				slog.String("trace_id", traceID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", elapsed),
			)
		})
	}
}
