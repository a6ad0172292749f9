package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the earshot tracer.
const tracerName = "github.com/MrWong99/earshot"

// Span names of the pipeline's units of work.
const (
	SpanCaptureSession  = "capture.session"
	SpanPlaybackEpisode = "playback.episode"
)

// Keys shared by span attributes and log attributes.
const (
	KeySessionID = "session_id"
	KeyEpisodeID = "episode_id"
)

type idKey string

// Tracer returns the earshot tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span on the earshot tracer. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartSession starts the span of one outbound capture session and tags ctx
// with its id, so [Logger] includes it on every line.
func StartSession(ctx context.Context, id string) (context.Context, trace.Span) {
	return startUnit(ctx, SpanCaptureSession, KeySessionID, id)
}

// StartEpisode starts the span of one inbound playback episode and tags ctx
// with its id.
func StartEpisode(ctx context.Context, id string) (context.Context, trace.Span) {
	return startUnit(ctx, SpanPlaybackEpisode, KeyEpisodeID, id)
}

func startUnit(ctx context.Context, span, key, id string) (context.Context, trace.Span) {
	ctx = context.WithValue(ctx, idKey(key), id)
	return StartSpan(ctx, span, trace.WithAttributes(attribute.String(key, id)))
}

// SessionID returns the capture session id carried by ctx, or "".
func SessionID(ctx context.Context) string { return idFrom(ctx, KeySessionID) }

// EpisodeID returns the playback episode id carried by ctx, or "".
func EpisodeID(ctx context.Context) string { return idFrom(ctx, KeyEpisodeID) }

func idFrom(ctx context.Context, key string) string {
	id, _ := ctx.Value(idKey(key)).(string)
	return id
}

// TraceID returns the hex trace ID of the span in ctx, or "" when there is
// none. Status snapshots report it next to the session and episode ids.
func TraceID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger with the pipeline identifiers found in
// ctx: the session or episode id and, when a recording span is active, its
// trace_id.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if id := SessionID(ctx); id != "" {
		attrs = append(attrs, slog.String(KeySessionID, id))
	}
	if id := EpisodeID(ctx); id != "" {
		attrs = append(attrs, slog.String(KeyEpisodeID, id))
	}
	if tid := TraceID(ctx); tid != "" {
		attrs = append(attrs, slog.String("trace_id", tid))
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
