// Package observe provides application-wide observability primitives for
// earshot: OpenTelemetry metrics, tracing, structured logging, and HTTP
// middleware for the local status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all earshot metrics.
const meterName = "github.com/MrWong99/earshot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Listening ---

	// CaptureBlocks counts microphone blocks by VAD verdict. Attribute:
	//   attribute.String("voice", "true"|"false")
	CaptureBlocks metric.Int64Counter

	// WakeDetections counts confirmed wake words. Attribute:
	//   attribute.String("path", "primary"|"fallback")
	WakeDetections metric.Int64Counter

	// WakeTimeouts counts tentative detections that were not confirmed.
	WakeTimeouts metric.Int64Counter

	// --- Capture ---

	// CaptureSessions counts finished capture sessions. Attribute:
	//   attribute.String("reason", "silence"|"max_duration"|"aborted")
	CaptureSessions metric.Int64Counter

	// CaptureSessionDuration tracks utterance length.
	CaptureSessionDuration metric.Float64Histogram

	// ChunksSent counts outbound chunks. Attribute:
	//   attribute.String("status", "ok"|"error")
	ChunksSent metric.Int64Counter

	// BytesSent counts outbound PCM bytes that were sent successfully.
	BytesSent metric.Int64Counter

	// --- Playback ---

	// PlaybackChunks counts inbound chunks accepted into the playback ring.
	PlaybackChunks metric.Int64Counter

	// PlaybackDrops counts inbound chunks that were discarded. Attribute:
	//   attribute.String("reason", "ring_full"|"inactive"|"oversize")
	PlaybackDrops metric.Int64Counter

	// PlaybackEpisodes counts finished episodes. Attribute:
	//   attribute.String("outcome", "complete"|"prebuffer_timeout"|...)
	PlaybackEpisodes metric.Int64Counter

	// EpisodeDuration tracks the time from episode start to completion.
	EpisodeDuration metric.Float64Histogram

	// PrebufferLatency tracks the time from episode start to first submit.
	PrebufferLatency metric.Float64Histogram

	// ActiveEpisodes is 1 while a playback task is alive.
	ActiveEpisodes metric.Int64UpDownCounter

	// --- Feedback tones ---

	// TonesPlayed counts feedback tones. Attributes:
	//   attribute.String("tone", "ready"|"wake"),
	//   attribute.String("status", "ok"|"busy"|"rejected")
	TonesPlayed metric.Int64Counter

	// --- Status server ---

	// StatusRequests counts status server requests. Attributes:
	//   attribute.String("route", "GET /healthz"|...|"unmatched"),
	//   attribute.String("code", "200"|...)
	StatusRequests metric.Int64Counter

	// StatusRequestDuration tracks status server latency. Attribute:
	//   attribute.String("route", ...)
	StatusRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// pre-buffer latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// durationBuckets defines histogram bucket boundaries (in seconds) for
// utterance and episode lengths.
var durationBuckets = []float64{
	0.5, 1, 2, 3, 5, 8, 12, 15, 20, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Listening.
	if met.CaptureBlocks, err = m.Int64Counter("earshot.capture.blocks",
		metric.WithDescription("Microphone blocks processed by VAD verdict."),
	); err != nil {
		return nil, err
	}
	if met.WakeDetections, err = m.Int64Counter("earshot.wake.detections",
		metric.WithDescription("Confirmed wake words by acceptance path."),
	); err != nil {
		return nil, err
	}
	if met.WakeTimeouts, err = m.Int64Counter("earshot.wake.timeouts",
		metric.WithDescription("Tentative wake detections that timed out."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.CaptureSessions, err = m.Int64Counter("earshot.capture.sessions",
		metric.WithDescription("Finished capture sessions by end reason."),
	); err != nil {
		return nil, err
	}
	if met.CaptureSessionDuration, err = m.Float64Histogram("earshot.capture.session.duration",
		metric.WithDescription("Length of captured utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ChunksSent, err = m.Int64Counter("earshot.capture.chunks",
		metric.WithDescription("Outbound audio chunks by send status."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("earshot.capture.bytes",
		metric.WithDescription("Outbound audio bytes sent successfully."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackChunks, err = m.Int64Counter("earshot.playback.chunks",
		metric.WithDescription("Inbound audio chunks accepted for playback."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackDrops, err = m.Int64Counter("earshot.playback.drops",
		metric.WithDescription("Inbound audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackEpisodes, err = m.Int64Counter("earshot.playback.episodes",
		metric.WithDescription("Finished playback episodes by outcome."),
	); err != nil {
		return nil, err
	}
	if met.EpisodeDuration, err = m.Float64Histogram("earshot.playback.episode.duration",
		metric.WithDescription("Time from episode start to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PrebufferLatency, err = m.Float64Histogram("earshot.playback.prebuffer.duration",
		metric.WithDescription("Time from episode start to first device submit."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ActiveEpisodes, err = m.Int64UpDownCounter("earshot.playback.active",
		metric.WithDescription("Number of live playback tasks."),
	); err != nil {
		return nil, err
	}

	// Feedback tones.
	if met.TonesPlayed, err = m.Int64Counter("earshot.tone.played",
		metric.WithDescription("Feedback tones by kind and submit status."),
	); err != nil {
		return nil, err
	}

	// Status server.
	if met.StatusRequests, err = m.Int64Counter("earshot.status.requests",
		metric.WithDescription("Status server requests by route and response code."),
	); err != nil {
		return nil, err
	}
	if met.StatusRequestDuration, err = m.Float64Histogram("earshot.status.request.duration",
		metric.WithDescription("Status server latency by route."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordBlock counts one processed microphone block.
func (m *Metrics) RecordBlock(ctx context.Context, voice bool) {
	m.CaptureBlocks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("voice", strconv.FormatBool(voice))),
	)
}

// RecordWake counts one confirmed wake word.
func (m *Metrics) RecordWake(ctx context.Context, path string) {
	m.WakeDetections.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}

// RecordChunkSent counts one outbound chunk and, on success, its bytes.
func (m *Metrics) RecordChunkSent(ctx context.Context, bytes int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ChunksSent.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if err == nil {
		m.BytesSent.Add(ctx, int64(bytes))
	}
}

// RecordCaptureSession records a finished capture session.
func (m *Metrics) RecordCaptureSession(ctx context.Context, reason string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.CaptureSessions.Add(ctx, 1, attrs)
	m.CaptureSessionDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDrop counts one discarded inbound chunk.
func (m *Metrics) RecordDrop(ctx context.Context, reason string) {
	m.PlaybackDrops.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordEpisode records a finished playback episode.
func (m *Metrics) RecordEpisode(ctx context.Context, outcome string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.PlaybackEpisodes.Add(ctx, 1, attrs)
	m.EpisodeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordTone counts one feedback tone attempt.
func (m *Metrics) RecordTone(ctx context.Context, tone, status string) {
	m.TonesPlayed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tone", tone),
		attribute.String("status", status),
	))
}

// RecordStatusRequest records one status server request.
func (m *Metrics) RecordStatusRequest(ctx context.Context, route string, code int, d time.Duration) {
	m.StatusRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("code", strconv.Itoa(code)),
	))
	m.StatusRequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}
