package observe

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Resource attribute keys describing the audio hardware of one device.
const (
	KeyInputDevice  = attribute.Key("earshot.device.input")
	KeyOutputDevice = attribute.Key("earshot.device.output")
	KeySampleRate   = attribute.Key("earshot.audio.sample_rate")
)

// ProviderConfig identifies the device in exported telemetry.
type ProviderConfig struct {
	ServiceVersion string

	// DeviceID is the identifier the device announces to the server. It
	// becomes service.instance.id so several devices scraped by one
	// Prometheus stay apart.
	DeviceID string

	// InputDevice and OutputDevice name the registered device drivers.
	InputDevice  string
	OutputDevice string
	SampleRate   int

	// TraceExporter receives capture session and playback episode spans.
	// When nil spans are recorded for logs and status but not exported.
	TraceExporter sdktrace.SpanExporter
}

// Resource builds the telemetry resource for cfg.
func Resource(cfg ProviderConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceName("earshot"),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.DeviceID != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(cfg.DeviceID))
	}
	if cfg.InputDevice != "" {
		attrs = append(attrs, KeyInputDevice.String(cfg.InputDevice))
	}
	if cfg.OutputDevice != "" {
		attrs = append(attrs, KeyOutputDevice.String(cfg.OutputDevice))
	}
	if cfg.SampleRate > 0 {
		attrs = append(attrs, KeySampleRate.Int(cfg.SampleRate))
	}
	return resource.Merge(resource.Default(), resource.NewSchemaless(attrs...))
}

// InitProvider installs global meter and tracer providers. Metrics go to a
// Prometheus exporter served by the status server's /metrics route. The
// returned function flushes and shuts both down.
func InitProvider(ctx context.Context, cfg ProviderConfig) (func(context.Context) error, error) {
	res, err := Resource(cfg)
	if err != nil {
		return nil, err
	}

	prom, err := promexporter.New()
	if err != nil {
		return nil, err
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(prom))

	tpOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.TraceExporter != nil {
		tpOpts = append(tpOpts, sdktrace.WithBatcher(cfg.TraceExporter))
	}
	tp := sdktrace.NewTracerProvider(tpOpts...)

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}, nil
}
