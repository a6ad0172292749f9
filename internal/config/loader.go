package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// KnownDeviceNames lists the backend names shipped with earshot.
// Used by [Validate] to warn about unrecognised backend names.
var KnownDeviceNames = []string{"sim"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Default] and validates
// the result. Unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Devices
	if cfg.Device.Input.Name == "" {
		errs = append(errs, errors.New("device.input.name is required"))
	}
	if cfg.Device.Output.Name == "" {
		errs = append(errs, errors.New("device.output.name is required"))
	}
	validateDeviceName("input", cfg.Device.Input.Name)
	validateDeviceName("output", cfg.Device.Output.Name)

	// Audio
	if cfg.Audio.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.BlockSamples <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_samples %d must be positive", cfg.Audio.BlockSamples))
	}

	errs = append(errs, validateVAD(cfg.VAD)...)
	errs = append(errs, validateWakeWord(cfg.WakeWord)...)

	// Capture
	c := cfg.Capture
	if c.ChunkBytes <= 0 || c.ChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_bytes %d must be a positive even number", c.ChunkBytes))
	}
	if c.MinConsecutiveVoice < 1 {
		errs = append(errs, fmt.Errorf("capture.min_consecutive_voice %d must be at least 1", c.MinConsecutiveVoice))
	}
	errs = appendPositive(errs, "capture.silence_timeout", c.SilenceTimeout)
	errs = appendPositive(errs, "capture.max_duration", c.MaxDuration)
	errs = appendPositive(errs, "capture.no_speech_timeout", c.NoSpeechTimeout)
	errs = appendPositive(errs, "capture.response_timeout", c.ResponseTimeout)
	if c.ToneLevel < 0 || c.ToneLevel > 1 {
		errs = append(errs, fmt.Errorf("capture.tone_level %g is out of range [0, 1]", c.ToneLevel))
	}
	if c.MaxDuration > 0 && c.SilenceTimeout >= c.MaxDuration {
		slog.Warn("capture.silence_timeout is not shorter than capture.max_duration; sessions will always hit the duration bound",
			"silence_timeout", c.SilenceTimeout,
			"max_duration", c.MaxDuration,
		)
	}

	// Playback
	p := cfg.Playback
	if p.RingBytes <= 0 {
		errs = append(errs, fmt.Errorf("playback.ring_bytes %d must be positive", p.RingBytes))
	}
	if p.MaxChunkBytes <= 0 || p.MaxChunkBytes%2 != 0 {
		errs = append(errs, fmt.Errorf("playback.max_chunk_bytes %d must be a positive even number", p.MaxChunkBytes))
	}
	if p.MaxChunkBytes > p.RingBytes {
		errs = append(errs, fmt.Errorf("playback.max_chunk_bytes %d exceeds playback.ring_bytes %d", p.MaxChunkBytes, p.RingBytes))
	}
	if p.MaxChunks <= 0 {
		errs = append(errs, fmt.Errorf("playback.max_chunks %d must be positive", p.MaxChunks))
	}
	if p.PrebufferChunks < 1 || p.PrebufferChunks > p.MaxChunks {
		errs = append(errs, fmt.Errorf("playback.prebuffer_chunks %d must be in [1, max_chunks]", p.PrebufferChunks))
	}
	errs = appendPositive(errs, "playback.prebuffer_timeout", p.PrebufferTimeout)
	errs = appendPositive(errs, "playback.device_ready_timeout", p.DeviceReadyTimeout)
	errs = appendPositive(errs, "playback.chunk_timeout", p.ChunkTimeout)
	errs = appendPositive(errs, "playback.room_timeout", p.RoomTimeout)
	errs = appendPositive(errs, "playback.poll_interval", p.PollInterval)
	errs = appendPositive(errs, "playback.receive_wait", p.ReceiveWait)
	errs = appendPositive(errs, "playback.drain_timeout", p.DrainTimeout)
	errs = appendPositive(errs, "playback.stop_timeout", p.StopTimeout)

	// Transport
	t := cfg.Transport
	if t.URL != "" {
		u, err := url.Parse(t.URL)
		if err != nil {
			errs = append(errs, fmt.Errorf("transport.url %q: %w", t.URL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("transport.url %q must use ws or wss", t.URL))
		}
	} else {
		slog.Warn("transport.url is empty; captured audio will be discarded and no responses will arrive")
	}
	errs = appendPositive(errs, "transport.write_timeout", t.WriteTimeout)
	errs = appendPositive(errs, "transport.dial_timeout", t.DialTimeout)
	if t.Breaker.MaxFailures < 1 {
		errs = append(errs, fmt.Errorf("transport.breaker.max_failures %d must be at least 1", t.Breaker.MaxFailures))
	}
	errs = appendPositive(errs, "transport.breaker.reset_timeout", t.Breaker.ResetTimeout)

	return errors.Join(errs...)
}

func validateVAD(v VADConfig) []error {
	var errs []error
	if v.LearnBlocks < 1 {
		errs = append(errs, fmt.Errorf("vad.learn_blocks %d must be at least 1", v.LearnBlocks))
	}
	if v.Margin < 0 {
		errs = append(errs, fmt.Errorf("vad.margin %.2f must not be negative", v.Margin))
	}
	if v.PeakRatio < 1 {
		errs = append(errs, fmt.Errorf("vad.peak_ratio %.2f must be at least 1", v.PeakRatio))
	}
	if v.MeterEvery < 0 {
		errs = append(errs, fmt.Errorf("vad.meter_every %d must not be negative", v.MeterEvery))
	}
	return errs
}

func validateWakeWord(w WakeWordConfig) []error {
	var errs []error
	errs = appendPositive(errs, "wake_word.window", w.Window)
	errs = appendPositive(errs, "wake_word.detect_timeout", w.DetectTimeout)
	if w.Buffer < w.Window {
		errs = append(errs, fmt.Errorf("wake_word.buffer %s must not be shorter than wake_word.window %s", w.Buffer, w.Window))
	}
	if w.Segments < 1 {
		errs = append(errs, fmt.Errorf("wake_word.segments %d must be at least 1", w.Segments))
	}
	if w.MinFillRatio <= 0 || w.MinFillRatio > 1 {
		errs = append(errs, fmt.Errorf("wake_word.min_fill_ratio %.2f is out of range (0, 1]", w.MinFillRatio))
	}
	if w.MinActive < 1 || w.MinActive > w.Segments {
		errs = append(errs, fmt.Errorf("wake_word.min_active %d must be in [1, segments]", w.MinActive))
	}
	if w.FallbackMinActive < 0 || w.FallbackMinActive > w.Segments {
		errs = append(errs, fmt.Errorf("wake_word.fallback_min_active %d must be in [0, segments]", w.FallbackMinActive))
	}
	floors := []struct {
		name string
		v    float64
	}{
		{"active_floor", w.ActiveFloor},
		{"energy_floor", w.EnergyFloor},
		{"variation_floor", w.VariationFloor},
		{"fallback_energy_floor", w.FallbackEnergyFloor},
	}
	for _, f := range floors {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("wake_word.%s %g is out of range [0, 1]", f.name, f.v))
		}
	}
	if w.FallbackMinActive == 0 {
		slog.Warn("wake_word.fallback_min_active is 0; the fallback path accepts any loud window")
	}
	return errs
}

func appendPositive(errs []error, name string, d time.Duration) []error {
	if d <= 0 {
		return append(errs, fmt.Errorf("%s %s must be positive", name, d))
	}
	return errs
}

// validateDeviceName logs a warning if name is non-empty and not one of the
// [KnownDeviceNames].
func validateDeviceName(kind, name string) {
	if name == "" || slices.Contains(KnownDeviceNames, name) {
		return
	}
	slog.Warn("unknown device backend name; may be a typo or third-party backend",
		"kind", kind,
		"name", name,
		"known", KnownDeviceNames,
	)
}
