// Package config provides the configuration schema, loader, and device registry
// for the earshot audio pipeline.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader],
// which start from [Default] so that omitted fields keep their defaults.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Device    DeviceConfig    `yaml:"device"`
	Audio     AudioConfig     `yaml:"audio"`
	VAD       VADConfig       `yaml:"vad"`
	WakeWord  WakeWordConfig  `yaml:"wake_word"`
	Capture   CaptureConfig   `yaml:"capture"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig holds the local status server and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health/metrics server (e.g., ":9090").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// DeviceConfig selects the audio backends by registered name.
type DeviceConfig struct {
	Input  DeviceEntry `yaml:"input"`
	Output DeviceEntry `yaml:"output"`
}

// DeviceEntry is the common configuration block for an audio backend.
// The Name field is used to look up the constructor in the [Registry].
type DeviceEntry struct {
	// Name selects the registered backend (e.g., "sim").
	Name string `yaml:"name"`

	// Path is a backend-specific device path or file (a PCM file for "sim").
	Path string `yaml:"path"`

	// Options holds backend-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig fixes the PCM format shared by capture and playback.
type AudioConfig struct {
	// SampleRate in Hz. The pipeline is mono 16-bit.
	SampleRate int `yaml:"sample_rate"`

	// BlockSamples is the number of samples per device read.
	BlockSamples int `yaml:"block_samples"`
}

// VADConfig tunes the energy voice-activity detector. Hot-reloadable.
type VADConfig struct {
	// LearnBlocks is the number of initial blocks averaged into the noise floor.
	LearnBlocks int `yaml:"learn_blocks"`

	// Margin is added to the learned floor to form the voice threshold.
	Margin float64 `yaml:"margin"`

	// PeakRatio is how far the block peak must exceed the mean for the
	// secondary peak test.
	PeakRatio float64 `yaml:"peak_ratio"`

	// MeterEvery logs the block level at debug every this many blocks. Zero
	// disables the meter.
	MeterEvery int `yaml:"meter_every"`
}

// WakeWordConfig tunes the wake-word pattern test. Hot-reloadable.
// Energies are mean squared amplitudes normalised to [0, 1].
type WakeWordConfig struct {
	Window              time.Duration `yaml:"window"`
	Buffer              time.Duration `yaml:"buffer"`
	Segments            int           `yaml:"segments"`
	MinFillRatio        float64       `yaml:"min_fill_ratio"`
	ActiveFloor         float64       `yaml:"active_floor"`
	EnergyFloor         float64       `yaml:"energy_floor"`
	VariationFloor      float64       `yaml:"variation_floor"`
	MinActive           int           `yaml:"min_active"`
	FallbackMinActive   int           `yaml:"fallback_min_active"`
	FallbackEnergyFloor float64       `yaml:"fallback_energy_floor"`
	DetectTimeout       time.Duration `yaml:"detect_timeout"`
}

// CaptureConfig controls utterance capture and streaming.
type CaptureConfig struct {
	ChunkBytes          int           `yaml:"chunk_bytes"`
	MinConsecutiveVoice int           `yaml:"min_consecutive_voice"`
	SilenceTimeout      time.Duration `yaml:"silence_timeout"`
	MaxDuration         time.Duration `yaml:"max_duration"`
	NoSpeechTimeout     time.Duration `yaml:"no_speech_timeout"`
	ResponseTimeout     time.Duration `yaml:"response_timeout"`

	// ReadyTone plays the ready chime when the pipeline starts listening.
	ReadyTone bool `yaml:"ready_tone"`

	// ConfirmTone plays the chime between a confirmed wake word and the
	// start of capture.
	ConfirmTone bool `yaml:"confirm_tone"`

	// ToneLevel is the chime amplitude as a fraction of full scale.
	ToneLevel float64 `yaml:"tone_level"`
}

// PlaybackConfig controls the inbound audio buffer and playback task.
type PlaybackConfig struct {
	RingBytes          int           `yaml:"ring_bytes"`
	MaxChunkBytes      int           `yaml:"max_chunk_bytes"`
	MaxChunks          int           `yaml:"max_chunks"`
	PrebufferChunks    int           `yaml:"prebuffer_chunks"`
	PrebufferTimeout   time.Duration `yaml:"prebuffer_timeout"`
	DeviceReadyTimeout time.Duration `yaml:"device_ready_timeout"`
	ChunkTimeout       time.Duration `yaml:"chunk_timeout"`
	RoomTimeout        time.Duration `yaml:"room_timeout"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	ReceiveWait        time.Duration `yaml:"receive_wait"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
	StopTimeout        time.Duration `yaml:"stop_timeout"`
}

// TransportConfig describes the websocket link to the processing service.
type TransportConfig struct {
	// URL is the websocket endpoint (ws:// or wss://).
	URL string `yaml:"url"`

	// DeviceID identifies this device in the hello message and headers.
	DeviceID string `yaml:"device_id"`

	// Token is sent as a bearer token when non-empty.
	Token string `yaml:"token"`

	DialTimeout  time.Duration `yaml:"dial_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker guarding outbound sends.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// Default returns a configuration with every tunable at its default. Device
// backends default to the simulated devices.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr: ":9090",
			LogLevel:   LogInfo,
		},
		Device: DeviceConfig{
			Input:  DeviceEntry{Name: "sim"},
			Output: DeviceEntry{Name: "sim"},
		},
		Audio: AudioConfig{
			SampleRate:   16000,
			BlockSamples: 1024,
		},
		VAD: VADConfig{
			LearnBlocks: 16,
			Margin:      300,
			PeakRatio:   1.1,
			MeterEvery:  15,
		},
		WakeWord: WakeWordConfig{
			Window:              time.Second,
			Buffer:              2 * time.Second,
			Segments:            10,
			MinFillRatio:        0.1,
			ActiveFloor:         0.001,
			EnergyFloor:         0.0005,
			VariationFloor:      0.00005,
			MinActive:           2,
			FallbackMinActive:   1,
			FallbackEnergyFloor: 0.0003,
			DetectTimeout:       time.Second,
		},
		Capture: CaptureConfig{
			ChunkBytes:          4096,
			MinConsecutiveVoice: 2,
			SilenceTimeout:      2 * time.Second,
			MaxDuration:         15 * time.Second,
			NoSpeechTimeout:     5 * time.Second,
			ResponseTimeout:     10 * time.Second,
			ReadyTone:           true,
			ConfirmTone:         true,
			ToneLevel:           0.3,
		},
		Playback: PlaybackConfig{
			RingBytes:          128 * 1024,
			MaxChunkBytes:      16 * 1024,
			MaxChunks:          512,
			PrebufferChunks:    2,
			PrebufferTimeout:   5 * time.Second,
			DeviceReadyTimeout: time.Second,
			ChunkTimeout:       2 * time.Second,
			RoomTimeout:        time.Second,
			PollInterval:       5 * time.Millisecond,
			ReceiveWait:        20 * time.Millisecond,
			DrainTimeout:       5 * time.Second,
			StopTimeout:        time.Second,
		},
		Transport: TransportConfig{
			DialTimeout:  10 * time.Second,
			WriteTimeout: 2 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures:  5,
				ResetTimeout: 10 * time.Second,
			},
		},
	}
}
