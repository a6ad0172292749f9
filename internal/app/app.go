// Package app wires the earshot subsystems into a running device.
//
// The App struct owns the full lifecycle: New builds the detectors, the
// capture streamer, the player and the network channel, Run executes the
// control loop next to the network receive loop and the status server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithSender,
// WithDisplay, WithClock, ...). When an option is not provided, New creates
// real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/health"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/internal/playback"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/transport"
	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrLinkClosed is returned by [App.Run] when the processing service closed
// the connection while the device was still running.
var ErrLinkClosed = errors.New("app: network link closed by peer")

// Devices holds the audio hardware. Both fields are required. Populated by
// main.go via the config registry.
type Devices struct {
	Input  audio.InputDevice
	Output audio.OutputDevice
}

// App owns all subsystem lifetimes and runs the listen, capture and playback
// cycle.
type App struct {
	cfg     *config.Config
	devices Devices

	sender  audio.Sender
	display audio.Display
	metrics *observe.Metrics
	now     func() time.Time
	level   *slog.LevelVar

	// Subsystems, initialised in New.
	duplex  *audio.HalfDuplex
	vad     *listen.VAD
	wake    *listen.WakeWord
	capture *listen.Capture
	player  *playback.Player
	channel *transport.Channel
	breaker *resilience.CircuitBreaker
	handler http.Handler

	// chimePCM is the rendered ready chime, nil when both tones are off.
	chimePCM audio.Block

	// Control loop state. Owned by the loop goroutine.
	phase      Phase
	awaitSince time.Time

	running atomic.Bool
	closing atomic.Bool
	snap    atomic.Pointer[loopSnapshot]

	tuneMu  sync.Mutex
	pending *tuning

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSender injects the outbound sender instead of dialling the configured
// transport URL. No receive loop runs; feed inbound frames via
// [App.HandleFrame].
func WithSender(s audio.Sender) Option {
	return func(a *App) { a.sender = s }
}

// WithDisplay sets the status display. Defaults to a display that logs.
func WithDisplay(d audio.Display) Option {
	return func(a *App) { a.display = d }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithClock overrides the clock used by the detectors, the capture streamer
// and the response wait.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The devices come
// from main.go (created via the config registry). New does not touch the
// network; [App.Run] connects.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if devices.Input == nil || devices.Output == nil {
		return nil, errors.New("app: input and output devices are required")
	}
	a := &App{
		cfg:     cfg,
		devices: devices,
		now:     time.Now,
		duplex:  audio.NewHalfDuplex(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.display == nil {
		a.display = logDisplay{}
	}
	if rate := devices.Input.SampleRate(); rate != cfg.Audio.SampleRate {
		slog.Warn("app: input device rate differs from configured rate",
			"device_rate", rate,
			"sample_rate", cfg.Audio.SampleRate,
		)
	}

	// ── 1. Detectors ─────────────────────────────────────────────────────
	a.vad = listen.NewVAD(vadConfig(cfg.VAD))
	a.wake = listen.NewWakeWord(wakeConfig(cfg.WakeWord, cfg.Audio.SampleRate),
		listen.WithClock(a.now),
		listen.WithPhaseHook(a.wakePhaseChanged),
	)

	if cfg.Capture.ReadyTone || cfg.Capture.ConfirmTone {
		a.chimePCM = audio.Chime(audio.ReadyChime, cfg.Audio.SampleRate, cfg.Capture.ToneLevel)
	}

	// ── 2. Network channel ───────────────────────────────────────────────
	if a.sender == nil {
		a.initTransport()
	}

	// ── 3. Capture, guarded by the breaker ───────────────────────────────
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "transport",
		MaxFailures:  cfg.Transport.Breaker.MaxFailures,
		ResetTimeout: cfg.Transport.Breaker.ResetTimeout,
		Now:          a.now,
	})
	a.capture = listen.NewCapture(captureConfig(cfg.Capture), a.vad,
		resilience.GuardSender(a.sender, a.breaker),
		listen.WithCaptureClock(a.now),
		listen.WithCaptureMetrics(a.metrics),
	)

	// ── 4. Player ────────────────────────────────────────────────────────
	a.player = playback.NewPlayer(playerConfig(cfg), devices.Output,
		playback.WithMetrics(a.metrics),
		playback.WithHalfDuplex(a.duplex),
		playback.WithDisplay(a.display),
		playback.WithBaseContext(ctx),
	)
	a.closers = append(a.closers, func() error {
		a.player.Stop()
		return nil
	})

	// ── 5. Status server ─────────────────────────────────────────────────
	a.initHTTP()

	for _, dev := range []any{devices.Input, devices.Output} {
		if c, ok := dev.(io.Closer); ok {
			a.closers = append(a.closers, c.Close)
		}
	}

	a.publish()
	return a, nil
}

// initTransport creates the websocket channel, or a discarding sender when no
// URL is configured.
func (a *App) initTransport() {
	tc := a.cfg.Transport
	if tc.URL == "" {
		a.sender = discardSender{}
		return
	}
	a.channel = transport.New(transport.Config{
		URL:          tc.URL,
		DeviceID:     tc.DeviceID,
		Token:        tc.Token,
		SampleRate:   a.cfg.Audio.SampleRate,
		DialTimeout:  tc.DialTimeout,
		WriteTimeout: tc.WriteTimeout,
	}, a)
	a.sender = a.channel
	a.closers = append(a.closers, a.channel.Close)
}

// initHTTP builds the status, health and metrics routes.
func (a *App) initHTTP() {
	checkers := []health.Checker{{
		Name: "control_loop",
		Check: func(context.Context) error {
			if !a.running.Load() {
				return errors.New("not running")
			}
			return nil
		},
	}}
	if a.channel != nil {
		checkers = append(checkers, health.Checker{
			Name: "transport",
			Check: func(context.Context) error {
				if !a.channel.Connected() {
					return transport.ErrNotConnected
				}
				return nil
			},
		})
	}
	h := health.New(
		health.WithCheckers(checkers...),
		health.WithStatus(func() any { return a.Status() }),
	)

	mux := http.NewServeMux()
	h.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	a.handler = observe.Middleware(a.metrics)(mux)
}

// Handler returns the status server's HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// HandleFrame implements [audio.FrameHandler] for the network receive loop.
// It never blocks.
func (a *App) HandleFrame(kind audio.FrameKind, payload []byte) {
	a.player.HandleFrame(kind, payload)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to the processing service and runs the control loop, the
// network receive loop and the status server until ctx is cancelled or one of
// them fails. A hardware read error ends Run with that error.
func (a *App) Run(ctx context.Context) error {
	if a.channel != nil {
		if err := a.channel.Dial(ctx); err != nil {
			return fmt.Errorf("app: connect: %w", err)
		}
	}

	var ln net.Listener
	if addr := a.cfg.Server.ListenAddr; addr != "" {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			a.closeChannel()
			return fmt.Errorf("app: listen %s: %w", addr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.channel != nil {
		g.Go(func() error {
			err := a.channel.Run(gctx)
			if err == nil && gctx.Err() == nil && !a.closing.Load() {
				return ErrLinkClosed
			}
			return err
		})
		// Unblock the receive loop once the others are done.
		g.Go(func() error {
			<-gctx.Done()
			a.closeChannel()
			return nil
		})
	}

	g.Go(func() error { return a.control(gctx) })

	if ln != nil {
		srv := &http.Server{
			Handler:           a.handler,
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("app: status server listening", "addr", ln.Addr().String())
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	slog.Info("app running", "phase", PhaseListening)
	err := g.Wait()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (a *App) closeChannel() {
	if a.channel == nil {
		return
	}
	if err := a.channel.Close(); err != nil {
		slog.Debug("app: close channel", "err", err)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in init order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.closing.Store(true)
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// discardSender drops captured audio when no transport is configured.
type discardSender struct{}

func (discardSender) Send([]byte, bool, bool) error { return nil }

// logDisplay renders statuses and pass-through messages to the log.
type logDisplay struct{}

func (logDisplay) ShowStatus(s audio.Status) {
	slog.Info("display: status", "status", s)
}

func (logDisplay) ShowMessage(payload []byte) {
	slog.Debug("display: message", "bytes", len(payload), "payload", string(payload))
}

func vadConfig(c config.VADConfig) listen.VADConfig {
	return listen.VADConfig{
		LearnBlocks: c.LearnBlocks,
		Margin:      c.Margin,
		PeakRatio:   c.PeakRatio,
		MeterEvery:  c.MeterEvery,
	}
}

func wakeConfig(c config.WakeWordConfig, sampleRate int) listen.WakeWordConfig {
	return listen.WakeWordConfig{
		SampleRate:          sampleRate,
		Window:              c.Window,
		Buffer:              c.Buffer,
		Segments:            c.Segments,
		MinFillRatio:        c.MinFillRatio,
		ActiveFloor:         c.ActiveFloor,
		EnergyFloor:         c.EnergyFloor,
		VariationFloor:      c.VariationFloor,
		MinActive:           c.MinActive,
		FallbackMinActive:   c.FallbackMinActive,
		FallbackEnergyFloor: c.FallbackEnergyFloor,
		DetectTimeout:       c.DetectTimeout,
	}
}

func captureConfig(c config.CaptureConfig) listen.CaptureConfig {
	return listen.CaptureConfig{
		ChunkBytes:          c.ChunkBytes,
		MinConsecutiveVoice: c.MinConsecutiveVoice,
		SilenceTimeout:      c.SilenceTimeout,
		MaxDuration:         c.MaxDuration,
		NoSpeechTimeout:     c.NoSpeechTimeout,
	}
}

func playerConfig(cfg *config.Config) playback.Config {
	p := cfg.Playback
	return playback.Config{
		RingBytes:   p.RingBytes,
		MaxChunks:   p.MaxChunks,
		StopTimeout: p.StopTimeout,
		Task: playback.TaskConfig{
			SampleRate:         cfg.Audio.SampleRate,
			MaxChunkBytes:      p.MaxChunkBytes,
			PrebufferChunks:    p.PrebufferChunks,
			PrebufferTimeout:   p.PrebufferTimeout,
			DeviceReadyTimeout: p.DeviceReadyTimeout,
			ChunkTimeout:       p.ChunkTimeout,
			RoomTimeout:        p.RoomTimeout,
			PollInterval:       p.PollInterval,
			ReceiveWait:        p.ReceiveWait,
			DrainTimeout:       p.DrainTimeout,
		},
	}
}
