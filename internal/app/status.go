package app

import (
	"log/slog"

	"github.com/MrWong99/earshot/internal/config"
	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/playback"
	"github.com/MrWong99/earshot/internal/resilience"
	"github.com/MrWong99/earshot/internal/transport"
)

// Status is the /statusz snapshot.
type Status struct {
	Phase     Phase               `json:"phase"`
	Role      string              `json:"duplex_role"`
	VAD       listen.VADStats     `json:"vad"`
	Wake      WakeStatus          `json:"wake_word"`
	Capture   listen.CaptureStats `json:"capture"`
	Playback  playback.Stats      `json:"playback"`
	Breaker   resilience.Stats    `json:"breaker"`
	Transport *transport.Stats    `json:"transport,omitempty"`
}

// WakeStatus describes the wake-word detector.
type WakeStatus struct {
	Phase        string  `json:"phase"`
	Confidence   float64 `json:"confidence"`
	Path         string  `json:"path,omitempty"`
	TotalSamples uint64  `json:"total_samples"`
}

// loopSnapshot holds the parts of [Status] owned by the control loop. The
// loop publishes a fresh copy after every block.
type loopSnapshot struct {
	phase   Phase
	vad     listen.VADStats
	wake    WakeStatus
	capture listen.CaptureStats
}

func (a *App) publish() {
	a.snap.Store(&loopSnapshot{
		phase: a.phase,
		vad:   a.vad.Stats(),
		wake: WakeStatus{
			Phase:        a.wake.Phase().String(),
			Confidence:   a.wake.Confidence(),
			Path:         a.wake.Path(),
			TotalSamples: a.wake.TotalSamples(),
		},
		capture: a.capture.Stats(),
	})
}

// Status returns a snapshot of the whole pipeline. It is safe to call from
// any goroutine.
func (a *App) Status() Status {
	s := Status{
		Role:     a.duplex.Role().String(),
		Playback: a.player.Stats(),
		Breaker:  a.breaker.Stats(),
	}
	if snap := a.snap.Load(); snap != nil {
		s.Phase = snap.phase
		s.VAD = snap.vad
		s.Wake = snap.wake
		s.Capture = snap.capture
	}
	if a.channel != nil {
		ts := a.channel.Stats()
		s.Transport = &ts
	}
	return s
}

// tuning is a pending detector update from a config reload.
type tuning struct {
	vad  *listen.VADConfig
	wake *listen.WakeWordConfig
}

// Reload applies the hot-reloadable parts of a config change. It is the
// [config.ReloadFunc] handed to the watcher and may run on any goroutine. The
// log level changes immediately; detector tuning is picked up by the control
// loop the next time it is listening. Restart-only sections are ignored.
func (a *App) Reload(d config.ConfigDiff) {
	if !d.HotReload() {
		return
	}
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.VADChanged || d.WakeWordChanged {
		a.tuneMu.Lock()
		if a.pending == nil {
			a.pending = &tuning{}
		}
		if d.VADChanged {
			v := vadConfig(d.NewVAD)
			a.pending.vad = &v
		}
		if d.WakeWordChanged {
			w := wakeConfig(d.NewWakeWord, a.cfg.Audio.SampleRate)
			a.pending.wake = &w
		}
		a.tuneMu.Unlock()
	}
}

// applyTuning installs pending detector tuning. Called by the control loop.
func (a *App) applyTuning() {
	a.tuneMu.Lock()
	t := a.pending
	a.pending = nil
	a.tuneMu.Unlock()
	if t == nil {
		return
	}
	if t.vad != nil {
		a.vad.SetTuning(*t.vad)
		slog.Info("app: vad tuning applied", "margin", t.vad.Margin, "peak_ratio", t.vad.PeakRatio)
	}
	if t.wake != nil {
		a.wake.SetTuning(*t.wake)
		slog.Info("app: wake word tuning applied")
	}
}
