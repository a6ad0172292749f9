package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/playback"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Phase is where the control loop is in the listen, capture, respond cycle.
type Phase string

const (
	// PhaseListening feeds voiced blocks to the wake-word detector.
	PhaseListening Phase = "listening"

	// PhaseCapturing streams the spoken command after a wake word.
	PhaseCapturing Phase = "capturing"

	// PhaseAwaiting waits up to the response timeout for a playback episode.
	PhaseAwaiting Phase = "awaiting"

	// PhaseSpeaking has yielded the audio path to playback.
	PhaseSpeaking Phase = "speaking"
)

func (p Phase) status() audio.Status {
	switch p {
	case PhaseCapturing:
		return audio.StatusCapturing
	case PhaseAwaiting:
		return audio.StatusThinking
	case PhaseSpeaking:
		return audio.StatusSpeaking
	default:
		return audio.StatusListening
	}
}

// control is the main loop. Detection and capture run synchronously here;
// the only blocking point is the device read. While an episode is active the
// loop holds no role and does not read.
func (a *App) control(ctx context.Context) error {
	a.running.Store(true)
	defer a.running.Store(false)
	defer a.duplex.Release(audio.RoleCapture)

	buf := make([]int16, a.cfg.Audio.BlockSamples)
	a.enter(PhaseListening)
	if a.cfg.Capture.ReadyTone {
		a.chime(ctx, toneReady)
	}

	for ctx.Err() == nil {
		if a.player.Active() {
			if !a.yield(ctx) {
				break
			}
			continue
		}
		if a.player.State() == playback.StateComplete {
			// The episode ran start to finish between two reads.
			a.finishEpisode()
			continue
		}
		if !a.holdCapture() {
			if !a.pause(ctx) {
				break
			}
			continue
		}
		if a.phase == PhaseListening {
			a.applyTuning()
		}

		n, err := a.devices.Input.Read(buf)
		if err != nil {
			a.capture.Abort()
			a.display.ShowStatus(audio.StatusError)
			return fmt.Errorf("app: read block: %w", err)
		}
		if n == 0 {
			continue
		}
		a.step(ctx, audio.Block(buf[:n]))
		a.publish()
	}

	a.capture.Abort()
	return nil
}

// step advances the cycle by one block.
func (a *App) step(ctx context.Context, b audio.Block) {
	switch a.phase {
	case PhaseListening:
		voice := a.vad.Detect(b)
		a.metrics.RecordBlock(ctx, voice)
		if !voice || !a.wake.Feed(b) {
			return
		}
		a.metrics.RecordWake(ctx, a.wake.Path())
		slog.Info("app: wake word confirmed",
			"path", a.wake.Path(),
			"confidence", a.wake.Confidence(),
		)
		if a.cfg.Capture.ConfirmTone {
			a.chime(ctx, toneWake)
		}
		a.capture.Arm()
		a.enter(PhaseCapturing)

	case PhaseCapturing:
		switch ev := a.capture.Process(ctx, b); {
		case ev.Ended():
			a.awaitSince = a.now()
			a.enter(PhaseAwaiting)
		case ev == listen.EventNoSpeech:
			slog.Info("app: no speech after wake word")
			a.enter(PhaseListening)
		}

	case PhaseAwaiting:
		if a.now().Sub(a.awaitSince) >= a.cfg.Capture.ResponseTimeout {
			slog.Info("app: no response, resuming listening", "timeout", a.cfg.Capture.ResponseTimeout)
			a.enter(PhaseListening)
		}
	}
}

// yield hands the audio path to the running episode and waits for it to
// finish. It reports false when ctx ended first.
func (a *App) yield(ctx context.Context) bool {
	if a.capture.Active() {
		slog.Info("app: playback preempts capture")
		a.capture.Abort()
	}
	a.duplex.Release(audio.RoleCapture)
	a.enter(PhaseSpeaking)
	a.publish()

	for a.player.Active() {
		if !a.pause(ctx) {
			return false
		}
	}
	a.finishEpisode()
	return true
}

// finishEpisode moves a completed episode back to Idle and resumes listening.
func (a *App) finishEpisode() {
	if a.player.Reset() {
		slog.Debug("app: episode finished", "outcome", a.player.Stats().LastOutcome)
	}
	a.enter(PhaseListening)
	a.publish()
}

// holdCapture takes the capture role if the loop does not hold it already.
// Only this goroutine acquires the capture role.
func (a *App) holdCapture() bool {
	if a.duplex.Role() == audio.RoleCapture {
		return true
	}
	return a.duplex.TryAcquire(audio.RoleCapture)
}

func (a *App) pause(ctx context.Context) bool {
	t := time.NewTimer(a.cfg.Playback.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// enter switches the loop phase. Entering PhaseListening re-arms the wake-word
// detector.
func (a *App) enter(p Phase) {
	if p == PhaseListening {
		a.wake.Reset()
	}
	if p == a.phase {
		return
	}
	slog.Debug("app: phase", "from", a.phase, "to", p)
	a.phase = p
	a.display.ShowStatus(p.status())
}

func (a *App) wakePhaseChanged(_, to listen.Phase) {
	if to == listen.PhaseTimeout {
		a.metrics.WakeTimeouts.Add(context.Background(), 1)
	}
}
