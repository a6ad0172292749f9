package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Chime labels for logs and metrics.
const (
	toneReady = "ready"
	toneWake  = "wake"

	toneOK       = "ok"
	toneBusy     = "busy"
	toneRejected = "rejected"
	toneTimeout  = "drain_timeout"
	toneStopped  = "stopped"
)

// chime plays the ready chime on the output device and returns once it has
// played or a playback bound expired. It takes the playback role for the
// duration, so the loop's capture role is given up first and retaken by the
// next iteration. Only the control loop calls it.
func (a *App) chime(ctx context.Context, tone string) {
	if len(a.chimePCM) == 0 {
		return
	}
	a.duplex.Release(audio.RoleCapture)
	status := a.playChime(ctx)
	a.metrics.RecordTone(ctx, tone, status)
	if status == toneOK || status == toneStopped {
		slog.Debug("app: chime", "tone", tone, "status", status)
		return
	}
	slog.Warn("app: chime not played", "tone", tone, "status", status)
}

func (a *App) playChime(ctx context.Context) string {
	pc := a.cfg.Playback
	actx, cancel := context.WithTimeout(ctx, pc.DeviceReadyTimeout)
	err := a.duplex.Acquire(actx, audio.RolePlayback)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return toneStopped
		}
		return toneBusy
	}
	defer a.duplex.Release(audio.RolePlayback)

	out := a.devices.Output
	var since time.Time
	for !out.Submit(a.chimePCM, a.cfg.Audio.SampleRate) {
		if since.IsZero() {
			since = time.Now()
		} else if time.Since(since) > pc.RoomTimeout {
			return toneRejected
		}
		if !a.pause(ctx) {
			return toneStopped
		}
	}

	deadline := time.Now().Add(audio.ChimeDuration(audio.ReadyChime) + pc.DrainTimeout)
	for out.QueueStatus() != audio.QueueNotPlaying {
		if time.Now().After(deadline) {
			return toneTimeout
		}
		if !a.pause(ctx) {
			return toneStopped
		}
	}
	return toneOK
}
