package playback

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// Episode failures. Every one of them ends the episode in StateComplete.
var (
	ErrPrebufferTimeout = errors.New("playback: pre-buffer timeout")
	ErrDeviceTimeout    = errors.New("playback: output device not ready")
	ErrRoomTimeout      = errors.New("playback: output queue stayed full")
	ErrUnderrun         = errors.New("playback: output device underrun")
	ErrChunkTimeout     = errors.New("playback: no chunk received in time")
	ErrDrainTimeout     = errors.New("playback: output device did not drain")
	ErrStopped          = errors.New("playback: stopped")
)

// Outcome labels used for logs and metrics.
const (
	OutcomeComplete         = "complete"
	OutcomeEmpty            = "empty"
	OutcomePrebufferTimeout = "prebuffer_timeout"
	OutcomeOversize         = "oversize"
	OutcomeDeviceTimeout    = "device_timeout"
	OutcomeRoomTimeout      = "room_timeout"
	OutcomeUnderrun         = "underrun"
	OutcomeChunkTimeout     = "chunk_timeout"
	OutcomeDrainTimeout     = "drain_timeout"
	OutcomeStopped          = "stopped"
	OutcomeError            = "error"
)

func outcomeOf(err error, chunks int) string {
	switch {
	case err == nil && chunks == 0:
		return OutcomeEmpty
	case err == nil:
		return OutcomeComplete
	case errors.Is(err, ErrPrebufferTimeout):
		return OutcomePrebufferTimeout
	case errors.Is(err, ErrOversizeChunk):
		return OutcomeOversize
	case errors.Is(err, ErrDeviceTimeout):
		return OutcomeDeviceTimeout
	case errors.Is(err, ErrRoomTimeout):
		return OutcomeRoomTimeout
	case errors.Is(err, ErrUnderrun):
		return OutcomeUnderrun
	case errors.Is(err, ErrChunkTimeout):
		return OutcomeChunkTimeout
	case errors.Is(err, ErrDrainTimeout):
		return OutcomeDrainTimeout
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled), errors.Is(err, ErrRingClosed):
		return OutcomeStopped
	default:
		return OutcomeError
	}
}

// TaskConfig bounds every wait a playback task performs.
type TaskConfig struct {
	// SampleRate is the rate passed to the output device with every submit.
	SampleRate int

	// MaxChunkBytes is the largest inbound chunk the task accepts. A larger
	// chunk aborts the episode.
	MaxChunkBytes int

	// PrebufferChunks is how many chunks are collected before the first
	// submit.
	PrebufferChunks int

	PrebufferTimeout   time.Duration
	DeviceReadyTimeout time.Duration
	ChunkTimeout       time.Duration
	RoomTimeout        time.Duration
	DrainTimeout       time.Duration

	// PollInterval is the sleep between queue status polls.
	PollInterval time.Duration

	// ReceiveWait is how long a single ring receive blocks.
	ReceiveWait time.Duration
}

// TaskStats is a snapshot of one task's progress.
type TaskStats struct {
	ChunksPlayed int
	BytesPlayed  int64
	Outcome      string
}

// Task is the consumer side of one playback episode. It runs on its own
// goroutine from creation until the episode completes, fails or is stopped.
type Task struct {
	cfg     TaskConfig
	ring    *Ring
	state   *StateMachine
	out     audio.OutputDevice
	duplex  *audio.HalfDuplex
	metrics *observe.Metrics
	onExit  func(*Task)

	running atomic.Bool
	fault   atomic.Pointer[error]
	ctx     context.Context
	cancel  context.CancelFunc
	span    trace.Span
	traceID string
	done    chan struct{}

	started  time.Time
	pcm      []int16
	acquired bool

	chunks  atomic.Int64
	bytes   atomic.Int64
	err     error
	outcome string
}

// startTask opens the episode span under id and starts the consumer
// goroutine.
func startTask(parent context.Context, id string, cfg TaskConfig, ring *Ring, state *StateMachine, out audio.OutputDevice,
	duplex *audio.HalfDuplex, metrics *observe.Metrics, onExit func(*Task),
) *Task {
	ctx, span := observe.StartEpisode(parent, id)
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{
		cfg:     cfg,
		ring:    ring,
		state:   state,
		out:     out,
		duplex:  duplex,
		metrics: metrics,
		onExit:  onExit,
		ctx:     ctx,
		cancel:  cancel,
		span:    span,
		traceID: observe.TraceID(ctx),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	t.running.Store(true)
	metrics.ActiveEpisodes.Add(ctx, 1)
	go t.run()
	return t
}

// TraceID is the trace the episode span belongs to, empty when tracing is
// disabled.
func (t *Task) TraceID() string { return t.traceID }

// Done is closed after the task has fully cleaned up.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the episode error. It is only meaningful after Done is closed.
func (t *Task) Err() error {
	<-t.done
	return t.err
}

// Stats returns the task's progress. Outcome is empty while running.
func (t *Task) Stats() TaskStats {
	s := TaskStats{
		ChunksPlayed: int(t.chunks.Load()),
		BytesPlayed:  t.bytes.Load(),
	}
	select {
	case <-t.done:
		s.Outcome = t.outcome
	default:
	}
	return s
}

// Stop asks the task to exit and waits up to timeout for it to do so. If it
// does not, its context is cancelled and the task is abandoned. Stop reports
// whether the task exited within timeout.
func (t *Task) Stop(timeout time.Duration) bool {
	t.running.Store(false)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
	}
	t.cancel()
	return false
}

// abort makes the task exit with err without waiting for it.
func (t *Task) abort(err error) {
	t.fault.CompareAndSwap(nil, &err)
	t.running.Store(false)
}

func (t *Task) run() {
	err := t.play(t.ctx)
	t.finish(t.ctx, err)
}

func (t *Task) play(ctx context.Context) error {
	bufs, err := t.prebuffer(ctx)
	if err != nil || len(bufs) == 0 {
		return err
	}

	if t.duplex != nil {
		actx, cancel := context.WithTimeout(ctx, t.cfg.DeviceReadyTimeout)
		err := t.duplex.Acquire(actx, audio.RolePlayback)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ErrStopped
			}
			return fmt.Errorf("%w: audio path busy (%s)", ErrDeviceTimeout, t.duplex.Role())
		}
		t.acquired = true
	}
	t.state.StartPlaying()

	for _, b := range bufs {
		if err := t.submit(ctx, b); err != nil {
			return err
		}
	}
	t.metrics.PrebufferLatency.Record(ctx, time.Since(t.started).Seconds())
	if err := t.awaitStart(ctx); err != nil {
		return err
	}

	if err := t.stream(ctx, bufs[0][:cap(bufs[0])]); err != nil {
		return err
	}
	return t.drain(ctx)
}

// prebuffer collects up to PrebufferChunks chunks. If the stream ends early
// it returns what it has, which may be nothing.
func (t *Task) prebuffer(ctx context.Context) ([][]byte, error) {
	deadline := t.started.Add(t.cfg.PrebufferTimeout)
	bufs := make([][]byte, 0, t.cfg.PrebufferChunks)
	var buf []byte
	for len(bufs) < t.cfg.PrebufferChunks {
		if !t.running.Load() {
			return nil, ErrStopped
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("%w after %d/%d chunks", ErrPrebufferTimeout, len(bufs), t.cfg.PrebufferChunks)
		}
		if buf == nil {
			buf = make([]byte, t.cfg.MaxChunkBytes)
		}
		n, err := t.ring.Receive(ctx, buf, min(t.cfg.ReceiveWait, remaining))
		switch {
		case err == nil:
			bufs = append(bufs, buf[:n])
			buf = nil
		case errors.Is(err, ErrRingTimeout):
			if t.streamEnded() {
				return bufs, nil
			}
		default:
			return nil, t.stopErr(ctx, err)
		}
	}
	return bufs, nil
}

// awaitStart polls until the device reports that it is playing.
func (t *Task) awaitStart(ctx context.Context) error {
	deadline := time.Now().Add(t.cfg.DeviceReadyTimeout)
	for t.out.QueueStatus() == audio.QueueNotPlaying {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: not playing after pre-buffer", ErrDeviceTimeout)
		}
		if err := t.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// stream is the steady state: feed the device whenever it has room until the
// stream has ended and the ring is empty.
func (t *Task) stream(ctx context.Context, buf []byte) error {
	lastChunk := time.Now()
	var fullSince time.Time
	for {
		if !t.running.Load() {
			return ErrStopped
		}
		switch t.out.QueueStatus() {
		case audio.QueueFull:
			if fullSince.IsZero() {
				fullSince = time.Now()
			} else if time.Since(fullSince) > t.cfg.RoomTimeout {
				return ErrRoomTimeout
			}
			if err := t.pause(ctx); err != nil {
				return err
			}
			continue
		case audio.QueueNotPlaying:
			return ErrUnderrun
		}
		fullSince = time.Time{}

		n, err := t.ring.Receive(ctx, buf, t.cfg.ReceiveWait)
		switch {
		case err == nil:
			lastChunk = time.Now()
			if err := t.submit(ctx, buf[:n]); err != nil {
				return err
			}
		case errors.Is(err, ErrRingTimeout):
			if t.streamEnded() {
				return nil
			}
			if time.Since(lastChunk) > t.cfg.ChunkTimeout {
				return ErrChunkTimeout
			}
		default:
			return t.stopErr(ctx, err)
		}
	}
}

// drain waits for the device to finish what was submitted.
func (t *Task) drain(ctx context.Context) error {
	deadline := time.Now().Add(t.cfg.DrainTimeout)
	for t.out.QueueStatus() != audio.QueueNotPlaying {
		if !t.running.Load() {
			return ErrStopped
		}
		if time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		if err := t.pause(ctx); err != nil {
			return err
		}
	}
	return nil
}

// submit hands one chunk to the device. A rejected submit is retried like a
// full queue, bounded by RoomTimeout.
func (t *Task) submit(ctx context.Context, chunk []byte) error {
	t.pcm = audio.DecodePCM(t.pcm[:0], chunk)
	var since time.Time
	for !t.out.Submit(t.pcm, t.cfg.SampleRate) {
		if !t.running.Load() {
			return ErrStopped
		}
		if since.IsZero() {
			since = time.Now()
		} else if time.Since(since) > t.cfg.RoomTimeout {
			return fmt.Errorf("%w: submit of %d samples rejected", ErrRoomTimeout, len(t.pcm))
		}
		if err := t.pause(ctx); err != nil {
			return err
		}
	}
	t.chunks.Add(1)
	t.bytes.Add(int64(len(chunk)))
	return nil
}

func (t *Task) pause(ctx context.Context) error {
	timer := time.NewTimer(t.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrStopped
	}
}

// streamEnded reports whether the producer signalled the end and every chunk
// has been consumed. The producer pushes before it ends the stream, so an
// empty ring observed after Draining is final.
func (t *Task) streamEnded() bool {
	return t.state.Load() == StateDraining && t.ring.Len() == 0
}

func (t *Task) stopErr(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, ErrRingClosed) {
		return ErrStopped
	}
	return err
}

// finish is the single exit path: release the audio path and the ring, record
// the outcome, then hand the episode back through onExit.
func (t *Task) finish(ctx context.Context, err error) {
	span := t.span
	if t.acquired {
		t.duplex.Release(audio.RolePlayback)
	}
	t.ring.Close()

	if f := t.fault.Load(); f != nil && errors.Is(err, ErrStopped) {
		err = *f
	}
	chunks := int(t.chunks.Load())
	t.err = err
	t.outcome = outcomeOf(err, chunks)
	d := time.Since(t.started)

	t.metrics.ActiveEpisodes.Add(ctx, -1)
	t.metrics.RecordEpisode(ctx, t.outcome, d)
	span.SetAttributes(
		attribute.String("outcome", t.outcome),
		attribute.Int("chunks", chunks),
		attribute.Int64("bytes", t.bytes.Load()),
	)

	log := observe.Logger(ctx)
	attrs := []any{"outcome", t.outcome, "duration", d, "chunks", chunks, "bytes", t.bytes.Load()}
	switch {
	case err == nil, errors.Is(err, ErrStopped):
		log.Info("playback: episode finished", attrs...)
	case errors.Is(err, ErrDrainTimeout):
		log.Warn("playback: episode finished without drain", append(attrs, "err", err)...)
	default:
		span.SetStatus(codes.Error, err.Error())
		log.Warn("playback: episode aborted", append(attrs, "err", err)...)
	}
	span.End()

	t.cancel()
	if t.onExit != nil {
		t.onExit(t)
	} else {
		t.state.Complete()
	}
	close(t.done)
}
