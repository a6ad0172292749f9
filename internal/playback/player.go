package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrEpisodeBusy is returned by [Player.Begin] when the state machine refused
// the new episode.
var ErrEpisodeBusy = errors.New("playback: episode already active")

// Drop reasons reported to metrics.
const (
	DropRingFull = "ring_full"
	DropInactive = "inactive"
	DropOversize = "oversize"
)

// Config holds everything a [Player] needs to run episodes.
type Config struct {
	// RingBytes is the byte capacity of the per-episode ring.
	RingBytes int

	// MaxChunks bounds the number of chunks held by the ring.
	MaxChunks int

	// StopTimeout bounds how long a preempted task may take to exit before it
	// is abandoned.
	StopTimeout time.Duration

	Task TaskConfig
}

// DefaultConfig returns the stock playback settings for 16 kHz audio.
func DefaultConfig() Config {
	return Config{
		RingBytes:   128 * 1024,
		MaxChunks:   512,
		StopTimeout: time.Second,
		Task: TaskConfig{
			SampleRate:         16000,
			MaxChunkBytes:      16 * 1024,
			PrebufferChunks:    2,
			PrebufferTimeout:   5 * time.Second,
			DeviceReadyTimeout: time.Second,
			ChunkTimeout:       2 * time.Second,
			RoomTimeout:        time.Second,
			DrainTimeout:       5 * time.Second,
			PollInterval:       5 * time.Millisecond,
			ReceiveWait:        20 * time.Millisecond,
		},
	}
}

// Stats is a snapshot of player counters.
type Stats struct {
	State       State     `json:"state"`
	TaskRunning bool      `json:"task_running"`
	Episodes    uint64    `json:"episodes"`
	EpisodeID   string    `json:"episode_id,omitempty"`
	TraceID     string    `json:"trace_id,omitempty"`
	Accepted    uint64    `json:"chunks_accepted"`
	Dropped     uint64    `json:"chunks_dropped"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	Ring        RingStats `json:"ring"`
}

// Option configures a [Player].
type Option func(*Player)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithHalfDuplex makes every episode acquire the playback role of h before
// its first submit.
func WithHalfDuplex(h *audio.HalfDuplex) Option {
	return func(p *Player) { p.duplex = h }
}

// WithDisplay forwards text frames to d.
func WithDisplay(d audio.Display) Option {
	return func(p *Player) { p.display = d }
}

// WithBaseContext sets the parent context of every playback task.
func WithBaseContext(ctx context.Context) Option {
	return func(p *Player) { p.ctx = ctx }
}

// Player owns the playback episode lifecycle. It implements
// [audio.FrameHandler]: episode start and end frames drive the state machine,
// audio frames are pushed into the current episode's ring and text frames go
// to the display.
//
// At most one [Task] is alive at a time. The task handle is cleared by the
// task's own exit path before the state reaches Complete.
type Player struct {
	cfg     Config
	out     audio.OutputDevice
	duplex  *audio.HalfDuplex
	display audio.Display
	metrics *observe.Metrics
	ctx     context.Context

	state StateMachine

	mu          sync.Mutex
	task        *Task
	ring        *Ring
	episodeID   string
	traceID     string
	lastOutcome string

	episodes atomic.Uint64
	accepted atomic.Uint64
	dropped  atomic.Uint64
}

// NewPlayer returns an idle player writing to out.
func NewPlayer(cfg Config, out audio.OutputDevice, opts ...Option) *Player {
	p := &Player{
		cfg: cfg,
		out: out,
		ctx: context.Background(),
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// HandleFrame implements [audio.FrameHandler]. Audio and end frames never
// block. An episode start that preempts a running task waits for it to exit,
// at most Config.StopTimeout, so at most one task is ever alive.
func (p *Player) HandleFrame(kind audio.FrameKind, payload []byte) {
	switch kind {
	case audio.FrameEpisodeStart:
		if err := p.Begin(); err != nil {
			slog.Warn("playback: episode start rejected", "err", err)
		}
	case audio.FrameAudio:
		p.Push(payload)
	case audio.FrameEpisodeEnd:
		p.End()
	default:
		if p.display != nil {
			p.display.ShowMessage(payload)
		}
	}
}

// Begin starts a new episode: a stale Complete is reset, a still-running
// task from a previous episode is stopped, and a fresh ring and task are
// created. Stopping the old task blocks for at most Config.StopTimeout; a
// task still running after that is abandoned.
func (p *Player) Begin() error {
	p.mu.Lock()
	old := p.task
	p.mu.Unlock()
	if old != nil {
		slog.Info("playback: preempting running episode")
		p.stopTask(old)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.state.Complete()
	p.state.Reset()

	ring, err := NewRing(p.cfg.RingBytes, p.cfg.MaxChunks)
	if err != nil {
		return fmt.Errorf("playback: begin episode: %w", err)
	}
	if !p.state.Begin() {
		ring.Close()
		return fmt.Errorf("%w (state %s)", ErrEpisodeBusy, p.state.Load())
	}
	p.ring = ring
	p.episodeID = uuid.NewString()
	p.task = startTask(p.ctx, p.episodeID, p.cfg.Task, ring, &p.state, p.out, p.duplex, p.metrics, p.taskExited)
	p.traceID = p.task.TraceID()
	p.episodes.Add(1)
	observe.Logger(p.task.ctx).Debug("playback: episode started", "episodes", p.episodes.Load())
	return nil
}

// Push hands one inbound chunk to the current episode. It never blocks.
// Chunks are dropped when no episode is active, when the episode's ring was
// already closed, or when the ring is full. A chunk larger than MaxChunkBytes
// is dropped and aborts the episode.
func (p *Player) Push(chunk []byte) bool {
	p.mu.Lock()
	ring, task := p.ring, p.task
	p.mu.Unlock()

	ctx := context.Background()
	if ring == nil || !p.state.Load().Active() {
		p.drop(ctx, DropInactive)
		return false
	}
	if len(chunk) > p.cfg.Task.MaxChunkBytes {
		p.drop(ctx, DropOversize)
		task.abort(fmt.Errorf("%w: %d > %d bytes", ErrOversizeChunk, len(chunk), p.cfg.Task.MaxChunkBytes))
		return false
	}
	if !ring.Push(chunk) {
		// The task closes its ring on exit before it clears the handle.
		if ring.Closed() {
			p.drop(ctx, DropInactive)
		} else {
			p.drop(ctx, DropRingFull)
		}
		return false
	}
	p.accepted.Add(1)
	p.metrics.PlaybackChunks.Add(ctx, 1)
	return true
}

func (p *Player) drop(ctx context.Context, reason string) {
	p.dropped.Add(1)
	p.metrics.RecordDrop(ctx, reason)
}

// End marks the end of the inbound stream. The task plays out what is
// buffered and then completes.
func (p *Player) End() bool {
	return p.state.End()
}

// Reset moves a finished episode from Complete back to Idle.
func (p *Player) Reset() bool {
	return p.state.Reset()
}

// Stop ends the current episode, if any, and leaves the player Idle.
func (p *Player) Stop() {
	p.mu.Lock()
	t := p.task
	p.mu.Unlock()
	if t != nil {
		p.stopTask(t)
	}
	p.state.Reset()
}

// stopTask stops t and, if it does not exit in time, abandons it: the handle
// is cleared and the episode is completed on its behalf.
func (p *Player) stopTask(t *Task) {
	if t.Stop(p.cfg.StopTimeout) {
		return
	}
	slog.Warn("playback: task did not stop in time, abandoning", "timeout", p.cfg.StopTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task == t {
		p.task = nil
		p.ring = nil
		p.lastOutcome = OutcomeStopped
		p.state.Complete()
	}
}

// taskExited is the task's exit hook. A task that was abandoned no longer
// owns the handle and leaves the state alone.
func (p *Player) taskExited(t *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.task != t {
		return
	}
	p.task = nil
	p.ring = nil
	p.lastOutcome = t.outcome
	p.state.Complete()
}

// State returns the current episode state.
func (p *Player) State() State { return p.state.Load() }

// Active reports whether an episode is in flight.
func (p *Player) Active() bool { return p.state.Load().Active() }

// TaskRunning reports whether a task handle is held.
func (p *Player) TaskRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil
}

// Stats returns a snapshot of player counters.
func (p *Player) Stats() Stats {
	p.mu.Lock()
	s := Stats{
		TaskRunning: p.task != nil,
		EpisodeID:   p.episodeID,
		TraceID:     p.traceID,
		LastOutcome: p.lastOutcome,
	}
	if p.ring != nil {
		s.Ring = p.ring.Stats()
	}
	p.mu.Unlock()
	s.State = p.state.Load()
	s.Episodes = p.episodes.Load()
	s.Accepted = p.accepted.Load()
	s.Dropped = p.dropped.Load()
	return s
}
