package listen

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
)

// CaptureConfig controls a [Capture] streamer.
type CaptureConfig struct {
	// ChunkBytes is the size of each outbound chunk. Must be even.
	ChunkBytes int

	// MinConsecutiveVoice is the number of consecutive voice blocks needed to
	// start a session.
	MinConsecutiveVoice int

	// SilenceTimeout ends a session once no voice has been seen for this long.
	SilenceTimeout time.Duration

	// MaxDuration force-ends a session regardless of voice activity.
	MaxDuration time.Duration

	// NoSpeechTimeout gives up on an armed capture when no session starts.
	// Zero disables it.
	NoSpeechTimeout time.Duration
}

// DefaultCaptureConfig returns the stock capture settings.
func DefaultCaptureConfig() CaptureConfig {
	return CaptureConfig{
		ChunkBytes:          4096,
		MinConsecutiveVoice: 2,
		SilenceTimeout:      2 * time.Second,
		MaxDuration:         15 * time.Second,
		NoSpeechTimeout:     5 * time.Second,
	}
}

// Event is what a processed block did to the capture state.
type Event int

const (
	EventNone Event = iota

	// EventStarted means this block opened a new session.
	EventStarted

	// EventEndedSilence means the session closed after SilenceTimeout.
	EventEndedSilence

	// EventEndedMaxDuration means the session hit MaxDuration.
	EventEndedMaxDuration

	// EventNoSpeech means an armed capture expired without a session.
	EventNoSpeech
)

// String returns the human-readable name of the event.
func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventStarted:
		return "started"
	case EventEndedSilence:
		return "silence"
	case EventEndedMaxDuration:
		return "max_duration"
	case EventNoSpeech:
		return "no_speech"
	default:
		return "unknown"
	}
}

// Ended reports whether e closed a session.
func (e Event) Ended() bool {
	return e == EventEndedSilence || e == EventEndedMaxDuration
}

// Session is the state of one in-progress utterance. It exists exactly while
// capture is active.
type Session struct {
	ID string

	chunk []byte
	fill  int
	first bool

	start     time.Time
	lastVoice time.Time

	BytesSent    int64
	ChunksSent   int
	SendFailures int

	ctx  context.Context
	span trace.Span
}

// Duration returns the session age at now.
func (s *Session) Duration(now time.Time) time.Duration { return now.Sub(s.start) }

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureClock overrides the clock used for silence and duration bounds.
func WithCaptureClock(now func() time.Time) CaptureOption {
	return func(c *Capture) { c.now = now }
}

// WithCaptureMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithCaptureMetrics(m *observe.Metrics) CaptureOption {
	return func(c *Capture) { c.metrics = m }
}

// CaptureStats is a snapshot of lifetime capture counters. SessionID and
// TraceID identify the open session, or the last one once it ended.
type CaptureStats struct {
	Sessions     uint64 `json:"sessions"`
	ChunksSent   uint64 `json:"chunks_sent"`
	SendFailures uint64 `json:"send_failures"`
	BytesSent    uint64 `json:"bytes_sent"`
	Active       bool   `json:"active"`
	SessionID    string `json:"session_id,omitempty"`
	TraceID      string `json:"trace_id,omitempty"`
}

// Capture turns a stream of blocks into framed outbound chunks. A session
// starts after MinConsecutiveVoice voiced blocks and ends after
// SilenceTimeout of non-voice or after MaxDuration. While a session is open,
// every block is streamed, voiced or not.
type Capture struct {
	cfg     CaptureConfig
	vad     VoiceDetector
	sender  audio.Sender
	now     func() time.Time
	metrics *observe.Metrics

	session     *Session
	consecutive int
	armedAt     time.Time
	pcm         []byte

	stats CaptureStats
}

// NewCapture returns a streamer classifying blocks with vad and sending
// chunks through sender.
func NewCapture(cfg CaptureConfig, vad VoiceDetector, sender audio.Sender, opts ...CaptureOption) *Capture {
	if cfg.ChunkBytes < 2 {
		cfg.ChunkBytes = 2
	}
	cfg.ChunkBytes &^= 1
	if cfg.MinConsecutiveVoice < 1 {
		cfg.MinConsecutiveVoice = 1
	}
	c := &Capture{
		cfg:    cfg,
		vad:    vad,
		sender: sender,
		now:    time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Arm starts the no-speech timer. Call it when listening for a command
// begins, typically right after a wake word.
func (c *Capture) Arm() {
	c.armedAt = c.now()
	c.consecutive = 0
}

// Active reports whether a session is open.
func (c *Capture) Active() bool { return c.session != nil }

// Session returns the open session, or nil.
func (c *Capture) Session() *Session { return c.session }

// Process classifies b and advances the session. Send failures are logged
// and counted but never stop the session.
func (c *Capture) Process(ctx context.Context, b audio.Block) Event {
	voice := c.vad.Detect(b)
	c.metrics.RecordBlock(ctx, voice)
	if voice {
		c.consecutive++
	} else {
		c.consecutive = 0
	}

	now := c.now()
	ev := EventNone

	if c.session == nil {
		if c.consecutive < c.cfg.MinConsecutiveVoice {
			if c.cfg.NoSpeechTimeout > 0 && !c.armedAt.IsZero() && now.Sub(c.armedAt) >= c.cfg.NoSpeechTimeout {
				c.armedAt = time.Time{}
				return EventNoSpeech
			}
			return EventNone
		}
		c.begin(ctx, now)
		ev = EventStarted
	}

	s := c.session
	c.pcm = audio.AppendPCM(c.pcm[:0], b)
	c.write(c.pcm)

	if voice {
		s.lastVoice = now
	} else if now.Sub(s.lastVoice) >= c.cfg.SilenceTimeout {
		c.end(EventEndedSilence)
		return EventEndedSilence
	}

	if c.cfg.MaxDuration > 0 && s.Duration(now) >= c.cfg.MaxDuration {
		c.end(EventEndedMaxDuration)
		return EventEndedMaxDuration
	}
	return ev
}

// Abort closes an open session immediately, flushing what is buffered as the
// final chunk. It is a no-op without a session.
func (c *Capture) Abort() {
	if c.session == nil {
		return
	}
	c.end(EventNone)
}

func (c *Capture) begin(ctx context.Context, now time.Time) {
	id := uuid.NewString()
	sctx, span := observe.StartSession(ctx, id)
	c.session = &Session{
		ID:        id,
		chunk:     make([]byte, c.cfg.ChunkBytes),
		first:     true,
		start:     now,
		lastVoice: now,
		ctx:       sctx,
		span:      span,
	}
	c.armedAt = time.Time{}
	c.stats.Sessions++
	c.stats.Active = true
	c.stats.SessionID = id
	c.stats.TraceID = observe.TraceID(sctx)
	observe.Logger(sctx).Info("capture: session started")
}

// write appends pcm to the chunk buffer, sending each chunk as it fills and
// carrying any overflow into the next one.
func (c *Capture) write(pcm []byte) {
	s := c.session
	for len(pcm) > 0 {
		n := copy(s.chunk[s.fill:], pcm)
		s.fill += n
		pcm = pcm[n:]
		if s.fill == len(s.chunk) {
			c.send(s.chunk, false)
			s.fill = 0
		}
	}
}

// end flushes the remainder as the final chunk. An empty flush still sends a
// zero-length end marker so the receiver sees last=true.
func (c *Capture) end(ev Event) {
	s := c.session
	c.send(s.chunk[:s.fill], true)
	s.fill = 0

	reason := ev.String()
	if ev == EventNone {
		reason = "aborted"
	}
	d := s.Duration(c.now())
	c.metrics.RecordCaptureSession(s.ctx, reason, d)
	s.span.SetAttributes(
		attribute.String("reason", reason),
		attribute.Int64("bytes_sent", s.BytesSent),
		attribute.Int("send_failures", s.SendFailures),
	)
	s.span.End()
	observe.Logger(s.ctx).Info("capture: session ended",
		"reason", reason,
		"duration", d,
		"bytes_sent", s.BytesSent,
		"chunks", s.ChunksSent,
		"send_failures", s.SendFailures,
	)

	c.session = nil
	c.consecutive = 0
	c.stats.Active = false
}

func (c *Capture) send(data []byte, last bool) {
	s := c.session
	err := c.sender.Send(data, s.first, last)
	c.metrics.RecordChunkSent(s.ctx, len(data), err)
	s.first = false
	if err != nil {
		s.SendFailures++
		c.stats.SendFailures++
		observe.Logger(s.ctx).Warn("capture: send chunk failed",
			"bytes", len(data),
			"last", last,
			"err", err,
		)
		return
	}
	s.ChunksSent++
	s.BytesSent += int64(len(data))
	c.stats.ChunksSent++
	c.stats.BytesSent += uint64(len(data))
}

// Stats returns a snapshot of lifetime counters.
func (c *Capture) Stats() CaptureStats { return c.stats }
