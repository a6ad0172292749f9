// Package simdev provides simulated audio devices that behave like real
// hardware in timing but read and write ordinary files. They let the pipeline
// run on a workstation without a microphone or speaker.
package simdev

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*Mic)(nil)
	_ audio.OutputDevice = (*Speaker)(nil)
)

// ─── Mic ─────────────────────────────────────────────────────────────────────

// MicOption configures a [Mic].
type MicOption func(*Mic)

// WithRealtime paces Read so that samples are delivered no faster than the
// sample rate. Enabled by default.
func WithRealtime(on bool) MicOption {
	return func(m *Mic) { m.realtime = on }
}

// WithLoop rewinds the source when it reaches EOF instead of falling back to
// silence. The source must implement io.Seeker.
func WithLoop(on bool) MicOption {
	return func(m *Mic) { m.loop = on }
}

// WithStereoSource treats the source as interleaved stereo and downmixes it.
func WithStereoSource() MicOption {
	return func(m *Mic) { m.channels = 2 }
}

// WithMicClock overrides the clock and sleep function used for pacing.
func WithMicClock(now func() time.Time, sleep func(time.Duration)) MicOption {
	return func(m *Mic) {
		m.now = now
		m.sleep = sleep
	}
}

// Mic is a simulated [audio.InputDevice] reading raw little-endian 16-bit PCM
// from an io.Reader. With a nil source it produces silence. After the source
// is exhausted it produces silence unless looping is enabled.
type Mic struct {
	mu       sync.Mutex
	src      io.Reader
	closer   io.Closer
	rate     int
	channels int
	realtime bool
	loop     bool
	now      func() time.Time
	sleep    func(time.Duration)

	raw     []byte
	decoded []int16
	start   time.Time
	read    int64
	eof     bool
}

// NewMic returns a Mic delivering samples from src at rate Hz.
func NewMic(src io.Reader, rate int, opts ...MicOption) *Mic {
	m := &Mic{
		src:      src,
		rate:     rate,
		channels: 1,
		realtime: true,
		now:      time.Now,
		sleep:    time.Sleep,
	}
	for _, o := range opts {
		o(m)
	}
	if src == nil {
		m.eof = true
	}
	return m
}

// OpenMic opens a raw PCM file as a Mic. An empty path yields a silent Mic.
func OpenMic(path string, rate int, opts ...MicOption) (*Mic, error) {
	if path == "" {
		return NewMic(nil, rate, opts...), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("simdev: open mic source: %w", err)
	}
	m := NewMic(bufio.NewReader(f), rate, opts...)
	m.closer = f
	if m.loop {
		m.src = f
	}
	return m, nil
}

// SampleRate implements [audio.InputDevice].
func (m *Mic) SampleRate() int { return m.rate }

// Read implements [audio.InputDevice].
func (m *Mic) Read(buf []int16) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.fill(buf)
	if err != nil {
		return 0, err
	}
	m.pace(n)
	return n, nil
}

func (m *Mic) fill(buf []int16) (int, error) {
	if m.eof {
		clear(buf)
		return len(buf), nil
	}

	want := len(buf) * 2 * m.channels
	if cap(m.raw) < want {
		m.raw = make([]byte, want)
	}
	raw := m.raw[:want]
	got := 0
	rewound := false
	for got < want {
		n, err := io.ReadFull(m.src, raw[got:])
		got += n
		if err == nil {
			break
		}
		if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, fmt.Errorf("simdev: read mic source: %w", err)
		}
		s, ok := m.src.(io.Seeker)
		if !m.loop || !ok || (rewound && n == 0) {
			m.eof = true
			break
		}
		if _, serr := s.Seek(0, io.SeekStart); serr != nil {
			return 0, fmt.Errorf("simdev: rewind mic source: %w", serr)
		}
		rewound = true
	}

	m.decoded = audio.DecodePCM(m.decoded, raw[:got])
	samples := m.decoded
	if m.channels == 2 {
		samples = audio.StereoToMono(samples)
	}
	n := copy(buf, samples)
	clear(buf[n:])
	return len(buf), nil
}

// pace sleeps until the wall clock has caught up with the samples delivered.
func (m *Mic) pace(n int) {
	if !m.realtime || m.rate <= 0 {
		return
	}
	now := m.now()
	if m.start.IsZero() {
		m.start = now
	}
	m.read += int64(n)
	due := m.start.Add(time.Duration(m.read) * time.Second / time.Duration(m.rate))
	if wait := due.Sub(now); wait > 0 {
		m.sleep(wait)
	}
}

// Close releases the underlying file, if any.
func (m *Mic) Close() error {
	if m.closer != nil {
		return m.closer.Close()
	}
	return nil
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithSink writes every accepted sample to w as little-endian PCM. If w is an
// [io.Closer], [Speaker.Close] closes it.
func WithSink(w io.Writer) SpeakerOption {
	return func(s *Speaker) { s.sink = w }
}

// WithSpeakerClock overrides the clock used to model playback progress.
func WithSpeakerClock(now func() time.Time) SpeakerOption {
	return func(s *Speaker) { s.now = now }
}

// WithHeadroom sets the free space, in samples, below which the queue reports
// [audio.QueueFull]. Defaults to a quarter of the capacity.
func WithHeadroom(samples int) SpeakerOption {
	return func(s *Speaker) { s.headroom = samples }
}

// Speaker is a simulated [audio.OutputDevice]. It models a bounded hardware
// queue that drains at the device sample rate in wall-clock time.
type Speaker struct {
	mu       sync.Mutex
	rate     int
	capacity int
	headroom int
	adapter  audio.RateAdapter
	sink     io.Writer
	now      func() time.Time

	pending int
	last    time.Time
	buf     []byte

	played   int64
	rejected int64
}

// NewSpeaker returns a Speaker playing at rate Hz with a queue of capacity
// samples.
func NewSpeaker(rate, capacity int, opts ...SpeakerOption) *Speaker {
	s := &Speaker{
		rate:     rate,
		capacity: capacity,
		headroom: capacity / 4,
		adapter:  audio.RateAdapter{DeviceRate: rate},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit implements [audio.OutputDevice].
func (s *Speaker) Submit(samples []int16, rate int) bool {
	samples = s.adapter.Adapt(samples, rate)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	if s.pending+len(samples) > s.capacity {
		s.rejected++
		return false
	}
	if s.pending == 0 {
		s.last = s.now()
	}
	s.pending += len(samples)
	if s.sink != nil {
		s.buf = audio.AppendPCM(s.buf[:0], samples)
		// Sink errors do not affect the modeled device.
		_, _ = s.sink.Write(s.buf)
	}
	return true
}

// QueueStatus implements [audio.OutputDevice].
func (s *Speaker) QueueStatus() audio.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	switch {
	case s.pending == 0:
		return audio.QueueNotPlaying
	case s.capacity-s.pending < s.headroom:
		return audio.QueueFull
	default:
		return audio.QueueHasRoom
	}
}

// Close detaches the sink and closes it when it is an [io.Closer]. Later
// submits are still modelled but no longer written.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sink.(io.Closer)
	s.sink = nil
	if !ok {
		return nil
	}
	return c.Close()
}

// Stats returns the number of samples played and submits rejected so far.
func (s *Speaker) Stats() (played, rejected int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.played, s.rejected
}

// advance removes samples that have played since the last call. Caller holds mu.
func (s *Speaker) advance() {
	if s.pending == 0 {
		return
	}
	now := s.now()
	elapsed := now.Sub(s.last)
	done := int(int64(elapsed) * int64(s.rate) / int64(time.Second))
	if done <= 0 {
		return
	}
	if done > s.pending {
		done = s.pending
	}
	s.pending -= done
	s.played += int64(done)
	s.last = s.last.Add(time.Duration(done) * time.Second / time.Duration(s.rate))
}
