package listen

import (
	"log/slog"
	"math"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Phase is the state of a [WakeWord] detector.
type Phase int

const (
	// PhaseListening scans the recent window for a wake pattern.
	PhaseListening Phase = iota

	// PhaseDetecting holds a tentative match and re-tests the recent window
	// until it matches again or DetectTimeout passes.
	PhaseDetecting

	// PhaseConfirmed is terminal until [WakeWord.Reset].
	PhaseConfirmed

	// PhaseTimeout is passed through when a tentative match expires. The
	// detector re-enters PhaseListening within the same Feed call.
	PhaseTimeout
)

// String returns the human-readable name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseDetecting:
		return "detecting"
	case PhaseConfirmed:
		return "confirmed"
	case PhaseTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Acceptance path names reported by [WakeWord.Path].
const (
	PathPrimary  = "primary"
	PathFallback = "fallback"
)

// WakeWordConfig tunes a [WakeWord] detector. Segment energies are mean
// squared amplitudes normalised to [0, 1] by full scale.
type WakeWordConfig struct {
	SampleRate int

	// Window is the span analysed by each pattern test.
	Window time.Duration

	// Buffer is the retained history. It must be at least Window.
	Buffer time.Duration

	// Segments is the number of equal slices the window is split into.
	Segments int

	// MinFillRatio is the fraction of a full window that must be available
	// before a test can match.
	MinFillRatio float64

	// ActiveFloor is the segment energy above which a segment is active.
	ActiveFloor float64

	// Primary path.
	EnergyFloor    float64
	VariationFloor float64
	MinActive      int

	// Fallback path.
	FallbackMinActive   int
	FallbackEnergyFloor float64

	// DetectTimeout bounds how long a tentative match waits for confirmation.
	DetectTimeout time.Duration
}

// DefaultWakeWordConfig returns the stock tuning for 16 kHz audio.
func DefaultWakeWordConfig() WakeWordConfig {
	return WakeWordConfig{
		SampleRate:          16000,
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
	}
}

// PatternResult is the outcome of one pattern test.
type PatternResult struct {
	Active    int
	Energy    float64
	Variation float64
	Primary   bool
	Fallback  bool
}

// Match reports whether either acceptance path matched.
func (r PatternResult) Match() bool { return r.Primary || r.Fallback }

// WakeWordOption configures a [WakeWord].
type WakeWordOption func(*WakeWord)

// WithClock overrides the clock used for the detection timeout.
func WithClock(now func() time.Time) WakeWordOption {
	return func(w *WakeWord) { w.now = now }
}

// WithPhaseHook registers fn to be called on every phase change.
func WithPhaseHook(fn func(from, to Phase)) WakeWordOption {
	return func(w *WakeWord) { w.onPhase = fn }
}

// WakeWord is a heuristic wake-phrase detector. It looks for a window in
// which a few segments carry clearly elevated and uneven energy, then demands
// that the pattern is still present on a later block. A tentative match that
// is not repeated within DetectTimeout is dropped.
//
// The pattern test has two acceptance paths: a strict primary path (enough
// active segments, mean energy and variation above their floors) and a looser
// fallback (fewer active segments, lower energy floor, no variation test).
type WakeWord struct {
	cfg     WakeWordConfig
	now     func() time.Time
	onPhase func(from, to Phase)

	ring   []int16
	cursor int
	total  uint64

	window  int
	minFill int

	phase      Phase
	phaseEntry time.Time
	confidence float64
	path       string

	scratch  []int16
	energies []float64
}

// NewWakeWord returns a detector in PhaseListening.
func NewWakeWord(cfg WakeWordConfig, opts ...WakeWordOption) *WakeWord {
	w := &WakeWord{now: time.Now}
	for _, o := range opts {
		o(w)
	}
	w.configure(cfg)
	return w
}

func (w *WakeWord) configure(cfg WakeWordConfig) {
	if cfg.Segments < 1 {
		cfg.Segments = 1
	}
	if cfg.Buffer < cfg.Window {
		cfg.Buffer = cfg.Window
	}
	w.cfg = cfg
	w.window = samplesFor(cfg.Window, cfg.SampleRate)
	w.minFill = int(math.Ceil(float64(w.window) * cfg.MinFillRatio))
	if size := samplesFor(cfg.Buffer, cfg.SampleRate); len(w.ring) != size {
		w.ring = make([]int16, size)
		w.cursor = 0
		w.total = 0
	}
	if cap(w.scratch) < w.window {
		w.scratch = make([]int16, w.window)
	}
	w.energies = make([]float64, cfg.Segments)
}

func samplesFor(d time.Duration, rate int) int {
	n := int(int64(d) * int64(rate) / int64(time.Second))
	if n < 1 {
		return 1
	}
	return n
}

// Feed appends b to the history and advances the state machine. It returns
// true exactly on the transition from PhaseDetecting to PhaseConfirmed.
func (w *WakeWord) Feed(b audio.Block) bool {
	w.append(b)

	switch w.phase {
	case PhaseListening:
		if r := w.test(); r.Match() {
			w.setPhase(PhaseDetecting)
			w.confidence = confidence(r, w.cfg.Segments)
		}
		return false

	case PhaseDetecting:
		if r := w.test(); r.Match() {
			w.confidence = confidence(r, w.cfg.Segments)
			w.path = PathPrimary
			if !r.Primary {
				w.path = PathFallback
			}
			w.setPhase(PhaseConfirmed)
			return true
		}
		if w.now().Sub(w.phaseEntry) > w.cfg.DetectTimeout {
			w.setPhase(PhaseTimeout)
			w.setPhase(PhaseListening)
			w.confidence = 0
		}
		return false

	default:
		return false
	}
}

// append copies b into the ring, overwriting the oldest samples on wrap.
func (w *WakeWord) append(b audio.Block) {
	if len(b) > len(w.ring) {
		b = b[len(b)-len(w.ring):]
	}
	n := copy(w.ring[w.cursor:], b)
	if n < len(b) {
		copy(w.ring, b[n:])
	}
	w.cursor = (w.cursor + len(b)) % len(w.ring)

	if add := uint64(len(b)); w.total > math.MaxUint64-add {
		w.total = math.MaxUint64
	} else {
		w.total += add
	}
}

// filled returns the number of valid samples in the ring.
func (w *WakeWord) filled() int {
	if w.total >= uint64(len(w.ring)) {
		return len(w.ring)
	}
	return int(w.total)
}

// latest copies the most recent n samples into scratch in chronological order.
func (w *WakeWord) latest(n int) []int16 {
	out := w.scratch[:n]
	start := w.cursor - n
	if start >= 0 {
		copy(out, w.ring[start:w.cursor])
		return out
	}
	k := copy(out, w.ring[len(w.ring)+start:])
	copy(out[k:], w.ring[:w.cursor])
	return out
}

// test runs the pattern test over the most recent window, or over everything
// collected when the ring holds less than a window.
func (w *WakeWord) test() PatternResult {
	n := min(w.filled(), w.window)
	if n < w.minFill || n < w.cfg.Segments {
		return PatternResult{}
	}
	return AnalyzePattern(w.latest(n), w.cfg, w.energies)
}

// AnalyzePattern runs the segment energy test over samples. energies is
// scratch space of length cfg.Segments; pass nil to allocate.
func AnalyzePattern(samples []int16, cfg WakeWordConfig, energies []float64) PatternResult {
	segs := max(cfg.Segments, 1)
	segLen := len(samples) / segs
	if segLen == 0 {
		return PatternResult{}
	}
	if len(energies) < segs {
		energies = make([]float64, segs)
	}

	var r PatternResult
	for i := range segs {
		e := audio.Block(samples[i*segLen : (i+1)*segLen]).MeanSquare()
		energies[i] = e
		r.Energy += e
		if e > cfg.ActiveFloor {
			r.Active++
		}
	}
	r.Energy /= float64(segs)
	for i := range segs {
		r.Variation += math.Abs(energies[i] - r.Energy)
	}
	r.Variation /= float64(segs)

	r.Primary = r.Active >= cfg.MinActive && r.Energy > cfg.EnergyFloor && r.Variation > cfg.VariationFloor
	r.Fallback = r.Active >= cfg.FallbackMinActive && r.Energy > cfg.FallbackEnergyFloor
	return r
}

// confidence is the active-segment fraction, halved for fallback-only matches.
func confidence(r PatternResult, segments int) float64 {
	c := float64(r.Active) / float64(max(segments, 1))
	if !r.Primary {
		c /= 2
	}
	return c
}

func (w *WakeWord) setPhase(p Phase) {
	from := w.phase
	w.phase = p
	w.phaseEntry = w.now()
	if p == PhaseTimeout {
		slog.Debug("wake word: tentative detection expired")
	}
	if w.onPhase != nil && from != p {
		w.onPhase(from, p)
	}
}

// Reset returns the detector to PhaseListening. Counters, cursor and
// confidence are zeroed; stale ring contents are left in place and are
// ignored until overwritten.
func (w *WakeWord) Reset() {
	w.cursor = 0
	w.total = 0
	w.confidence = 0
	w.path = ""
	if w.phase != PhaseListening {
		w.setPhase(PhaseListening)
	}
}

// SetTuning replaces the detector thresholds. Window and buffer changes
// reallocate the history.
func (w *WakeWord) SetTuning(cfg WakeWordConfig) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = w.cfg.SampleRate
	}
	w.configure(cfg)
}

// Phase returns the current phase.
func (w *WakeWord) Phase() Phase { return w.phase }

// Confidence returns the confidence of the current tentative or confirmed
// detection, in [0, 1].
func (w *WakeWord) Confidence() float64 { return w.confidence }

// Path returns the acceptance path of the confirmed detection, or "".
func (w *WakeWord) Path() string { return w.path }

// TotalSamples returns the saturating count of samples fed since Reset.
func (w *WakeWord) TotalSamples() uint64 { return w.total }
