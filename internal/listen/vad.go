// Package listen implements the microphone side of the pipeline: an adaptive
// energy voice-activity detector, a heuristic wake-word detector, and the
// capture streamer that turns voiced blocks into outbound chunks.
//
// All types in this package are driven from a single control loop and are not
// safe for concurrent use.
package listen

import (
	"log/slog"

	"github.com/MrWong99/earshot/pkg/audio"
)

// VoiceDetector classifies one block of samples as voice or not.
type VoiceDetector interface {
	Detect(b audio.Block) bool
}

// VADConfig tunes a [VAD].
type VADConfig struct {
	// LearnBlocks is the number of initial blocks whose mean absolute
	// amplitude is averaged into the noise floor.
	LearnBlocks int

	// Margin is added to the floor to form the voice threshold.
	Margin float64

	// PeakRatio is the minimum peak-to-mean ratio for the secondary peak test.
	PeakRatio float64

	// MeterEvery logs the block level at debug every this many blocks.
	// Zero disables the meter.
	MeterEvery int
}

// DefaultVADConfig returns the stock tuning.
func DefaultVADConfig() VADConfig {
	return VADConfig{LearnBlocks: 16, Margin: 300, PeakRatio: 1.1, MeterEvery: 15}
}

// VADStats is a snapshot of detector counters.
type VADStats struct {
	Blocks  uint64
	Voiced  uint64
	Floor   float64
	Learned bool
}

// VAD is an energy voice-activity detector with a learned noise floor.
//
// The first LearnBlocks blocks after construction or [VAD.Reset] are averaged
// into the floor and always classified as non-voice. After that a block is
// voice when its mean absolute amplitude exceeds floor+margin, or when its
// peak exceeds half that threshold and stands out from the mean by PeakRatio.
type VAD struct {
	cfg VADConfig
	log *slog.Logger

	floor   float64
	acc     float64
	learned int

	nextLearn int

	blocks uint64
	voiced uint64
}

var _ VoiceDetector = (*VAD)(nil)

// VADOption configures a [VAD].
type VADOption func(*VAD)

// WithVADLogger sets the logger used by the level meter. Defaults to
// [slog.Default] at the time of each line.
func WithVADLogger(l *slog.Logger) VADOption {
	return func(v *VAD) { v.log = l }
}

// NewVAD returns a detector in the learning phase.
func NewVAD(cfg VADConfig, opts ...VADOption) *VAD {
	if cfg.LearnBlocks < 1 {
		cfg.LearnBlocks = 1
	}
	v := &VAD{cfg: cfg}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Detect implements [VoiceDetector].
func (v *VAD) Detect(b audio.Block) bool {
	v.blocks++
	mean := b.MeanAbs()

	if v.learned < v.cfg.LearnBlocks {
		v.acc += mean
		v.learned++
		if v.learned == v.cfg.LearnBlocks {
			v.floor = v.acc / float64(v.cfg.LearnBlocks)
		}
		return false
	}

	threshold := v.floor + v.cfg.Margin
	peak := float64(b.Peak())
	voice := mean > threshold || (peak > threshold/2 && peak > mean*v.cfg.PeakRatio)
	if voice {
		v.voiced++
	}
	v.meter(mean, peak, threshold, voice)
	return voice
}

// meter logs the level of every MeterEvery-th block, for tuning the margin
// against a real microphone.
func (v *VAD) meter(mean, peak, threshold float64, voice bool) {
	if v.cfg.MeterEvery <= 0 || v.blocks%uint64(v.cfg.MeterEvery) != 0 {
		return
	}
	log := v.log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("vad: level",
		"mean", mean,
		"peak", peak,
		"floor", v.floor,
		"threshold", threshold,
		"voice", voice,
	)
}

// Reset discards the floor and re-enters the learning phase.
func (v *VAD) Reset() {
	if v.nextLearn > 0 {
		v.cfg.LearnBlocks = v.nextLearn
		v.nextLearn = 0
	}
	v.floor = 0
	v.acc = 0
	v.learned = 0
}

// Learned reports whether the noise floor is established.
func (v *VAD) Learned() bool { return v.learned >= v.cfg.LearnBlocks }

// Floor returns the learned noise floor, or 0 while learning.
func (v *VAD) Floor() float64 { return v.floor }

// SetTuning replaces margin, peak ratio and meter rate without discarding
// the floor. A changed LearnBlocks takes effect at the next [VAD.Reset].
func (v *VAD) SetTuning(cfg VADConfig) {
	v.cfg.Margin = cfg.Margin
	v.cfg.PeakRatio = cfg.PeakRatio
	v.cfg.MeterEvery = cfg.MeterEvery
	if cfg.LearnBlocks >= 1 {
		v.nextLearn = cfg.LearnBlocks
	}
}

// Stats returns a snapshot of the detector counters.
func (v *VAD) Stats() VADStats {
	return VADStats{
		Blocks:  v.blocks,
		Voiced:  v.voiced,
		Floor:   v.floor,
		Learned: v.Learned(),
	}
}
