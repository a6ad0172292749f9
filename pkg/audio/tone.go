package audio

import (
	"math"
	"time"
)

// Note is one step of a chime. A zero Freq is a rest.
type Note struct {
	Freq     float64
	Duration time.Duration
}

// ReadyChime is the rising G5, B5, D6 figure played when the device is ready
// to listen and again when a wake word is confirmed.
var ReadyChime = []Note{
	{Freq: 784, Duration: 100 * time.Millisecond},
	{Duration: 20 * time.Millisecond},
	{Freq: 988, Duration: 100 * time.Millisecond},
	{Duration: 20 * time.Millisecond},
	{Freq: 1175, Duration: 200 * time.Millisecond},
}

// toneFade is the linear ramp at both ends of every note.
const toneFade = 5 * time.Millisecond

// Chime renders notes as one mono block at rate. amplitude is a fraction of
// full scale and is clamped to [0, 1].
func Chime(notes []Note, rate int, amplitude float64) Block {
	if rate <= 0 {
		return nil
	}
	amplitude = min(max(amplitude, 0), 1)
	total := 0
	for _, n := range notes {
		total += samplesIn(n.Duration, rate)
	}
	out := make(Block, 0, total)
	fade := max(samplesIn(toneFade, rate), 1)
	for _, n := range notes {
		count := samplesIn(n.Duration, rate)
		if n.Freq <= 0 {
			out = append(out, make(Block, count)...)
			continue
		}
		step := 2 * math.Pi * n.Freq / float64(rate)
		for i := range count {
			gain := amplitude
			if edge := min(i, count-1-i); edge < fade {
				gain *= float64(edge) / float64(fade)
			}
			out = append(out, int16(math.Round(gain*math.MaxInt16*math.Sin(step*float64(i)))))
		}
	}
	return out
}

// ChimeDuration is the total length of notes.
func ChimeDuration(notes []Note) time.Duration {
	var d time.Duration
	for _, n := range notes {
		d += n.Duration
	}
	return d
}

func samplesIn(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}
