package audio

import "time"

// Block is one fixed-size read of consecutive mono samples from an
// [InputDevice]. Blocks are ephemeral; consumers copy what they retain.
type Block []int16

// Duration returns the wall-clock span of the block at the given sample rate.
func (b Block) Duration(sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b)) * time.Second / time.Duration(sampleRate)
}

// MeanAbs returns the mean absolute amplitude of the block.
func (b Block) MeanAbs() float64 {
	if len(b) == 0 {
		return 0
	}
	var sum int64
	for _, s := range b {
		sum += absSample(s)
	}
	return float64(sum) / float64(len(b))
}

// MeanSquare returns the mean squared amplitude of the block, normalised so
// that a full-scale square wave yields 1.
func (b Block) MeanSquare() float64 {
	if len(b) == 0 {
		return 0
	}
	var sum float64
	for _, s := range b {
		v := float64(s) / 32768
		sum += v * v
	}
	return sum / float64(len(b))
}

// Peak returns the largest absolute amplitude in the block.
func (b Block) Peak() int64 {
	var peak int64
	for _, s := range b {
		if a := absSample(s); a > peak {
			peak = a
		}
	}
	return peak
}

func absSample(s int16) int64 {
	v := int64(s)
	if v < 0 {
		return -v
	}
	return v
}

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BytesPerSecond returns the byte rate of 16-bit PCM in this format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * 2
}
