package audio

import (
	"encoding/binary"
	"log/slog"
	"sync"
)

// AppendPCM appends samples to dst as little-endian 16-bit PCM and returns the
// extended slice.
func AppendPCM(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// DecodePCM decodes little-endian 16-bit PCM into dst, reusing its capacity.
// A trailing odd byte is ignored.
func DecodePCM(dst []int16, pcm []byte) []int16 {
	n := len(pcm) / 2
	if cap(dst) < n {
		dst = make([]int16, n)
	}
	dst = dst[:n]
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return dst
}

// StereoToMono averages each interleaved L+R pair into one mono sample.
// Uses int32 arithmetic to prevent overflow. A trailing unpaired sample is
// dropped.
func StereoToMono(samples []int16) []int16 {
	frames := len(samples) / 2
	out := make([]int16, frames)
	for i := range frames {
		avg := (int32(samples[i*2]) + int32(samples[i*2+1])) / 2
		out[i] = clamp16(avg)
	}
	return out
}

// ResampleMono resamples mono samples from srcRate to dstRate using linear
// interpolation. If the rates match or either is invalid, the input is
// returned unchanged.
func ResampleMono(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]int16, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// RateAdapter resamples submitted buffers to a fixed device rate. It logs a
// warning on the first mismatch. Create one per device; not designed for
// shared use across goroutines.
type RateAdapter struct {
	DeviceRate int
	warned     sync.Once
}

// Adapt returns samples at the device rate.
func (a *RateAdapter) Adapt(samples []int16, rate int) []int16 {
	if rate == a.DeviceRate || rate <= 0 {
		return samples
	}
	a.warned.Do(func() {
		slog.Warn("audio rate mismatch: resampling",
			"from", rate,
			"to", a.DeviceRate,
		)
	})
	return ResampleMono(samples, rate, a.DeviceRate)
}
