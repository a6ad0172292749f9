package audio_test

import (
	"math"
	"testing"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestChime_Layout(t *testing.T) {
	b := audio.Chime(audio.ReadyChime, 16000, 0.5)
	// 100+20+100+20+200 ms at 16 kHz.
	if len(b) != 7040 {
		t.Fatalf("length: got %d, want 7040", len(b))
	}
	if got := audio.ChimeDuration(audio.ReadyChime); got != 440*time.Millisecond {
		t.Errorf("ChimeDuration: got %v, want 440ms", got)
	}

	rests := []struct{ from, to int }{{1600, 1920}, {3520, 3840}}
	for _, r := range rests {
		for i := r.from; i < r.to; i++ {
			if b[i] != 0 {
				t.Fatalf("rest sample %d = %d, want 0", i, b[i])
			}
		}
	}
	// Notes start and end silent so the device does not click.
	for _, i := range []int{0, 1599, 1920, 3519, 3840, 7039} {
		if b[i] != 0 {
			t.Errorf("note edge sample %d = %d, want 0", i, b[i])
		}
	}
}

func TestChime_PitchAndLevel(t *testing.T) {
	note := []audio.Note{{Freq: 1000, Duration: 100 * time.Millisecond}}
	b := audio.Chime(note, 16000, 0.5)

	crossings := 0
	for i := 1; i < len(b); i++ {
		if (b[i-1] < 0) != (b[i] < 0) {
			crossings++
		}
	}
	// 1 kHz for 100 ms crosses zero about 200 times.
	if crossings < 195 || crossings > 205 {
		t.Errorf("zero crossings: got %d, want about 200", crossings)
	}

	limit := int64(math.Round(0.5 * math.MaxInt16))
	if peak := b.Peak(); peak > limit || peak < limit*9/10 {
		t.Errorf("peak: got %d, want close to %d", peak, limit)
	}
}

func TestChime_Edges(t *testing.T) {
	if b := audio.Chime(audio.ReadyChime, 0, 1); b != nil {
		t.Errorf("zero rate: got %d samples, want none", len(b))
	}
	if b := audio.Chime(audio.ReadyChime, 16000, 3); b.Peak() > math.MaxInt16 {
		t.Errorf("amplitude not clamped: peak %d", b.Peak())
	}
	if b := audio.Chime(audio.ReadyChime, 16000, -1); b.Peak() != 0 {
		t.Errorf("negative amplitude: peak %d, want 0", b.Peak())
	}
}
