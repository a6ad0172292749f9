package audio_test

import (
	"testing"

	"github.com/MrWong99/earshot/pkg/audio"
)

func TestAppendDecodePCM(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768, 1234}
	pcm := audio.AppendPCM(nil, samples)
	if len(pcm) != len(samples)*2 {
		t.Fatalf("pcm length: got %d, want %d", len(pcm), len(samples)*2)
	}
	// Little-endian: 1 → 0x01 0x00.
	if pcm[2] != 0x01 || pcm[3] != 0x00 {
		t.Errorf("sample 1 bytes: got %#x %#x, want 0x1 0x0", pcm[2], pcm[3])
	}
	got := audio.DecodePCM(nil, pcm)
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestDecodePCM_OddTrailingByte(t *testing.T) {
	got := audio.DecodePCM(nil, []byte{0x10, 0x00, 0xff})
	if len(got) != 1 || got[0] != 16 {
		t.Errorf("got %v, want [16]", got)
	}
}

func TestDecodePCM_ReusesCapacity(t *testing.T) {
	dst := make([]int16, 0, 8)
	got := audio.DecodePCM(dst, []byte{1, 0, 2, 0})
	if &got[0] != &dst[:1][0] {
		t.Error("expected DecodePCM to reuse dst backing array")
	}
}

func TestStereoToMono(t *testing.T) {
	tests := []struct {
		name string
		in   []int16
		want []int16
	}{
		{name: "average", in: []int16{100, 200, -100, -200}, want: []int16{150, -150}},
		{name: "max does not overflow", in: []int16{32767, 32767}, want: []int16{32767}},
		{name: "odd tail dropped", in: []int16{10, 20, 30}, want: []int16{15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.StereoToMono(tt.in)
			if len(got) != len(tt.want) {
				t.Fatalf("length mismatch: got %d, want %d", len(got), len(tt.want))
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("sample %d: got %d, want %d", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResampleMono(t *testing.T) {
	in := []int16{0, 100, 200, 300}
	tests := []struct {
		name    string
		src     int
		dst     int
		wantLen int
	}{
		{name: "same rate", src: 16000, dst: 16000, wantLen: 4},
		{name: "upsample", src: 16000, dst: 32000, wantLen: 8},
		{name: "downsample", src: 16000, dst: 8000, wantLen: 2},
		{name: "zero rate", src: 0, dst: 16000, wantLen: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.ResampleMono(in, tt.src, tt.dst)
			if len(got) != tt.wantLen {
				t.Errorf("length: got %d, want %d", len(got), tt.wantLen)
			}
		})
	}
}

func TestResampleMono_Interpolates(t *testing.T) {
	got := audio.ResampleMono([]int16{0, 100}, 8000, 16000)
	want := []int16{0, 50, 100, 100}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRateAdapter(t *testing.T) {
	a := &audio.RateAdapter{DeviceRate: 16000}
	in := []int16{1, 2, 3, 4}
	if got := a.Adapt(in, 16000); len(got) != 4 {
		t.Errorf("matching rate: got len %d, want 4", len(got))
	}
	if got := a.Adapt(in, 8000); len(got) != 8 {
		t.Errorf("8k→16k: got len %d, want 8", len(got))
	}
}

func TestBlockStats(t *testing.T) {
	b := audio.Block{100, -300, 200, 0}
	if got := b.MeanAbs(); got != 150 {
		t.Errorf("MeanAbs: got %v, want 150", got)
	}
	if got := b.Peak(); got != 300 {
		t.Errorf("Peak: got %d, want 300", got)
	}
	if got := (audio.Block{-32768}).Peak(); got != 32768 {
		t.Errorf("Peak of min int16: got %d, want 32768", got)
	}
	if got := (audio.Block{}).MeanAbs(); got != 0 {
		t.Errorf("empty MeanAbs: got %v, want 0", got)
	}
	if got := (audio.Block{16384, -16384, 0, 0}).MeanSquare(); got != 0.125 {
		t.Errorf("MeanSquare: got %v, want 0.125", got)
	}
	if got := (audio.Block{}).MeanSquare(); got != 0 {
		t.Errorf("empty MeanSquare: got %v, want 0", got)
	}
	if got := make(audio.Block, 1600).Duration(16000); got.Milliseconds() != 100 {
		t.Errorf("Duration: got %v, want 100ms", got)
	}
}
