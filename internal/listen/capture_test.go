package listen_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/earshot/internal/listen"
	"github.com/MrWong99/earshot/internal/observe"
	"github.com/MrWong99/earshot/pkg/audio"
	"github.com/MrWong99/earshot/pkg/audio/mock"
)

const (
	blockSamples = 1024
	blockDur     = 64 * time.Millisecond // 1024 samples at 16 kHz
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type captureRig struct {
	c      *listen.Capture
	clk    *fakeClock
	sender *mock.Sender
}

func newCaptureRig(t *testing.T, cfg listen.CaptureConfig, vad listen.VoiceDetector) *captureRig {
	t.Helper()
	clk := newFakeClock()
	sender := &mock.Sender{}
	c := listen.NewCapture(cfg, vad, sender,
		listen.WithCaptureClock(clk.Now),
		listen.WithCaptureMetrics(testMetrics(t)),
	)
	return &captureRig{c: c, clk: clk, sender: sender}
}

// step processes one block and advances the clock by one block duration.
func (r *captureRig) step() listen.Event {
	ev := r.c.Process(context.Background(), make(audio.Block, blockSamples))
	r.clk.Advance(blockDur)
	return ev
}

func TestCapture_VoiceStartsAndSilenceEnds(t *testing.T) {
	t.Parallel()

	verdicts := []bool{true, true}
	rig := newCaptureRig(t, listen.DefaultCaptureConfig(), &scriptedVAD{verdicts: verdicts})

	if ev := rig.step(); ev != listen.EventNone || rig.c.Active() {
		t.Fatalf("first voice block: event %v active %v, want none/inactive", ev, rig.c.Active())
	}
	if ev := rig.step(); ev != listen.EventStarted || !rig.c.Active() {
		t.Fatalf("second voice block: event %v, want started", ev)
	}

	var silent int
	for {
		ev := rig.step()
		silent++
		if ev.Ended() {
			if ev != listen.EventEndedSilence {
				t.Fatalf("end event: got %v, want silence", ev)
			}
			break
		}
		if silent > 100 {
			t.Fatal("session never ended")
		}
	}
	// 2000ms / 64ms rounds up to 32 blocks of silence.
	if silent != 32 {
		t.Errorf("silent blocks before end: got %d, want 32", silent)
	}
	if rig.c.Active() {
		t.Error("session still active after end")
	}

	sent := rig.sender.Sent()
	if len(sent) == 0 {
		t.Fatal("nothing sent")
	}
	if !sent[0].First {
		t.Error("first chunk not tagged first")
	}
	final := sent[len(sent)-1]
	if !final.Last {
		t.Error("final chunk not tagged last")
	}
	var total int
	for i, ch := range sent {
		total += len(ch.Data)
		if i > 0 && ch.First {
			t.Errorf("chunk %d tagged first", i)
		}
		if i < len(sent)-1 && ch.Last {
			t.Errorf("chunk %d tagged last", i)
		}
		if i < len(sent)-1 && len(ch.Data) != 4096 {
			t.Errorf("chunk %d: %d bytes, want 4096", i, len(ch.Data))
		}
	}
	if want := 33 * blockSamples * 2; total != want {
		t.Errorf("total bytes: got %d, want %d", total, want)
	}
	got := rig.c.Stats()
	if got.Sessions != 1 || got.ChunksSent != uint64(len(sent)) || got.Active {
		t.Errorf("stats: %+v", got)
	}
	if got.SessionID == "" {
		t.Error("stats lost the last session id")
	}
}

func TestCapture_SingleVoiceBlockDoesNotStart(t *testing.T) {
	t.Parallel()

	rig := newCaptureRig(t, listen.DefaultCaptureConfig(), &scriptedVAD{verdicts: []bool{true, false, true, false}})
	for i := range 4 {
		if ev := rig.step(); ev != listen.EventNone {
			t.Fatalf("block %d: event %v, want none", i, ev)
		}
	}
	if len(rig.sender.Sent()) != 0 {
		t.Error("chunks sent without a session")
	}
}

func TestCapture_EmptyEndMarker(t *testing.T) {
	t.Parallel()

	cfg := listen.DefaultCaptureConfig()
	cfg.ChunkBytes = blockSamples * 2 // one block per chunk
	rig := newCaptureRig(t, cfg, &scriptedVAD{verdicts: []bool{true, true}})

	for range 100 {
		if rig.step().Ended() {
			break
		}
	}
	sent := rig.sender.Sent()
	final := sent[len(sent)-1]
	if !final.Last || len(final.Data) != 0 {
		t.Errorf("final chunk: last=%v len=%d, want empty end marker", final.Last, len(final.Data))
	}
	if sent[len(sent)-2].Last {
		t.Error("chunk before end marker tagged last")
	}
}

func TestCapture_ShortSessionSingleChunk(t *testing.T) {
	t.Parallel()

	cfg := listen.DefaultCaptureConfig()
	cfg.ChunkBytes = 1 << 20
	cfg.SilenceTimeout = 200 * time.Millisecond
	rig := newCaptureRig(t, cfg, &scriptedVAD{verdicts: []bool{true, true}})

	for range 20 {
		if rig.step().Ended() {
			break
		}
	}
	sent := rig.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(sent))
	}
	if !sent[0].First || !sent[0].Last {
		t.Errorf("single chunk: first=%v last=%v, want both", sent[0].First, sent[0].Last)
	}
}

func TestCapture_MaxDurationForcesEnd(t *testing.T) {
	t.Parallel()

	cfg := listen.DefaultCaptureConfig()
	cfg.MaxDuration = time.Second
	voice := fixedVAD(true)
	rig := newCaptureRig(t, cfg, &voice)

	var blocks int
	var ev listen.Event
	for blocks < 100 {
		ev = rig.step()
		blocks++
		if ev.Ended() {
			break
		}
	}
	if ev != listen.EventEndedMaxDuration {
		t.Fatalf("end event: got %v, want max_duration", ev)
	}
	// Session opens on block 2 (t=64ms) and must close on the first block at
	// or past t=1064ms, i.e. block 18.
	if blocks != 18 {
		t.Errorf("blocks until forced end: got %d, want 18", blocks)
	}
	sent := rig.sender.Sent()
	if !sent[len(sent)-1].Last {
		t.Error("forced end did not send a last chunk")
	}

	// Continuous voice starts a new session right away.
	rig.step()
	if ev := rig.step(); ev != listen.EventStarted {
		t.Errorf("after forced end: event %v, want started", ev)
	}
}

func TestCapture_SendFailureIsNonFatal(t *testing.T) {
	t.Parallel()

	cfg := listen.DefaultCaptureConfig()
	cfg.ChunkBytes = blockSamples * 2
	rig := newCaptureRig(t, cfg, &scriptedVAD{verdicts: []bool{true, true, true, true}})
	rig.sender.FailAt = map[int]bool{0: true, 1: true}

	for range 4 {
		rig.step()
	}
	if !rig.c.Active() {
		t.Fatal("send failures ended the session")
	}
	s := rig.c.Session()
	if s.SendFailures != 2 || s.ChunksSent != 1 {
		t.Errorf("session counters: failures=%d sent=%d, want 2/1", s.SendFailures, s.ChunksSent)
	}
	if got := rig.c.Stats().SendFailures; got != 2 {
		t.Errorf("stats failures: got %d, want 2", got)
	}
}

func TestCapture_NoSpeechTimeout(t *testing.T) {
	t.Parallel()

	cfg := listen.DefaultCaptureConfig()
	cfg.NoSpeechTimeout = 500 * time.Millisecond
	rig := newCaptureRig(t, cfg, &scriptedVAD{})
	rig.c.Arm()

	var got []listen.Event
	for range 20 {
		if ev := rig.step(); ev != listen.EventNone {
			got = append(got, ev)
		}
	}
	if len(got) != 1 || got[0] != listen.EventNoSpeech {
		t.Errorf("events: got %v, want a single no_speech", got)
	}
}

func TestCapture_AbortFlushes(t *testing.T) {
	t.Parallel()

	voice := fixedVAD(true)
	rig := newCaptureRig(t, listen.DefaultCaptureConfig(), &voice)
	rig.step()
	rig.step()
	rig.c.Abort()
	rig.c.Abort()

	if rig.c.Active() {
		t.Fatal("session active after abort")
	}
	sent := rig.sender.Sent()
	if len(sent) != 1 || !sent[0].Last || len(sent[0].Data) != blockSamples*2 {
		t.Errorf("abort flush: got %+v", sent)
	}
}
