package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/earshot/internal/transport"
	"github.com/MrWong99/earshot/pkg/audio"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a websocket server running handler for every
// connection. The connection is closed normally when handler returns.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("server read: %v", err)
		return frame{}
	}
	return frame{typ: typ, data: data}
}

func writeText(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(s)); err != nil {
		t.Errorf("server write: %v", err)
	}
}

type recorder struct {
	mu     sync.Mutex
	kinds  []audio.FrameKind
	frames [][]byte
}

func (r *recorder) HandleFrame(kind audio.FrameKind, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	r.frames = append(r.frames, append([]byte(nil), payload...))
}

func (r *recorder) snapshot() ([]audio.FrameKind, [][]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audio.FrameKind(nil), r.kinds...), append([][]byte(nil), r.frames...)
}

func newChannel(srv *httptest.Server, h audio.FrameHandler) *transport.Channel {
	return transport.New(transport.Config{
		URL:          wsURL(srv),
		DeviceID:     "aa:bb:cc",
		Token:        "secret",
		SampleRate:   16000,
		DialTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, h)
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_SendsHeadersAndHello(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	headers := make(chan http.Header, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header.Clone()
		f := readFrame(t, conn)
		var m map[string]any
		if err := json.Unmarshal(f.data, &m); err != nil {
			t.Errorf("hello unmarshal: %v", err)
		}
		got <- m
	})

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	h := <-headers
	if h.Get("Device-Id") != "aa:bb:cc" {
		t.Errorf("Device-Id = %q", h.Get("Device-Id"))
	}
	if h.Get("Authorization") != "Bearer secret" {
		t.Errorf("Authorization = %q", h.Get("Authorization"))
	}
	if h.Get("Client-Id") == "" || h.Get("Protocol-Version") != "1" {
		t.Errorf("missing Client-Id or Protocol-Version: %v", h)
	}

	hello := <-got
	if hello["type"] != "hello" {
		t.Errorf("first frame type = %v, want hello", hello["type"])
	}
	params, _ := hello["audio_params"].(map[string]any)
	if params["sample_rate"] != float64(16000) || params["format"] != "pcm" {
		t.Errorf("audio_params = %v", params)
	}
	if !ch.Connected() {
		t.Error("Connected() = false after Dial")
	}
}

func TestSend_FramesUtterance(t *testing.T) {
	t.Parallel()
	frames := make(chan frame, 8)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		for range 4 {
			frames <- readFrame(t, conn)
		}
	})

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send([]byte{1, 2, 3, 4}, true, false); err != nil {
		t.Fatalf("Send first: %v", err)
	}
	if err := ch.Send([]byte{5, 6}, false, true); err != nil {
		t.Fatalf("Send last: %v", err)
	}

	want := []struct {
		typ  websocket.MessageType
		body string
	}{
		{websocket.MessageText, `"state":"start"`},
		{websocket.MessageBinary, "\x01\x02\x03\x04"},
		{websocket.MessageBinary, "\x05\x06"},
		{websocket.MessageText, `"state":"stop"`},
	}
	for i, w := range want {
		f := <-frames
		if f.typ != w.typ {
			t.Errorf("frame %d type = %v, want %v", i, f.typ, w.typ)
		}
		if !strings.Contains(string(f.data), w.body) {
			t.Errorf("frame %d = %q, want it to contain %q", i, f.data, w.body)
		}
	}

	st := ch.Stats()
	if st.FramesOut != 5 || st.SendErrors != 0 {
		t.Errorf("stats = %+v, want 5 frames out (hello + 4)", st)
	}
}

func TestSend_EmptyFinalChunkOnlyStops(t *testing.T) {
	t.Parallel()
	frames := make(chan frame, 4)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		frames <- readFrame(t, conn)
	})

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(nil, false, true); err != nil {
		t.Fatalf("Send: %v", err)
	}
	f := <-frames
	if f.typ != websocket.MessageText || !strings.Contains(string(f.data), `"listen"`) {
		t.Errorf("got %v %q, want listen stop", f.typ, f.data)
	}
}

func TestSend_NotConnected(t *testing.T) {
	t.Parallel()
	ch := transport.New(transport.Config{URL: "ws://127.0.0.1:1"}, &recorder{})
	if err := ch.Send([]byte{1, 2}, true, true); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if ch.Stats().SendErrors != 1 {
		t.Error("send error not counted")
	}
	if err := ch.Run(context.Background()); !errors.Is(err, transport.ErrNotConnected) {
		t.Errorf("Run err = %v, want ErrNotConnected", err)
	}
}

func TestRun_DispatchesFrames(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		writeText(t, conn, `{"type":"hello","session_id":"sess-1"}`)
		writeText(t, conn, `{"type":"tts","state":"start"}`)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Write(ctx, websocket.MessageBinary, []byte{9, 8, 7, 6}); err != nil {
			t.Errorf("server write binary: %v", err)
		}
		writeText(t, conn, `{"type":"tts","state":"sentence_start","text":"Hello"}`)
		writeText(t, conn, `{"type":"tts","state":"stop"}`)
		writeText(t, conn, `not json`)
	})

	rec := &recorder{}
	ch := newChannel(srv, rec)
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	kinds, payloads := rec.snapshot()
	want := []audio.FrameKind{
		audio.FrameEpisodeStart,
		audio.FrameAudio,
		audio.FrameText,
		audio.FrameEpisodeEnd,
		audio.FrameText,
	}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("frame %d = %s, want %s", i, kinds[i], want[i])
		}
	}
	if string(payloads[1]) != "\x09\x08\x07\x06" {
		t.Errorf("audio payload = %v", payloads[1])
	}
	if !strings.Contains(string(payloads[2]), "sentence_start") {
		t.Errorf("text payload not passed through: %q", payloads[2])
	}
	if ch.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", ch.SessionID())
	}
	if ch.Connected() {
		t.Error("Connected() = true after remote close")
	}
	if st := ch.Stats(); st.Episodes != 1 || st.FramesIn != 6 {
		t.Errorf("stats = %+v", st)
	}
}

func TestRun_AbnormalCloseIsError(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		conn.Close(websocket.StatusInternalError, "boom")
	})

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := ch.Run(context.Background()); err == nil {
		t.Fatal("Run returned nil after abnormal close")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		<-release
	})
	defer close(release)

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- ch.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after cancel = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestClose_EndsRun(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		readFrame(t, conn) // hello
		// Keep reading so the close handshake completes.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_, _, _ = conn.Read(ctx)
		<-release
	})
	defer close(release)

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err != nil {
		t.Fatalf("Dial: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- ch.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	_ = ch.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run after Close = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestDial_Failure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	ch := newChannel(srv, &recorder{})
	if err := ch.Dial(context.Background()); err == nil {
		t.Fatal("Dial against a non-websocket endpoint succeeded")
	}
	if ch.Connected() {
		t.Error("Connected() = true after failed dial")
	}
}
