// Package transport connects the audio pipeline to the remote processing
// service over a single websocket.
//
// Outbound, captured speech is written as binary frames of raw PCM. The
// utterance boundaries travel as JSON text frames:
//
//	{"type":"listen","state":"start","mode":"auto"}
//	{"type":"listen","state":"stop"}
//
// Inbound, binary frames carry synthesized speech and
// {"type":"tts","state":"start"|"stop"} text frames delimit a playback
// episode. Every other text frame is handed to the frame handler untouched as
// [audio.FrameText].
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/earshot/pkg/audio"
)

// ErrNotConnected is returned by [Channel.Send] before [Channel.Dial] or
// after the connection was lost.
var ErrNotConnected = errors.New("transport: not connected")

// Protocol version announced in the handshake.
const protocolVersion = 1

// Config holds connection parameters for a [Channel].
type Config struct {
	// URL is the ws:// or wss:// endpoint of the processing service.
	URL string

	// DeviceID identifies this device to the service.
	DeviceID string

	// Token is sent as a bearer token when non-empty.
	Token string

	// SampleRate is announced in the handshake.
	SampleRate int

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ReadLimit bounds a single inbound message. Default: 1 MiB.
	ReadLimit int64
}

// Stats is a snapshot of channel counters.
type Stats struct {
	Connected  bool   `json:"connected"`
	SessionID  string `json:"session_id,omitempty"`
	FramesIn   uint64 `json:"frames_in"`
	FramesOut  uint64 `json:"frames_out"`
	BytesIn    uint64 `json:"bytes_in"`
	BytesOut   uint64 `json:"bytes_out"`
	Episodes   uint64 `json:"episodes"`
	SendErrors uint64 `json:"send_errors"`
}

// message is the JSON control frame exchanged in both directions.
type message struct {
	Type        string       `json:"type"`
	State       string       `json:"state,omitempty"`
	Mode        string       `json:"mode,omitempty"`
	SessionID   string       `json:"session_id,omitempty"`
	Version     int          `json:"version,omitempty"`
	Transport   string       `json:"transport,omitempty"`
	AudioParams *audioParams `json:"audio_params,omitempty"`
}

type audioParams struct {
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
}

// Channel is the device side of the websocket link. It implements
// [audio.Sender]; [Channel.Run] drives the receive side.
type Channel struct {
	cfg     Config
	handler audio.FrameHandler

	mu        sync.RWMutex
	conn      *websocket.Conn
	sessionID string

	framesIn   atomic.Uint64
	framesOut  atomic.Uint64
	bytesIn    atomic.Uint64
	bytesOut   atomic.Uint64
	episodes   atomic.Uint64
	sendErrors atomic.Uint64
}

var _ audio.Sender = (*Channel)(nil)

// New returns an unconnected channel delivering inbound frames to handler.
func New(cfg Config, handler audio.FrameHandler) *Channel {
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = 1 << 20
	}
	return &Channel{cfg: cfg, handler: handler}
}

// Dial opens the websocket and sends the hello handshake.
func (c *Channel) Dial(ctx context.Context) error {
	if c.cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DialTimeout)
		defer cancel()
	}

	headers := http.Header{}
	headers.Set("Protocol-Version", fmt.Sprint(protocolVersion))
	headers.Set("Client-Id", uuid.NewString())
	if c.cfg.DeviceID != "" {
		headers.Set("Device-Id", c.cfg.DeviceID)
	}
	if c.cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, c.cfg.URL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		return fmt.Errorf("transport: dial %s: %w", c.cfg.URL, err)
	}
	conn.SetReadLimit(c.cfg.ReadLimit)

	c.mu.Lock()
	c.conn = conn
	c.sessionID = ""
	c.mu.Unlock()

	hello := message{
		Type:      "hello",
		Version:   protocolVersion,
		Transport: "websocket",
		AudioParams: &audioParams{
			Format:     "pcm",
			SampleRate: c.cfg.SampleRate,
			Channels:   1,
		},
	}
	if err := c.writeJSON(ctx, hello); err != nil {
		c.Close()
		return fmt.Errorf("transport: hello: %w", err)
	}
	slog.Info("transport: connected", "url", c.cfg.URL, "device_id", c.cfg.DeviceID)
	return nil
}

// Send implements [audio.Sender]. The first chunk of an utterance is preceded
// by a listen-start frame and the last is followed by a listen-stop frame. A
// zero-length chunk only emits the control frames.
func (c *Channel) Send(data []byte, first, last bool) error {
	err := c.send(data, first, last)
	if err != nil {
		c.sendErrors.Add(1)
	}
	return err
}

func (c *Channel) send(data []byte, first, last bool) error {
	ctx := context.Background()
	if c.cfg.WriteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.WriteTimeout)
		defer cancel()
	}

	if first {
		if err := c.writeJSON(ctx, message{Type: "listen", State: "start", Mode: "auto", SessionID: c.SessionID()}); err != nil {
			return fmt.Errorf("transport: listen start: %w", err)
		}
	}
	if len(data) > 0 {
		if err := c.write(ctx, websocket.MessageBinary, data); err != nil {
			return fmt.Errorf("transport: send audio: %w", err)
		}
	}
	if last {
		if err := c.writeJSON(ctx, message{Type: "listen", State: "stop", SessionID: c.SessionID()}); err != nil {
			return fmt.Errorf("transport: listen stop: %w", err)
		}
	}
	return nil
}

func (c *Channel) writeJSON(ctx context.Context, m message) error {
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return c.write(ctx, websocket.MessageText, b)
}

func (c *Channel) write(ctx context.Context, typ websocket.MessageType, b []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	if err := conn.Write(ctx, typ, b); err != nil {
		return err
	}
	c.framesOut.Add(1)
	c.bytesOut.Add(uint64(len(b)))
	return nil
}

// Run reads inbound frames until ctx is done or the connection drops. It
// returns nil on a normal close or cancellation.
func (c *Channel) Run(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			c.mu.Lock()
			closed := c.conn != conn
			if !closed {
				c.conn = nil
			}
			c.mu.Unlock()
			if closed || ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		c.framesIn.Add(1)
		c.bytesIn.Add(uint64(len(data)))

		if typ == websocket.MessageBinary {
			c.handler.HandleFrame(audio.FrameAudio, data)
			continue
		}
		c.dispatchText(data)
	}
}

// dispatchText maps control frames onto frame kinds. Frames that are not
// playback control go to the handler as FrameText.
func (c *Channel) dispatchText(data []byte) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Debug("transport: non-JSON text frame", "bytes", len(data))
		c.handler.HandleFrame(audio.FrameText, data)
		return
	}

	switch {
	case m.Type == "hello":
		c.mu.Lock()
		c.sessionID = m.SessionID
		c.mu.Unlock()
		slog.Info("transport: handshake complete", "session_id", m.SessionID)
	case m.Type == "tts" && m.State == "start":
		c.episodes.Add(1)
		c.handler.HandleFrame(audio.FrameEpisodeStart, nil)
	case m.Type == "tts" && m.State == "stop":
		c.handler.HandleFrame(audio.FrameEpisodeEnd, nil)
	default:
		c.handler.HandleFrame(audio.FrameText, data)
	}
}

// SessionID returns the id assigned by the service in its hello reply.
func (c *Channel) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Connected reports whether a connection is open.
func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// Close closes the connection with a normal closure status.
func (c *Channel) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "device shutting down")
}

// Stats returns a snapshot of channel counters.
func (c *Channel) Stats() Stats {
	c.mu.RLock()
	s := Stats{Connected: c.conn != nil, SessionID: c.sessionID}
	c.mu.RUnlock()
	s.FramesIn = c.framesIn.Load()
	s.FramesOut = c.framesOut.Load()
	s.BytesIn = c.bytesIn.Load()
	s.BytesOut = c.bytesOut.Load()
	s.Episodes = c.episodes.Load()
	s.SendErrors = c.sendErrors.Load()
	return s
}
