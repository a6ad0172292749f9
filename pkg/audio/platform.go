// Package audio defines the device-facing interfaces and shared types of the
// earshot audio pipeline.
//
// The core pipeline never talks to hardware or the network directly. It
// consumes four narrow collaborators:
//
//   - [InputDevice]: a blocking microphone reader (16 kHz mono s16).
//   - [OutputDevice]: a non-blocking speaker queue with occupancy status.
//   - [Sender]: the outbound half of the network channel.
//   - [Display]: fire-and-forget status rendering.
//
// Inbound network frames are delivered to a [FrameHandler]. Implementations of
// the device interfaces live in backend packages (e.g. audio/simdev) and are
// selected by name through the config registry.
//
// This package lives under pkg/ because board support code outside this module
// is expected to implement [InputDevice] and [OutputDevice].
package audio

// QueueStatus reports the occupancy of an [OutputDevice] queue.
type QueueStatus int

const (
	// QueueNotPlaying means the device has nothing queued and is silent.
	QueueNotPlaying QueueStatus = iota

	// QueueHasRoom means the device is playing and accepts more samples.
	QueueHasRoom

	// QueueFull means the device is playing and its queue is saturated.
	QueueFull
)

// String returns the human-readable name of the queue status.
func (s QueueStatus) String() string {
	switch s {
	case QueueNotPlaying:
		return "not_playing"
	case QueueHasRoom:
		return "has_room"
	case QueueFull:
		return "full"
	default:
		return "unknown"
	}
}

// InputDevice is a blocking source of signed 16-bit mono samples at a fixed
// sample rate.
type InputDevice interface {
	// Read fills buf with up to len(buf) samples and returns the number read.
	// It blocks until at least one sample is available. A non-nil error is a
	// hardware failure; callers do not retry.
	Read(buf []int16) (int, error)

	// SampleRate returns the fixed capture rate in Hz.
	SampleRate() int
}

// OutputDevice is a non-blocking sample sink backed by a bounded queue.
type OutputDevice interface {
	// Submit enqueues samples recorded at rate Hz. It never blocks and returns
	// false when the queue cannot take the whole buffer. Accepted samples are
	// copied; the caller may reuse the buffer.
	Submit(samples []int16, rate int) bool

	// QueueStatus reports the current queue occupancy.
	QueueStatus() QueueStatus
}

// Sender is the outbound side of the network channel. Each call transmits one
// chunk of raw little-endian PCM tagged with its position in the utterance.
// A failed send is reported to the caller but never retried here.
type Sender interface {
	Send(data []byte, first, last bool) error
}

// FrameKind classifies an inbound network frame.
type FrameKind int

const (
	// FrameAudio is a binary audio chunk for playback.
	FrameAudio FrameKind = iota

	// FrameEpisodeStart marks the beginning of an inbound speech episode.
	FrameEpisodeStart

	// FrameEpisodeEnd marks that no more audio will arrive for the episode.
	FrameEpisodeEnd

	// FrameText is any other message (status, transcript). The pipeline passes
	// it to the [Display] untouched.
	FrameText
)

// String returns the human-readable name of the frame kind.
func (k FrameKind) String() string {
	switch k {
	case FrameAudio:
		return "audio"
	case FrameEpisodeStart:
		return "episode_start"
	case FrameEpisodeEnd:
		return "episode_end"
	case FrameText:
		return "text"
	default:
		return "unknown"
	}
}

// FrameHandler receives inbound frames from the network receive loop.
// Implementations must not block.
type FrameHandler interface {
	HandleFrame(kind FrameKind, payload []byte)
}

// FrameHandlerFunc adapts a function to [FrameHandler].
type FrameHandlerFunc func(kind FrameKind, payload []byte)

// HandleFrame calls f(kind, payload).
func (f FrameHandlerFunc) HandleFrame(kind FrameKind, payload []byte) { f(kind, payload) }

// Status is a coarse pipeline status shown to the user.
type Status int

const (
	StatusIdle Status = iota
	StatusListening
	StatusCapturing
	StatusThinking
	StatusSpeaking
	StatusError
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusListening:
		return "listening"
	case StatusCapturing:
		return "capturing"
	case StatusThinking:
		return "thinking"
	case StatusSpeaking:
		return "speaking"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Display renders status and pass-through messages. Both calls are
// fire-and-forget and must return promptly.
type Display interface {
	ShowStatus(s Status)
	ShowMessage(payload []byte)
}
