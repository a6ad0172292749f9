// Package mock provides in-memory mock implementations of the [audio.InputDevice],
// [audio.OutputDevice], [audio.Sender] and [audio.Display] interfaces for use
// in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := &mock.InputDevice{Blocks: []audio.Block{loud, loud, quiet}}
//	out := &mock.OutputDevice{}
//	sender := &mock.Sender{}
//	n, err := in.Read(buf)
package mock

import (
	"errors"
	"io"
	"sync"

	"github.com/MrWong99/earshot/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputDevice  = (*InputDevice)(nil)
	_ audio.OutputDevice = (*OutputDevice)(nil)
	_ audio.Sender       = (*Sender)(nil)
	_ audio.Display      = (*Display)(nil)
)

// ─── InputDevice ─────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice] that replays a
// scripted list of blocks.
type InputDevice struct {
	mu sync.Mutex

	// Blocks are returned one per Read call, in order. A block longer than the
	// caller's buffer is truncated.
	Blocks []audio.Block

	// Next, when non-nil, is consulted once Blocks is exhausted. It receives
	// the zero-based read index and returns the block to deliver or an error.
	Next func(i int) (audio.Block, error)

	// Err is returned once Blocks is exhausted and Next is nil. Defaults to
	// io.EOF when left nil.
	Err error

	// Rate is returned by SampleRate. Defaults to 16000.
	Rate int

	// CallCountRead records how many times Read was called.
	CallCountRead int
}

// Read implements [audio.InputDevice].
func (d *InputDevice) Read(buf []int16) (int, error) {
	d.mu.Lock()
	i := d.CallCountRead
	d.CallCountRead++
	var (
		block audio.Block
		err   error
	)
	switch {
	case i < len(d.Blocks):
		block = d.Blocks[i]
	case d.Next != nil:
		next := d.Next
		d.mu.Unlock()
		block, err = next(i)
		d.mu.Lock()
	case d.Err != nil:
		err = d.Err
	default:
		err = io.EOF
	}
	d.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return copy(buf, block), nil
}

// SampleRate implements [audio.InputDevice].
func (d *InputDevice) SampleRate() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Rate == 0 {
		return 16000
	}
	return d.Rate
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// OutputDevice is a mock implementation of [audio.OutputDevice].
//
// By default it accepts every Submit and reports [audio.QueueHasRoom] while
// any submitted samples are pending, and [audio.QueueNotPlaying] otherwise.
// Call [OutputDevice.Drain] to mark pending samples as played.
type OutputDevice struct {
	mu sync.Mutex

	// Reject makes Submit return false without recording the samples.
	Reject bool

	// Status, when non-nil, overrides QueueStatus. It receives the number of
	// QueueStatus calls made so far.
	Status func(call int) audio.QueueStatus

	// Submitted holds a copy of every accepted buffer, in order.
	Submitted [][]int16

	// Rates holds the rate passed with each accepted buffer.
	Rates []int

	pending int

	// CallCountSubmit records how many times Submit was called.
	CallCountSubmit int

	// CallCountQueueStatus records how many times QueueStatus was called.
	CallCountQueueStatus int
}

// Submit implements [audio.OutputDevice].
func (d *OutputDevice) Submit(samples []int16, rate int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountSubmit++
	if d.Reject {
		return false
	}
	d.Submitted = append(d.Submitted, append([]int16(nil), samples...))
	d.Rates = append(d.Rates, rate)
	d.pending += len(samples)
	return true
}

// QueueStatus implements [audio.OutputDevice].
func (d *OutputDevice) QueueStatus() audio.QueueStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	call := d.CallCountQueueStatus
	d.CallCountQueueStatus++
	if d.Status != nil {
		return d.Status(call)
	}
	if d.pending > 0 {
		return audio.QueueHasRoom
	}
	return audio.QueueNotPlaying
}

// Drain marks all pending samples as played.
func (d *OutputDevice) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = 0
}

// SubmittedSamples returns the total number of accepted samples.
func (d *OutputDevice) SubmittedSamples() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n int
	for _, s := range d.Submitted {
		n += len(s)
	}
	return n
}

// SubmitCount returns the number of accepted buffers.
func (d *OutputDevice) SubmitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Submitted)
}

// ─── Sender ──────────────────────────────────────────────────────────────────

// SentChunk is one recorded [Sender.Send] call.
type SentChunk struct {
	Data  []byte
	First bool
	Last  bool
}

// Sender is a mock implementation of [audio.Sender].
type Sender struct {
	mu sync.Mutex

	// SendErr is returned by every Send call when non-nil.
	SendErr error

	// FailAt lists zero-based call indices that fail with ErrSendFailed.
	FailAt map[int]bool

	// Chunks holds a copy of every Send call, including failed ones.
	Chunks []SentChunk
}

// ErrSendFailed is returned for calls listed in [Sender.FailAt].
var ErrSendFailed = errors.New("mock: send failed")

// Send implements [audio.Sender].
func (s *Sender) Send(data []byte, first, last bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := len(s.Chunks)
	s.Chunks = append(s.Chunks, SentChunk{
		Data:  append([]byte(nil), data...),
		First: first,
		Last:  last,
	})
	if s.SendErr != nil {
		return s.SendErr
	}
	if s.FailAt[i] {
		return ErrSendFailed
	}
	return nil
}

// Sent returns a snapshot of the recorded chunks.
func (s *Sender) Sent() []SentChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentChunk(nil), s.Chunks...)
}

// ─── Display ─────────────────────────────────────────────────────────────────

// Display is a mock implementation of [audio.Display].
type Display struct {
	mu sync.Mutex

	// Statuses records every ShowStatus call in order.
	Statuses []audio.Status

	// Messages records a copy of every ShowMessage payload in order.
	Messages [][]byte
}

// ShowStatus implements [audio.Display].
func (d *Display) ShowStatus(s audio.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Statuses = append(d.Statuses, s)
}

// ShowMessage implements [audio.Display].
func (d *Display) ShowMessage(payload []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Messages = append(d.Messages, append([]byte(nil), payload...))
}

// Last returns the most recent status, or [audio.StatusIdle] if none.
func (d *Display) Last() audio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Statuses) == 0 {
		return audio.StatusIdle
	}
	return d.Statuses[len(d.Statuses)-1]
}

// History returns a copy of every status shown so far.
func (d *Display) History() []audio.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]audio.Status(nil), d.Statuses...)
}

// MessageCount returns the number of pass-through messages received.
func (d *Display) MessageCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.Messages)
}
