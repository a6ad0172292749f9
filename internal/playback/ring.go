// Package playback receives inbound speech chunks from the network, buffers
// them in a bounded ring, and feeds them to the output device from a
// dedicated task with pre-buffering and backpressure.
//
// The network receive loop is the single producer; the playback task is the
// single consumer. Cross-goroutine communication goes exclusively through
// the [Ring] and the shared [StateMachine].
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrRingAlloc is returned by [NewRing] for sizes that cannot be allocated.
	ErrRingAlloc = errors.New("playback: invalid ring allocation")

	// ErrRingClosed is returned by [Ring.Receive] after [Ring.Close].
	ErrRingClosed = errors.New("playback: ring closed")

	// ErrRingTimeout is returned by [Ring.Receive] when no chunk arrived in time.
	ErrRingTimeout = errors.New("playback: ring receive timeout")

	// ErrOversizeChunk is returned when a chunk does not fit the consumer's
	// buffer. The chunk is discarded, never truncated.
	ErrOversizeChunk = errors.New("playback: chunk exceeds buffer")
)

// RingStats is a snapshot of ring counters.
type RingStats struct {
	Pushed       uint64
	Dropped      uint64
	DroppedBytes uint64
	Popped       uint64
	Chunks       int
	Bytes        int
	Capacity     int
}

// Ring is a bounded FIFO of variable-length byte chunks backed by a fixed
// byte array. Positions are monotonic and mapped onto the array with modulo
// arithmetic, so wrap-around never indexes out of bounds.
//
// A push that does not fit is rejected wholesale: accepted chunks are always
// delivered intact and in push order.
type Ring struct {
	mu     sync.Mutex
	data   []byte
	head   int64 // read position
	tail   int64 // write position
	lens   []int // chunk lengths, FIFO over lhead..ltail
	lhead  int64
	ltail  int64
	closed bool
	notify chan struct{}

	pushed       uint64
	dropped      uint64
	droppedBytes uint64
	popped       uint64
}

// NewRing allocates a ring holding up to capacity bytes in at most maxChunks
// chunks.
func NewRing(capacity, maxChunks int) (*Ring, error) {
	if capacity <= 0 || maxChunks <= 0 {
		return nil, fmt.Errorf("%w: capacity=%d max_chunks=%d", ErrRingAlloc, capacity, maxChunks)
	}
	return &Ring{
		data:   make([]byte, capacity),
		lens:   make([]int, maxChunks),
		notify: make(chan struct{}, 1),
	}, nil
}

// Push appends a copy of chunk. It never blocks and returns false, counting
// a drop, when the chunk does not fit or the ring is closed. Empty chunks are
// ignored.
func (r *Ring) Push(chunk []byte) bool {
	if len(chunk) == 0 {
		return true
	}
	r.mu.Lock()
	if r.closed ||
		len(chunk) > len(r.data)-int(r.tail-r.head) ||
		r.ltail-r.lhead >= int64(len(r.lens)) {
		r.dropped++
		r.droppedBytes += uint64(len(chunk))
		r.mu.Unlock()
		return false
	}

	start := int(r.tail % int64(len(r.data)))
	n := copy(r.data[start:], chunk)
	copy(r.data, chunk[n:])
	r.tail += int64(len(chunk))
	r.lens[r.ltail%int64(len(r.lens))] = len(chunk)
	r.ltail++
	r.pushed++
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
	return true
}

// TryPop copies the oldest chunk into dst and removes it. It returns the
// chunk length and false if the ring is empty. A chunk longer than dst is
// removed and reported as [ErrOversizeChunk].
func (r *Ring) TryPop(dst []byte) (int, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.popLocked(dst)
}

func (r *Ring) popLocked(dst []byte) (int, bool, error) {
	if r.closed {
		return 0, false, ErrRingClosed
	}
	if r.lhead == r.ltail {
		return 0, false, nil
	}
	size := r.lens[r.lhead%int64(len(r.lens))]
	r.lhead++
	if size > len(dst) {
		r.head += int64(size)
		r.dropped++
		r.droppedBytes += uint64(size)
		return size, true, fmt.Errorf("%w: %d > %d bytes", ErrOversizeChunk, size, len(dst))
	}
	start := int(r.head % int64(len(r.data)))
	n := copy(dst[:size], r.data[start:])
	copy(dst[n:size], r.data)
	r.head += int64(size)
	r.popped++
	return size, true, nil
}

// Receive waits up to timeout for a chunk and copies it into dst. It returns
// [ErrRingTimeout] when nothing arrived, [ErrRingClosed] after Close, and
// ctx.Err() when ctx is done first.
func (r *Ring) Receive(ctx context.Context, dst []byte, timeout time.Duration) (int, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		n, ok, err := r.TryPop(dst)
		if err != nil || ok {
			return n, err
		}
		select {
		case <-r.notify:
		case <-timer.C:
			return 0, ErrRingTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Len returns the number of buffered chunks.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.ltail - r.lhead)
}

// Buffered returns the number of buffered bytes.
func (r *Ring) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Close discards buffered data and releases the backing array. Subsequent
// pushes are dropped and receives return [ErrRingClosed].
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.head, r.tail = 0, 0
	r.lhead, r.ltail = 0, 0
	r.data = nil
	r.lens = nil
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Closed reports whether Close has been called.
func (r *Ring) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Stats returns a snapshot of ring counters.
func (r *Ring) Stats() RingStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RingStats{
		Pushed:       r.pushed,
		Dropped:      r.dropped,
		DroppedBytes: r.droppedBytes,
		Popped:       r.popped,
		Chunks:       int(r.ltail - r.lhead),
		Bytes:        int(r.tail - r.head),
		Capacity:     len(r.data),
	}
}
