package audio

import (
	"context"
	"sync/atomic"
)

// Role is the direction a half-duplex audio path is currently switched to.
type Role int32

const (
	RoleNone Role = iota
	RoleCapture
	RolePlayback
)

// String returns the human-readable name of the role.
func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleCapture:
		return "capture"
	case RolePlayback:
		return "playback"
	default:
		return "unknown"
	}
}

// HalfDuplex arbitrates a single physical audio path between capture and
// playback. At most one role holds the path at a time.
//
// The zero value is not usable; create with [NewHalfDuplex].
type HalfDuplex struct {
	token chan struct{}
	role  atomic.Int32
}

// NewHalfDuplex returns an arbiter with the path free.
func NewHalfDuplex() *HalfDuplex {
	h := &HalfDuplex{token: make(chan struct{}, 1)}
	h.token <- struct{}{}
	return h
}

// Acquire blocks until the path is free or ctx is done, then switches it to
// role. It returns ctx.Err() if the path could not be taken in time.
func (h *HalfDuplex) Acquire(ctx context.Context, role Role) error {
	select {
	case <-h.token:
		h.role.Store(int32(role))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire switches the path to role if it is free and reports whether it
// did.
func (h *HalfDuplex) TryAcquire(role Role) bool {
	select {
	case <-h.token:
		h.role.Store(int32(role))
		return true
	default:
		return false
	}
}

// Release frees the path if role currently holds it. Releasing a role that
// does not hold the path is a no-op, so double release is safe.
func (h *HalfDuplex) Release(role Role) {
	if h.role.CompareAndSwap(int32(role), int32(RoleNone)) {
		h.token <- struct{}{}
	}
}

// Role returns the role currently holding the path.
func (h *HalfDuplex) Role() Role {
	return Role(h.role.Load())
}
