package listen_test

import (
	"sync"
	"time"

	"github.com/MrWong99/earshot/pkg/audio"
)

// fakeClock is a manually advanced clock safe for concurrent reads.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// constBlock returns n samples alternating between +amp and -amp, so mean
// absolute amplitude and peak are both amp.
func constBlock(n int, amp int16) audio.Block {
	b := make(audio.Block, n)
	for i := range b {
		if i%2 == 0 {
			b[i] = amp
		} else {
			b[i] = -amp
		}
	}
	return b
}

// wakeBlock returns n samples split into 10 segments where segments 2 and 3
// carry amplitudes 8000 and 4000 and the rest are silent.
func wakeBlock(n int) audio.Block {
	b := make(audio.Block, n)
	seg := n / 10
	for i := 2 * seg; i < 3*seg; i++ {
		b[i] = 8000
	}
	for i := 3 * seg; i < 4*seg; i++ {
		b[i] = -4000
	}
	return b
}

// faintWakeBlock returns n samples whose segments 2 and 3 carry amplitude
// 1734, a mean square of about 0.0028. Alone it clears the default primary
// floors; diluted by an equal span of silence it falls below the fallback
// energy floor.
func faintWakeBlock(n int) audio.Block {
	b := make(audio.Block, n)
	seg := n / 10
	for i := 2 * seg; i < 4*seg; i++ {
		if i%2 == 0 {
			b[i] = 1734
		} else {
			b[i] = -1734
		}
	}
	return b
}

// scriptedVAD returns verdicts from a script, then false.
type scriptedVAD struct {
	verdicts []bool
	i        int
}

func (s *scriptedVAD) Detect(audio.Block) bool {
	if s.i >= len(s.verdicts) {
		s.i++
		return false
	}
	v := s.verdicts[s.i]
	s.i++
	return v
}

// fixedVAD returns the same verdict for every block.
type fixedVAD bool

func (f *fixedVAD) Detect(audio.Block) bool { return bool(*f) }
