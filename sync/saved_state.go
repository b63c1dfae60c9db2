package sync

import (
	"sync/atomic"

	"github.com/lockstepio/go-lockstep/config"
)

// ringSize exceeds the prediction window by two so the keyframe at the base
// of any delta chain stays resident long enough to reconstruct every frame
// still inside the window.
const ringSize = config.MaxPredictionFrames + 2

// bufKind tags who owns a saved frame's payload and therefore how it is
// released.
type bufKind uint8

const (
	bufNone   bufKind = iota
	bufHost           // allocated by the host's save callback
	bufPooled         // borrowed from the state buffer pool
	bufOwned          // allocated by the core (delta or compressed payload)
)

// SavedFrame is one slot of the saved-state ring.
type SavedFrame struct {
	frame            Frame
	buf              []byte
	kind             bufKind
	uncompressedSize int
	checksum         uint32
	compressed       bool
	delta            bool

	// compressPending guards the payload while a compression job holds a
	// borrow of buf. While set, no other component may free, mutate, or
	// reassign the payload. Written by both the simulation goroutine and
	// the compression worker.
	compressPending atomic.Bool
}

// empty reports whether the slot can serve a load.
func (f *SavedFrame) empty() bool {
	return f.buf == nil || f.uncompressedSize <= 0
}

// savedState is the fixed-depth ring of per-frame serialized states.
// Saving writes to frames[head] and advances head; lookups scan by frame
// number, which is cheap at this capacity.
type savedState struct {
	frames [ringSize]SavedFrame
	head   int
}

// find returns the slot index holding the given frame, or -1.
func (s *savedState) find(frame Frame) int {
	for i := range s.frames {
		if s.frames[i].frame == frame {
			return i
		}
	}
	return -1
}

// last returns the most recently written slot.
func (s *savedState) last() *SavedFrame {
	i := s.head - 1
	if i < 0 {
		i = ringSize - 1
	}
	return &s.frames[i]
}

// stateBufferPool recycles host-allocated state buffers between saves so a
// session with a large serialized state does not allocate every frame.
type stateBufferPool struct {
	free     [][]byte
	sizeHint int
}

// acquire removes and returns the smallest pooled buffer whose capacity
// covers the size hint, resliced to its full capacity, or nil when the
// pool cannot help.
func (p *stateBufferPool) acquire() []byte {
	if p.sizeHint <= 0 || len(p.free) == 0 {
		return nil
	}
	best := -1
	for i, buf := range p.free {
		if cap(buf) < p.sizeHint {
			continue
		}
		if best < 0 || cap(buf) < cap(p.free[best]) {
			best = i
		}
	}
	if best < 0 {
		return nil
	}
	buf := p.free[best]
	p.free = append(p.free[:best], p.free[best+1:]...)
	return buf[:cap(buf)]
}

// release returns a raw state buffer to the pool, falling back to the
// host's free callback when the pool is at capacity. The pool never holds
// more buffers than the ring has slots.
func (p *stateBufferPool) release(buf []byte, cb Callbacks) {
	if buf == nil {
		return
	}
	if len(p.free) >= ringSize {
		cb.FreeBuffer(buf)
		return
	}
	p.free = append(p.free, buf)
}

// observe raises the running size hint used by acquire.
func (p *stateBufferPool) observe(size int) {
	if size > p.sizeHint {
		p.sizeHint = size
	}
}

// drain empties the pool through the host's free callback.
func (p *stateBufferPool) drain(cb Callbacks) {
	if cb != nil {
		for _, buf := range p.free {
			cb.FreeBuffer(buf)
		}
	}
	p.free = nil
	p.sizeHint = 0
}

// scratchBuffer is a session-lifetime byte buffer that grows monotonically.
type scratchBuffer struct {
	data []byte
}

// ensure grows the buffer to at least size bytes and reslices it to
// exactly size. Existing content within the old length is preserved.
func (b *scratchBuffer) ensure(size int) {
	if size <= 0 {
		b.data = b.data[:0]
		return
	}
	if cap(b.data) < size {
		grown := make([]byte, size)
		copy(grown, b.data)
		b.data = grown
		return
	}
	b.data = b.data[:size]
}

func (b *scratchBuffer) reset() {
	b.data = b.data[:0]
}

func (b *scratchBuffer) release() {
	b.data = nil
}
