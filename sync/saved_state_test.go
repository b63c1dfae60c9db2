package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRingFrameUniqueness(t *testing.T) {
	g := newFakeGame(t, 2, 4, 64)
	s := newTestSync(t, g, nil)

	checkUnique := func() {
		seen := map[Frame]int{}
		for i := range s.savedstate.frames {
			f := s.savedstate.frames[i].frame
			if f == NullFrame {
				continue
			}
			seen[f]++
			require.Equal(t, 1, seen[f], "frame %d appears twice", f)
		}
	}

	// The initial save at frame 0 and every save after it, including the
	// ring wrapping around, must keep frame numbers unique.
	s.AddLocalInput(0, constInput(4, 1))
	checkUnique()
	for i := 0; i < 25; i++ {
		g.AdvanceFrame(0)
		checkUnique()
	}

	// Uniqueness holds across a rollback's re-saves as well.
	for f := Frame(0); f <= 20; f++ {
		in := constInput(4, 0)
		if f == 20 {
			in = constInput(4, 7)
		}
		in.Frame = f
		s.AddRemoteInput(1, in)
	}
	s.CheckSimulation()
	checkUnique()
}

func TestPoolAcquireSmallestFit(t *testing.T) {
	cb := &countingCallbacks{}
	p := &stateBufferPool{}

	p.release(make([]byte, 0, 100), cb)
	p.release(make([]byte, 0, 400), cb)
	p.release(make([]byte, 0, 200), cb)

	// No size hint yet: the pool cannot serve.
	require.Nil(t, p.acquire())

	p.observe(150)
	buf := p.acquire()
	require.NotNil(t, buf)
	require.Equal(t, 200, cap(buf))
	require.Len(t, buf, 200, "hint is resliced to full capacity")

	p.observe(500)
	require.Nil(t, p.acquire(), "nothing large enough")
	require.Len(t, p.free, 2)
}

func TestPoolOverflowFreesThroughHost(t *testing.T) {
	cb := &countingCallbacks{}
	p := &stateBufferPool{}

	for i := 0; i < ringSize; i++ {
		p.release(make([]byte, 8), cb)
	}
	require.Zero(t, cb.frees)

	p.release(make([]byte, 8), cb)
	require.Equal(t, 1, cb.frees)

	p.drain(cb)
	require.Equal(t, 1+ringSize, cb.frees)
	require.Empty(t, p.free)
	require.Zero(t, p.sizeHint)
}

func TestPoolReuseAcrossSaves(t *testing.T) {
	g := newFakeGame(t, 2, 4, 4096)
	newTestSync(t, g, nil)

	drive(g, 15, constInput(4, 1))

	// After the ring warms up, every save should be offered a reuse hint
	// and the host should accept it.
	require.Positive(t, g.hintsOffered)
	require.Positive(t, g.hintsUsed)
	require.Equal(t, g.hintsUsed, g.hintsOffered)
}

func TestScratchBufferEnsure(t *testing.T) {
	var b scratchBuffer
	b.ensure(16)
	require.Len(t, b.data, 16)

	b.data[0] = 42
	b.ensure(8)
	require.Len(t, b.data, 8)
	require.Equal(t, byte(42), b.data[0], "shrinking reslices without reallocating")

	b.ensure(64)
	require.Len(t, b.data, 64)
	require.Equal(t, byte(42), b.data[0], "growth preserves prior content")

	b.ensure(0)
	require.Empty(t, b.data)

	b.release()
	require.Nil(t, b.data)
}

type countingCallbacks struct {
	frees int
}

func (c *countingCallbacks) SaveGameState(Frame, []byte) ([]byte, uint32, error) {
	return nil, 0, nil
}
func (c *countingCallbacks) LoadGameState([]byte) error { return nil }
func (c *countingCallbacks) FreeBuffer([]byte)          { c.frees++ }
func (c *countingCallbacks) AdvanceFrame(int)           {}
func (c *countingCallbacks) OnEvent(Event)              {}
