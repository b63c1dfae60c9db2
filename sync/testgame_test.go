package sync

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGame is a deterministic host simulation: its state evolves as a pure
// function of (state, inputs), so replaying the same inputs from a restored
// state always converges to the same bytes.
type fakeGame struct {
	t *testing.T
	s *Sync

	players   int
	inputSize int
	state     []byte

	saves        map[Frame][]byte
	applied      map[Frame][]byte
	advances     int
	loads        int
	frees        int
	hintsUsed    int
	hintsOffered int
	events       []Event

	failSave bool
	failLoad bool
}

func newFakeGame(t *testing.T, players, inputSize, stateSize int) *fakeGame {
	g := &fakeGame{
		t:         t,
		players:   players,
		inputSize: inputSize,
		state:     make([]byte, stateSize),
		saves:     map[Frame][]byte{},
		applied:   map[Frame][]byte{},
	}
	for i := range g.state {
		g.state[i] = byte(i)
	}
	return g
}

func (g *fakeGame) SaveGameState(frame Frame, hint []byte) ([]byte, uint32, error) {
	if g.failSave {
		return nil, 0, errors.New("save refused")
	}
	var buf []byte
	if hint != nil {
		g.hintsOffered++
	}
	if hint != nil && cap(hint) >= len(g.state) {
		buf = hint[:len(g.state)]
		g.hintsUsed++
	} else {
		buf = make([]byte, len(g.state))
	}
	copy(buf, g.state)
	g.saves[frame] = append([]byte(nil), g.state...)
	return buf, crc32.ChecksumIEEE(g.state), nil
}

func (g *fakeGame) LoadGameState(buf []byte) error {
	if g.failLoad {
		return errors.New("load refused")
	}
	require.Len(g.t, buf, len(g.state))
	copy(g.state, buf)
	g.loads++
	return nil
}

func (g *fakeGame) FreeBuffer([]byte) {
	g.frees++
}

// AdvanceFrame runs one tick the way a real integration does: synchronize
// inputs, step the simulation, save the result.
func (g *fakeGame) AdvanceFrame(int) {
	inputs := make([]byte, g.players*g.inputSize)
	g.s.SynchronizeInputs(inputs)
	g.applied[g.s.FrameCount()] = append([]byte(nil), inputs...)
	g.step(inputs)
	require.NoError(g.t, g.s.IncrementFrame())
	g.advances++
}

func (g *fakeGame) OnEvent(ev Event) {
	g.events = append(g.events, ev)
}

// step advances a tick counter held in the first state bytes and mixes the
// frame's inputs into a small moving window, so consecutive states differ
// sparsely the way real game states do. Pure in (state, inputs); requires
// a state of at least 32 bytes.
func (g *fakeGame) step(inputs []byte) {
	var mix byte
	for _, b := range inputs {
		mix = mix*31 + b + 1
	}
	tick := binary.LittleEndian.Uint64(g.state[:8]) + 1
	binary.LittleEndian.PutUint64(g.state[:8], tick)
	offset := 8 + int(tick*13)%(len(g.state)-24)
	for i := 0; i < 16; i++ {
		g.state[offset+i] += mix + byte(i)
	}
}

// replayReference recomputes the state a fresh simulation reaches after
// applying the recorded inputs for frames [0, until).
func (g *fakeGame) replayReference(until Frame) []byte {
	ref := newFakeGame(g.t, g.players, g.inputSize, len(g.state))
	for f := Frame(0); f < until; f++ {
		inputs, ok := g.applied[f]
		require.True(g.t, ok, "no inputs recorded for frame %d", f)
		ref.step(inputs)
	}
	return ref.state
}

func constInput(size int, b byte) GameInput {
	bits := make([]byte, size)
	for i := range bits {
		bits[i] = b
	}
	return GameInput{Frame: NullFrame, Bits: bits}
}

func randomState(t *testing.T, seed int64, size int) []byte {
	t.Helper()
	buf := make([]byte, size)
	_, err := rand.New(rand.NewSource(seed)).Read(buf)
	require.NoError(t, err)
	return buf
}
