package sync

import (
	"bytes"
	"encoding/hex"
	"fmt"
)

// Frame is a simulation frame number. Frames start at 0 and increase
// monotonically for the lifetime of a session.
type Frame int32

// NullFrame marks the absence of a frame.
const NullFrame Frame = -1

// GameInput is one player's input for one frame: an opaque bit payload of
// the session's fixed input width.
type GameInput struct {
	Frame Frame
	Bits  []byte
}

// Erase zeroes the bit payload, keeping the frame number.
func (g *GameInput) Erase() {
	for i := range g.Bits {
		g.Bits[i] = 0
	}
}

// Equal reports whether two inputs carry the same bits. Unless bitsOnly is
// set, the frame numbers must match as well.
func (g *GameInput) Equal(other *GameInput, bitsOnly bool) bool {
	if !bitsOnly && g.Frame != other.Frame {
		return false
	}
	return bytes.Equal(g.Bits, other.Bits)
}

// clone returns a copy of the input normalized to the given bit width.
func (g *GameInput) clone(size int) GameInput {
	bits := make([]byte, size)
	copy(bits, g.Bits)
	return GameInput{Frame: g.Frame, Bits: bits}
}

func (g GameInput) String() string {
	return fmt.Sprintf("(frame:%d size:%d %s)", g.Frame, len(g.Bits), hex.EncodeToString(g.Bits))
}
