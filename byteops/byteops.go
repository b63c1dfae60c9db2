// Package byteops provides the XOR and copy primitives used by the state
// delta pipeline. The implementations are selected once per process based
// on the vector widths the CPU reports, so per-frame calls are a direct
// invocation through a package-level function variable.
package byteops

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/cpu"
)

var (
	once       sync.Once
	xorInPlace func(dst, src []byte)
	xorBuffers func(dst, a, b []byte)
)

// XorInPlace computes dst[i] ^= src[i] for i < len(src).
// len(dst) must be at least len(src).
func XorInPlace(dst, src []byte) {
	once.Do(bind)
	xorInPlace(dst, src)
}

// XorBuffers computes dst[i] = a[i] ^ b[i] for i < len(a).
// len(b) and len(dst) must be at least len(a).
func XorBuffers(dst, a, b []byte) {
	once.Do(bind)
	xorBuffers(dst, a, b)
}

// Copy copies src into dst, tolerating aliased or empty slices. The Go
// runtime's memmove is already width-dispatched, so unlike the XOR
// primitives there is no table to bind here.
func Copy(dst, src []byte) {
	if len(src) == 0 {
		return
	}
	if len(dst) > 0 && &dst[0] == &src[0] {
		return
	}
	copy(dst, src)
}

// bind selects the widest implementation the CPU supports. The wide and
// narrow paths process 32 and 16 bytes per iteration as groups of 64-bit
// words.
func bind() {
	switch {
	case cpu.X86.HasAVX2:
		xorInPlace = xorInPlaceWide
		xorBuffers = xorBuffersWide
	case cpu.X86.HasSSE2 || cpu.ARM64.HasASIMD:
		xorInPlace = xorInPlaceNarrow
		xorBuffers = xorBuffersNarrow
	default:
		xorInPlace = xorInPlaceScalar
		xorBuffers = xorBuffersScalar
	}
}

func xorInPlaceScalar(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}

func xorBuffersScalar(dst, a, b []byte) {
	for i := range a {
		dst[i] = a[i] ^ b[i]
	}
}

func xorInPlaceNarrow(dst, src []byte) {
	n := len(src)
	i := 0
	for ; i+16 <= n; i += 16 {
		d0 := binary.LittleEndian.Uint64(dst[i:])
		d1 := binary.LittleEndian.Uint64(dst[i+8:])
		s0 := binary.LittleEndian.Uint64(src[i:])
		s1 := binary.LittleEndian.Uint64(src[i+8:])
		binary.LittleEndian.PutUint64(dst[i:], d0^s0)
		binary.LittleEndian.PutUint64(dst[i+8:], d1^s1)
	}
	for ; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func xorBuffersNarrow(dst, a, b []byte) {
	n := len(a)
	i := 0
	for ; i+16 <= n; i += 16 {
		a0 := binary.LittleEndian.Uint64(a[i:])
		a1 := binary.LittleEndian.Uint64(a[i+8:])
		b0 := binary.LittleEndian.Uint64(b[i:])
		b1 := binary.LittleEndian.Uint64(b[i+8:])
		binary.LittleEndian.PutUint64(dst[i:], a0^b0)
		binary.LittleEndian.PutUint64(dst[i+8:], a1^b1)
	}
	for ; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
}

func xorInPlaceWide(dst, src []byte) {
	n := len(src)
	i := 0
	for ; i+32 <= n; i += 32 {
		d0 := binary.LittleEndian.Uint64(dst[i:])
		d1 := binary.LittleEndian.Uint64(dst[i+8:])
		d2 := binary.LittleEndian.Uint64(dst[i+16:])
		d3 := binary.LittleEndian.Uint64(dst[i+24:])
		s0 := binary.LittleEndian.Uint64(src[i:])
		s1 := binary.LittleEndian.Uint64(src[i+8:])
		s2 := binary.LittleEndian.Uint64(src[i+16:])
		s3 := binary.LittleEndian.Uint64(src[i+24:])
		binary.LittleEndian.PutUint64(dst[i:], d0^s0)
		binary.LittleEndian.PutUint64(dst[i+8:], d1^s1)
		binary.LittleEndian.PutUint64(dst[i+16:], d2^s2)
		binary.LittleEndian.PutUint64(dst[i+24:], d3^s3)
	}
	for ; i < n; i++ {
		dst[i] ^= src[i]
	}
}

func xorBuffersWide(dst, a, b []byte) {
	n := len(a)
	i := 0
	for ; i+32 <= n; i += 32 {
		a0 := binary.LittleEndian.Uint64(a[i:])
		a1 := binary.LittleEndian.Uint64(a[i+8:])
		a2 := binary.LittleEndian.Uint64(a[i+16:])
		a3 := binary.LittleEndian.Uint64(a[i+24:])
		b0 := binary.LittleEndian.Uint64(b[i:])
		b1 := binary.LittleEndian.Uint64(b[i+8:])
		b2 := binary.LittleEndian.Uint64(b[i+16:])
		b3 := binary.LittleEndian.Uint64(b[i+24:])
		binary.LittleEndian.PutUint64(dst[i:], a0^b0)
		binary.LittleEndian.PutUint64(dst[i+8:], a1^b1)
		binary.LittleEndian.PutUint64(dst[i+16:], a2^b2)
		binary.LittleEndian.PutUint64(dst[i+24:], a3^b3)
	}
	for ; i < n; i++ {
		dst[i] = a[i] ^ b[i]
	}
}
