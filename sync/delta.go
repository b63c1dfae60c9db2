package sync

import (
	"fmt"

	"github.com/pierrec/lz4/v4"

	"github.com/lockstepio/go-lockstep/byteops"
)

// blockCompressor abstracts the two LZ4 block encoders. The fast encoder
// serves accel levels >= 2; level 1 trades speed for ratio via the HC
// encoder. Encoder state is retained between blocks and is not safe for
// concurrent use, so the simulation goroutine and the compression worker
// each hold their own.
type blockCompressor interface {
	CompressBlock(src, dst []byte) (int, error)
}

func newBlockCompressor(accel int) blockCompressor {
	if accel <= 1 {
		return &lz4.CompressorHC{}
	}
	return &lz4.Compressor{}
}

// compressBlock compresses src, returning nil when compression is not a
// win: an encoder error, an incompressible block, or an output that is not
// strictly smaller than the input.
func compressBlock(c blockCompressor, src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	dst := make([]byte, lz4.CompressBlockBound(len(src)))
	n, err := c.CompressBlock(src, dst)
	if err != nil || n <= 0 || n >= len(src) {
		return nil
	}
	return dst[:n:n]
}

// deltaStats tracks how well delta encoding and compression are doing.
// Ratios are integer percents of compressed to raw size, clamped to 100.
type deltaStats struct {
	deltaBytesSum    uint64
	deltaRawBytesSum uint64
	deltaFrames      int
	keyframes        int
	ratioLast        int
	ratioMax         int
}

func compressionRatio(compressed, uncompressed int) int {
	if uncompressed <= 0 {
		return 0
	}
	ratio := int(uint64(compressed) * 100 / uint64(uncompressed))
	if ratio > 100 {
		ratio = 100
	}
	return ratio
}

// decodeSavedFrame decodes a slot's payload into out: LZ4 when compressed,
// a straight copy otherwise. For a delta slot the result is the XOR delta,
// not the raw state.
func (s *Sync) decodeSavedFrame(state *SavedFrame, out *scratchBuffer) error {
	if state.empty() {
		return fmt.Errorf("%w: frame %d has no payload", ErrFrameCorrupt, state.frame)
	}
	out.ensure(state.uncompressedSize)
	if state.compressed {
		n, err := lz4.UncompressBlock(state.buf, out.data)
		if err != nil {
			return fmt.Errorf("%w: frame %d: %w", ErrFrameCorrupt, state.frame, err)
		}
		if n != state.uncompressedSize {
			return fmt.Errorf("%w: frame %d decoded %d bytes, want %d",
				ErrFrameCorrupt, state.frame, n, state.uncompressedSize)
		}
		return nil
	}
	byteops.Copy(out.data, state.buf)
	return nil
}

// reconstructFrame rebuilds the raw state for a frame into out. A non-delta
// slot decodes directly. A delta slot decodes its chain base (the nearest
// earlier non-delta slot) and XOR-accumulates every delta up to and
// including the requested frame. Any missing slot in the walk fails the
// reconstruction.
func (s *Sync) reconstructFrame(frame Frame, out *scratchBuffer) error {
	idx := s.savedstate.find(frame)
	if idx < 0 {
		return fmt.Errorf("%w: frame %d", ErrFrameNotFound, frame)
	}
	state := &s.savedstate.frames[idx]
	if !state.delta {
		return s.decodeSavedFrame(state, out)
	}

	baseFrame := frame
	foundBase := false
	for baseFrame >= 0 {
		baseIdx := s.savedstate.find(baseFrame)
		if baseIdx < 0 {
			return fmt.Errorf("%w: delta chain for frame %d broken at frame %d",
				ErrFrameNotFound, frame, baseFrame)
		}
		base := &s.savedstate.frames[baseIdx]
		if !base.delta {
			if err := s.decodeSavedFrame(base, out); err != nil {
				return err
			}
			foundBase = true
			break
		}
		baseFrame--
	}
	if !foundBase {
		return fmt.Errorf("%w: no keyframe below frame %d", ErrFrameNotFound, frame)
	}

	for f := baseFrame + 1; f <= frame; f++ {
		deltaIdx := s.savedstate.find(f)
		if deltaIdx < 0 {
			return fmt.Errorf("%w: delta chain for frame %d broken at frame %d",
				ErrFrameNotFound, frame, f)
		}
		link := &s.savedstate.frames[deltaIdx]
		if !link.delta {
			if err := s.decodeSavedFrame(link, out); err != nil {
				return err
			}
			continue
		}
		if err := s.decodeSavedFrame(link, &s.deltaBuffer); err != nil {
			return err
		}
		if len(out.data) < link.uncompressedSize {
			return fmt.Errorf("%w: frame %d delta is %d bytes but base is %d",
				ErrFrameCorrupt, f, link.uncompressedSize, len(out.data))
		}
		byteops.XorInPlace(out.data, s.deltaBuffer.data[:link.uncompressedSize])
	}
	return nil
}

// recordSaveStats folds the slot's final payload size into the running
// delta statistics. The payload may still shrink later when an async
// compression result lands; the stats deliberately sample at save time.
func (s *Sync) recordSaveStats(state *SavedFrame) {
	if state.delta {
		ratio := compressionRatio(len(state.buf), state.uncompressedSize)
		s.stats.ratioLast = ratio
		if ratio > s.stats.ratioMax {
			s.stats.ratioMax = ratio
		}
		s.stats.deltaBytesSum += uint64(len(state.buf))
		s.stats.deltaRawBytesSum += uint64(state.uncompressedSize)
		s.stats.deltaFrames++
		deltaSaves.Inc()
	} else {
		s.stats.keyframes++
		keyframeSaves.Inc()
	}
}
