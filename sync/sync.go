// Package sync implements the rollback synchronization core of a
// peer-to-peer lockstep session. The controller advances a host-provided
// deterministic simulation using predicted remote inputs, keeps a short
// ring of delta-compressed saved states, and when an authoritative input
// contradicts a prediction it rolls the simulation back to the first
// incorrect frame and replays forward.
package sync

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lockstepio/go-lockstep/byteops"
	"github.com/lockstepio/go-lockstep/config"
)

var (
	// ErrFrameNotFound reports a load or reconstruct target that is no
	// longer resident in the saved-state ring.
	ErrFrameNotFound = errors.New("sync: saved frame not found")
	// ErrFrameCorrupt reports a resident slot whose payload cannot be
	// decoded back to its original size.
	ErrFrameCorrupt = errors.New("sync: saved frame corrupt")
)

// Config carries everything the host integration provides at session
// start.
type Config struct {
	config.Config

	// Callbacks is the host simulation contract. Required.
	Callbacks Callbacks

	// ConnectStatus is the transport's per-player disconnect view, shared
	// by reference. When nil the core assumes every player stays
	// connected.
	ConnectStatus []ConnectStatus
}

// Sync is the rollback controller. All methods must be called from the
// simulation goroutine; the only internal concurrency is the compression
// worker, which shares its job and result queues, the slots' pending
// flags, and read-only borrows of queued payloads.
type Sync struct {
	logger    *zap.Logger
	cfg       Config
	callbacks Callbacks

	connectStatus []ConnectStatus

	framecount         Frame
	lastConfirmedFrame Frame
	maxPrediction      int
	rollingback        bool

	savedstate savedState
	pool       stateBufferPool

	lastState      scratchBuffer
	lastStateSize  int
	lastStateFrame Frame
	lastStateValid bool

	deltaBuffer      scratchBuffer
	decompressBuffer scratchBuffer

	stats    deltaStats
	lz4Accel int
	comp     blockCompressor

	asyncCompress bool
	worker        *compressWorker

	queues []inputQueue
	events eventQueue
}

// New creates a Sync and initializes it for a session. The logger must not
// be nil; pass zap.NewNop() to silence it.
func New(logger *zap.Logger, cfg Config) (*Sync, error) {
	s := &Sync{
		logger:             logger,
		framecount:         0,
		lastConfirmedFrame: NullFrame,
		lastStateFrame:     NullFrame,
	}
	if err := s.Init(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

// Init prepares the controller for a new session, releasing everything a
// previous session left behind. Runtime config is consulted here, once,
// for knobs the integration config leaves unset.
func (s *Sync) Init(cfg Config) error {
	if cfg.Callbacks == nil {
		return errors.New("sync: callbacks are required")
	}
	if cfg.NumPredictionFrames <= 0 {
		if rt := config.RuntimeInt("sync.prediction-frames"); rt > 0 {
			cfg.NumPredictionFrames = rt
		} else {
			cfg.NumPredictionFrames = config.MaxPredictionFrames
		}
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.ConnectStatus != nil && len(cfg.ConnectStatus) < cfg.NumPlayers {
		return fmt.Errorf("sync: connect status covers %d of %d players",
			len(cfg.ConnectStatus), cfg.NumPlayers)
	}

	s.teardown()
	for i := range s.savedstate.frames {
		s.savedstate.frames[i].frame = NullFrame
	}
	s.savedstate.head = 0

	s.cfg = cfg
	s.callbacks = cfg.Callbacks
	s.connectStatus = cfg.ConnectStatus
	if s.connectStatus == nil {
		s.connectStatus = make([]ConnectStatus, cfg.NumPlayers)
		for i := range s.connectStatus {
			s.connectStatus[i].LastFrame = NullFrame
		}
	}

	s.framecount = 0
	s.lastConfirmedFrame = NullFrame
	s.rollingback = false
	s.lastStateValid = false
	s.lastStateSize = 0
	s.lastStateFrame = NullFrame
	s.lastState.reset()
	s.deltaBuffer.reset()
	s.decompressBuffer.reset()
	s.stats = deltaStats{}
	s.events.reset()
	s.maxPrediction = cfg.NumPredictionFrames

	s.lz4Accel = cfg.LZ4Accel
	if s.lz4Accel <= 0 {
		s.lz4Accel = config.RuntimeInt("sync.lz4-accel")
		if s.lz4Accel <= 0 {
			s.lz4Accel = config.DefaultLZ4Accel
		}
	}
	s.comp = newBlockCompressor(s.lz4Accel)

	s.asyncCompress = cfg.AsyncCompress
	if s.asyncCompress {
		s.worker = newCompressWorker(s.logger.Named("compress"), s.lz4Accel)
		s.worker.start()
	}

	s.queues = make([]inputQueue, cfg.NumPlayers)
	for i := range s.queues {
		s.queues[i].init(s.logger.Named(fmt.Sprintf("queue-%d", i)), i, cfg.InputSize)
	}
	return nil
}

// Close releases the worker, the saved-state ring, the buffer pool, and
// the scratch buffers. The controller can be re-initialized afterwards.
func (s *Sync) Close() {
	s.teardown()
	s.lastState.release()
	s.deltaBuffer.release()
	s.decompressBuffer.release()
}

// teardown stops the worker and frees session-owned buffers using the
// session's own callbacks.
func (s *Sync) teardown() {
	if s.worker != nil {
		s.worker.stop()
		s.worker = nil
	}
	s.asyncCompress = false
	if s.callbacks != nil {
		for i := range s.savedstate.frames {
			s.freeSavedFrameBuffer(&s.savedstate.frames[i])
			s.savedstate.frames[i].frame = NullFrame
		}
		s.savedstate.head = 0
		s.pool.drain(s.callbacks)
	}
}

// FrameCount returns the current frame number.
func (s *Sync) FrameCount() Frame { return s.framecount }

// InRollback reports whether the controller is resimulating after a
// rollback.
func (s *Sync) InRollback() bool { return s.rollingback }

// SetFrameDelay configures the input delay for one player's queue.
func (s *Sync) SetFrameDelay(queue, delay int) {
	s.queues[queue].setFrameDelay(delay)
}

// SetLastConfirmedFrame records the newest frame for which every player's
// input is authoritative, and lets the queues drop older records.
func (s *Sync) SetLastConfirmedFrame(frame Frame) {
	s.lastConfirmedFrame = frame
	if s.lastConfirmedFrame > 0 {
		for i := range s.queues {
			s.queues[i].discardConfirmedFrames(frame - 1)
		}
	}
}

// AddLocalInput stamps a local input with the current frame and enqueues
// it. It returns false when the simulation has outrun its prediction
// budget; the host must stall until remote inputs confirm more frames.
func (s *Sync) AddLocalInput(queue int, input GameInput) bool {
	framesBehind := s.framecount - s.lastConfirmedFrame
	if s.framecount >= Frame(s.maxPrediction) && int(framesBehind) >= s.maxPrediction {
		s.logger.Warn("rejecting local input: reached prediction barrier",
			zap.Int32("frame", int32(s.framecount)),
			zap.Int32("last_confirmed", int32(s.lastConfirmedFrame)))
		inputsRejected.Inc()
		return false
	}

	if s.framecount == 0 {
		if err := s.saveCurrentFrame(); err != nil {
			s.logger.Error("initial save failed", zap.Error(err))
		}
	}

	s.logger.Debug("adding undelayed local input",
		zap.Int32("frame", int32(s.framecount)),
		zap.Int("queue", queue))
	input.Frame = s.framecount
	s.queues[queue].addInput(input)
	return true
}

// AddRemoteInput enqueues a remote input; the queue decides whether it
// confirms or contradicts an earlier prediction. Accepted inputs are
// surfaced as ConfirmedInput events.
func (s *Sync) AddRemoteInput(queue int, input GameInput) {
	stamped := s.queues[queue].addInput(input)
	if stamped.Frame == NullFrame {
		return
	}
	ev := Event{Type: EventConfirmedInput, Input: stamped}
	if s.events.push(ev) {
		eventsDropped.Inc()
	}
	s.callbacks.OnEvent(ev)
}

// GetEvent pops one pending controller event.
func (s *Sync) GetEvent() (Event, bool) {
	return s.events.pop()
}

// SynchronizeInputs assembles the input record for every player at the
// current frame into out, one InputSize-wide slot per player. The returned
// mask has a bit set for every player that is disconnected past their last
// known frame; their slots are zero-filled.
func (s *Sync) SynchronizeInputs(out []byte) int {
	need := s.cfg.NumPlayers * s.cfg.InputSize
	if len(out) < need {
		panic(fmt.Sprintf("sync: input buffer holds %d bytes, need %d", len(out), need))
	}
	clear(out[:need])

	flags := 0
	for i := 0; i < s.cfg.NumPlayers; i++ {
		if s.connectStatus[i].Disconnected && s.framecount > s.connectStatus[i].LastFrame {
			flags |= 1 << i
			continue
		}
		rec, _ := s.queues[i].getInput(s.framecount)
		copy(out[i*s.cfg.InputSize:(i+1)*s.cfg.InputSize], rec.Bits)
	}
	return flags
}

// GetConfirmedInputs is SynchronizeInputs restricted to authoritative
// inputs at an arbitrary frame; slots without a confirmed input stay
// zero-filled.
func (s *Sync) GetConfirmedInputs(out []byte, frame Frame) int {
	need := s.cfg.NumPlayers * s.cfg.InputSize
	if len(out) < need {
		panic(fmt.Sprintf("sync: input buffer holds %d bytes, need %d", len(out), need))
	}
	clear(out[:need])

	flags := 0
	for i := 0; i < s.cfg.NumPlayers; i++ {
		if s.connectStatus[i].Disconnected && frame > s.connectStatus[i].LastFrame {
			flags |= 1 << i
			continue
		}
		if rec, ok := s.queues[i].getConfirmedInput(frame); ok {
			copy(out[i*s.cfg.InputSize:(i+1)*s.cfg.InputSize], rec.Bits)
		}
	}
	return flags
}

// IncrementFrame advances the frame counter and saves the resulting state.
// The saved frame is the result of executing the previous frame, relabeled
// as the state at the new frame number.
func (s *Sync) IncrementFrame() error {
	s.framecount++
	return s.saveCurrentFrame()
}

// CheckSimulation asks every queue for its first incorrect frame and rolls
// back to the earliest one, if any.
func (s *Sync) CheckSimulation() {
	if seekTo, consistent := s.checkSimulationConsistency(); !consistent {
		s.AdjustSimulation(seekTo)
	}
}

func (s *Sync) checkSimulationConsistency() (Frame, bool) {
	first := NullFrame
	for i := range s.queues {
		incorrect := s.queues[i].getFirstIncorrectFrame()
		if incorrect != NullFrame && (first == NullFrame || incorrect < first) {
			s.logger.Debug("queue reports incorrect frame",
				zap.Int("queue", i),
				zap.Int32("frame", int32(incorrect)))
			first = incorrect
		}
	}
	if first == NullFrame {
		return 0, true
	}
	return first, false
}

// AdjustSimulation rolls back to seekTo and replays forward to the frame
// the simulation had reached. A failure to restore the target frame is
// recoverable: prediction state is reset at the target and the rollback is
// abandoned without touching the simulation.
func (s *Sync) AdjustSimulation(seekTo Frame) {
	saved := s.framecount
	count := int(s.framecount - seekTo)

	s.logger.Debug("catching up",
		zap.Int32("seek_to", int32(seekTo)),
		zap.Int("count", count))
	s.rollingback = true
	rollbacks.Inc()

	if err := s.loadFrame(seekTo); err != nil || s.framecount != seekTo {
		s.logger.Warn("failed to load frame for rollback; clearing prediction errors",
			zap.Int32("seek_to", int32(seekTo)),
			zap.Int32("frame", int32(s.framecount)),
			zap.Error(err))
		rollbackLoadFailures.Inc()
		s.resetPrediction(seekTo)
		s.rollingback = false
		return
	}
	rollbackDepth.Observe(float64(count))

	s.resetPrediction(s.framecount)
	for i := 0; i < count; i++ {
		s.callbacks.AdvanceFrame(0)
	}
	if s.framecount != saved {
		panic(fmt.Sprintf("sync: replay stopped at frame %d, want %d", s.framecount, saved))
	}

	s.rollingback = false
}

func (s *Sync) resetPrediction(frame Frame) {
	for i := range s.queues {
		s.queues[i].resetPrediction(frame)
	}
}

// LastSavedFrame returns the frame number and checksum of the most recent
// save. Determinism harnesses compare these across peers.
func (s *Sync) LastSavedFrame() (Frame, uint32, bool) {
	state := s.savedstate.last()
	if state.empty() {
		return NullFrame, 0, false
	}
	return state.frame, state.checksum, true
}

// loadFrame restores the simulation to a resident frame and repositions
// the ring head just past it.
func (s *Sync) loadFrame(frame Frame) error {
	if frame == s.framecount {
		s.logger.Debug("skipping NOP load", zap.Int32("frame", int32(frame)))
		return nil
	}

	idx := s.savedstate.find(frame)
	if idx < 0 {
		return fmt.Errorf("%w: frame %d", ErrFrameNotFound, frame)
	}
	s.savedstate.head = idx
	state := &s.savedstate.frames[idx]

	s.logger.Debug("loading frame",
		zap.Int32("frame", int32(state.frame)),
		zap.Int("size", state.uncompressedSize),
		zap.String("checksum", fmt.Sprintf("%08x", state.checksum)))

	if state.empty() {
		return fmt.Errorf("%w: frame %d has no payload", ErrFrameCorrupt, frame)
	}

	switch {
	case state.delta:
		if err := s.reconstructFrame(frame, &s.decompressBuffer); err != nil {
			return err
		}
		raw := s.decompressBuffer.data[:state.uncompressedSize]
		if err := s.callbacks.LoadGameState(raw); err != nil {
			return fmt.Errorf("load state at frame %d: %w", frame, err)
		}
		s.updateLastState(raw, state.frame)
	case state.compressed:
		if err := s.decodeSavedFrame(state, &s.decompressBuffer); err != nil {
			return err
		}
		raw := s.decompressBuffer.data[:state.uncompressedSize]
		if err := s.callbacks.LoadGameState(raw); err != nil {
			return fmt.Errorf("load state at frame %d: %w", frame, err)
		}
		s.updateLastState(raw, state.frame)
	default:
		if err := s.callbacks.LoadGameState(state.buf); err != nil {
			return fmt.Errorf("load state at frame %d: %w", frame, err)
		}
		s.updateLastState(state.buf, state.frame)
	}

	// Reset framecount and the ring head to point in advance of the loaded
	// frame, as if we had just finished executing it.
	s.framecount = state.frame
	s.savedstate.head = (s.savedstate.head + 1) % ringSize
	return nil
}

// saveCurrentFrame serializes the simulation into the ring head, delta-
// encodes it against the previous frame unless this is a keyframe, hands
// the payload to the compression worker (or compresses inline), and
// advances the head.
func (s *Sync) saveCurrentFrame() error {
	s.processCompressionResults()

	// Writes land at the head unless a slot already holds this frame
	// number, in which case it is overwritten in place. That keeps frame
	// numbers unique across the ring when frame 0 is saved more than once
	// (AddLocalInput saves on every call made at frame 0) and when a replay
	// re-saves frames that are still resident.
	frame := s.framecount
	head := s.savedstate.head
	if idx := s.savedstate.find(frame); idx >= 0 {
		head = idx
	}
	state := &s.savedstate.frames[head]
	if state.buf != nil {
		s.freeSavedFrameBuffer(state)
	}
	state.frame = frame

	hint := s.pool.acquire()
	buf, checksum, err := s.callbacks.SaveGameState(frame, hint)
	if err != nil || len(buf) == 0 {
		if hint != nil {
			s.pool.release(hint, s.callbacks)
		}
		state.frame = NullFrame
		if err == nil {
			err = errors.New("sync: save callback produced no state")
		}
		s.logger.Error("save state failed", zap.Int32("frame", int32(frame)), zap.Error(err))
		return fmt.Errorf("save state at frame %d: %w", frame, err)
	}
	if hint != nil && !sameBuffer(buf, hint) {
		s.pool.release(hint, s.callbacks)
	}

	state.buf = buf
	state.kind = bufHost
	if hint != nil && sameBuffer(buf, hint) {
		state.kind = bufPooled
	}
	state.uncompressedSize = len(buf)
	state.checksum = checksum
	state.compressed = false
	state.delta = false
	state.compressPending.Store(false)
	s.pool.observe(state.uncompressedSize)

	canDelta := s.lastStateValid &&
		s.lastStateSize == state.uncompressedSize &&
		s.lastStateFrame == frame-1
	keyframe := frame%config.KeyframeInterval == 0
	useDelta := canDelta && !keyframe

	var deltaBuf []byte
	if useDelta {
		deltaBuf = make([]byte, state.uncompressedSize)
		byteops.XorBuffers(deltaBuf, state.buf, s.lastState.data[:state.uncompressedSize])
	}

	s.updateLastState(state.buf, frame)

	if useDelta {
		state.delta = true
		s.pool.release(state.buf, s.callbacks)
		state.buf = deltaBuf
		state.kind = bufOwned
		state.compressed = false
	}

	input := state.buf
	if !s.queueCompression(state, input) {
		s.compressSync(state, input)
	}

	s.recordSaveStats(state)

	s.logger.Debug("saved frame",
		zap.Int32("frame", int32(frame)),
		zap.Int("size", state.uncompressedSize),
		zap.Int("payload", len(state.buf)),
		zap.Bool("delta", state.delta),
		zap.String("checksum", fmt.Sprintf("%08x", checksum)))

	if head == s.savedstate.head {
		s.savedstate.head = (s.savedstate.head + 1) % ringSize
	}
	return nil
}

// updateLastState refreshes the scratch copy of the newest raw state that
// the next save deltas against.
func (s *Sync) updateLastState(raw []byte, frame Frame) {
	if len(raw) == 0 {
		s.lastStateValid = false
		s.lastStateSize = 0
		s.lastStateFrame = NullFrame
		s.lastState.reset()
		return
	}
	s.lastState.ensure(len(raw))
	byteops.Copy(s.lastState.data, raw)
	s.lastStateSize = len(raw)
	s.lastStateFrame = frame
	s.lastStateValid = true
}

// freeSavedFrameBuffer releases a slot's payload, waiting out any
// compression job that still borrows it.
func (s *Sync) freeSavedFrameBuffer(state *SavedFrame) {
	if state.buf == nil {
		return
	}
	if state.compressPending.Load() {
		s.waitForCompression(state)
	}
	if state.kind != bufOwned {
		s.pool.release(state.buf, s.callbacks)
	}
	state.buf = nil
	state.kind = bufNone
	state.uncompressedSize = 0
	state.compressed = false
	state.delta = false
	state.compressPending.Store(false)
}

// StateStats is a point-in-time snapshot of the save pipeline.
type StateStats struct {
	DeltaFrames    int
	Keyframes      int
	DeltaRatioLast int
	DeltaRatioAvg  int
	DeltaRatioMax  int

	CompressJobQueueLen    int
	CompressResultQueueLen int
	CompressPendingCount   int
	CompressJobQueueMax    int
	CompressResultQueueMax int
}

// Stats snapshots the delta statistics and, under the worker lock, the
// compression queue depths and high-water marks.
func (s *Sync) Stats() StateStats {
	stats := StateStats{
		DeltaFrames:    s.stats.deltaFrames,
		Keyframes:      s.stats.keyframes,
		DeltaRatioLast: s.stats.ratioLast,
		DeltaRatioMax:  s.stats.ratioMax,
	}
	if s.stats.deltaRawBytesSum > 0 {
		avg := int(s.stats.deltaBytesSum * 100 / s.stats.deltaRawBytesSum)
		if avg > 100 {
			avg = 100
		}
		stats.DeltaRatioAvg = avg
	}
	if s.worker != nil {
		stats.CompressJobQueueLen,
			stats.CompressResultQueueLen,
			stats.CompressJobQueueMax,
			stats.CompressResultQueueMax = s.worker.queueLens()
	}
	for i := range s.savedstate.frames {
		if s.savedstate.frames[i].compressPending.Load() {
			stats.CompressPendingCount++
		}
	}
	return stats
}

// sameBuffer reports whether two slices share a backing array start.
func sameBuffer(a, b []byte) bool {
	return len(a) > 0 && len(b) > 0 && &a[0] == &b[0]
}
