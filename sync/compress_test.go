package sync

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func drain(s *Sync) {
	for i := range s.savedstate.frames {
		s.waitForCompression(&s.savedstate.frames[i])
	}
	s.processCompressionResults()
}

func TestAsyncMatchesSyncCompression(t *testing.T) {
	gSync := newFakeGame(t, 2, 4, 32<<10)
	sSync := newTestSync(t, gSync, nil)

	gAsync := newFakeGame(t, 2, 4, 32<<10)
	sAsync := newTestSync(t, gAsync, func(cfg *Config) {
		cfg.AsyncCompress = true
	})

	drive(gSync, 9, constInput(4, 1))
	drive(gAsync, 9, constInput(4, 1))
	drain(sAsync)

	for f := Frame(0); f <= 9; f++ {
		syncIdx := sSync.savedstate.find(f)
		asyncIdx := sAsync.savedstate.find(f)
		require.Equal(t, syncIdx >= 0, asyncIdx >= 0, "frame %d residency", f)
		if syncIdx < 0 {
			continue
		}
		a := &sSync.savedstate.frames[syncIdx]
		b := &sAsync.savedstate.frames[asyncIdx]
		require.Equal(t, a.compressed, b.compressed, "frame %d", f)
		require.Equal(t, a.delta, b.delta, "frame %d", f)
		require.Equal(t, a.uncompressedSize, b.uncompressedSize, "frame %d", f)
		require.True(t, bytes.Equal(a.buf, b.buf), "frame %d payload", f)
	}
}

func TestAsyncTeardownUnderLoad(t *testing.T) {
	g := newFakeGame(t, 2, 4, 64<<10)
	s := newTestSync(t, g, func(cfg *Config) {
		cfg.AsyncCompress = true
	})

	drive(g, 10, constInput(4, 1))
	s.Close()

	for i := range s.savedstate.frames {
		require.False(t, s.savedstate.frames[i].compressPending.Load(), "slot %d", i)
		require.Nil(t, s.savedstate.frames[i].buf, "slot %d", i)
	}
	require.Nil(t, s.worker)
}

func TestAsyncRollback(t *testing.T) {
	g := newFakeGame(t, 2, 4, 16<<10)
	s := newTestSync(t, g, func(cfg *Config) {
		cfg.AsyncCompress = true
	})

	drive(g, 10, constInput(4, 9))
	for f := Frame(0); f <= 5; f++ {
		in := constInput(4, 0)
		if f == 5 {
			in = constInput(4, 7)
		}
		in.Frame = f
		s.AddRemoteInput(1, in)
	}
	s.CheckSimulation()
	require.Equal(t, Frame(10), s.FrameCount())
	require.Equal(t, g.replayReference(10), g.state)
}

func TestWorkerAdmission(t *testing.T) {
	w := newCompressWorker(zaptest.NewLogger(t), 2)
	state := &SavedFrame{frame: 1}
	input := []byte{1, 2, 3}

	require.False(t, w.queue(state, input), "not running")

	w.running = true
	require.False(t, w.queue(nil, input))
	require.False(t, w.queue(state, nil))

	state.compressPending.Store(true)
	require.False(t, w.queue(state, input), "already pending")
	state.compressPending.Store(false)

	w.jobs = make([]compressJob, ringSize)
	require.False(t, w.queue(state, input), "queues at capacity")
	w.jobs = nil

	w.shutdown = true
	require.False(t, w.queue(state, input), "shutting down")
}

func TestWorkerCompressesAndApplies(t *testing.T) {
	g := newFakeGame(t, 2, 4, 64)
	s := newTestSync(t, g, func(cfg *Config) {
		cfg.AsyncCompress = true
	})

	payload := make([]byte, 8<<10) // zeros compress well
	state := &s.savedstate.frames[0]
	state.frame = 1
	state.buf = payload
	state.kind = bufOwned
	state.uncompressedSize = len(payload)

	require.True(t, s.worker.queue(state, payload))
	s.waitForCompression(state)

	require.False(t, state.compressPending.Load())
	require.True(t, state.compressed)
	require.Less(t, len(state.buf), state.uncompressedSize)

	// Loading it back yields the original bytes.
	var out scratchBuffer
	require.NoError(t, s.decodeSavedFrame(state, &out))
	require.Equal(t, payload, out.data)
}

func TestApplyDropsStaleResult(t *testing.T) {
	g := newFakeGame(t, 2, 4, 64)
	s := newTestSync(t, g, nil)

	payload := make([]byte, 1<<10)
	state := &SavedFrame{frame: 3, buf: payload, kind: bufOwned, uncompressedSize: len(payload)}
	state.compressPending.Store(true)

	// Slot was overwritten (frame moved on) before the result landed.
	res := compressResult{state: state, input: payload, frame: 2, compressed: make([]byte, 16)}
	s.applyCompressionResult(res)
	require.False(t, state.compressPending.Load())
	require.False(t, state.compressed)
	require.True(t, sameBuffer(state.buf, payload))

	// A result that is not strictly smaller is dropped too.
	state.compressPending.Store(true)
	res = compressResult{state: state, input: payload, frame: 3, compressed: make([]byte, len(payload))}
	s.applyCompressionResult(res)
	require.False(t, state.compressed)

	// And one that matches is installed.
	state.compressPending.Store(true)
	res = compressResult{state: state, input: payload, frame: 3, compressed: make([]byte, 16)}
	s.applyCompressionResult(res)
	require.True(t, state.compressed)
	require.Len(t, state.buf, 16)
}

func TestWorkerStopClearsState(t *testing.T) {
	w := newCompressWorker(zaptest.NewLogger(t), 2)
	w.start()

	states := make([]*SavedFrame, 4)
	for i := range states {
		states[i] = &SavedFrame{frame: Frame(i)}
		payload := make([]byte, 4<<10)
		states[i].buf = payload
		states[i].uncompressedSize = len(payload)
		w.queue(states[i], payload)
	}
	w.stop()

	for i, state := range states {
		require.False(t, state.compressPending.Load(), "state %d", i)
	}
	jobs, results, jobsMax, resultsMax := w.queueLens()
	require.Zero(t, jobs)
	require.Zero(t, results)
	require.Zero(t, jobsMax)
	require.Zero(t, resultsMax)
}

func TestStatsSnapshotQueues(t *testing.T) {
	g := newFakeGame(t, 2, 4, 32<<10)
	s := newTestSync(t, g, func(cfg *Config) {
		cfg.AsyncCompress = true
	})

	drive(g, 8, constInput(4, 1))
	drain(s)

	stats := s.Stats()
	require.Zero(t, stats.CompressJobQueueLen)
	require.Zero(t, stats.CompressResultQueueLen)
	require.Zero(t, stats.CompressPendingCount)
	require.GreaterOrEqual(t, stats.CompressJobQueueMax, 0)
	require.GreaterOrEqual(t, stats.CompressResultQueueMax, stats.CompressResultQueueLen)
}
