package sync

import (
	stdsync "sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// compressJob borrows a slot's payload for the duration of one background
// compression. The slot's compressPending flag is the token that keeps the
// borrow alive; the worker only ever reads input.
type compressJob struct {
	state *SavedFrame
	input []byte
	frame Frame
}

type compressResult struct {
	state      *SavedFrame
	input      []byte
	frame      Frame
	compressed []byte // nil when compression was not a win
}

// compressWorker runs a single background goroutine that drains a FIFO of
// compression jobs into a FIFO of results. One mutex serializes both
// queues and the shutdown flag; two condition variables signal job and
// result availability. Results are applied back to slots only by the
// simulation goroutine at the next save.
type compressWorker struct {
	logger *zap.Logger
	comp   blockCompressor

	eg errgroup.Group

	mu              stdsync.Mutex
	jobAvailable    *stdsync.Cond
	resultAvailable *stdsync.Cond
	running         bool
	shutdown        bool
	jobs            []compressJob
	results         []compressResult
	jobsMax         int
	resultsMax      int
}

func newCompressWorker(logger *zap.Logger, accel int) *compressWorker {
	w := &compressWorker{
		logger: logger,
		comp:   newBlockCompressor(accel),
	}
	w.jobAvailable = stdsync.NewCond(&w.mu)
	w.resultAvailable = stdsync.NewCond(&w.mu)
	return w
}

// start launches the worker goroutine. High-water marks reset here and in
// stop.
func (w *compressWorker) start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.shutdown = false
	w.jobs = nil
	w.results = nil
	w.jobsMax = 0
	w.resultsMax = 0
	w.mu.Unlock()

	w.eg.Go(func() error {
		w.loop()
		return nil
	})
}

func (w *compressWorker) loop() {
	for {
		w.mu.Lock()
		for !w.shutdown && len(w.jobs) == 0 {
			w.jobAvailable.Wait()
		}
		if w.shutdown && len(w.jobs) == 0 {
			w.mu.Unlock()
			return
		}
		job := w.jobs[0]
		w.jobs = w.jobs[1:]
		w.mu.Unlock()

		compressed := compressBlock(w.comp, job.input)

		w.mu.Lock()
		if w.shutdown {
			if job.state != nil {
				job.state.compressPending.Store(false)
			}
			w.mu.Unlock()
			w.resultAvailable.Broadcast()
			continue
		}
		w.results = append(w.results, compressResult{
			state:      job.state,
			input:      job.input,
			frame:      job.frame,
			compressed: compressed,
		})
		if len(w.results) > w.resultsMax {
			w.resultsMax = len(w.results)
		}
		w.mu.Unlock()
		w.resultAvailable.Broadcast()
	}
}

// queue admits a compression job for a freshly saved slot. Admission fails
// when the worker is not running, the slot already has a job in flight, or
// the combined queue depth has reached the ring capacity. On admission the
// slot is marked pending before the worker is woken.
func (w *compressWorker) queue(state *SavedFrame, input []byte) bool {
	if state == nil || len(input) == 0 {
		return false
	}
	w.mu.Lock()
	if !w.running || w.shutdown || state.compressPending.Load() {
		w.mu.Unlock()
		return false
	}
	if len(w.jobs)+len(w.results) >= ringSize {
		w.mu.Unlock()
		return false
	}
	w.jobs = append(w.jobs, compressJob{state: state, input: input, frame: state.frame})
	if len(w.jobs) > w.jobsMax {
		w.jobsMax = len(w.jobs)
	}
	state.compressPending.Store(true)
	w.mu.Unlock()

	w.jobAvailable.Signal()
	return true
}

// takeResult pops one pending result, if any.
func (w *compressWorker) takeResult() (compressResult, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.results) == 0 {
		return compressResult{}, false
	}
	res := w.results[0]
	w.results = w.results[1:]
	return res, true
}

// awaitResult blocks until a result is queued or the worker is shutting
// down. It reports whether the caller should keep draining.
func (w *compressWorker) awaitResult() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.results) == 0 && !w.shutdown && w.running {
		w.resultAvailable.Wait()
	}
	return !w.shutdown && w.running
}

// queueLens snapshots both queue depths and their high-water marks.
func (w *compressWorker) queueLens() (jobs, results, jobsMax, resultsMax int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs), len(w.results), w.jobsMax, w.resultsMax
}

// queueCompression hands a freshly saved payload to the worker. False
// means the caller must compress inline.
func (s *Sync) queueCompression(state *SavedFrame, input []byte) bool {
	if !s.asyncCompress || s.worker == nil {
		return false
	}
	return s.worker.queue(state, input)
}

// compressSync compresses a payload on the simulation goroutine,
// installing the result only when it is strictly smaller than the input.
func (s *Sync) compressSync(state *SavedFrame, input []byte) {
	compressed := compressBlock(s.comp, input)
	if compressed == nil {
		compressRejected.Inc()
		return
	}
	if state.kind != bufOwned {
		s.pool.release(state.buf, s.callbacks)
	}
	state.buf = compressed
	state.kind = bufOwned
	state.compressed = true
}

// processCompressionResults drains every pending worker result. Called at
// each save so results land at a deterministic point in the frame.
func (s *Sync) processCompressionResults() {
	if !s.asyncCompress || s.worker == nil {
		return
	}
	for {
		res, ok := s.worker.takeResult()
		if !ok {
			return
		}
		s.applyCompressionResult(res)
	}
}

// applyCompressionResult installs a worker result into its slot, if the
// slot still refers to the same frame and payload, is not already
// compressed, and the result is a strict size win. Otherwise the result
// is dropped. Either way the slot's pending flag clears.
func (s *Sync) applyCompressionResult(res compressResult) {
	state := res.state
	if state == nil {
		return
	}
	state.compressPending.Store(false)

	if len(res.compressed) == 0 {
		compressRejected.Inc()
		return
	}
	if state.frame != res.frame || !sameBuffer(state.buf, res.input) || state.compressed {
		return
	}
	if len(res.compressed) >= state.uncompressedSize {
		compressRejected.Inc()
		return
	}

	if state.kind != bufOwned {
		s.pool.release(state.buf, s.callbacks)
	}
	state.buf = res.compressed
	state.kind = bufOwned
	state.compressed = true
}

// waitForCompression blocks until the slot's in-flight job has produced a
// result (which is applied) or the worker shuts down. It is the join
// point before a payload borrow is invalidated.
func (s *Sync) waitForCompression(state *SavedFrame) {
	if !s.asyncCompress || s.worker == nil || !state.compressPending.Load() {
		return
	}
	for {
		s.processCompressionResults()
		if !state.compressPending.Load() {
			return
		}
		if !s.worker.awaitResult() {
			state.compressPending.Store(false)
			return
		}
	}
}

// stop shuts the worker down cooperatively: flag, wake both condition
// variables, join, then clear every slot still referenced by a queued job
// or result and drop their buffers.
func (w *compressWorker) stop() {
	w.mu.Lock()
	if !w.running {
		w.shutdown = false
		w.jobs = nil
		w.results = nil
		w.jobsMax = 0
		w.resultsMax = 0
		w.mu.Unlock()
		return
	}
	w.shutdown = true
	w.mu.Unlock()

	w.jobAvailable.Broadcast()
	w.resultAvailable.Broadcast()
	if err := w.eg.Wait(); err != nil {
		w.logger.Error("compression worker exited with error", zap.Error(err))
	}

	w.mu.Lock()
	for i := range w.jobs {
		if w.jobs[i].state != nil {
			w.jobs[i].state.compressPending.Store(false)
		}
	}
	w.jobs = nil
	for i := range w.results {
		if w.results[i].state != nil {
			w.results[i].state.compressPending.Store(false)
		}
	}
	w.results = nil
	w.shutdown = false
	w.running = false
	w.jobsMax = 0
	w.resultsMax = 0
	w.mu.Unlock()
}
