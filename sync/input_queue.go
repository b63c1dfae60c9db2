package sync

import (
	"fmt"

	"go.uber.org/zap"
)

const inputQueueLength = 128

// inputQueue buffers one player's inputs. It holds confirmed inputs in a
// ring ordered by frame and synthesizes predicted inputs past the
// confirmed tail by replicating the last confirmed bits. The first frame
// where a confirmed input contradicts an earlier prediction is reported
// through firstIncorrectFrame until a rollback resets it.
//
// Slot alignment invariant: inputs are added for strictly sequential
// frames starting at 0, so the slot at index i always holds a frame
// congruent to i modulo the ring length.
type inputQueue struct {
	logger    *zap.Logger
	id        int
	inputSize int

	frameDelay          int
	firstFrame          bool
	lastUserAddedFrame  Frame
	lastAddedFrame      Frame
	firstIncorrectFrame Frame
	lastFrameRequested  Frame

	prediction GameInput
	inputs     [inputQueueLength]GameInput
	head       int
	tail       int
	length     int
}

func (q *inputQueue) init(logger *zap.Logger, id, inputSize int) {
	*q = inputQueue{
		logger:              logger,
		id:                  id,
		inputSize:           inputSize,
		firstFrame:          true,
		lastUserAddedFrame:  NullFrame,
		lastAddedFrame:      NullFrame,
		firstIncorrectFrame: NullFrame,
		lastFrameRequested:  NullFrame,
		prediction:          GameInput{Frame: NullFrame, Bits: make([]byte, inputSize)},
	}
	for i := range q.inputs {
		q.inputs[i].Frame = NullFrame
	}
}

func previousFrame(offset int) int {
	if offset == 0 {
		return inputQueueLength - 1
	}
	return offset - 1
}

func (q *inputQueue) setFrameDelay(delay int) {
	q.frameDelay = delay
}

func (q *inputQueue) getFirstIncorrectFrame() Frame {
	return q.firstIncorrectFrame
}

func (q *inputQueue) getLastConfirmedFrame() Frame {
	return q.lastAddedFrame
}

// addInput accepts the next sequential input from its source and returns
// it stamped with the frame it will take effect on, or NullFrame when the
// configured delay dropped it.
func (q *inputQueue) addInput(input GameInput) GameInput {
	if q.lastUserAddedFrame != NullFrame && input.Frame != q.lastUserAddedFrame+1 {
		panic(fmt.Sprintf("input queue %d: frame %d added after frame %d", q.id, input.Frame, q.lastUserAddedFrame))
	}
	q.lastUserAddedFrame = input.Frame

	newFrame := q.advanceQueueHead(input.Frame)
	if newFrame != NullFrame {
		q.addDelayedInputToQueue(input, newFrame)
	}
	input.Frame = newFrame
	return input
}

// advanceQueueHead maps a source frame to its delayed effective frame.
// When the delay was raised the gap is filled by replicating the previous
// input; when it was lowered the superseded input is dropped.
func (q *inputQueue) advanceQueueHead(frame Frame) Frame {
	expected := Frame(0)
	if !q.firstFrame {
		expected = q.inputs[previousFrame(q.head)].Frame + 1
	}

	frame += Frame(q.frameDelay)
	if expected > frame {
		q.logger.Debug("dropping superseded input after delay change",
			zap.Int32("frame", int32(frame)),
			zap.Int32("expected", int32(expected)))
		return NullFrame
	}
	for expected < frame {
		last := q.inputs[previousFrame(q.head)]
		q.addDelayedInputToQueue(last, expected)
		expected++
	}
	return frame
}

func (q *inputQueue) addDelayedInputToQueue(input GameInput, frame Frame) {
	if q.lastAddedFrame != NullFrame && frame != q.lastAddedFrame+1 {
		panic(fmt.Sprintf("input queue %d: non-sequential frame %d after %d", q.id, frame, q.lastAddedFrame))
	}

	rec := input.clone(q.inputSize)
	rec.Frame = frame
	q.inputs[q.head] = rec
	q.head = (q.head + 1) % inputQueueLength
	q.length++
	if q.length > inputQueueLength {
		panic(fmt.Sprintf("input queue %d overflow", q.id))
	}
	q.firstFrame = false
	q.lastAddedFrame = frame

	if q.prediction.Frame != NullFrame {
		if frame != q.prediction.Frame {
			panic(fmt.Sprintf("input queue %d: confirmed frame %d does not line up with prediction frame %d",
				q.id, frame, q.prediction.Frame))
		}
		if q.firstIncorrectFrame == NullFrame && !q.prediction.Equal(&rec, true) {
			q.logger.Debug("prediction contradicted by confirmed input",
				zap.Int32("frame", int32(frame)))
			q.firstIncorrectFrame = frame
		}
		if q.prediction.Frame == q.lastFrameRequested && q.firstIncorrectFrame == NullFrame {
			// Every prediction made so far has been confirmed correct; stop
			// predicting until the confirmed tail runs out again.
			q.prediction.Frame = NullFrame
		} else {
			q.prediction.Frame++
		}
	}
}

// getInput returns the input to apply at the requested frame. The second
// return value reports whether it is confirmed; a false means the bits are
// a prediction that a later confirmed input may contradict.
func (q *inputQueue) getInput(requested Frame) (GameInput, bool) {
	if q.firstIncorrectFrame != NullFrame {
		panic(fmt.Sprintf("input queue %d: input requested while prediction error at frame %d is unresolved",
			q.id, q.firstIncorrectFrame))
	}
	q.lastFrameRequested = requested

	if q.length > 0 && requested < q.inputs[q.tail].Frame {
		panic(fmt.Sprintf("input queue %d: frame %d requested below the discard watermark %d",
			q.id, requested, q.inputs[q.tail].Frame))
	}

	if q.prediction.Frame == NullFrame {
		offset := int(requested - q.inputs[q.tail].Frame)
		if offset < q.length {
			idx := (offset + q.tail) % inputQueueLength
			rec := q.inputs[idx]
			if rec.Frame != requested {
				panic(fmt.Sprintf("input queue %d: slot holds frame %d, want %d", q.id, rec.Frame, requested))
			}
			return rec, true
		}

		// The confirmed tail has run out; base a new prediction on the
		// last confirmed input, or on blank bits at the very start.
		if requested == 0 || q.lastAddedFrame == NullFrame {
			q.prediction.Erase()
			q.prediction.Frame = NullFrame
		} else {
			last := q.inputs[previousFrame(q.head)]
			copy(q.prediction.Bits, last.Bits)
			q.prediction.Frame = last.Frame
		}
		q.prediction.Frame++
	}

	rec := q.prediction.clone(q.inputSize)
	rec.Frame = requested
	return rec, false
}

// getConfirmedInput returns the confirmed input at the requested frame, or
// false when the queue has nothing authoritative for it.
func (q *inputQueue) getConfirmedInput(requested Frame) (GameInput, bool) {
	if q.firstIncorrectFrame != NullFrame && requested >= q.firstIncorrectFrame {
		panic(fmt.Sprintf("input queue %d: confirmed input requested at frame %d past prediction error at %d",
			q.id, requested, q.firstIncorrectFrame))
	}
	idx := int(requested) % inputQueueLength
	if idx < 0 || q.inputs[idx].Frame != requested {
		return GameInput{}, false
	}
	return q.inputs[idx], true
}

// discardConfirmedFrames drops confirmed records up to and including the
// given frame; records past the last requested frame are always retained.
func (q *inputQueue) discardConfirmedFrames(frame Frame) {
	if frame < 0 {
		return
	}
	if q.lastFrameRequested != NullFrame && frame > q.lastFrameRequested {
		frame = q.lastFrameRequested
	}
	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.length = 0
		return
	}
	offset := int(frame - q.inputs[q.tail].Frame + 1)
	if offset <= 0 {
		return
	}
	q.tail = (q.tail + offset) % inputQueueLength
	q.length -= offset
}

// resetPrediction clears the prediction tail at the given frame, after a
// rollback has caught the simulation back up through it.
func (q *inputQueue) resetPrediction(frame Frame) {
	if q.firstIncorrectFrame != NullFrame && frame > q.firstIncorrectFrame {
		panic(fmt.Sprintf("input queue %d: prediction reset at frame %d past error at %d",
			q.id, frame, q.firstIncorrectFrame))
	}
	q.prediction.Frame = NullFrame
	q.firstIncorrectFrame = NullFrame
	q.lastFrameRequested = NullFrame
}
