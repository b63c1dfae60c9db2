package sync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventQueueFIFO(t *testing.T) {
	var q eventQueue
	for i := 0; i < 5; i++ {
		dropped := q.push(Event{Input: GameInput{Frame: Frame(i)}})
		require.False(t, dropped)
	}
	for i := 0; i < 5; i++ {
		ev, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, Frame(i), ev.Input.Frame)
	}
	_, ok := q.pop()
	require.False(t, ok)
}

func TestEventQueueDropsOldestWhenFull(t *testing.T) {
	var q eventQueue
	for i := 0; i < eventQueueDepth; i++ {
		require.False(t, q.push(Event{Input: GameInput{Frame: Frame(i)}}))
	}
	require.True(t, q.push(Event{Input: GameInput{Frame: Frame(eventQueueDepth)}}))

	ev, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, Frame(1), ev.Input.Frame, "oldest event is dropped first")

	count := 1
	for {
		if _, ok := q.pop(); !ok {
			break
		}
		count++
	}
	require.Equal(t, eventQueueDepth, count)
}

func TestEventQueueReset(t *testing.T) {
	var q eventQueue
	q.push(Event{})
	q.reset()
	_, ok := q.pop()
	require.False(t, ok)
}
