package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(ch <-chan Event, n int) []Event {
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, <-ch)
	}
	return out
}

func TestBusPublishOrdering(t *testing.T) {
	bus := NewBus("sess-1", 16, nil, zaptest.NewLogger(t))
	sub, err := bus.Subscribe(0, 8)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(EventStageStarted, "questions", nil))
	require.NoError(t, bus.Publish(EventStageCompleted, "questions", nil))
	require.NoError(t, bus.Publish(EventStageStarted, "research", nil))

	events := collect(sub.Events(), 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(3), events[2].Seq)
	assert.Equal(t, EventStageStarted, events[0].Type)
	assert.Equal(t, "sess-1", events[0].SessionID)

	bus.Unsubscribe(sub)
	// idempotent
	bus.Unsubscribe(sub)
}

func TestBusReplaySinceSeq(t *testing.T) {
	bus := NewBus("sess-1", 16, nil, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	}

	sub, err := bus.Subscribe(2, 8)
	require.NoError(t, err)
	events := collect(sub.Events(), 3)
	assert.Equal(t, uint64(3), events[0].Seq)
	assert.Equal(t, uint64(5), events[2].Seq)
}

func TestBusReplayTruncatedToBuffer(t *testing.T) {
	bus := NewBus("sess-1", 32, nil, zaptest.NewLogger(t))
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	}

	// buffer smaller than backlog keeps the newest events behind a gap
	// marker covering the discarded range
	sub, err := bus.Subscribe(0, 4)
	require.NoError(t, err)
	events := collect(sub.Events(), 4)
	assert.Equal(t, EventGap, events[0].Type)
	assert.Equal(t, uint64(7), events[0].Seq)
	assert.Equal(t, uint64(1), events[0].Payload["from"])
	assert.Equal(t, uint64(7), events[0].Payload["to"])
	assert.Equal(t, uint64(8), events[1].Seq)
	assert.Equal(t, uint64(10), events[3].Seq)
}

func TestBusGapMarkerForSlowSubscriber(t *testing.T) {
	bus := NewBus("sess-1", 64, nil, zaptest.NewLogger(t))
	sub, err := bus.Subscribe(0, 2)
	require.NoError(t, err)

	// fill the queue, then overflow it
	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	}
	// drain the two queued events
	first := collect(sub.Events(), 2)
	assert.Equal(t, uint64(1), first[0].Seq)
	assert.Equal(t, uint64(2), first[1].Seq)

	// next publish flushes the gap marker covering seq 3..5
	require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	gap := <-sub.Events()
	require.Equal(t, EventGap, gap.Type)
	assert.Equal(t, uint64(5), gap.Seq)
	assert.EqualValues(t, 3, gap.Payload["from"])
	assert.EqualValues(t, 5, gap.Payload["to"])

	live := <-sub.Events()
	assert.Equal(t, uint64(6), live.Seq)
	assert.Greater(t, live.Seq, gap.Seq, "delivery stays strictly increasing")
}

func TestBusCloseDeliversTerminalEvent(t *testing.T) {
	bus := NewBus("sess-1", 16, nil, zaptest.NewLogger(t))
	sub, err := bus.Subscribe(0, 8)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(EventStageStarted, "questions", nil))
	bus.Close(EventCompleted, "research complete", nil)

	events := collect(sub.Events(), 2)
	assert.Equal(t, EventCompleted, events[1].Type)

	_, open := <-sub.Events()
	assert.False(t, open, "channel closes after terminal event")

	assert.True(t, bus.Closed())
	assert.ErrorIs(t, bus.Publish(EventStageStarted, "late", nil), ErrBusClosed)
	_, err = bus.Subscribe(0, 8)
	assert.ErrorIs(t, err, ErrBusClosed)

	// Close is idempotent
	bus.Close(EventCompleted, "again", nil)
}

func TestBusCloseEvictsForTerminalDelivery(t *testing.T) {
	bus := NewBus("sess-1", 64, nil, zaptest.NewLogger(t))
	sub, err := bus.Subscribe(0, 4)
	require.NoError(t, err)

	// overflow the subscriber so it is lagging when the bus closes
	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	}
	bus.Close(EventFailed, "provider error", nil)

	var last Event
	var sawTerminal bool
	prev := uint64(0)
	for evt := range sub.Events() {
		assert.Greater(t, evt.Seq, prev)
		prev = evt.Seq
		last = evt
		if evt.Type.Terminal() {
			sawTerminal = true
		}
	}
	require.True(t, sawTerminal, "terminal event must be delivered")
	assert.Equal(t, EventFailed, last.Type)
}

func TestBusHistory(t *testing.T) {
	bus := NewBus("sess-1", 4, nil, zaptest.NewLogger(t))
	for i := 0; i < 6; i++ {
		require.NoError(t, bus.Publish(EventStageProgress, "working", nil))
	}
	hist := bus.History()
	require.Len(t, hist, 4, "ring keeps the newest events")
	assert.Equal(t, uint64(3), hist[0].Seq)
	assert.Equal(t, uint64(6), hist[3].Seq)
}

type recordingMirror struct {
	events []Event
}

func (m *recordingMirror) Append(evt Event) { m.events = append(m.events, evt) }

func TestBusMirrorsEveryEvent(t *testing.T) {
	mirror := &recordingMirror{}
	bus := NewBus("sess-1", 16, mirror, zaptest.NewLogger(t))
	require.NoError(t, bus.Publish(EventStageStarted, "questions", nil))
	bus.Close(EventCancelled, "cancelled by caller", nil)

	require.Len(t, mirror.events, 2)
	assert.Equal(t, EventCancelled, mirror.events[1].Type)
}
