package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisMirrorAppendsToStream(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, 100, zaptest.NewLogger(t))

	evt := Event{
		SessionID: "sess-1",
		Seq:       1,
		Type:      EventStageStarted,
		Message:   "questions",
		Timestamp: time.Now().UTC(),
	}
	mirror.Append(evt)
	mirror.Append(Event{
		SessionID: "sess-1",
		Seq:       2,
		Type:      EventCompleted,
		Message:   "research complete",
		Timestamp: time.Now().UTC(),
	})
	mirror.Close()

	ctx := context.Background()
	entries, err := client.XRange(ctx, StreamKey("sess-1"), "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "1", entries[0].Values["seq"])
	assert.Equal(t, "stage_started", entries[0].Values["type"])
	assert.Equal(t, "questions", entries[0].Values["message"])
	assert.Contains(t, entries[0].Values["event"], `"session_id":"sess-1"`)
	assert.Equal(t, "completed", entries[1].Values["type"])
}

func TestRedisMirrorIsolatesSessions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, 100, zaptest.NewLogger(t))
	mirror.Append(Event{SessionID: "a", Seq: 1, Type: EventStageStarted, Timestamp: time.Now().UTC()})
	mirror.Append(Event{SessionID: "b", Seq: 1, Type: EventStageStarted, Timestamp: time.Now().UTC()})
	mirror.Close()

	ctx := context.Background()
	aLen, err := client.XLen(ctx, StreamKey("a")).Result()
	require.NoError(t, err)
	bLen, err := client.XLen(ctx, StreamKey("b")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), aLen)
	assert.Equal(t, int64(1), bLen)
}

func TestRedisMirrorCloseDrainsQueue(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	mirror := NewRedisMirror(client, 100, zaptest.NewLogger(t))
	for i := 1; i <= 20; i++ {
		mirror.Append(Event{
			SessionID: "sess-1",
			Seq:       uint64(i),
			Type:      EventStageProgress,
			Timestamp: time.Now().UTC(),
		})
	}
	mirror.Close()

	n, err := client.XLen(context.Background(), StreamKey("sess-1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(20), n)
}
