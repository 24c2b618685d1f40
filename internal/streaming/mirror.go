package streaming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
)

// RedisMirror copies published events into per-session Redis Streams
// (deepresearch:events:<session_id>) so external consumers can tail them.
// Writes go through a single-writer queue: stream order matches publish
// order and a slow Redis never blocks a publisher.
type RedisMirror struct {
	client   *redis.Client
	maxLen   int64
	logger   *zap.Logger
	queue    chan Event
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRedisMirror creates a mirror and starts its writer goroutine.
func NewRedisMirror(client *redis.Client, maxLen int64, logger *zap.Logger) *RedisMirror {
	if maxLen <= 0 {
		maxLen = 1024
	}
	m := &RedisMirror{
		client: client,
		maxLen: maxLen,
		logger: logger,
		queue:  make(chan Event, 1024),
		stopCh: make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run()
	return m
}

// StreamKey returns the Redis Stream key for a session.
func StreamKey(sessionID string) string {
	return fmt.Sprintf("deepresearch:events:%s", sessionID)
}

// Append enqueues an event for mirroring. Never blocks; drops on overflow.
func (m *RedisMirror) Append(evt Event) {
	select {
	case m.queue <- evt:
	default:
		metrics.EventsDropped.Inc()
		m.logger.Warn("Redis mirror queue full, dropping event",
			zap.String("session_id", evt.SessionID),
			zap.Uint64("seq", evt.Seq))
	}
}

func (m *RedisMirror) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			// drain what is already queued
			for {
				select {
				case evt := <-m.queue:
					m.write(evt)
				default:
					return
				}
			}
		case evt := <-m.queue:
			m.write(evt)
		}
	}
}

func (m *RedisMirror) write(evt Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := m.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(evt.SessionID),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"seq":       evt.Seq,
			"type":      string(evt.Type),
			"message":   evt.Message,
			"timestamp": evt.Timestamp.Format(time.RFC3339Nano),
			"event":     string(evt.Marshal()),
		},
	}).Err()
	if err != nil {
		m.logger.Warn("Redis mirror write failed",
			zap.String("session_id", evt.SessionID),
			zap.Uint64("seq", evt.Seq),
			zap.Error(err))
	}
}

// Close stops the writer after draining the queue.
func (m *RedisMirror) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
