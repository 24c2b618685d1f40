package streaming

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
)

// EventType identifies a progress event kind.
type EventType string

const (
	EventStageStarted   EventType = "stage_started"
	EventStageProgress  EventType = "stage_progress"
	EventStageCompleted EventType = "stage_completed"
	EventReviewCycle    EventType = "review_cycle"
	EventGap            EventType = "gap"
	EventCompleted      EventType = "completed"
	EventFailed         EventType = "failed"
	EventCancelled      EventType = "cancelled"
	EventTimedOut       EventType = "timed_out"
)

// Terminal reports whether the event type ends a session's stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled, EventTimedOut:
		return true
	}
	return false
}

// Event is an immutable progress record. Seq is monotonic per session,
// starting at 1; gap markers reuse the Seq of the last dropped event so a
// subscriber's delivery order stays strictly increasing.
type Event struct {
	SessionID string                 `json:"session_id"`
	Seq       uint64                 `json:"seq"`
	Type      EventType              `json:"type"`
	Message   string                 `json:"message,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Marshal returns JSON for SSE frames and logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

// ErrBusClosed is returned on publish or subscribe after Close.
var ErrBusClosed = errors.New("event bus closed")

// Mirror receives every published event, best-effort. Implementations must
// not block the caller.
type Mirror interface {
	Append(Event)
}

// Subscriber is a handle onto one session's ordered event stream. Events()
// is closed once the terminal event has been delivered.
type Subscriber struct {
	ch chan Event
	// dropped range while lagging; guarded by the owning bus mutex
	droppedFrom uint64
	droppedTo   uint64
}

// Events returns the delivery channel.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is a single session's ordered multi-subscriber event stream: a
// fixed-capacity ring buffer for replay plus bounded per-subscriber queues.
// Publishing never blocks on a slow subscriber; overflow marks the
// subscriber lagging and a gap marker is delivered once its queue drains.
type Bus struct {
	mu        sync.Mutex
	sessionID string
	ring      *ring
	nextSeq   uint64
	subs      map[*Subscriber]struct{}
	closed    bool
	mirror    Mirror
	logger    *zap.Logger
}

// NewBus creates a bus for one session. mirror may be nil.
func NewBus(sessionID string, capacity int, mirror Mirror, logger *zap.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		sessionID: sessionID,
		ring:      newRing(capacity),
		nextSeq:   1,
		subs:      make(map[*Subscriber]struct{}),
		mirror:    mirror,
		logger:    logger,
	}
}

// Publish assigns the next sequence number and fans the event out.
func (b *Bus) Publish(typ EventType, msg string, payload map[string]interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.publishLocked(typ, msg, payload)
	return nil
}

func (b *Bus) publishLocked(typ EventType, msg string, payload map[string]interface{}) Event {
	evt := Event{
		SessionID: b.sessionID,
		Seq:       b.nextSeq,
		Type:      typ,
		Message:   msg,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	b.nextSeq++
	b.ring.push(evt)
	metrics.EventsPublished.Inc()
	if b.mirror != nil {
		b.mirror.Append(evt)
	}
	for sub := range b.subs {
		b.deliverLocked(sub, evt)
	}
	return evt
}

func (b *Bus) deliverLocked(sub *Subscriber, evt Event) {
	if sub.droppedFrom != 0 {
		gap := Event{
			SessionID: b.sessionID,
			Seq:       sub.droppedTo,
			Type:      EventGap,
			Payload: map[string]interface{}{
				"from": sub.droppedFrom,
				"to":   sub.droppedTo,
			},
			Timestamp: time.Now().UTC(),
		}
		select {
		case sub.ch <- gap:
			sub.droppedFrom, sub.droppedTo = 0, 0
		default:
			// still lagging; the current event joins the gap
			sub.droppedTo = evt.Seq
			metrics.EventsDropped.Inc()
			return
		}
	}
	select {
	case sub.ch <- evt:
	default:
		if sub.droppedFrom == 0 {
			sub.droppedFrom = evt.Seq
		}
		sub.droppedTo = evt.Seq
		metrics.EventsDropped.Inc()
	}
}

// Subscribe registers a new subscriber. Buffered history with Seq > sinceSeq
// is replayed first (best-effort within ring capacity), then live events
// stream. Fails once the bus is closed.
func (b *Bus) Subscribe(sinceSeq uint64, buffer int) (*Subscriber, error) {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	backlog := b.ring.since(sinceSeq)
	sub := &Subscriber{ch: make(chan Event, buffer)}
	if len(backlog) > buffer {
		// keep the newest, reserving one slot for a gap marker that covers
		// the discarded range
		dropped := backlog[:len(backlog)-(buffer-1)]
		backlog = backlog[len(backlog)-(buffer-1):]
		sub.ch <- Event{
			SessionID: b.sessionID,
			Seq:       dropped[len(dropped)-1].Seq,
			Type:      EventGap,
			Payload: map[string]interface{}{
				"from": dropped[0].Seq,
				"to":   dropped[len(dropped)-1].Seq,
			},
			Timestamp: time.Now().UTC(),
		}
		metrics.EventsDropped.Add(float64(len(dropped)))
	}
	for _, evt := range backlog {
		sub.ch <- evt
	}
	b.subs[sub] = struct{}{}
	metrics.SubscribersActive.Inc()
	return sub, nil
}

// Unsubscribe releases the subscriber. Idempotent.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
	metrics.SubscribersActive.Dec()
}

// Close publishes the terminal event, signals end-of-stream to every
// subscriber, and rejects further publishes and subscriptions. Terminal
// delivery evicts the oldest queued event if a subscriber queue is full, so
// the terminal event is never the one dropped. Idempotent.
func (b *Bus) Close(typ EventType, msg string, payload map[string]interface{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	evt := b.publishLocked(typ, msg, payload)
	for sub := range b.subs {
		// ensure the terminal event made it into the queue, evicting the
		// oldest entries if the subscriber is full
		if sub.droppedTo >= evt.Seq {
			for len(sub.ch) > cap(sub.ch)-2 {
				select {
				case <-sub.ch:
				default:
				}
			}
			sub.ch <- Event{
				SessionID: b.sessionID,
				Seq:       evt.Seq - 1,
				Type:      EventGap,
				Payload: map[string]interface{}{
					"from": sub.droppedFrom,
					"to":   evt.Seq - 1,
				},
				Timestamp: time.Now().UTC(),
			}
			sub.ch <- evt
			sub.droppedFrom, sub.droppedTo = 0, 0
		}
		close(sub.ch)
		metrics.SubscribersActive.Dec()
	}
	b.subs = make(map[*Subscriber]struct{})
	b.closed = true
}

// Closed reports whether the bus has been closed.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// History returns a copy of the buffered event log (ring-bounded).
func (b *Bus) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.since(0)
}

// ring is a fixed-capacity ring buffer of events.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}
