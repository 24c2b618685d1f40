package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/metrics"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

// Runner executes one session's workflow. The Registry spawns one Runner
// goroutine per admitted session; the Handle is the runner's only way to
// emit events and request state transitions.
type Runner interface {
	Run(h *Handle)
}

// Archiver receives terminal sessions with their buffered event history.
// Implementations must not block.
type Archiver interface {
	ArchiveSession(sess Session, events []streaming.Event)
}

// Effect mutates a session inside a validated transition. Effects run under
// the entry lock after the transition has been accepted.
type Effect func(*Session)

// WithResult attaches the final report. Only meaningful on the transition
// into Completed; the Registry clears results on any other terminal state.
func WithResult(r Report) Effect {
	return func(s *Session) {
		c := r
		s.Result = &c
	}
}

// WithError records a failure description for Failed/TimedOut transitions.
func WithError(msg string) Effect {
	return func(s *Session) { s.Error = msg }
}

// IncrementReviewCycle bumps the review cycle counter on a revise loop.
func IncrementReviewCycle() Effect {
	return func(s *Session) { s.ReviewCycle++ }
}

// RegistryConfig sizes the Registry.
type RegistryConfig struct {
	MaxConcurrent    int
	BusCapacity      int
	SubscriberBuffer int
}

// Registry owns the live-session map. It is the single source of truth for
// admission control and state transitions: runners, the reaper, and the
// facade all mutate sessions exclusively through it. The map is guarded by
// one RWMutex; each session's fields are guarded by their own entry lock so
// unrelated sessions never contend.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	active  int
	limit   int

	busCapacity int
	subBuffer   int

	mirror   streaming.Mirror
	archiver Archiver
	runner   Runner
	logger   *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, logger *zap.Logger) *Registry {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 10
	}
	if cfg.BusCapacity <= 0 {
		cfg.BusCapacity = 256
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 64
	}
	return &Registry{
		entries:     make(map[string]*entry),
		limit:       cfg.MaxConcurrent,
		busCapacity: cfg.BusCapacity,
		subBuffer:   cfg.SubscriberBuffer,
		logger:      logger,
	}
}

// SetRunner installs the workflow runner used for new sessions.
func (r *Registry) SetRunner(runner Runner) { r.runner = runner }

// SetMirror installs an event mirror applied to buses of new sessions.
func (r *Registry) SetMirror(m streaming.Mirror) { r.mirror = m }

// SetArchiver installs the terminal-session archiver.
func (r *Registry) SetArchiver(a Archiver) { r.archiver = a }

// SetLimit updates the admission ceiling. Running sessions are unaffected.
func (r *Registry) SetLimit(n int) {
	if n <= 0 {
		return
	}
	r.mu.Lock()
	r.limit = n
	r.mu.Unlock()
}

// entry owns one session, its event bus, and its stop signal. The stop
// signal unifies cancellation and timeout: whichever fires first records
// its cause, closes stopCh, and cancels the session context.
type entry struct {
	mu   sync.Mutex
	sess *Session
	bus  *streaming.Bus

	ctx           context.Context
	cancel        context.CancelFunc
	stopCh        chan struct{}
	stopOnce      sync.Once
	stopCause     State
	deadlineTimer *time.Timer
}

func (e *entry) signalStop(cause State) {
	e.stopOnce.Do(func() {
		e.stopCause = cause
		close(e.stopCh)
		e.cancel()
	})
}

func (e *entry) signalledCause() State {
	select {
	case <-e.stopCh:
		return e.stopCause
	default:
		return ""
	}
}

// Create admits a new session and hands it off to a Runner goroutine,
// returning immediately. Fails with ErrCapacityExceeded when the number of
// non-terminal sessions is at the ceiling.
func (r *Registry) Create(topic string, cfg Config) (Summary, error) {
	if cfg.Timeout <= 0 {
		return Summary{}, fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	if cfg.MaxReviewCycles < 0 {
		return Summary{}, fmt.Errorf("%w: max_review_cycles must be non-negative", ErrInvalidConfig)
	}

	r.mu.Lock()
	if r.active >= r.limit {
		limit := r.limit
		r.mu.Unlock()
		metrics.AdmissionRejected.Inc()
		return Summary{}, fmt.Errorf("%w: %d sessions running", ErrCapacityExceeded, limit)
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.New().String(),
		Topic:     topic,
		Config:    cfg,
		State:     StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ctx, cancel := context.WithDeadline(context.Background(), sess.Deadline())
	e := &entry{
		sess:   sess,
		bus:    streaming.NewBus(sess.ID, r.busCapacity, r.mirror, r.logger),
		ctx:    ctx,
		cancel: cancel,
		stopCh: make(chan struct{}),
	}
	e.deadlineTimer = time.AfterFunc(time.Until(sess.Deadline()), func() {
		e.signalStop(StateTimedOut)
	})
	r.entries[sess.ID] = e
	r.active++
	runner := r.runner
	r.mu.Unlock()

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	r.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("topic", truncate(topic, 80)),
		zap.Duration("timeout", cfg.Timeout),
		zap.Int("max_review_cycles", cfg.MaxReviewCycles),
	)

	if runner != nil {
		h := &Handle{r: r, e: e, id: sess.ID}
		go runner.Run(h)
	}
	return sess.summary(), nil
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e, nil
}

// Get returns a point-in-time copy of the session.
func (r *Registry) Get(id string) (Session, error) {
	e, err := r.entry(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess.clone(), nil
}

// List returns a consistent snapshot of all session summaries.
func (r *Registry) List() []Summary {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]Summary, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.sess.summary())
		e.mu.Unlock()
	}
	return out
}

// Active returns the number of non-terminal sessions.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// RequestCancel signals the owning runner to stop at its next safe point.
// A no-op on sessions that are already terminal.
func (r *Registry) RequestCancel(id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	terminal := e.sess.State.Terminal()
	e.mu.Unlock()
	if terminal {
		return nil
	}
	e.signalStop(StateCancelled)
	r.logger.Info("Session cancel requested", zap.String("session_id", id))
	return nil
}

// Transition is the only mutation path for session state. It rejects the
// request unless `from` matches the current state and from->to is an edge
// of the state machine; a rejected transition leaves the session unchanged.
// On a terminal transition the Registry freezes the session, flushes the
// terminal event, closes the bus, and hands the record to the archiver.
func (r *Registry) Transition(id string, from, to State, effects ...Effect) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	cur := e.sess.State
	if cur != from || !ValidTransition(from, to) {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s (current state %s)", ErrInvalidTransition, from, to, cur)
	}
	for _, fx := range effects {
		fx(e.sess)
	}
	e.sess.State = to
	now := time.Now().UTC()
	e.sess.UpdatedAt = now

	var archived Session
	terminal := to.Terminal()
	if terminal {
		e.sess.CompletedAt = &now
		if to != StateCompleted {
			e.sess.Result = nil
		}
		if to != StateFailed && to != StateTimedOut {
			e.sess.Error = ""
		}
		e.deadlineTimer.Stop()
		archived = e.sess.clone()
	}
	e.mu.Unlock()

	if !terminal {
		return nil
	}

	e.cancel()
	e.bus.Close(terminalEventType(to), terminalMessage(to), terminalPayload(&archived))
	if r.archiver != nil {
		r.archiver.ArchiveSession(archived, e.bus.History())
	}

	r.mu.Lock()
	r.active--
	r.mu.Unlock()

	metrics.SessionsActive.Dec()
	metrics.RecordSessionTerminal(string(to), now.Sub(archived.CreatedAt).Seconds(), archived.ReviewCycle)
	r.logger.Info("Session reached terminal state",
		zap.String("session_id", id),
		zap.String("state", string(to)),
		zap.Int("review_cycles", archived.ReviewCycle),
		zap.Duration("duration", now.Sub(archived.CreatedAt)),
	)
	return nil
}

// Observe subscribes to the session's event stream, replaying buffered
// history newer than sinceSeq. The returned release func is idempotent.
func (r *Registry) Observe(id string, sinceSeq uint64) (*streaming.Subscriber, func(), error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, nil, err
	}
	sub, err := e.bus.Subscribe(sinceSeq, r.subBuffer)
	if err != nil {
		return nil, nil, err
	}
	return sub, func() { e.bus.Unsubscribe(sub) }, nil
}

// TerminalBefore returns ids of terminal sessions completed before cutoff.
func (r *Registry) TerminalBefore(cutoff time.Time) []string {
	r.mu.RLock()
	entries := make(map[string]*entry, len(r.entries))
	for id, e := range r.entries {
		entries[id] = e
	}
	r.mu.RUnlock()

	var ids []string
	for id, e := range entries {
		e.mu.Lock()
		if e.sess.State.Terminal() && e.sess.CompletedAt != nil && e.sess.CompletedAt.Before(cutoff) {
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids
}

// Evict removes a terminal session from the registry. Non-terminal
// sessions are never evicted.
func (r *Registry) Evict(id string) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	terminal := e.sess.State.Terminal()
	e.mu.Unlock()
	if !terminal {
		return fmt.Errorf("%w: session %s is not terminal", ErrInvalidTransition, id)
	}

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
	return nil
}

// CancelAll signals every non-terminal session to stop. Used on shutdown.
func (r *Registry) CancelAll() {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		terminal := e.sess.State.Terminal()
		e.mu.Unlock()
		if !terminal {
			e.signalStop(StateCancelled)
		}
	}
}

// Handle is the runner's capability onto one session: event emission plus
// validated transition requests. It deliberately exposes no direct session
// mutation.
type Handle struct {
	r  *Registry
	e  *entry
	id string
}

// SessionID returns the owning session's id.
func (h *Handle) SessionID() string { return h.id }

// Context is bound to the session deadline and cancelled by the unified
// stop signal. Pass it to every stage invocation.
func (h *Handle) Context() context.Context { return h.e.ctx }

// Done is the unified stop signal: closed on cancel request or deadline
// expiry. Check it at every stage boundary.
func (h *Handle) Done() <-chan struct{} { return h.e.stopCh }

// StopCause returns Cancelled or TimedOut once the stop signal has fired,
// empty otherwise. The cause is recorded at signal time.
func (h *Handle) StopCause() State { return h.e.signalledCause() }

// Snapshot returns a point-in-time copy of the session.
func (h *Handle) Snapshot() Session {
	h.e.mu.Lock()
	defer h.e.mu.Unlock()
	return h.e.sess.clone()
}

// Publish emits a progress event. Publishing after the terminal event is a
// no-op: the bus is closed.
func (h *Handle) Publish(typ streaming.EventType, msg string, payload map[string]interface{}) {
	_ = h.e.bus.Publish(typ, msg, payload)
}

// Transition requests a state transition through the Registry.
func (h *Handle) Transition(from, to State, effects ...Effect) error {
	return h.r.Transition(h.id, from, to, effects...)
}

func terminalEventType(s State) streaming.EventType {
	switch s {
	case StateCompleted:
		return streaming.EventCompleted
	case StateFailed:
		return streaming.EventFailed
	case StateCancelled:
		return streaming.EventCancelled
	case StateTimedOut:
		return streaming.EventTimedOut
	}
	return streaming.EventFailed
}

func terminalMessage(s State) string {
	switch s {
	case StateCompleted:
		return "research completed"
	case StateFailed:
		return "research failed"
	case StateCancelled:
		return "research cancelled"
	case StateTimedOut:
		return "research timed out"
	}
	return string(s)
}

func terminalPayload(sess *Session) map[string]interface{} {
	payload := map[string]interface{}{
		"state":         string(sess.State),
		"review_cycles": sess.ReviewCycle,
	}
	if sess.Error != "" {
		payload["error"] = sess.Error
	}
	return payload
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
