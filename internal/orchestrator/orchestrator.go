// Package orchestrator exposes the public entry points for research
// sessions: start, status, result, cancel, list, observe. It validates
// input, applies configured defaults, and delegates everything else to the
// session Registry.
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

// Defaults are applied to start requests that omit per-session settings.
type Defaults struct {
	Timeout            time.Duration
	MaxReviewCycles    int
	MaxReviewCyclesCap int
}

// Orchestrator is a thin facade over the Registry. It performs no business
// logic of its own.
type Orchestrator struct {
	registry *session.Registry
	defaults Defaults
	logger   *zap.Logger
}

// New creates the facade.
func New(registry *session.Registry, defaults Defaults, logger *zap.Logger) *Orchestrator {
	if defaults.MaxReviewCyclesCap <= 0 {
		defaults.MaxReviewCyclesCap = 10
	}
	return &Orchestrator{registry: registry, defaults: defaults, logger: logger}
}

// StartRequest is a request to begin a research session. Nil fields take
// the configured defaults.
type StartRequest struct {
	Topic           string
	MaxReviewCycles *int
	Timeout         *time.Duration
}

// Start validates the request and admits a new session. The session id is
// returned immediately; execution proceeds independently.
func (o *Orchestrator) Start(req StartRequest) (session.Summary, error) {
	topic := strings.TrimSpace(req.Topic)
	if topic == "" {
		return session.Summary{}, fmt.Errorf("%w: topic must not be empty", session.ErrInvalidConfig)
	}

	cfg := session.Config{
		MaxReviewCycles: o.defaults.MaxReviewCycles,
		Timeout:         o.defaults.Timeout,
	}
	if req.MaxReviewCycles != nil {
		cfg.MaxReviewCycles = *req.MaxReviewCycles
	}
	if req.Timeout != nil {
		cfg.Timeout = *req.Timeout
	}
	if cfg.Timeout <= 0 {
		return session.Summary{}, fmt.Errorf("%w: timeout must be positive", session.ErrInvalidConfig)
	}
	if cfg.MaxReviewCycles < 0 {
		return session.Summary{}, fmt.Errorf("%w: max_review_cycles must be non-negative", session.ErrInvalidConfig)
	}
	if cfg.MaxReviewCycles > o.defaults.MaxReviewCyclesCap {
		return session.Summary{}, fmt.Errorf("%w: max_review_cycles %d exceeds cap %d",
			session.ErrInvalidConfig, cfg.MaxReviewCycles, o.defaults.MaxReviewCyclesCap)
	}

	return o.registry.Create(topic, cfg)
}

// Status returns the session summary.
func (o *Orchestrator) Status(id string) (session.Summary, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return session.Summary{}, err
	}
	return session.Summary{
		ID:          sess.ID,
		Topic:       sess.Topic,
		State:       sess.State,
		ReviewCycle: sess.ReviewCycle,
		CreatedAt:   sess.CreatedAt,
		UpdatedAt:   sess.UpdatedAt,
		CompletedAt: sess.CompletedAt,
		Error:       sess.Error,
	}, nil
}

// Result returns the final report of a completed session. It fails with
// ErrNotReady before a terminal state, ErrCancelled after cancellation, and
// surfaces the stored failure for Failed/TimedOut sessions.
func (o *Orchestrator) Result(id string) (*session.Report, error) {
	sess, err := o.registry.Get(id)
	if err != nil {
		return nil, err
	}
	switch sess.State {
	case session.StateCompleted:
		return sess.Result, nil
	case session.StateFailed, session.StateTimedOut:
		return nil, &session.FailureError{State: sess.State, Reason: sess.Error}
	case session.StateCancelled:
		return nil, session.ErrCancelled
	default:
		return nil, fmt.Errorf("%w: current state %s", session.ErrNotReady, sess.State)
	}
}

// Cancel requests cooperative cancellation. Idempotent: cancelling a
// terminal session succeeds as a no-op.
func (o *Orchestrator) Cancel(id string) error {
	return o.registry.RequestCancel(id)
}

// Remove cancels a live session, or immediately evicts one that is already
// terminal instead of waiting for the reaper.
func (o *Orchestrator) Remove(id string) error {
	sess, err := o.registry.Get(id)
	if err != nil {
		return err
	}
	if sess.State.Terminal() {
		return o.registry.Evict(id)
	}
	return o.registry.RequestCancel(id)
}

// List returns a point-in-time snapshot of all sessions.
func (o *Orchestrator) List() []session.Summary {
	return o.registry.List()
}

// Observe subscribes to the session's live ordered event stream, replaying
// buffered history newer than sinceSeq first. The stream ends after the
// terminal event. Observing a session whose stream already ended returns
// streaming.ErrBusClosed.
func (o *Orchestrator) Observe(id string, sinceSeq uint64) (*streaming.Subscriber, func(), error) {
	return o.registry.Observe(id, sinceSeq)
}

// ActiveSessions reports the number of non-terminal sessions.
func (o *Orchestrator) ActiveSessions() int {
	return o.registry.Active()
}
