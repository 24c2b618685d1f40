package session

import (
	"time"
)

// State is a session lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateReviewing State = "reviewing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimedOut  State = "timed_out"
)

// Terminal reports whether no further transition can occur.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimedOut:
		return true
	}
	return false
}

// transitions is the full edge table of the session state machine. Any
// transition not listed here is rejected by the Registry.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateCancelled, StateTimedOut, StateFailed},
	StateRunning:   {StateReviewing, StateCompleted, StateCancelled, StateTimedOut, StateFailed},
	StateReviewing: {StateRunning, StateCompleted, StateCancelled, StateTimedOut, StateFailed},
}

// ValidTransition reports whether from->to is an edge of the state machine.
func ValidTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Config is the immutable per-session workflow configuration.
type Config struct {
	MaxReviewCycles int           `json:"max_review_cycles"`
	Timeout         time.Duration `json:"timeout"`
}

// Report is the structured research result, set only on completion.
type Report struct {
	Topic        string    `json:"topic"`
	Content      string    `json:"content"`
	ReviewCycles int       `json:"review_cycles"`
	GeneratedAt  time.Time `json:"generated_at"`
}

// Session is one research request's full lifecycle record. All mutation
// goes through the Registry; everything handed out is a copy.
type Session struct {
	ID          string     `json:"session_id"`
	Topic       string     `json:"topic"`
	Config      Config     `json:"config"`
	State       State      `json:"state"`
	ReviewCycle int        `json:"review_cycle"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      *Report    `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Deadline is the wall-clock instant after which the session times out.
func (s *Session) Deadline() time.Time {
	return s.CreatedAt.Add(s.Config.Timeout)
}

// Summary is the caller-facing snapshot of a session.
type Summary struct {
	ID          string     `json:"session_id"`
	Topic       string     `json:"topic"`
	State       State      `json:"state"`
	ReviewCycle int        `json:"review_cycle"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

func (s *Session) summary() Summary {
	sum := Summary{
		ID:          s.ID,
		Topic:       s.Topic,
		State:       s.State,
		ReviewCycle: s.ReviewCycle,
		CreatedAt:   s.CreatedAt,
		UpdatedAt:   s.UpdatedAt,
		Error:       s.Error,
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		sum.CompletedAt = &t
	}
	return sum
}

func (s *Session) clone() Session {
	c := *s
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	if s.Result != nil {
		r := *s.Result
		c.Result = &r
	}
	return c
}
