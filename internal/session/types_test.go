package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled, StateTimedOut} {
		assert.True(t, s.Terminal(), "%s", s)
	}
	for _, s := range []State{StatePending, StateRunning, StateReviewing} {
		assert.False(t, s.Terminal(), "%s", s)
	}
}

func TestValidTransitionEdges(t *testing.T) {
	assert.True(t, ValidTransition(StatePending, StateRunning))
	assert.True(t, ValidTransition(StateRunning, StateReviewing))
	assert.True(t, ValidTransition(StateReviewing, StateRunning))
	assert.True(t, ValidTransition(StateReviewing, StateCompleted))

	assert.True(t, ValidTransition(StateRunning, StateCompleted))

	assert.False(t, ValidTransition(StatePending, StateReviewing))
	assert.False(t, ValidTransition(StatePending, StateCompleted))
	assert.False(t, ValidTransition(StateCompleted, StateRunning))
	assert.False(t, ValidTransition(StateCancelled, StateRunning))
}

func TestSessionDeadline(t *testing.T) {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s := Session{CreatedAt: created, Config: Config{Timeout: 5 * time.Minute}}
	assert.Equal(t, created.Add(5*time.Minute), s.Deadline())
}
