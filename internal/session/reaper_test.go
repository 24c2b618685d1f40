package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestReaperEvictsOnlyExpiredTerminalSessions(t *testing.T) {
	r := newTestRegistry(t, 10)
	rp := NewReaper(r, time.Hour, 20*time.Millisecond, zaptest.NewLogger(t))

	old, err := r.Create("old topic", testConfig())
	require.NoError(t, err)
	require.NoError(t, r.Transition(old.ID, StatePending, StateCancelled))

	live, err := r.Create("live topic", testConfig())
	require.NoError(t, err)

	// not yet past retention
	assert.Equal(t, 0, rp.Sweep())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 1, rp.Sweep())

	_, err = r.Get(old.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// the live session is untouched no matter how old it is
	_, err = r.Get(live.ID)
	assert.NoError(t, err)
}

func TestReaperFreshTerminalSessionSurvivesSweep(t *testing.T) {
	r := newTestRegistry(t, 10)
	rp := NewReaper(r, time.Hour, time.Hour, zaptest.NewLogger(t))

	s, err := r.Create("topic", testConfig())
	require.NoError(t, err)
	require.NoError(t, r.Transition(s.ID, StatePending, StateFailed, WithError("boom")))

	assert.Equal(t, 0, rp.Sweep())
	sess, err := r.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, sess.State)
}

func TestReaperStartStop(t *testing.T) {
	r := newTestRegistry(t, 10)
	rp := NewReaper(r, 10*time.Millisecond, 5*time.Millisecond, zaptest.NewLogger(t))

	s, err := r.Create("topic", testConfig())
	require.NoError(t, err)
	require.NoError(t, r.Transition(s.ID, StatePending, StateCancelled))

	rp.Start()
	require.Eventually(t, func() bool {
		_, err := r.Get(s.ID)
		return err != nil
	}, time.Second, 5*time.Millisecond)

	rp.Stop()
	// Stop is idempotent
	rp.Stop()
}
