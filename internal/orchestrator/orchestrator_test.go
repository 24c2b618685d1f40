package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/kestrellabs/deepresearch/internal/session"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *session.Registry) {
	registry := session.NewRegistry(session.RegistryConfig{MaxConcurrent: 5}, zaptest.NewLogger(t))
	orch := New(registry, Defaults{
		Timeout:            time.Minute,
		MaxReviewCycles:    3,
		MaxReviewCyclesCap: 10,
	}, zaptest.NewLogger(t))
	return orch, registry
}

func TestStartAppliesDefaults(t *testing.T) {
	orch, registry := newTestOrchestrator(t)

	summary, err := orch.Start(StartRequest{Topic: "  container shipping  "})
	require.NoError(t, err)
	assert.Equal(t, session.StatePending, summary.State)

	sess, err := registry.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, "container shipping", sess.Topic)
	assert.Equal(t, 3, sess.Config.MaxReviewCycles)
	assert.Equal(t, time.Minute, sess.Config.Timeout)
}

func TestStartOverridesDefaults(t *testing.T) {
	orch, registry := newTestOrchestrator(t)

	cycles := 1
	timeout := 30 * time.Second
	summary, err := orch.Start(StartRequest{Topic: "topic", MaxReviewCycles: &cycles, Timeout: &timeout})
	require.NoError(t, err)

	sess, err := registry.Get(summary.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sess.Config.MaxReviewCycles)
	assert.Equal(t, 30*time.Second, sess.Config.Timeout)
}

func TestStartValidation(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	_, err := orch.Start(StartRequest{Topic: "   "})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)

	badCycles := -1
	_, err = orch.Start(StartRequest{Topic: "topic", MaxReviewCycles: &badCycles})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)

	tooMany := 11
	_, err = orch.Start(StartRequest{Topic: "topic", MaxReviewCycles: &tooMany})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)

	badTimeout := -time.Second
	_, err = orch.Start(StartRequest{Topic: "topic", Timeout: &badTimeout})
	assert.ErrorIs(t, err, session.ErrInvalidConfig)
}

func TestResultStateMapping(t *testing.T) {
	orch, registry := newTestOrchestrator(t)

	s, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)

	// pending
	_, err = orch.Result(s.ID)
	assert.ErrorIs(t, err, session.ErrNotReady)

	// completed
	require.NoError(t, registry.Transition(s.ID, session.StatePending, session.StateRunning))
	require.NoError(t, registry.Transition(s.ID, session.StateRunning, session.StateReviewing))
	require.NoError(t, registry.Transition(s.ID, session.StateReviewing, session.StateCompleted,
		session.WithResult(session.Report{Topic: "topic", Content: "final report"})))

	report, err := orch.Result(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "final report", report.Content)

	// failed
	f, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)
	require.NoError(t, registry.Transition(f.ID, session.StatePending, session.StateFailed,
		session.WithError("provider unreachable")))

	_, err = orch.Result(f.ID)
	var failure *session.FailureError
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, session.StateFailed, failure.State)
	assert.Equal(t, "provider unreachable", failure.Reason)

	// cancelled
	c, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)
	require.NoError(t, registry.Transition(c.ID, session.StatePending, session.StateCancelled))
	_, err = orch.Result(c.ID)
	assert.ErrorIs(t, err, session.ErrCancelled)

	// unknown
	_, err = orch.Result("no-such-session")
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestStatusAndList(t *testing.T) {
	orch, _ := newTestOrchestrator(t)

	a, err := orch.Start(StartRequest{Topic: "topic a"})
	require.NoError(t, err)
	_, err = orch.Start(StartRequest{Topic: "topic b"})
	require.NoError(t, err)

	status, err := orch.Status(a.ID)
	require.NoError(t, err)
	assert.Equal(t, "topic a", status.Topic)
	assert.Equal(t, session.StatePending, status.State)

	assert.Len(t, orch.List(), 2)
	assert.Equal(t, 2, orch.ActiveSessions())
}

func TestCancelPropagates(t *testing.T) {
	orch, registry := newTestOrchestrator(t)

	s, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)
	require.NoError(t, orch.Cancel(s.ID))

	// the signal is delivered; without a runner the state itself does not
	// change, which is exactly the facade's contract
	sess, err := registry.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatePending, sess.State)

	assert.ErrorIs(t, orch.Cancel("no-such-session"), session.ErrNotFound)
}

func TestRemove(t *testing.T) {
	orch, registry := newTestOrchestrator(t)

	// live session: Remove behaves like Cancel and keeps the record
	live, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)
	require.NoError(t, orch.Remove(live.ID))
	_, err = registry.Get(live.ID)
	assert.NoError(t, err)

	// terminal session: Remove evicts immediately
	done, err := orch.Start(StartRequest{Topic: "topic"})
	require.NoError(t, err)
	require.NoError(t, registry.Transition(done.ID, session.StatePending, session.StateCancelled))
	require.NoError(t, orch.Remove(done.ID))
	_, err = registry.Get(done.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}
