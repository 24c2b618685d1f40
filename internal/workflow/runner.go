package workflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/kestrellabs/deepresearch/internal/llm"
	"github.com/kestrellabs/deepresearch/internal/metrics"
	"github.com/kestrellabs/deepresearch/internal/session"
	"github.com/kestrellabs/deepresearch/internal/streaming"
)

// Runner drives one session's stage sequence: question generation,
// web-backed research, report synthesis, review — looping back through the
// sequence on a "revise" verdict until approval or the review-cycle budget
// is spent. Stages run strictly sequentially within a session; sessions run
// fully independently. The runner checks the unified stop signal at every
// stage boundary and guarantees the session reaches exactly one terminal
// state.
type Runner struct {
	stages Stages
	logger *zap.Logger
}

// New creates a runner over the given stage set.
func New(stages Stages, logger *zap.Logger) *Runner {
	return &Runner{stages: stages, logger: logger}
}

// Run executes the workflow for the session behind h. It always leaves the
// session in a terminal state.
func (r *Runner) Run(h *session.Handle) {
	snap := h.Snapshot()
	log := r.logger.With(zap.String("session_id", snap.ID))

	// cancel may land before the runner is scheduled
	if cause := h.StopCause(); cause != "" {
		r.stop(h, session.StatePending, cause, log)
		return
	}
	if err := h.Transition(session.StatePending, session.StateRunning); err != nil {
		log.Error("Failed to start session", zap.Error(err))
		return
	}

	feedback := ""
	for {
		out, err := r.runStage(h, r.stages.Questions, StageInput{Topic: snap.Topic, Feedback: feedback})
		if err != nil {
			r.fail(h, session.StateRunning, r.stages.Questions.Name(), err, log)
			return
		}
		questions := out.Questions

		out, err = r.runStage(h, r.stages.Research, StageInput{Topic: snap.Topic, Questions: questions})
		if err != nil {
			r.fail(h, session.StateRunning, r.stages.Research.Name(), err, log)
			return
		}
		research := out.Research

		if cause := h.StopCause(); cause != "" {
			r.stop(h, session.StateRunning, cause, log)
			return
		}
		if err := h.Transition(session.StateRunning, session.StateReviewing); err != nil {
			log.Error("Failed to enter reviewing state", zap.Error(err))
			return
		}

		out, err = r.runStage(h, r.stages.Synthesize, StageInput{Topic: snap.Topic, Research: research})
		if err != nil {
			r.fail(h, session.StateReviewing, r.stages.Synthesize.Name(), err, log)
			return
		}
		draft := out.Report

		cur := h.Snapshot()
		if cur.Config.MaxReviewCycles == 0 {
			// zero budget means skip review entirely
			r.complete(h, draft, log)
			return
		}

		out, err = r.runStage(h, r.stages.Review, StageInput{Topic: snap.Topic, Draft: draft, ReviewCycle: cur.ReviewCycle})
		if err != nil {
			r.fail(h, session.StateReviewing, r.stages.Review.Name(), err, log)
			return
		}

		if out.Approved {
			r.complete(h, draft, log)
			return
		}
		if cur.ReviewCycle >= cur.Config.MaxReviewCycles {
			// budget exhausted: complete with the report we have
			log.Info("Review cycles exhausted, completing with current draft",
				zap.Int("review_cycles", cur.ReviewCycle))
			r.complete(h, draft, log)
			return
		}

		if cause := h.StopCause(); cause != "" {
			r.stop(h, session.StateReviewing, cause, log)
			return
		}
		feedback = out.Feedback
		h.Publish(streaming.EventReviewCycle, "reviewer requested another research pass",
			map[string]interface{}{
				"cycle":    cur.ReviewCycle + 1,
				"feedback": preview(feedback, 200),
			})
		if err := h.Transition(session.StateReviewing, session.StateRunning, session.IncrementReviewCycle()); err != nil {
			log.Error("Failed to loop back for revision", zap.Error(err))
			return
		}
	}
}

// runStage checks the stop signal, emits boundary events, and executes the
// stage under the session context.
func (r *Runner) runStage(h *session.Handle, st Stage, in StageInput) (StageOutput, error) {
	if cause := h.StopCause(); cause != "" {
		return StageOutput{}, &stoppedError{cause: cause}
	}

	snap := h.Snapshot()
	in.ReviewCycle = snap.ReviewCycle
	in.Progress = func(msg string, payload map[string]interface{}) {
		if payload == nil {
			payload = map[string]interface{}{}
		}
		payload["stage"] = st.Name()
		h.Publish(streaming.EventStageProgress, msg, payload)
	}

	h.Publish(streaming.EventStageStarted, st.Name()+" started", map[string]interface{}{
		"stage":        st.Name(),
		"review_cycle": snap.ReviewCycle,
	})

	start := time.Now()
	out, err := st.Run(h.Context(), in)
	elapsed := time.Since(start)
	if err != nil {
		metrics.RecordStage(st.Name(), elapsed.Seconds(), errKind(h, err))
		return out, err
	}
	metrics.RecordStage(st.Name(), elapsed.Seconds(), "")
	h.Publish(streaming.EventStageCompleted, st.Name()+" completed", map[string]interface{}{
		"stage":        st.Name(),
		"review_cycle": snap.ReviewCycle,
		"duration_ms":  elapsed.Milliseconds(),
	})
	return out, nil
}

func (r *Runner) complete(h *session.Handle, draft string, log *zap.Logger) {
	snap := h.Snapshot()
	report := session.Report{
		Topic:        snap.Topic,
		Content:      draft,
		ReviewCycles: snap.ReviewCycle,
		GeneratedAt:  time.Now().UTC(),
	}
	if err := h.Transition(session.StateReviewing, session.StateCompleted, session.WithResult(report)); err != nil {
		log.Error("Failed to complete session", zap.Error(err))
	}
}

// fail routes a stage error to its terminal state: the stop cause when the
// unified stop signal fired, TimedOut on an exhausted deadline, Failed
// otherwise.
func (r *Runner) fail(h *session.Handle, cur session.State, stage string, err error, log *zap.Logger) {
	if se, ok := err.(*stoppedError); ok {
		r.stop(h, cur, se.cause, log)
		return
	}
	if cause := h.StopCause(); cause != "" {
		r.stop(h, cur, cause, log)
		return
	}
	if llm.IsDeadlineExceeded(err) {
		log.Warn("Stage exceeded session deadline", zap.String("stage", stage), zap.Error(err))
		if terr := h.Transition(cur, session.StateTimedOut, session.WithError(err.Error())); terr != nil {
			log.Error("Failed to record timeout", zap.Error(terr))
		}
		return
	}
	log.Warn("Stage failed", zap.String("stage", stage), zap.Error(err))
	if terr := h.Transition(cur, session.StateFailed, session.WithError(stage+": "+err.Error())); terr != nil {
		log.Error("Failed to record failure", zap.Error(terr))
	}
}

// stop finalizes a session whose stop signal fired, using the cause
// recorded at signal time.
func (r *Runner) stop(h *session.Handle, cur, cause session.State, log *zap.Logger) {
	var effects []session.Effect
	if cause == session.StateTimedOut {
		effects = append(effects, session.WithError("session deadline exceeded"))
	}
	if err := h.Transition(cur, cause, effects...); err != nil {
		log.Error("Failed to finalize stopped session",
			zap.String("cause", string(cause)), zap.Error(err))
	}
}

type stoppedError struct{ cause session.State }

func (e *stoppedError) Error() string { return "session stopped: " + string(e.cause) }

func errKind(h *session.Handle, err error) string {
	if _, ok := err.(*stoppedError); ok || h.StopCause() == session.StateCancelled {
		return "cancelled"
	}
	if llm.IsDeadlineExceeded(err) || h.StopCause() == session.StateTimedOut {
		return "deadline_exceeded"
	}
	return "provider_error"
}
