package workflow

import (
	"context"
	"fmt"

	"github.com/kestrellabs/deepresearch/internal/llm"
)

// StageInput carries the accumulated workflow state into a stage.
type StageInput struct {
	Topic       string
	Feedback    string
	Questions   []string
	Research    []llm.QA
	Draft       string
	ReviewCycle int

	// Progress lets a stage emit intra-stage updates; may be nil.
	Progress func(msg string, payload map[string]interface{})
}

// StageOutput carries a stage's contribution back to the runner.
type StageOutput struct {
	Questions []string
	Research  []llm.QA
	Report    string
	Approved  bool
	Feedback  string
}

// Stage is one of the four ordered workflow steps. Implementations must
// honor ctx cancellation: the stage boundary is the only guaranteed
// cancellation-check point, so a stage that ignores ctx delays stop
// requests until it returns.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageInput) (StageOutput, error)
}

// Stages bundles the fixed stage sequence.
type Stages struct {
	Questions  Stage
	Research   Stage
	Synthesize Stage
	Review     Stage
}

// DefaultStages wires the stage sequence over the LLM agent set.
func DefaultStages(agents *llm.Agents) Stages {
	return Stages{
		Questions:  &questionStage{agents: agents},
		Research:   &researchStage{agents: agents},
		Synthesize: &synthesisStage{agents: agents},
		Review:     &reviewStage{agents: agents},
	}
}

type questionStage struct{ agents *llm.Agents }

func (s *questionStage) Name() string { return "questions" }

func (s *questionStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	questions, err := s.agents.GenerateQuestions(ctx, in.Topic, in.Feedback)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{Questions: questions}, nil
}

type researchStage struct{ agents *llm.Agents }

func (s *researchStage) Name() string { return "research" }

func (s *researchStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	research := make([]llm.QA, 0, len(in.Questions))
	for i, q := range in.Questions {
		answer, err := s.agents.Answer(ctx, q)
		if err != nil {
			return StageOutput{}, fmt.Errorf("answer question %d/%d: %w", i+1, len(in.Questions), err)
		}
		research = append(research, llm.QA{Question: q, Answer: answer})
		if in.Progress != nil {
			in.Progress(fmt.Sprintf("answered question %d/%d", i+1, len(in.Questions)),
				map[string]interface{}{
					"question": preview(q, 80),
					"answer":   preview(answer, 120),
				})
		}
	}
	return StageOutput{Research: research}, nil
}

type synthesisStage struct{ agents *llm.Agents }

func (s *synthesisStage) Name() string { return "synthesis" }

func (s *synthesisStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	report, err := s.agents.WriteReport(ctx, in.Topic, in.Research)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{Report: report}, nil
}

type reviewStage struct{ agents *llm.Agents }

func (s *reviewStage) Name() string { return "review" }

func (s *reviewStage) Run(ctx context.Context, in StageInput) (StageOutput, error) {
	approved, feedback, err := s.agents.Review(ctx, in.Topic, in.Draft)
	if err != nil {
		return StageOutput{}, err
	}
	return StageOutput{Approved: approved, Feedback: feedback}, nil
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
