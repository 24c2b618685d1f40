package llm

import (
	"context"
	"fmt"
	"strings"
)

// QA pairs a research question with its answer.
type QA struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

const (
	questionSystemPrompt = `You are part of a deep research system.
Given a research topic, you should come up with 5 questions that a separate
agent will answer in order to write a comprehensive report on that topic.
Provide the questions one per line. Don't include markdown or any preamble
in your response, just a list of questions.`

	answerSystemPrompt = `You are part of a deep research system.
Given a specific question, your job is to come up with a deep answer to that
question, which will be combined with other answers on the topic into a
comprehensive report. You can search the web to get information on the
topic, as many times as you need.`

	reportSystemPrompt = `You are part of a deep research system.
Given a set of answers to a set of questions, your job is to combine them
all into a comprehensive report on the topic.`

	reviewSystemPrompt = `You are part of a deep research system.
Your job is to review a report that's been written and suggest questions
that could have been asked to produce a more comprehensive report than the
current version, or to decide that the current report is comprehensive
enough.`
)

// approvedVerdict is the exact reviewer output that accepts a report.
const approvedVerdict = "ACCEPTABLE"

// Agents bundles the four fixed research roles over one provider.
type Agents struct {
	provider Provider
}

// NewAgents creates the agent set.
func NewAgents(provider Provider) *Agents {
	return &Agents{provider: provider}
}

// GenerateQuestions produces research questions for a topic. Reviewer
// feedback from an earlier cycle, when present, is folded into the prompt.
func (a *Agents) GenerateQuestions(ctx context.Context, topic, feedback string) ([]string, error) {
	prompt := fmt.Sprintf("Generate some questions on the topic <topic>%s</topic>.", topic)
	if feedback != "" {
		prompt += fmt.Sprintf(` You have previously researched this topic and
got the following feedback, consisting of additional questions you might
want to ask: <feedback>%s</feedback>. Keep this in mind when formulating
your questions.`, feedback)
	}
	resp, err := a.provider.Generate(ctx, Request{System: questionSystemPrompt, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	var questions []string
	for _, line := range strings.Split(resp.Text, "\n") {
		if q := strings.TrimSpace(line); q != "" {
			questions = append(questions, q)
		}
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("question agent returned no questions")
	}
	return questions, nil
}

// Answer researches one question with a search-capable provider call.
func (a *Agents) Answer(ctx context.Context, question string) (string, error) {
	prompt := fmt.Sprintf(`Research the answer to this question:
<question>%s</question>. You can use web search to help you find information
on the topic, as many times as you need. Return just the answer without
preamble or markdown.`, question)
	resp, err := a.provider.Generate(ctx, Request{
		System:       answerSystemPrompt,
		Prompt:       prompt,
		EnableSearch: true,
	})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// WriteReport combines the collected answers into a report on the topic.
func (a *Agents) WriteReport(ctx context.Context, topic string, research []QA) (string, error) {
	var answers strings.Builder
	for _, qa := range research {
		fmt.Fprintf(&answers, "Question: %s\nAnswer: %s\n\n", qa.Question, qa.Answer)
	}
	prompt := fmt.Sprintf(`You have been given a complex topic on which to
write a report: <topic>%s</topic>.

Other agents have already come up with a list of questions about the topic
and answers to those questions. Your job is to write a clear, thorough
report that combines all the information from those answers.

Here are the questions and answers:
<questions_and_answers>%s</questions_and_answers>`, topic, answers.String())
	resp, err := a.provider.Generate(ctx, Request{System: reportSystemPrompt, Prompt: prompt})
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// Review evaluates a report. It returns approved=true when the reviewer
// accepts it, otherwise the feedback to fold into the next cycle.
func (a *Agents) Review(ctx context.Context, topic, report string) (approved bool, feedback string, err error) {
	prompt := fmt.Sprintf(`You have just written a report about the topic %s.
Here is the report: <report>%s</report>
Decide whether this report is sufficiently comprehensive.
If it is, respond with just the string "%s" and nothing else.
If it needs more research, suggest some additional questions that could
have been asked.`, topic, report, approvedVerdict)
	resp, err := a.provider.Generate(ctx, Request{System: reviewSystemPrompt, Prompt: prompt})
	if err != nil {
		return false, "", err
	}
	verdict := strings.TrimSpace(resp.Text)
	if verdict == approvedVerdict {
		return true, "", nil
	}
	return false, verdict, nil
}
