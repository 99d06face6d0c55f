// Package phase15 implements Synthesize Goal: the LLM generates
// comprehensive_topic, unifying_theme, and research_scope, but
// component_questions are never model-generated — they are copied verbatim
// from the accepted Phase 1 goal texts, preserving the exact multiset the
// operator approved.
package phase15

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/streamparse"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// synthesisFields is the part of the model's response this package keeps;
// any component_questions the model returns are ignored, since this
// package fills them in itself from the accepted goals.
type synthesisFields struct {
	ComprehensiveTopic string `json:"comprehensive_topic"`
	UnifyingTheme      string `json:"unifying_theme"`
	ResearchScope      string `json:"research_scope"`
}

// Runner executes Phase 1.5.
type Runner struct {
	LLM      llm.AgentClient
	Composer *prompt.Composer
	Bus      uibus.Bus
}

// New returns a Phase 1.5 Runner.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus) *Runner {
	return &Runner{LLM: agent, Composer: composer, Bus: bus}
}

// Run synthesizes a SynthesizedGoal from the accepted goals. Only goals
// with Status == GoalStatusAccepted contribute a component question.
func (r *Runner) Run(ctx context.Context, goals []domain.SuggestedGoal) (*domain.SynthesizedGoal, error) {
	accepted := make([]string, 0, len(goals))
	goalTextsForPrompt := ""
	for _, g := range goals {
		if g.Status != domain.GoalStatusAccepted {
			continue
		}
		accepted = append(accepted, g.GoalText)
		goalTextsForPrompt += "- " + g.GoalText + "\n"
	}
	if len(accepted) == 0 {
		return nil, fmt.Errorf("phase15: no accepted goals to synthesize")
	}

	vars := map[string]string{"goal_texts": goalTextsForPrompt}
	msgs, err := r.Composer.Compose(string(domain.PhaseKeySynthesizeGoal), vars)
	if err != nil {
		return nil, fmt.Errorf("phase15: composing prompt: %w", err)
	}

	resp, err := r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: toLLMMessages(msgs)}, func(tok string) {
		r.Bus.DisplayStream(ctx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("phase15: streaming synthesis: %w", err)
	}
	r.Bus.ClearStreamBuffer(ctx)

	obj, err := streamparse.ParseFirstObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("phase15: parsing synthesis response: %w", err)
	}

	var fields synthesisFields
	if err := json.Unmarshal(obj, &fields); err != nil {
		return nil, fmt.Errorf("phase15: unmarshaling synthesis fields: %w", err)
	}

	goal := &domain.SynthesizedGoal{
		ComprehensiveTopic: fields.ComprehensiveTopic,
		ComponentQuestions: accepted,
		UnifyingTheme:      fields.UnifyingTheme,
		ResearchScope:      fields.ResearchScope,
	}
	r.Bus.DisplaySynthesizedGoal(ctx, *goal)
	return goal, nil
}

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
