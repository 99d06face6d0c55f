// Package phase1 implements Discover Goals: generating a non-empty list of
// suggested research goals, then looping a bounded number of times on
// operator amendment text before the goals are accepted.
package phase1

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/streamparse"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// DefaultMaxAmendments bounds the amendment loop: it repeats at most this
// many times before the final iteration's goals are accepted regardless
// of further feedback.
const DefaultMaxAmendments = 3

type goalsResponse struct {
	Goals []domain.SuggestedGoal `json:"suggested_goals"`
}

// Runner executes Phase 1.
type Runner struct {
	LLM           llm.AgentClient
	Composer      *prompt.Composer
	Bus           uibus.Bus
	MaxAmendments int
}

// New returns a Phase 1 Runner. maxAmendments <= 0 uses DefaultMaxAmendments.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus, maxAmendments int) *Runner {
	if maxAmendments <= 0 {
		maxAmendments = DefaultMaxAmendments
	}
	return &Runner{LLM: agent, Composer: composer, Bus: bus, MaxAmendments: maxAmendments}
}

// Run produces the accepted goal list, driving the amendment loop.
func (r *Runner) Run(ctx context.Context, researchRole, dataAbstract string) ([]domain.SuggestedGoal, error) {
	amendment := ""

	for attempt := 0; ; attempt++ {
		goals, err := r.generate(ctx, researchRole, dataAbstract, amendment)
		if err != nil {
			return nil, err
		}
		if len(goals) == 0 {
			return nil, researcherrors.InputInvalid(fmt.Errorf("%w: phase1 produced no goals", domain.ErrEmptyGoals))
		}

		r.Bus.DisplayGoals(ctx, goals)

		if attempt >= r.MaxAmendments {
			return acceptAll(goals), nil
		}

		reply, err := r.Bus.PromptUser(ctx, "how to amend?", nil)
		if err != nil {
			return nil, fmt.Errorf("phase1: prompting for amendment: %w", err)
		}
		if strings.TrimSpace(reply) == "" {
			return acceptAll(goals), nil
		}
		amendment = reply
	}
}

func acceptAll(goals []domain.SuggestedGoal) []domain.SuggestedGoal {
	for i := range goals {
		goals[i].Status = domain.GoalStatusAccepted
	}
	return goals
}

func (r *Runner) generate(ctx context.Context, researchRole, dataAbstract, amendment string) ([]domain.SuggestedGoal, error) {
	vars := map[string]string{
		"research_role": researchRole,
		"data_abstract": dataAbstract,
		"amendment":     amendment,
	}
	msgs, err := r.Composer.Compose(string(domain.PhaseKeyDiscoverGoals), vars)
	if err != nil {
		return nil, fmt.Errorf("phase1: composing prompt: %w", err)
	}

	resp, err := r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: toLLMMessages(msgs)}, func(tok string) {
		r.Bus.DisplayStream(ctx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("phase1: streaming goal generation: %w", err)
	}
	r.Bus.ClearStreamBuffer(ctx)

	obj, err := streamparse.ParseFirstObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("phase1: parsing goals response: %w", err)
	}

	var parsed goalsResponse
	if err := json.Unmarshal(obj, &parsed); err != nil {
		return nil, fmt.Errorf("phase1: unmarshaling goals: %w", err)
	}
	return parsed.Goals, nil
}

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
