// Package phase05 implements the Research Role phase: a short
// LLM-generated {role, rationale} pair, optionally informed by user
// feedback collected through a single prompt_user round, stored as session
// metadata for every later phase's prompt context.
package phase05

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/session"
	"github.com/deepresearch-dev/agent/internal/streamparse"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// MetadataStore is the narrow seam phase05 needs from the session store,
// mirroring the teacher's store.IssueStore/store.EventLogStore interface
// seams in internal/brain/orchestrator_impl.go.
type MetadataStore interface {
	SetMetadata(key string, value any) error
}

// Role is Phase 0.5's generated output.
type Role struct {
	Role      string `json:"role"`
	Rationale string `json:"rationale"`
}

// Runner executes Phase 0.5.
type Runner struct {
	LLM      llm.AgentClient
	Composer *prompt.Composer
	Bus      uibus.Bus
	Store    MetadataStore
}

// New returns a Phase 0.5 Runner.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus, store MetadataStore) *Runner {
	return &Runner{LLM: agent, Composer: composer, Bus: bus, Store: store}
}

// Run solicits optional pre-role feedback, generates the role, and persists
// it to session metadata.
func (r *Runner) Run(ctx context.Context, dataAbstract string) (*Role, error) {
	feedback, err := r.Bus.PromptUser(ctx, "Any guidance on the research role before I propose one?", nil)
	if err != nil {
		return nil, fmt.Errorf("phase05: prompting for pre-role feedback: %w", err)
	}

	vars := map[string]string{
		"data_abstract": dataAbstract,
		"feedback":      feedback,
	}
	msgs, err := r.Composer.Compose(string(domain.PhaseKeyResearchRole), vars)
	if err != nil {
		return nil, fmt.Errorf("phase05: composing prompt: %w", err)
	}

	resp, err := r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: toLLMMessages(msgs)}, func(tok string) {
		r.Bus.DisplayStream(ctx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("phase05: streaming role generation: %w", err)
	}
	r.Bus.ClearStreamBuffer(ctx)

	obj, err := streamparse.ParseFirstObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("phase05: parsing role response: %w", err)
	}

	var role Role
	if err := json.Unmarshal(obj, &role); err != nil {
		return nil, fmt.Errorf("phase05: unmarshaling role: %w", err)
	}

	if err := r.Store.SetMetadata(session.MetaResearchRole, role.Role); err != nil {
		return nil, fmt.Errorf("phase05: persisting research role: %w", err)
	}

	return &role, nil
}

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
