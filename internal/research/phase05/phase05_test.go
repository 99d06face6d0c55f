package phase05_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/research/phase05"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

type fakeAgent struct {
	response string
}

func (f *fakeAgent) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeAgent) StreamChatWithTools(ctx context.Context, req llm.AgentRequest, onToken func(string)) (*llm.AgentResponse, error) {
	if onToken != nil {
		onToken(f.response)
	}
	return &llm.AgentResponse{Content: f.response, FinishReason: "stop"}, nil
}

func (f *fakeAgent) Model() string { return "fake-model" }

type fakeBus struct {
	promptResponse string
}

func (b *fakeBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string)  {}
func (b *fakeBus) DisplayMessage(ctx context.Context, text string, level uibus.MessageLevel) {
}
func (b *fakeBus) DisplayProgress(ctx context.Context, current, total int, label string)   {}
func (b *fakeBus) DisplayStream(ctx context.Context, token string)                         {}
func (b *fakeBus) ClearStreamBuffer(ctx context.Context)                                   {}
func (b *fakeBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey)             {}
func (b *fakeBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)           {}
func (b *fakeBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal)  {}
func (b *fakeBus) DisplayPlan(ctx context.Context, plan domain.Plan)                        {}
func (b *fakeBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {}
func (b *fakeBus) DisplayReport(ctx context.Context, text string, path string)              {}
func (b *fakeBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	return b.promptResponse, nil
}

type fakeStore struct {
	set map[string]any
}

func (s *fakeStore) SetMetadata(key string, value any) error {
	if s.set == nil {
		s.set = map[string]any{}
	}
	s.set[key] = value
	return nil
}

var _ = Describe("Phase05 Runner", func() {
	var composer *prompt.Composer

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dir, "phase0_5"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "phase0_5", "system.md"), []byte("Propose a role."), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "phase0_5", "instructions.md"), []byte("Abstract: {data_abstract}\nFeedback: {feedback}"), 0o644)).To(Succeed())
		composer = prompt.New(dir)
	})

	It("generates a role and persists it to session metadata", func() {
		agent := &fakeAgent{response: `{"role":"media analyst","rationale":"broad cross-source coverage"}`}
		bus := &fakeBus{promptResponse: ""}
		store := &fakeStore{}
		runner := phase05.New(agent, composer, bus, store)

		role, err := runner.Run(context.Background(), "a batch of gaming videos")
		Expect(err).NotTo(HaveOccurred())
		Expect(role.Role).To(Equal("media analyst"))
		Expect(store.set["research_role"]).To(Equal("media analyst"))
	})

	It("threads non-empty pre-role feedback into the prompt", func() {
		agent := &fakeAgent{response: `{"role":"skeptical reviewer","rationale":"per feedback"}`}
		bus := &fakeBus{promptResponse: "focus on monetization critique"}
		store := &fakeStore{}
		runner := phase05.New(agent, composer, bus, store)

		role, err := runner.Run(context.Background(), "abstract")
		Expect(err).NotTo(HaveOccurred())
		Expect(role.Role).To(Equal("skeptical reviewer"))
	})
})
