package phase4_test

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
	"github.com/deepresearch-dev/agent/internal/research/phase4"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

type fakeAgent struct{ response string }

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

type fakeStore struct {
	artifacts map[domain.PhaseKey]any
	status    domain.Status
}

func (s *fakeStore) SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error {
	s.artifacts[phaseKey] = data
	return nil
}

func (s *fakeStore) SetStatus(status domain.Status) error {
	s.status = status
	return nil
}

type reportCall struct {
	text string
	path string
}

type fakeBus struct {
	reports []reportCall
}

func (b *fakeBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string)  {}
func (b *fakeBus) DisplayMessage(ctx context.Context, text string, level uibus.MessageLevel) {
}
func (b *fakeBus) DisplayProgress(ctx context.Context, current, total int, label string) {}
func (b *fakeBus) DisplayStream(ctx context.Context, token string)                       {}
func (b *fakeBus) ClearStreamBuffer(ctx context.Context)                                 {}
func (b *fakeBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey)           {}
func (b *fakeBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)         {}
func (b *fakeBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal) {}
func (b *fakeBus) DisplayPlan(ctx context.Context, plan domain.Plan)                       {}
func (b *fakeBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {}
func (b *fakeBus) DisplayReport(ctx context.Context, text string, path string) {
	b.reports = append(b.reports, reportCall{text, path})
}
func (b *fakeBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	return "", nil
}

func writeTemplates(dir string) *prompt.Composer {
	Expect(os.MkdirAll(filepath.Join(dir, "phase4"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "phase4", "system.md"), []byte("Write the final article."), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "phase4", "instructions.md"), []byte(
		"Topic: {comprehensive_topic}\nQuestions:\n{component_questions}\nFindings:\n{scratchpad_summary}\nQuality: {quality_assessment}"),
		0o644)).To(Succeed())
	return prompt.New(dir)
}

var _ = Describe("Phase4 Runner", func() {
	It("streams the article, persists it, writes a report file, and marks the session completed", func() {
		reportDir := GinkgoT().TempDir()
		composer := writeTemplates(GinkgoT().TempDir())
		agent := &fakeAgent{response: "# The Final Article\n\nA long-form synthesis of everything found."}
		store := &fakeStore{artifacts: map[domain.PhaseKey]any{}}
		bus := &fakeBus{}
		runner := phase4.New(agent, composer, bus, store, reportDir)

		goal := domain.SynthesizedGoal{
			ComprehensiveTopic: "the future of remote work",
			ComponentQuestions: []string{"q1", "q2"},
			UnifyingTheme:      "flexibility vs. culture",
			ResearchScope:      "knowledge workers",
		}
		quality := domain.QualityAssessment{ItemCount: 3, TotalTranscriptWords: 1200, TotalComments: 40}

		report, err := runner.Run(context.Background(), "sess-1", goal, "step 1 findings...", quality)
		Expect(err).NotTo(HaveOccurred())
		Expect(report).To(ContainSubstring("The Final Article"))

		Expect(store.artifacts).To(HaveKey(domain.PhaseKeySynthesize))
		artifact := store.artifacts[domain.PhaseKeySynthesize].(phase4.Artifact)
		Expect(artifact.Report).To(Equal(report))

		Expect(store.status).To(Equal(domain.StatusCompleted))

		Expect(bus.reports).To(HaveLen(1))
		Expect(bus.reports[0].text).To(Equal(report))
		Expect(bus.reports[0].path).To(Equal(filepath.Join(reportDir, "report_sess-1.md")))

		written, err := os.ReadFile(bus.reports[0].path)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(written)).To(Equal(report))
	})

	It("skips the standalone report file when ReportDir is empty", func() {
		composer := writeTemplates(GinkgoT().TempDir())
		agent := &fakeAgent{response: "article body"}
		store := &fakeStore{artifacts: map[domain.PhaseKey]any{}}
		bus := &fakeBus{}
		runner := phase4.New(agent, composer, bus, store, "")

		_, err := runner.Run(context.Background(), "sess-2", domain.SynthesizedGoal{}, "", domain.QualityAssessment{})
		Expect(err).NotTo(HaveOccurred())
		Expect(bus.reports[0].path).To(Equal(""))
	})
})
