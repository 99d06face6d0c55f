package phase3_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/research/phase3"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

type fakeAgent struct {
	responses []string
	calls     int
	failAll   bool
}

func (f *fakeAgent) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeAgent) StreamChatWithTools(ctx context.Context, req llm.AgentRequest, onToken func(string)) (*llm.AgentResponse, error) {
	if f.failAll {
		f.calls++
		return nil, fmt.Errorf("transport unavailable")
	}
	content := f.responses[f.calls]
	f.calls++
	if onToken != nil {
		onToken(content)
	}
	return &llm.AgentResponse{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeAgent) Model() string { return "fake-model" }

type fakeRetrieval struct {
	result domain.RetrievalResult
	err    error
	calls  int
}

func (f *fakeRetrieval) Resolve(ctx context.Context, req domain.RetrievalRequest) (domain.RetrievalResult, error) {
	f.calls++
	return f.result, f.err
}

type scratchpadCall struct {
	findings   json.RawMessage
	insights   string
	confidence float64
	sources    []string
}

type fakeStore struct {
	artifacts  map[domain.PhaseKey]any
	scratchpad map[int]scratchpadCall
	digests    []domain.StepDigest
}

func newFakeStore() *fakeStore {
	return &fakeStore{artifacts: map[domain.PhaseKey]any{}, scratchpad: map[int]scratchpadCall{}}
}

func (s *fakeStore) SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error {
	s.artifacts[phaseKey] = data
	return nil
}

func (s *fakeStore) UpdateScratchpad(stepID int, findings json.RawMessage, insights string, confidence float64, sources []string) error {
	s.scratchpad[stepID] = scratchpadCall{findings, insights, confidence, sources}
	return nil
}

func (s *fakeStore) AppendStepDigest(digest domain.StepDigest) error {
	s.digests = append(s.digests, digest)
	return nil
}

type summaryCall struct {
	linkID string
	kind   string
	data   any
}

type fakeBus struct {
	warnings []string
	summary  []summaryCall
}

func (b *fakeBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string) {}
func (b *fakeBus) DisplayMessage(ctx context.Context, text string, level uibus.MessageLevel) {
	if level == uibus.LevelWarn {
		b.warnings = append(b.warnings, text)
	}
}
func (b *fakeBus) DisplayProgress(ctx context.Context, current, total int, label string) {}
func (b *fakeBus) DisplayStream(ctx context.Context, token string)                       {}
func (b *fakeBus) ClearStreamBuffer(ctx context.Context)                                 {}
func (b *fakeBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey)           {}
func (b *fakeBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)         {}
func (b *fakeBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal) {}
func (b *fakeBus) DisplayPlan(ctx context.Context, plan domain.Plan)                       {}
func (b *fakeBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {
	b.summary = append(b.summary, summaryCall{linkID, kind, data})
}
func (b *fakeBus) DisplayReport(ctx context.Context, text string, path string) {}
func (b *fakeBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	return "", nil
}

func writeTemplates(dir string) *prompt.Composer {
	Expect(os.MkdirAll(filepath.Join(dir, "phase3"), 0o755)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "phase3", "system.md"), []byte("Execute one research step."), 0o644)).To(Succeed())
	Expect(os.WriteFile(filepath.Join(dir, "phase3", "instructions.md"), []byte(
		"Goal: {goal}\nWindow {window_index}/{window_total}:\n{window_content}\nPrior: {step_digests}\nRunning: {running_findings}\n{retrieval_instructions}"),
		0o644)).To(Succeed())
	return prompt.New(dir)
}

var _ = Describe("Runner.RunStep", func() {
	var (
		store     *fakeStore
		bus       *fakeBus
		retrieval *fakeRetrieval
		composer  *prompt.Composer
		step      domain.PlanStep
		items     []domain.Item
	)

	BeforeEach(func() {
		store = newFakeStore()
		bus = &fakeBus{}
		retrieval = &fakeRetrieval{}
		composer = writeTemplates(GinkgoT().TempDir())
		step = domain.PlanStep{StepID: 1, Goal: "investigate the topic", RequiredData: domain.DataKindTranscript, ChunkStrategy: domain.ChunkStrategyAll}
		items = []domain.Item{{LinkID: "a", Transcript: "a short transcript"}}
	})

	It("returns a populated StepFinding and persists the artifact, scratchpad, and digest", func() {
		agent := &fakeAgent{responses: []string{
			`{"findings":{"summary":"the topic is contested","points_of_interest":{"key_claims":[{"claim":"c1"}]}},"confidence":0.9,"sources":["a"]}`,
		}}
		runner := phase3.New(agent, composer, bus, retrieval, store, 3)

		finding, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(finding.Findings.Summary).To(Equal("the topic is contested"))
		Expect(finding.Confidence).To(Equal(0.9))
		Expect(finding.Sources).To(ConsistOf("a"))

		Expect(store.artifacts).To(HaveKey(domain.PhaseStepKey(1)))
		Expect(store.scratchpad).To(HaveKey(1))
		Expect(store.digests).To(HaveLen(1))
		Expect(bus.summary).To(HaveLen(1))
		Expect(bus.summary[0].kind).To(Equal("phase3_step_complete"))
		Expect(bus.summary[0].linkID).To(Equal("1"))
	})

	It("resolves a mid-stream retrieval request and continues to finalize", func() {
		agent := &fakeAgent{responses: []string{
			`{"requests":[{"id":"r1","content_type":"transcript","source_link_id":"a","method":"word_range","parameters":{},"reason":"need more context"}]}`,
			`{"findings":{"summary":"s2","points_of_interest":{}},"confidence":0.5,"sources":["a"]}`,
		}}
		retrieval.result = domain.RetrievalResult{Content: "retrieved passage"}
		runner := phase3.New(agent, composer, bus, retrieval, store, 3)

		finding, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(finding.Findings.Summary).To(Equal("s2"))
		Expect(retrieval.calls).To(Equal(1))

		artifact := store.artifacts[domain.PhaseStepKey(1)].(domain.StepArtifact)
		Expect(artifact.Meta.FollowupCount).To(Equal(1))
		Expect(artifact.Meta.RetrievalBudgetUsed).To(BeNumerically(">", 0))
	})

	It("forces finalization once MaxFollowups is exhausted", func() {
		agent := &fakeAgent{responses: []string{
			`{"requests":[{"id":"r1","content_type":"transcript","source_link_id":"a","method":"word_range","parameters":{},"reason":"need more"}]}`,
			`{"requests":[{"id":"r2","content_type":"transcript","source_link_id":"a","method":"word_range","parameters":{},"reason":"need more still"}]}`,
			`{"findings":{"summary":"final","points_of_interest":{}},"confidence":0.4,"sources":["a"]}`,
		}}
		retrieval.result = domain.RetrievalResult{Content: "retrieved passage"}
		runner := phase3.New(agent, composer, bus, retrieval, store, 1)

		finding, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(finding.Findings.Summary).To(Equal("final"))
		Expect(agent.calls).To(Equal(3))

		artifact := store.artifacts[domain.PhaseStepKey(1)].(domain.StepArtifact)
		Expect(artifact.Meta.FollowupCount).To(Equal(1))
	})

	It("inlines a retrieval error into the conversation rather than aborting the window", func() {
		agent := &fakeAgent{responses: []string{
			`{"requests":[{"id":"r1","content_type":"transcript","source_link_id":"missing","method":"word_range","parameters":{},"reason":"need more"}]}`,
			`{"findings":{"summary":"recovered","points_of_interest":{}},"confidence":0.3,"sources":[]}`,
		}}
		retrieval.err = fmt.Errorf("source link not found")
		runner := phase3.New(agent, composer, bus, retrieval, store, 3)

		finding, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(finding.Findings.Summary).To(Equal("recovered"))
	})

	It("marks the step failed, with zero confidence, when every window fails to parse", func() {
		agent := &fakeAgent{responses: []string{"this is not json at all"}}
		runner := phase3.New(agent, composer, bus, retrieval, store, 3)

		finding, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(finding.Confidence).To(Equal(0.0))
		Expect(bus.warnings).To(HaveLen(1))

		artifact := store.artifacts[domain.PhaseStepKey(1)].(domain.StepArtifact)
		Expect(artifact.Meta.Failed).To(BeTrue())
	})

	It("propagates a session-fatal error without persisting anything when the LLM transport is persistently unavailable", func() {
		agent := &fakeAgent{failAll: true}
		runner := phase3.New(agent, composer, bus, retrieval, store, 3)

		_, err := runner.RunStep(context.Background(), step, items, nil)
		Expect(err).To(HaveOccurred())
		Expect(researcherrors.KindOf(err)).To(Equal(researcherrors.KindSessionFatal))
		Expect(store.artifacts).To(BeEmpty())
	})
})
