package orchestrator_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/research/orchestrator"
	"github.com/deepresearch-dev/agent/internal/research/phase0"
	"github.com/deepresearch-dev/agent/internal/research/phase05"
	"github.com/deepresearch-dev/agent/internal/research/phase1"
	"github.com/deepresearch-dev/agent/internal/research/phase15"
	"github.com/deepresearch-dev/agent/internal/research/phase2"
	"github.com/deepresearch-dev/agent/internal/research/phase3"
	"github.com/deepresearch-dev/agent/internal/research/phase4"
	"github.com/deepresearch-dev/agent/internal/session"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// fakeAgent replies with one fixed response per call, in order. Every phase
// in a run shares the same underlying llm.AgentClient, so the sequence
// below is the full call order of one unresumed run: phase0 (one call per
// item), phase05, phase1, phase15, phase3 (one call per window), phase4.
type fakeAgent struct {
	responses []string
	calls     int
}

func (f *fakeAgent) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeAgent) StreamChatWithTools(ctx context.Context, req llm.AgentRequest, onToken func(string)) (*llm.AgentResponse, error) {
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("fakeAgent: no more responses queued (call %d)", f.calls)
	}
	resp := f.responses[f.calls]
	f.calls++
	if onToken != nil {
		onToken(resp)
	}
	return &llm.AgentResponse{Content: resp, FinishReason: "stop"}, nil
}

func (f *fakeAgent) Model() string { return "fake-model" }

type fakeRetrieval struct{}

func (fakeRetrieval) Resolve(ctx context.Context, req domain.RetrievalRequest) (domain.RetrievalResult, error) {
	return domain.RetrievalResult{}, fmt.Errorf("fakeRetrieval: unexpected call")
}

// fakeBus answers "yes" to the plan-confirm prompt and "" to every other
// prompt (pre-role feedback, goal amendment), which both phase05 and
// phase1 treat as "accept and move on".
type fakeBus struct {
	phaseChanges []domain.PhaseKey
	messages     []string
}

func (b *fakeBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string) {}
func (b *fakeBus) DisplayMessage(ctx context.Context, text string, level uibus.MessageLevel) {
	b.messages = append(b.messages, text)
}
func (b *fakeBus) DisplayProgress(ctx context.Context, current, total int, label string) {}
func (b *fakeBus) DisplayStream(ctx context.Context, token string)                       {}
func (b *fakeBus) ClearStreamBuffer(ctx context.Context)                                 {}
func (b *fakeBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey) {
	b.phaseChanges = append(b.phaseChanges, phase)
}
func (b *fakeBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)          {}
func (b *fakeBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal) {}
func (b *fakeBus) DisplayPlan(ctx context.Context, plan domain.Plan)                       {}
func (b *fakeBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {}
func (b *fakeBus) DisplayReport(ctx context.Context, text string, path string)              {}
func (b *fakeBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	if strings.Contains(text, "Proceed") {
		return "yes", nil
	}
	return "", nil
}

func writeTemplates(dir string) *prompt.Composer {
	write := func(phaseKey string, vars ...string) {
		d := filepath.Join(dir, phaseKey)
		Expect(os.MkdirAll(d, 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(d, "system.md"), []byte("Phase "+phaseKey+"."), 0o644)).To(Succeed())
		var body strings.Builder
		for _, v := range vars {
			body.WriteString(v + ": {" + v + "}\n")
		}
		Expect(os.WriteFile(filepath.Join(d, "instructions.md"), []byte(body.String()), 0o644)).To(Succeed())
	}

	write("phase0", "link_id", "source", "title", "transcript", "comments")
	write("phase0_5", "data_abstract", "feedback")
	write("phase1", "research_role", "data_abstract", "amendment")
	write("phase1_5", "goal_texts")
	write("phase3", "goal", "window_content", "window_index", "window_total", "step_digests", "running_findings", "retrieval_instructions")
	write("phase4", "comprehensive_topic", "unifying_theme", "research_scope", "component_questions", "scratchpad_summary", "quality_assessment")

	return prompt.New(dir)
}

func writeBatch(batchesDir, batchID string) {
	dir := filepath.Join(batchesDir, batchID)
	Expect(os.MkdirAll(dir, 0o755)).To(Succeed())
	item := domain.Item{
		LinkID:     "item-1",
		Source:     domain.SourceYouTube,
		URL:        "https://example.com/v/item-1",
		Title:      "Item One",
		Transcript: strings.Repeat("word ", 50),
	}
	raw, err := json.Marshal(item)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.WriteFile(filepath.Join(dir, "item1.json"), raw, 0o644)).To(Succeed())
}

const (
	markerResponse  = `{"transcript":{"key_facts":["fact one"],"key_opinions":[],"key_datapoints":[],"topic_areas":["topic"]},"comments":{"key_facts_from_comments":[],"key_opinions_from_comments":[],"major_themes":[],"sentiment_overview":"positive"}}`
	roleResponse    = `{"role":"media analyst","rationale":"covers the batch well"}`
	goalsResponse   = `{"suggested_goals":[{"id":1,"goal_text":"understand the topic","rationale":"core question","uses":["transcript"],"status":"proposed"}]}`
	synthResponse   = `{"comprehensive_topic":"the topic","unifying_theme":"a unifying theme","research_scope":"the batch"}`
	findingResponse = `{"findings":{"summary":"step one summary","points_of_interest":{}},"confidence":0.8,"sources":["item-1"]}`
	articleResponse = "# Final Article\n\nA synthesis of everything found."
)

func buildOrchestrator(agent *fakeAgent, bus *fakeBus, store *session.Store, composer *prompt.Composer, retrieval phase3.RetrievalResolver, batchesDir, reportDir string) *orchestrator.Orchestrator {
	p0 := phase0.New(agent, composer, bus)
	p05 := phase05.New(agent, composer, bus, store)
	p1 := phase1.New(agent, composer, bus, 0)
	p15 := phase15.New(agent, composer, bus)
	p2 := phase2.New(bus)
	p3 := phase3.New(agent, composer, bus, retrieval, store, 0)
	p4 := phase4.New(agent, composer, bus, store, reportDir)
	return orchestrator.New(store, bus, batchesDir, p0, p05, p1, p15, p2, p3, p4)
}

var _ = Describe("Orchestrator.Run", func() {
	var (
		batchesDir string
		sessDir    string
		reportDir  string
		composer   *prompt.Composer
	)

	BeforeEach(func() {
		batchesDir = GinkgoT().TempDir()
		sessDir = GinkgoT().TempDir()
		reportDir = GinkgoT().TempDir()
		composer = writeTemplates(GinkgoT().TempDir())
		writeBatch(batchesDir, "batch-1")
	})

	It("runs every phase from Prepare through Synthesize on a fresh batch", func() {
		agent := &fakeAgent{responses: []string{
			markerResponse, roleResponse, goalsResponse, synthResponse, findingResponse, articleResponse,
		}}
		bus := &fakeBus{}
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())

		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		err = orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1"})
		Expect(err).NotTo(HaveOccurred())

		sess := store.Session()
		Expect(sess.SessionID).To(Equal("batch-1"))
		Expect(sess.Metadata.Status).To(Equal(domain.StatusCompleted))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeyPrepare))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeyResearchRole))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeyDiscoverGoals))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeySynthesizeGoal))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeyFinalizePlan))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseStepKey(1)))
		Expect(sess.PhaseArtifacts).To(HaveKey(domain.PhaseKeySynthesize))

		Expect(bus.phaseChanges).To(Equal([]domain.PhaseKey{
			domain.PhaseKeyPrepare,
			domain.PhaseKeyResearchRole,
			domain.PhaseKeyDiscoverGoals,
			domain.PhaseKeySynthesizeGoal,
			domain.PhaseKeyFinalizePlan,
			domain.PhaseKeyExecute,
			domain.PhaseKeySynthesize,
		}))
	})

	It("never creates a new session_id for an existing batch_id", func() {
		agent := &fakeAgent{responses: []string{
			markerResponse, roleResponse, goalsResponse, synthResponse, findingResponse, articleResponse,
		}}
		bus := &fakeBus{}
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		Expect(orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1"})).To(Succeed())
		Expect(store.Session().SessionID).To(Equal("batch-1"))

		_, err = os.Stat(filepath.Join(sessDir, "session_batch-1.json"))
		Expect(err).NotTo(HaveOccurred())
	})

	It("rejects a session_id that diverges from batch_id", func() {
		agent := &fakeAgent{}
		bus := &fakeBus{}
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		err = orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1", SessionID: "some-other-id"})
		Expect(err).To(HaveOccurred())
	})

	It("resumes from Phase 3 step 1 when only the phase2 artifact is present", func() {
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.CreateOrLoad("batch-1")
		Expect(err).NotTo(HaveOccurred())

		prepArtifact := domain.PrepareArtifact{
			Items: []domain.Item{{LinkID: "item-1", Source: domain.SourceYouTube, Title: "Item One", Transcript: strings.Repeat("word ", 50)}},
			Quality: domain.QualityAssessment{ItemCount: 1, TotalTranscriptWords: 50},
		}
		Expect(store.SavePhaseArtifact(domain.PhaseKeyPrepare, prepArtifact, true)).To(Succeed())
		Expect(store.SavePhaseArtifact(domain.PhaseKeyResearchRole, phase05.Role{Role: "media analyst"}, true)).To(Succeed())
		Expect(store.SetMetadata(session.MetaResearchRole, "media analyst")).To(Succeed())
		goals := []domain.SuggestedGoal{{ID: 1, GoalText: "understand the topic", Status: domain.GoalStatusAccepted, Uses: []domain.DataKind{domain.DataKindTranscript}}}
		Expect(store.SavePhaseArtifact(domain.PhaseKeyDiscoverGoals, goals, true)).To(Succeed())
		synth := domain.SynthesizedGoal{ComprehensiveTopic: "the topic", ComponentQuestions: []string{"understand the topic"}}
		Expect(store.SavePhaseArtifact(domain.PhaseKeySynthesizeGoal, synth, true)).To(Succeed())
		plan := phase2.Build(goals, 50, true)
		Expect(store.SavePhaseArtifact(domain.PhaseKeyFinalizePlan, plan, true)).To(Succeed())

		agent := &fakeAgent{responses: []string{findingResponse, articleResponse}}
		bus := &fakeBus{}
		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		err = orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1"})
		Expect(err).NotTo(HaveOccurred())

		Expect(bus.phaseChanges).To(Equal([]domain.PhaseKey{domain.PhaseKeyExecute, domain.PhaseKeySynthesize}))
		Expect(store.Session().Metadata.Status).To(Equal(domain.StatusCompleted))
	})

	It("is idempotent on a session that already reached phase4", func() {
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		_, err = store.CreateOrLoad("batch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(store.SavePhaseArtifact(domain.PhaseKeySynthesize, phase4.Artifact{Report: "already done"}, true)).To(Succeed())
		Expect(store.SetStatus(domain.StatusCompleted)).To(Succeed())

		agent := &fakeAgent{}
		bus := &fakeBus{}
		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		err = orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(bus.phaseChanges).To(BeEmpty())
		Expect(store.Session().Metadata.Status).To(Equal(domain.StatusCompleted))
	})

	It("marks the session cancelled when the operator rejects the plan", func() {
		agent := &fakeAgent{responses: []string{
			markerResponse, roleResponse, goalsResponse, synthResponse,
		}}
		bus := &rejectingBus{}
		store, err := session.New(sessDir, 0, 0)
		Expect(err).NotTo(HaveOccurred())
		orch := buildOrchestrator(agent, bus, store, composer, fakeRetrieval{}, batchesDir, reportDir)

		err = orch.Run(context.Background(), orchestrator.RunInput{BatchID: "batch-1"})
		Expect(err).To(HaveOccurred())
		Expect(store.Session().Metadata.Status).To(Equal(domain.StatusCancelled))
		Expect(store.Session().PhaseArtifacts).NotTo(HaveKey(domain.PhaseKeyFinalizePlan))
	})
})

// rejectingBus behaves like fakeBus but answers "no" to the plan-confirm
// prompt, exercising the operator-cancel path.
type rejectingBus struct {
	fakeBus
}

func (b *rejectingBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	if strings.Contains(text, "Proceed") {
		return "no", nil
	}
	return "", nil
}
