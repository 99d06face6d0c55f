package phase0_test

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
	"github.com/deepresearch-dev/agent/internal/research/phase0"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

type fakeAgent struct {
	responses []string
	calls     int
	failOn    map[int]bool
}

func (f *fakeAgent) ChatWithTools(ctx context.Context, req llm.AgentRequest) (*llm.AgentResponse, error) {
	return nil, fmt.Errorf("not used")
}

func (f *fakeAgent) StreamChatWithTools(ctx context.Context, req llm.AgentRequest, onToken func(string)) (*llm.AgentResponse, error) {
	idx := f.calls
	f.calls++
	if f.failOn[idx] {
		return nil, fmt.Errorf("simulated transport failure")
	}
	content := f.responses[idx]
	if onToken != nil {
		onToken(content)
	}
	return &llm.AgentResponse{Content: content, FinishReason: "stop"}, nil
}

func (f *fakeAgent) Model() string { return "fake-model" }

type fakeBus struct {
	summaries []string
	tokens    []string
}

func (b *fakeBus) DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string) {}
func (b *fakeBus) DisplayMessage(ctx context.Context, text string, level uibus.MessageLevel) {
}
func (b *fakeBus) DisplayProgress(ctx context.Context, current, total int, label string) {}
func (b *fakeBus) DisplayStream(ctx context.Context, token string)                       { b.tokens = append(b.tokens, token) }
func (b *fakeBus) ClearStreamBuffer(ctx context.Context)                                 {}
func (b *fakeBus) NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey)           {}
func (b *fakeBus) DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)         {}
func (b *fakeBus) DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal) {}
func (b *fakeBus) DisplayPlan(ctx context.Context, plan domain.Plan)                      {}
func (b *fakeBus) DisplaySummary(ctx context.Context, linkID string, kind string, data any) {
	b.summaries = append(b.summaries, linkID)
}
func (b *fakeBus) DisplayReport(ctx context.Context, text string, path string) {}
func (b *fakeBus) PromptUser(ctx context.Context, text string, choices []string) (string, error) {
	return "", nil
}

var _ = Describe("Phase0 Runner", func() {
	var composer *prompt.Composer
	var bus *fakeBus

	BeforeEach(func() {
		dir := GinkgoT().TempDir()
		Expect(os.MkdirAll(filepath.Join(dir, "phase0"), 0o755)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "phase0", "system.md"), []byte("Summarize {link_id}."), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(dir, "phase0", "instructions.md"), []byte("Transcript: {transcript}"), 0o644)).To(Succeed())
		composer = prompt.New(dir)
		bus = &fakeBus{}
	})

	It("produces markers for every item and a quality assessment", func() {
		agent := &fakeAgent{responses: []string{
			`{"transcript":{"key_facts":["a"],"key_opinions":[],"key_datapoints":[],"topic_areas":["x"]},"comments":{"key_facts_from_comments":[],"key_opinions_from_comments":[],"major_themes":[],"sentiment_overview":"neutral"}}`,
		}}
		runner := phase0.New(agent, composer, bus)

		items := []domain.Item{
			{LinkID: "a1", Source: domain.SourceYouTube, Transcript: "one two three four five"},
		}

		artifact, err := runner.Run(context.Background(), items)
		Expect(err).NotTo(HaveOccurred())
		Expect(artifact.Items).To(HaveLen(1))
		Expect(artifact.Items[0].Summary.Transcript.KeyFacts).To(ConsistOf("a"))
		Expect(artifact.Quality.ItemCount).To(Equal(1))
		Expect(bus.summaries).To(ConsistOf("a1"))
	})

	It("degrades a failing item to empty markers and continues", func() {
		agent := &fakeAgent{
			responses: []string{"", `{"transcript":{"key_facts":["b"],"key_opinions":[],"key_datapoints":[],"topic_areas":[]},"comments":{"key_facts_from_comments":[],"key_opinions_from_comments":[],"major_themes":[],"sentiment_overview":""}}`},
			failOn:    map[int]bool{0: true},
		}
		runner := phase0.New(agent, composer, bus)

		items := []domain.Item{
			{LinkID: "fail-me", Source: domain.SourceReddit, Transcript: "short"},
			{LinkID: "ok", Source: domain.SourceReddit, Transcript: "longer content here"},
		}

		artifact, err := runner.Run(context.Background(), items)
		Expect(err).NotTo(HaveOccurred())
		Expect(artifact.Items[0].Summary).To(Equal(&domain.ContentMarker{}))
		Expect(artifact.Items[1].Summary.Transcript.KeyFacts).To(ConsistOf("b"))
	})
})

var _ = Describe("LoadBatch", func() {
	It("drops items missing link_id and unparseable files, keeps the rest", func() {
		dir := GinkgoT().TempDir()
		batchDir := filepath.Join(dir, "batch-1")
		Expect(os.MkdirAll(batchDir, 0o755)).To(Succeed())

		Expect(os.WriteFile(filepath.Join(batchDir, "good.json"), []byte(`{"link_id":"a1","source":"youtube","transcript":"hi"}`), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(batchDir, "missing_link.json"), []byte(`{"source":"youtube","transcript":"hi"}`), 0o644)).To(Succeed())
		Expect(os.WriteFile(filepath.Join(batchDir, "broken.json"), []byte(`not json`), 0o644)).To(Succeed())

		items, err := phase0.LoadBatch(context.Background(), dir, "batch-1")
		Expect(err).NotTo(HaveOccurred())
		Expect(items).To(HaveLen(1))
		Expect(items[0].LinkID).To(Equal("a1"))
	})
})
