// Package phase0 implements the Prepare phase: loading a scraped batch,
// summarizing each item into structured markers via the LLM, and producing
// a combined data-quality assessment. Grounded on
// internal/brain/findings_persister.go's structured-LLM-extraction shape
// crossed with internal/worker/task_runner.go's per-item continue-on-error
// loop (HandleWorkspaceSetup's repo-by-repo degrade-and-continue pattern).
package phase0

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/streamparse"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// maxItemCharsForPrompt truncates an item's transcript/comments before they
// are spliced into the summarization prompt, so one outsized item cannot
// blow the LLM's context budget.
const maxItemCharsForPrompt = 20_000

// Runner executes Phase 0 for one batch.
type Runner struct {
	LLM      llm.AgentClient
	Composer *prompt.Composer
	Bus      uibus.Bus
}

// New returns a Phase 0 Runner.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus) *Runner {
	return &Runner{LLM: agent, Composer: composer, Bus: bus}
}

// LoadBatch reads every item file under <batchesDir>/<batchID>/. An item
// missing link_id is dropped with a warning — fatal for that item, not the
// batch; a file that fails to parse as JSON is dropped the same way.
func LoadBatch(ctx context.Context, batchesDir, batchID string) ([]domain.Item, error) {
	dir := filepath.Join(batchesDir, batchID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("phase0: reading batch directory %s: %w", dir, err)
	}

	var items []domain.Item
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			slog.WarnContext(ctx, "phase0: skipping unreadable batch item", "path", path, "error", err)
			continue
		}
		var item domain.Item
		if err := json.Unmarshal(raw, &item); err != nil {
			slog.WarnContext(ctx, "phase0: skipping unparseable batch item", "path", path, "error", err)
			continue
		}
		if item.LinkID == "" {
			slog.WarnContext(ctx, "phase0: skipping item with missing link_id", "path", path)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Run summarizes every item and computes the combined quality assessment.
// A single item's summarization failure degrades to an empty marker set
// for that item and continues.
func (r *Runner) Run(ctx context.Context, items []domain.Item) (*domain.PrepareArtifact, error) {
	for i := range items {
		marker, err := r.summarizeItem(ctx, items[i])
		if err != nil {
			slog.WarnContext(ctx, "phase0: summarization failed for item, degrading to empty markers",
				"link_id", items[i].LinkID, "error", err)
			marker = &domain.ContentMarker{}
		}
		items[i].Summary = marker
		r.Bus.DisplaySummary(ctx, items[i].LinkID, "content_marker", marker)
	}

	return &domain.PrepareArtifact{
		Items:   items,
		Quality: assessQuality(items),
	}, nil
}

func (r *Runner) summarizeItem(ctx context.Context, item domain.Item) (*domain.ContentMarker, error) {
	vars := map[string]string{
		"link_id":    item.LinkID,
		"source":     string(item.Source),
		"title":      item.Title,
		"transcript": truncate(item.Transcript, maxItemCharsForPrompt),
		"comments":   truncate(joinComments(item.Comments), maxItemCharsForPrompt),
	}

	msgs, err := r.Composer.Compose(string(domain.PhaseKeyPrepare), vars)
	if err != nil {
		return nil, fmt.Errorf("composing summarization prompt: %w", err)
	}

	resp, err := r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: toLLMMessages(msgs)}, func(tok string) {
		r.Bus.DisplayStream(ctx, tok)
	})
	if err != nil {
		return nil, fmt.Errorf("streaming summarization: %w", err)
	}
	r.Bus.ClearStreamBuffer(ctx)

	obj, err := streamparse.ParseFirstObject(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parsing marker response: %w", err)
	}

	var marker domain.ContentMarker
	if err := json.Unmarshal(obj, &marker); err != nil {
		return nil, fmt.Errorf("unmarshaling markers: %w", err)
	}
	return &marker, nil
}

func joinComments(comments []domain.Comment) string {
	var b strings.Builder
	for _, c := range comments {
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

// Quality-assessment thresholds (an Open Question decision, see DESIGN.md):
// a batch is "sparse" below an average 300 transcript words
// per item, "imbalanced" when its longest item has 10x or more words than
// its shortest, and "long-content" when any single item exceeds 15,000
// words.
const (
	sparsityAvgWordsThreshold  = 300
	imbalanceRatioThreshold    = 10
	longContentWordsThreshold  = 15_000
	lowCommentCoverageFraction = 0.5
)

func assessQuality(items []domain.Item) domain.QualityAssessment {
	q := domain.QualityAssessment{ItemCount: len(items)}
	if len(items) == 0 {
		return q
	}

	minWords, maxWords := -1, 0
	itemsWithComments := 0
	sources := map[domain.Source]bool{}

	for _, item := range items {
		words := len(strings.Fields(item.Transcript))
		q.TotalTranscriptWords += words
		q.TotalComments += len(item.Comments)
		if len(item.Comments) > 0 {
			itemsWithComments++
		}
		sources[item.Source] = true

		if minWords == -1 || words < minWords {
			minWords = words
		}
		if words > maxWords {
			maxWords = words
		}
		if words > longContentWordsThreshold {
			q.Flags = appendFlagOnce(q.Flags, domain.QualityFlagLongContent)
		}
	}

	avgWords := q.TotalTranscriptWords / len(items)
	if avgWords < sparsityAvgWordsThreshold {
		q.Flags = appendFlagOnce(q.Flags, domain.QualityFlagSparsity)
	}
	if minWords > 0 && maxWords/minWords >= imbalanceRatioThreshold {
		q.Flags = appendFlagOnce(q.Flags, domain.QualityFlagImbalance)
	}
	if float64(itemsWithComments)/float64(len(items)) < lowCommentCoverageFraction {
		q.Flags = appendFlagOnce(q.Flags, domain.QualityFlagLowCommentCoverage)
	}
	if len(sources) == 1 {
		q.Flags = appendFlagOnce(q.Flags, domain.QualityFlagSingleSource)
	}

	return q
}

func appendFlagOnce(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
