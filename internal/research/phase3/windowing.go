package phase3

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// Per-call char budgets for the "all" chunk strategy, by content kind.
// Content exceeding its budget falls back to sequential chunking.
const (
	allBudgetTranscriptChars = 50_000
	allBudgetCommentsChars   = 15_000
	allBudgetMetadataChars   = 10_000

	defaultChunkSizeWords  = 3_000
	sequentialOverlapWords = 400

	randomSampleMaxWords = 3_000
)

// window is one unit of content dispatched to the model for a step.
type window struct {
	Index   int
	Total   int
	Content string
	Sources []string
}

// buildWindows splits a step's required content into windows per its
// chunk strategy. previousFindings content is a render of prior step
// digests rather than batch content.
func buildWindows(step domain.PlanStep, items []domain.Item, digests []domain.StepDigest) ([]window, error) {
	if step.ChunkStrategy == domain.ChunkStrategyPreviousFindings {
		return []window{{Index: 1, Total: 1, Content: renderDigests(digests)}}, nil
	}

	joined, sources := joinContent(step.RequiredData, items)

	switch step.ChunkStrategy {
	case domain.ChunkStrategyAll:
		if len(joined) > allBudget(step.RequiredData) {
			return sequentialWindows(joined, sources, defaultChunkSizeWords), nil
		}
		return []window{{Index: 1, Total: 1, Content: joined, Sources: sources}}, nil

	case domain.ChunkStrategySequential:
		size := step.ChunkSize
		if size <= 0 {
			size = defaultChunkSizeWords
		}
		return sequentialWindows(joined, sources, size), nil

	case domain.ChunkStrategyRandomSample:
		return []window{{Index: 1, Total: 1, Content: randomSample(joined, step.StepID), Sources: sources}}, nil

	default:
		return nil, fmt.Errorf("unknown chunk_strategy %q", step.ChunkStrategy)
	}
}

func allBudget(kind domain.DataKind) int {
	switch kind {
	case domain.DataKindComments:
		return allBudgetCommentsChars
	case domain.DataKindMetadata:
		return allBudgetMetadataChars
	default:
		return allBudgetTranscriptChars
	}
}

func joinContent(kind domain.DataKind, items []domain.Item) (string, []string) {
	var b strings.Builder
	var sources []string
	for _, it := range items {
		part := itemContent(kind, it)
		if part == "" {
			continue
		}
		fmt.Fprintf(&b, "[source:%s]\n%s\n\n", it.LinkID, part)
		sources = append(sources, it.LinkID)
	}
	return b.String(), sources
}

func itemContent(kind domain.DataKind, it domain.Item) string {
	switch kind {
	case domain.DataKindTranscript:
		return it.Transcript
	case domain.DataKindComments:
		return joinCommentsText(it.Comments)
	case domain.DataKindTranscriptWithComments:
		return strings.TrimSpace(it.Transcript + "\n\n" + joinCommentsText(it.Comments))
	case domain.DataKindMetadata:
		return renderMetadataText(it.Metadata)
	default:
		return it.Transcript
	}
}

func joinCommentsText(comments []domain.Comment) string {
	var b strings.Builder
	for _, c := range comments {
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	return b.String()
}

func renderMetadataText(meta map[string]any) string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s: %v\n", k, meta[k])
	}
	return b.String()
}

// sequentialWindows splits content into chunkSize-word windows, each
// overlapping the previous by sequentialOverlapWords words.
func sequentialWindows(content string, sources []string, chunkSize int) []window {
	words := strings.Fields(content)
	if len(words) == 0 {
		return []window{{Index: 1, Total: 1, Content: "", Sources: sources}}
	}

	stride := chunkSize - sequentialOverlapWords
	if stride <= 0 {
		stride = chunkSize
	}

	var starts []int
	for start := 0; start < len(words); {
		starts = append(starts, start)
		if start+chunkSize >= len(words) {
			break
		}
		start += stride
	}

	windows := make([]window, len(starts))
	for i, start := range starts {
		end := start + chunkSize
		if end > len(words) {
			end = len(words)
		}
		windows[i] = window{
			Index:   i + 1,
			Total:   len(starts),
			Content: strings.Join(words[start:end], " "),
			Sources: sources,
		}
	}
	return windows
}

// randomSample uniformly samples up to randomSampleMaxWords words,
// preserving their relative order, seeded by stepID so a rerun of the same
// step samples deterministically.
func randomSample(content string, stepID int) string {
	words := strings.Fields(content)
	if len(words) <= randomSampleMaxWords {
		return content
	}

	r := rand.New(rand.NewSource(int64(stepID)))
	picked := r.Perm(len(words))[:randomSampleMaxWords]
	sort.Ints(picked)

	out := make([]string, len(picked))
	for i, idx := range picked {
		out[i] = words[idx]
	}
	return strings.Join(out, " ")
}

func renderDigests(digests []domain.StepDigest) string {
	var b strings.Builder
	for _, d := range digests {
		fmt.Fprintf(&b, "Step %d findings:\n%s\n\n", d.StepID, d.Text)
	}
	return b.String()
}
