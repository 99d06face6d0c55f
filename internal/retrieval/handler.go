// Package retrieval resolves model-issued retrieval requests (word-range,
// keyword, semantic, comments-filter, or full-content) against the backing
// batch content. It is grounded on the teacher's retriever_tools.go
// dispatch-table shape and the keywords package's context-window expansion,
// generalized to five retrieval methods and per-call char budgets.
package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// Budgets caps a single retrieval response's length, per content kind.
type Budgets struct {
	TranscriptChars int
	CommentsChars   int
	MetadataChars   int
}

// Handler resolves RetrievalRequests against a Backend.
type Handler struct {
	backend  Backend
	embedder Embedder
	budgets  Budgets
}

// New returns a Handler. embedder may be nil, in which case Semantic falls
// back to Keyword over the query's tokenized terms.
func New(backend Backend, embedder Embedder, budgets Budgets) *Handler {
	return &Handler{backend: backend, embedder: embedder, budgets: budgets}
}

// Resolve dispatches req to the method it names. A missing link_id or
// invalid parameter is returned as an error here, but the caller (the
// Phase 3 executor) inlines it back to the model as a short error string
// rather than aborting the window — that degrade-gracefully decision
// belongs one layer up.
func (h *Handler) Resolve(ctx context.Context, req domain.RetrievalRequest) (domain.RetrievalResult, error) {
	switch req.Method {
	case domain.RetrievalMethodWordRange:
		start, sok := intParam(req.Parameters, "start")
		end, eok := intParam(req.Parameters, "end")
		if !sok || !eok {
			return domain.RetrievalResult{}, fmt.Errorf("retrieval: word_range requires start and end")
		}
		return h.WordRange(ctx, req.SourceLinkID, start, end)

	case domain.RetrievalMethodKeyword:
		kws, _ := stringSliceParam(req.Parameters, "keywords")
		window, _ := intParam(req.Parameters, "context_window")
		if window <= 0 {
			window = 100
		}
		return h.Keyword(ctx, req.SourceLinkID, kws, window)

	case domain.RetrievalMethodSemantic:
		query, _ := stringParam(req.Parameters, "query")
		topK, _ := intParam(req.Parameters, "top_k")
		if topK <= 0 {
			topK = 5
		}
		return h.Semantic(ctx, req.SourceLinkID, query, topK)

	case domain.RetrievalMethodAll:
		return h.All(ctx, req.SourceLinkID, req.ContentType)

	default:
		return domain.RetrievalResult{}, fmt.Errorf("retrieval: unsupported method %q", req.Method)
	}
}

// CommentsFilter is invoked directly (not via Resolve/RetrievalRequest,
// since it is not a model-initiated RetrievalMethod) for callers that need
// sorted/filtered comment slices; no phase in this module calls it.
func (h *Handler) CommentsFilter(ctx context.Context, linkID string, keywords []string, sortBy string, limit int) (domain.RetrievalResult, error) {
	content, err := h.backend.Get(ctx, linkID)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	comments := content.Comments
	if len(keywords) > 0 {
		filtered := make([]CommentEntry, 0, len(comments))
		for _, c := range comments {
			if containsAnyFold(c.Text, keywords) {
				filtered = append(filtered, c)
			}
		}
		comments = filtered
	}

	switch sortBy {
	case "likes":
		sort.SliceStable(comments, func(i, j int) bool { return comments[i].Likes > comments[j].Likes })
	case "replies":
		sort.SliceStable(comments, func(i, j int) bool { return comments[i].Replies > comments[j].Replies })
	case "relevance", "":
		// Relevance keeps insertion order; no embedding-based ranking is
		// applied here, even when an Embedder is configured.
	}

	if limit > 0 && len(comments) > limit {
		comments = comments[:limit]
	}

	var b strings.Builder
	for _, c := range comments {
		b.WriteString(c.Text)
		b.WriteString("\n")
	}
	return truncateToBudget(b.String(), h.budgets.CommentsChars), nil
}

// WordRange slices the transcript by word index, bounds-checked.
func (h *Handler) WordRange(ctx context.Context, linkID string, start, end int) (domain.RetrievalResult, error) {
	content, err := h.backend.Get(ctx, linkID)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	words := strings.Fields(content.Transcript)
	if start < 0 || end > len(words) || start >= end {
		return domain.RetrievalResult{}, fmt.Errorf("retrieval: word_range [%d:%d] out of bounds for %d words", start, end, len(words))
	}

	result := truncateToBudget(strings.Join(words[start:end], " "), h.budgets.TranscriptChars)
	result.Span = domain.SpanInfo{StartWord: start, EndWord: end}
	return result, nil
}

// Keyword finds all occurrences of any keyword, expands each by ±window
// words, and merges overlapping spans so the model never sees the same
// passage twice.
func (h *Handler) Keyword(ctx context.Context, linkID string, keywords []string, window int) (domain.RetrievalResult, error) {
	content, err := h.backend.Get(ctx, linkID)
	if err != nil {
		return domain.RetrievalResult{}, err
	}
	if len(keywords) == 0 {
		return domain.RetrievalResult{}, fmt.Errorf("retrieval: keyword search requires at least one keyword")
	}

	words := strings.Fields(content.Transcript)
	lowered := make([]string, len(words))
	for i, w := range words {
		lowered[i] = strings.ToLower(w)
	}

	type span struct{ start, end int }
	var spans []span
	for i, w := range lowered {
		for _, kw := range keywords {
			if strings.Contains(w, strings.ToLower(kw)) {
				s := max(0, i-window)
				e := min(len(words), i+window+1)
				spans = append(spans, span{s, e})
				break
			}
		}
	}
	if len(spans) == 0 {
		return domain.RetrievalResult{Content: "", Truncated: false}, nil
	}

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := spans[:1]
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	for i, s := range merged {
		if i > 0 {
			b.WriteString("\n...\n")
		}
		b.WriteString(strings.Join(words[s.start:s.end], " "))
	}

	result := truncateToBudget(b.String(), h.budgets.TranscriptChars)
	result.Span = domain.SpanInfo{StartWord: merged[0].start, EndWord: merged[len(merged)-1].end}
	return result, nil
}

// Semantic returns cosine-similar chunks when an Embedder is configured;
// otherwise it tokenizes query and falls back to Keyword.
func (h *Handler) Semantic(ctx context.Context, linkID, query string, topK int) (domain.RetrievalResult, error) {
	if h.embedder == nil {
		return h.Keyword(ctx, linkID, strings.Fields(query), 100)
	}

	content, err := h.backend.Get(ctx, linkID)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	queryVec, err := h.embedder.Embed(ctx, query)
	if err != nil {
		return domain.RetrievalResult{}, fmt.Errorf("retrieval: embedding query: %w", err)
	}

	chunks := chunkWords(content.Transcript, 200)
	type scored struct {
		text  string
		score float64
	}
	var ranked []scored
	for _, c := range chunks {
		vec, err := h.embedder.Embed(ctx, c)
		if err != nil {
			continue
		}
		ranked = append(ranked, scored{text: c, score: cosineSimilarity(queryVec, vec)})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if topK > len(ranked) {
		topK = len(ranked)
	}

	var b strings.Builder
	for i := 0; i < topK; i++ {
		if i > 0 {
			b.WriteString("\n...\n")
		}
		b.WriteString(ranked[i].text)
	}
	return truncateToBudget(b.String(), h.budgets.TranscriptChars), nil
}

// All returns the full content of the requested kind, subject to the
// per-call char budget; excess is truncated with an explicit marker.
func (h *Handler) All(ctx context.Context, linkID string, contentType domain.ContentType) (domain.RetrievalResult, error) {
	content, err := h.backend.Get(ctx, linkID)
	if err != nil {
		return domain.RetrievalResult{}, err
	}

	switch contentType {
	case domain.ContentTypeTranscript:
		return truncateToBudget(content.Transcript, h.budgets.TranscriptChars), nil
	case domain.ContentTypeComments:
		var b strings.Builder
		for _, c := range content.Comments {
			b.WriteString(c.Text)
			b.WriteString("\n")
		}
		return truncateToBudget(b.String(), h.budgets.CommentsChars), nil
	case domain.ContentTypeMetadata:
		var b strings.Builder
		for k, v := range content.Metadata {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
		return truncateToBudget(b.String(), h.budgets.MetadataChars), nil
	default:
		return domain.RetrievalResult{}, fmt.Errorf("retrieval: unsupported content_type %q", contentType)
	}
}

const truncationMarker = "\n...[truncated]"

func truncateToBudget(s string, budget int) domain.RetrievalResult {
	if budget <= 0 || len(s) <= budget {
		return domain.RetrievalResult{Content: s, Truncated: false}
	}
	cut := budget - len(truncationMarker)
	if cut < 0 {
		cut = 0
	}
	return domain.RetrievalResult{Content: s[:cut] + truncationMarker, Truncated: true}
}

func chunkWords(text string, size int) []string {
	words := strings.Fields(text)
	var chunks []string
	for i := 0; i < len(words); i += size {
		end := min(len(words), i+size)
		chunks = append(chunks, strings.Join(words[i:end], " "))
	}
	return chunks
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func containsAnyFold(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func intParam(params map[string]any, key string) (int, bool) {
	v, ok := params[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func stringParam(params map[string]any, key string) (string, bool) {
	v, ok := params[key].(string)
	return v, ok
}

func stringSliceParam(params map[string]any, key string) ([]string, bool) {
	raw, ok := params[key].([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, true
}

