package retrieval

import (
	"context"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// BatchBackend is the in-process Backend over one batch's normalized
// items — the production collaborator a long-lived deployment points at a
// real index, but a CLI-driven single run has the whole batch in memory
// already from Phase 0, so this is the one Backend this module ships.
// Grounded on retriever_tools.go's dispatch-by-name shape, narrowed to a
// single lookup method since there is exactly one kind of thing to resolve.
type BatchBackend struct {
	items map[string]domain.Item
}

// NewBatchBackend indexes items by LinkID.
func NewBatchBackend(items []domain.Item) *BatchBackend {
	m := make(map[string]domain.Item, len(items))
	for _, it := range items {
		m[it.LinkID] = it
	}
	return &BatchBackend{items: m}
}

// Get implements Backend.
func (b *BatchBackend) Get(ctx context.Context, linkID string) (*Content, error) {
	item, ok := b.items[linkID]
	if !ok {
		return nil, ErrLinkNotFound
	}
	comments := make([]CommentEntry, len(item.Comments))
	for i, c := range item.Comments {
		comments[i] = CommentEntry{Text: c.Text, Likes: c.Likes, Replies: c.Replies}
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata["title"] = item.Title
	metadata["url"] = item.URL
	metadata["source"] = string(item.Source)
	return &Content{
		Transcript: item.Transcript,
		Comments:   comments,
		Metadata:   metadata,
	}, nil
}
