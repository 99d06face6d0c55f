package retrieval

import "context"

// Content is one source item's retrievable payload, as returned by a
// Backend (BatchBackend is the implementation this module ships).
type Content struct {
	Transcript string
	Comments   []CommentEntry
	Metadata   map[string]any
}

// CommentEntry mirrors domain.Comment; kept separate so this package has no
// import-cycle dependency on domain beyond what RetrievalResult needs.
type CommentEntry struct {
	Text    string
	Likes   int
	Replies int
}

// Backend resolves a link_id to its content. Implementations wrap whatever
// store holds the scraped batch (in-memory map for a single run, a real
// index for a long-lived deployment); the core never persists or computes
// embeddings itself.
type Backend interface {
	Get(ctx context.Context, linkID string) (*Content, error)
}

// Embedder is optional; its absence triggers the semantic-to-keyword
// fallback.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// ErrLinkNotFound is returned by a Backend when linkID is unknown.
var ErrLinkNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "retrieval: link_id not found" }
