package domain

// TranscriptMarkers is the transcript-side structured summary Phase 0
// produces for one source item.
type TranscriptMarkers struct {
	KeyFacts     []string `json:"key_facts"`
	KeyOpinions  []string `json:"key_opinions"`
	KeyDatapoints []string `json:"key_datapoints"`
	TopicAreas   []string `json:"topic_areas"`
}

// CommentsMarkers is the comments-side structured summary Phase 0 produces
// for one source item.
type CommentsMarkers struct {
	KeyFactsFromComments    []string `json:"key_facts_from_comments"`
	KeyOpinionsFromComments []string `json:"key_opinions_from_comments"`
	MajorThemes             []string `json:"major_themes"`
	SentimentOverview       string   `json:"sentiment_overview"`
}

// ContentMarker bundles both marker sets for one item; it is what Phase 0
// attaches to the item's normalized record as `summary`.
type ContentMarker struct {
	Transcript TranscriptMarkers `json:"transcript"`
	Comments   CommentsMarkers   `json:"comments"`
}

// Comment is one entry of a source item's comments array.
type Comment struct {
	Text    string `json:"text"`
	Likes   int    `json:"likes,omitempty"`
	Replies int    `json:"replies,omitempty"`
}

// Source enumerates the scraper origin of a batch item.
type Source string

const (
	SourceYouTube  Source = "youtube"
	SourceBilibili Source = "bilibili"
	SourceReddit   Source = "reddit"
	SourceArticle  Source = "article"
)

// Item is a normalized batch record as produced by the external scrapers
// and consumed by Phase 0. Metadata is kept as a free-form map since its
// shape varies by source.
type Item struct {
	LinkID     string                 `json:"link_id"`
	Source     Source                 `json:"source"`
	URL        string                 `json:"url"`
	Title      string                 `json:"title"`
	Transcript string                 `json:"transcript"`
	Comments   []Comment              `json:"comments,omitempty"`
	Metadata   map[string]any         `json:"metadata,omitempty"`
	Summary    *ContentMarker         `json:"summary,omitempty"`
}

// QualityAssessment is Phase 0's combined data-quality report over the batch.
type QualityAssessment struct {
	ItemCount          int      `json:"item_count"`
	TotalTranscriptWords int    `json:"total_transcript_words"`
	TotalComments      int      `json:"total_comments"`
	Flags              []string `json:"flags"`
}

// Quality-assessment flag names.
const (
	QualityFlagImbalance          = "imbalance"
	QualityFlagSparsity           = "sparsity"
	QualityFlagLowCommentCoverage = "low-comment-coverage"
	QualityFlagSingleSource       = "single-source"
	QualityFlagLongContent        = "long-content"
)

// PrepareArtifact is the phase0 artifact: the normalized, summarized batch
// plus the combined quality assessment.
type PrepareArtifact struct {
	Items   []Item            `json:"items"`
	Quality QualityAssessment `json:"quality"`
}
