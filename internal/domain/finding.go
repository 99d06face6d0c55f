package domain

// KeyClaim is a claim entry in points_of_interest.key_claims. Claim is the
// canonical field dedup signatures are computed over.
type KeyClaim struct {
	Claim      string   `json:"claim"`
	Proponents []string `json:"proponents,omitempty"`
	Opponents  []string `json:"opponents,omitempty"`
}

// NotableEvidence is an entry in points_of_interest.notable_evidence. Quote
// is the canonical field.
type NotableEvidence struct {
	Quote  string `json:"quote"`
	Source string `json:"source,omitempty"`
}

// ControversialTopic is an entry in points_of_interest.controversial_topics.
// Topic is the canonical field.
type ControversialTopic struct {
	Topic         string   `json:"topic"`
	OpposingViews []string `json:"opposing_views,omitempty"`
}

// SurprisingInsight is an entry in points_of_interest.surprising_insights.
// Insight is the canonical field.
type SurprisingInsight struct {
	Insight string `json:"insight"`
}

// SpecificExample is an entry in points_of_interest.specific_examples.
// Example is the canonical field.
type SpecificExample struct {
	Example string `json:"example"`
}

// OpenQuestion is an entry in points_of_interest.open_questions. Question is
// the canonical field.
type OpenQuestion struct {
	Question string `json:"question"`
}

// PointsOfInterest is the multi-perspective breakdown a window's findings
// contribute, and what the Phase 3 aggregator deduplicates across windows.
type PointsOfInterest struct {
	KeyClaims            []KeyClaim            `json:"key_claims,omitempty"`
	NotableEvidence      []NotableEvidence      `json:"notable_evidence,omitempty"`
	ControversialTopics  []ControversialTopic   `json:"controversial_topics,omitempty"`
	SurprisingInsights   []SurprisingInsight    `json:"surprising_insights,omitempty"`
	SpecificExamples     []SpecificExample      `json:"specific_examples,omitempty"`
	OpenQuestions        []OpenQuestion         `json:"open_questions,omitempty"`
}

// Findings is the body of a window or step result: a prose summary plus the
// structured points_of_interest breakdown.
type Findings struct {
	Summary          string           `json:"summary"`
	PointsOfInterest PointsOfInterest `json:"points_of_interest"`
	AnalysisDetails  string           `json:"analysis_details,omitempty"`
}

// StepFinding is Phase 3's per-step output, persisted as the
// phase3_step_{id} artifact and mirrored into the scratchpad.
type StepFinding struct {
	StepID     int      `json:"step_id"`
	Findings   Findings `json:"findings"`
	Insights   string   `json:"insights"`
	Confidence float64  `json:"confidence"`
	Sources    []string `json:"sources"`
}

// StepArtifactMeta is the bookkeeping persisted alongside a StepFinding.
type StepArtifactMeta struct {
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at"`
	WindowCount     int    `json:"window_count"`
	FollowupCount   int    `json:"followup_count"`
	RetrievalBudgetUsed int `json:"retrieval_byte_budget_used"`
	Failed          bool   `json:"failed"`
}

// StepArtifact is the full phase3_step_{id} artifact payload.
type StepArtifact struct {
	Finding StepFinding      `json:"finding"`
	Meta    StepArtifactMeta `json:"meta"`
}
