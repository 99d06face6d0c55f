package domain

// DataKind names the category of source content a goal or plan step draws on.
type DataKind string

const (
	DataKindTranscript              DataKind = "transcript"
	DataKindComments                DataKind = "comments"
	DataKindTranscriptWithComments  DataKind = "transcript_with_comments"
	DataKindMetadata                DataKind = "metadata"
)

// GoalStatus tracks a suggested goal through the Phase 1 amendment loop.
type GoalStatus string

const (
	GoalStatusProposed GoalStatus = "proposed"
	GoalStatusAccepted GoalStatus = "accepted"
)

// SuggestedGoal is one candidate research direction emitted by Phase 1.
type SuggestedGoal struct {
	ID        int        `json:"id"`
	GoalText  string     `json:"goal_text"`
	Rationale string     `json:"rationale"`
	Uses      []DataKind `json:"uses"`
	Status    GoalStatus `json:"status"`
}

// SynthesizedGoal is Phase 1.5's output. ComponentQuestions must equal,
// verbatim and in the same multiset, the GoalText of every accepted goal —
// Phase 1.5 never regenerates questions, only the surrounding synthesis.
type SynthesizedGoal struct {
	ComprehensiveTopic string   `json:"comprehensive_topic"`
	ComponentQuestions []string `json:"component_questions"`
	UnifyingTheme      string   `json:"unifying_theme"`
	ResearchScope      string   `json:"research_scope"`
}
