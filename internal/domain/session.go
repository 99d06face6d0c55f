// Package domain holds the data model shared across every phase and the
// orchestrator: the session aggregate and the artifacts phases read and write.
package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

// Status is the lifecycle state of a research session.
type Status string

const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in-progress"
	StatusCompleted   Status = "completed"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// PhaseKey identifies a phase artifact slot. Step artifacts use
// PhaseStepKey(id) rather than a constant.
type PhaseKey string

const (
	PhaseKeyPrepare       PhaseKey = "phase0"
	PhaseKeyResearchRole  PhaseKey = "phase0_5"
	PhaseKeyDiscoverGoals PhaseKey = "phase1"
	PhaseKeySynthesizeGoal PhaseKey = "phase1_5"
	PhaseKeyFinalizePlan  PhaseKey = "phase2"
	PhaseKeyExecute       PhaseKey = "phase3"
	PhaseKeySynthesize    PhaseKey = "phase4"
)

// PhaseStepKey builds the artifact key for a single completed plan step.
func PhaseStepKey(stepID int) PhaseKey {
	return PhaseKey("phase3_step_" + strconv.Itoa(stepID))
}

// Artifact is a single phase's persisted output.
type Artifact struct {
	Data    json.RawMessage `json:"data"`
	SavedAt time.Time       `json:"saved_at"`
}

// Metadata is the session's top-level descriptive state.
type Metadata struct {
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Status            Status          `json:"status"`
	BatchID           string          `json:"batch_id"`
	ResearchRole      string          `json:"research_role,omitempty"`
	SynthesizedGoal   json.RawMessage `json:"synthesized_goal,omitempty"`
	PreFeedback       string          `json:"pre_phase1_feedback,omitempty"`
	PostFeedback      string          `json:"post_phase1_feedback,omitempty"`
	QualityAssessment json.RawMessage `json:"quality_assessment,omitempty"`

	// Extra preserves unknown keys encountered on load so a round-trip
	// never silently drops data the on-disk format doesn't yet name.
	Extra map[string]json.RawMessage `json:"-"`
}

// ScratchpadEntry is the per-step findings record the session carries for
// prompt context in later phases and in Phase 4's final synthesis.
type ScratchpadEntry struct {
	StepID     int             `json:"step_id"`
	Findings   json.RawMessage `json:"findings"`
	Insights   string          `json:"insights"`
	Confidence float64         `json:"confidence"`
	Sources    []string        `json:"sources"`
	Timestamp  time.Time       `json:"timestamp"`
}

// StepDigest is a compact, ≤400-word condensation of a completed step's
// insights and top points of interest, carried as context for later steps.
type StepDigest struct {
	StepID    int       `json:"step_id"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the root aggregate: one per research run, identified by
// session_id which defaults to batch_id so reruns resume the same file.
type Session struct {
	SessionID     string                 `json:"session_id"`
	Metadata      Metadata               `json:"metadata"`
	PhaseArtifacts map[PhaseKey]Artifact `json:"phase_artifacts"`
	Scratchpad    map[int]ScratchpadEntry `json:"scratchpad"`
	StepDigests   []StepDigest            `json:"step_digests"`

	// Extra preserves unknown top-level keys on write, per the
	// forward-compatibility rule in the on-disk format contract.
	Extra map[string]json.RawMessage `json:"-"`
}

// NewSession creates an empty, initialized session for batchID.
func NewSession(batchID string) *Session {
	now := time.Now()
	return &Session{
		SessionID: batchID,
		Metadata: Metadata{
			CreatedAt: now,
			UpdatedAt: now,
			Status:    StatusInitialized,
			BatchID:   batchID,
		},
		PhaseArtifacts: make(map[PhaseKey]Artifact),
		Scratchpad:     make(map[int]ScratchpadEntry),
	}
}
