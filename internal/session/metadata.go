package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// Known metadata keys settable via SetMetadata.
const (
	MetaResearchRole      = "research_role"
	MetaSynthesizedGoal   = "synthesized_goal"
	MetaPreFeedback       = "pre_phase1_feedback"
	MetaPostFeedback      = "post_phase1_feedback"
	MetaQualityAssessment = "quality_assessment"
)

// SetMetadata upserts one named metadata field and schedules an autosave.
// value is marshaled to JSON for the raw-message fields (synthesized_goal,
// quality_assessment); string fields take value's string form directly.
func (s *Store) SetMetadata(key string, value any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch key {
	case MetaResearchRole:
		str, _ := value.(string)
		s.session.Metadata.ResearchRole = str
	case MetaPreFeedback:
		str, _ := value.(string)
		s.session.Metadata.PreFeedback = str
	case MetaPostFeedback:
		str, _ := value.(string)
		s.session.Metadata.PostFeedback = str
	case MetaSynthesizedGoal:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("session: marshaling %s: %w", key, err)
		}
		s.session.Metadata.SynthesizedGoal = raw
	case MetaQualityAssessment:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("session: marshaling %s: %w", key, err)
		}
		s.session.Metadata.QualityAssessment = raw
	default:
		return fmt.Errorf("session: unknown metadata key %q", key)
	}

	s.session.Metadata.UpdatedAt = time.Now()
	s.dirty = true
	s.scheduleFlushLocked()
	return nil
}
