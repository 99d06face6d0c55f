package session

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// GetScratchpadSummary renders a deterministic textual summary of the
// scratchpad, step ids in ascending order: insights, the findings summary,
// prominent quotes/examples pulled from points_of_interest, and the source
// list. This is the context Phase 4 (and any mid-run phase needing prior
// step context) consumes.
func (s *Store) GetScratchpadSummary() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.session.Scratchpad))
	for id := range s.session.Scratchpad {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	for _, id := range ids {
		entry := s.session.Scratchpad[id]
		fmt.Fprintf(&b, "## Step %d\n", entry.StepID)
		if entry.Insights != "" {
			fmt.Fprintf(&b, "Insights: %s\n", entry.Insights)
		}

		var findings domain.Findings
		if len(entry.Findings) > 0 {
			if err := json.Unmarshal(entry.Findings, &findings); err == nil {
				if findings.Summary != "" {
					fmt.Fprintf(&b, "Summary: %s\n", findings.Summary)
				}
				for _, c := range topN(findings.PointsOfInterest.KeyClaims, 3) {
					fmt.Fprintf(&b, "- Claim: %q\n", c.Claim)
				}
				for _, e := range topN(findings.PointsOfInterest.NotableEvidence, 3) {
					fmt.Fprintf(&b, "- Quote: %q\n", e.Quote)
				}
				for _, e := range topN(findings.PointsOfInterest.SpecificExamples, 2) {
					fmt.Fprintf(&b, "- Example: %q\n", e.Example)
				}
			}
		}

		if len(entry.Sources) > 0 {
			fmt.Fprintf(&b, "Sources: %s\n", strings.Join(entry.Sources, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func topN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
