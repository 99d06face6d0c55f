package phase3

import (
	"sort"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// perWindowAdditionCap bounds how many new entries a single window may add
// to any one points_of_interest category, preventing unbounded growth from
// an unusually verbose window.
const perWindowAdditionCap = 10

// aggregator accumulates PointsOfInterest contributions across a step's
// windows. It deduplicates on a normalized signature per category and
// merges multi-valued neighbor fields into the surviving entry when a
// duplicate is found, rather than discarding the new information.
type aggregator struct {
	keyClaims    []domain.KeyClaim
	keyClaimSeen map[string]int

	notableEvidence []domain.NotableEvidence
	notableSeen     map[string]int

	controversial     []domain.ControversialTopic
	controversialSeen map[string]int

	surprising     []domain.SurprisingInsight
	surprisingSeen map[string]int

	examples     []domain.SpecificExample
	examplesSeen map[string]int

	openQuestions     []domain.OpenQuestion
	openQuestionsSeen map[string]int

	summaries   []string
	confidences []float64
	sources     map[string]bool
}

func newAggregator() *aggregator {
	return &aggregator{
		keyClaimSeen:      map[string]int{},
		notableSeen:       map[string]int{},
		controversialSeen: map[string]int{},
		surprisingSeen:    map[string]int{},
		examplesSeen:      map[string]int{},
		openQuestionsSeen: map[string]int{},
		sources:           map[string]bool{},
	}
}

func normalizeSignature(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

// mergeUnique appends values from add that aren't already present in
// existing (case-insensitive), preserving existing's order.
func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, v := range existing {
		seen[strings.ToLower(v)] = true
	}
	for _, v := range add {
		key := strings.ToLower(v)
		if !seen[key] {
			existing = append(existing, v)
			seen[key] = true
		}
	}
	return existing
}

// mergeInto adds entries from add into *list, capped at
// perWindowAdditionCap new entries, deduplicating via sig and, on
// collision, invoking merge (if non-nil) to fold dup's extra fields into
// the existing entry.
func mergeInto[T any](list *[]T, seen map[string]int, add []T, sig func(T) string, merge func(existing *T, dup T)) {
	added := 0
	for _, v := range add {
		if added >= perWindowAdditionCap {
			break
		}
		key := sig(v)
		if idx, ok := seen[key]; ok {
			if merge != nil {
				merge(&(*list)[idx], v)
			}
			continue
		}
		seen[key] = len(*list)
		*list = append(*list, v)
		added++
	}
}

// addWindow merges one window's contribution into the running aggregate.
// An empty contribution (a failed window) still records nothing toward
// confidence, matching the "zero confidence, no content" failure mode.
func (a *aggregator) addWindow(f domain.Findings, confidence float64, sources []string) {
	poi := f.PointsOfInterest

	mergeInto(&a.keyClaims, a.keyClaimSeen, poi.KeyClaims,
		func(v domain.KeyClaim) string { return normalizeSignature(v.Claim) },
		func(existing *domain.KeyClaim, dup domain.KeyClaim) {
			existing.Proponents = mergeUnique(existing.Proponents, dup.Proponents)
			existing.Opponents = mergeUnique(existing.Opponents, dup.Opponents)
		})

	mergeInto(&a.notableEvidence, a.notableSeen, poi.NotableEvidence,
		func(v domain.NotableEvidence) string { return normalizeSignature(v.Quote) }, nil)

	mergeInto(&a.controversial, a.controversialSeen, poi.ControversialTopics,
		func(v domain.ControversialTopic) string { return normalizeSignature(v.Topic) },
		func(existing *domain.ControversialTopic, dup domain.ControversialTopic) {
			existing.OpposingViews = mergeUnique(existing.OpposingViews, dup.OpposingViews)
		})

	mergeInto(&a.surprising, a.surprisingSeen, poi.SurprisingInsights,
		func(v domain.SurprisingInsight) string { return normalizeSignature(v.Insight) }, nil)

	mergeInto(&a.examples, a.examplesSeen, poi.SpecificExamples,
		func(v domain.SpecificExample) string { return normalizeSignature(v.Example) }, nil)

	mergeInto(&a.openQuestions, a.openQuestionsSeen, poi.OpenQuestions,
		func(v domain.OpenQuestion) string { return normalizeSignature(v.Question) }, nil)

	if isNonEmptyContribution(f) {
		a.summaries = append(a.summaries, f.Summary)
		a.confidences = append(a.confidences, confidence)
	}
	for _, s := range sources {
		if s != "" {
			a.sources[s] = true
		}
	}
}

func isNonEmptyContribution(f domain.Findings) bool {
	poi := f.PointsOfInterest
	return f.Summary != "" || len(poi.KeyClaims) > 0 || len(poi.NotableEvidence) > 0 ||
		len(poi.ControversialTopics) > 0 || len(poi.SurprisingInsights) > 0 ||
		len(poi.SpecificExamples) > 0 || len(poi.OpenQuestions) > 0
}

// cleanup runs a final exact-signature dedup pass as a safeguard against
// any cross-window collision the incremental merge missed.
func (a *aggregator) cleanup() {
	a.keyClaims = dedupeBy(a.keyClaims, func(v domain.KeyClaim) string { return normalizeSignature(v.Claim) })
	a.notableEvidence = dedupeBy(a.notableEvidence, func(v domain.NotableEvidence) string { return normalizeSignature(v.Quote) })
	a.controversial = dedupeBy(a.controversial, func(v domain.ControversialTopic) string { return normalizeSignature(v.Topic) })
	a.surprising = dedupeBy(a.surprising, func(v domain.SurprisingInsight) string { return normalizeSignature(v.Insight) })
	a.examples = dedupeBy(a.examples, func(v domain.SpecificExample) string { return normalizeSignature(v.Example) })
	a.openQuestions = dedupeBy(a.openQuestions, func(v domain.OpenQuestion) string { return normalizeSignature(v.Question) })
}

func dedupeBy[T any](in []T, sig func(T) string) []T {
	seen := make(map[string]bool, len(in))
	out := make([]T, 0, len(in))
	for _, v := range in {
		key := sig(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	return out
}

func (a *aggregator) pointsOfInterest() domain.PointsOfInterest {
	return domain.PointsOfInterest{
		KeyClaims:           a.keyClaims,
		NotableEvidence:     a.notableEvidence,
		ControversialTopics: a.controversial,
		SurprisingInsights:  a.surprising,
		SpecificExamples:    a.examples,
		OpenQuestions:       a.openQuestions,
	}
}

func (a *aggregator) mergedSummary() string {
	return strings.Join(a.summaries, "\n\n")
}

// renderRunning is the compact textual form of the aggregate-so-far fed
// into the next window's dispatch prompt as running context.
func (a *aggregator) renderRunning() string {
	if len(a.keyClaims) == 0 && len(a.notableEvidence) == 0 {
		return "(no findings yet)"
	}
	var b strings.Builder
	for _, kc := range a.keyClaims {
		b.WriteString("- claim: ")
		b.WriteString(kc.Claim)
		b.WriteString("\n")
	}
	for _, ne := range a.notableEvidence {
		b.WriteString("- evidence: ")
		b.WriteString(ne.Quote)
		b.WriteString("\n")
	}
	return b.String()
}

// insightsText condenses key claims and notable evidence into a single
// passage, truncated to maxWords.
func (a *aggregator) insightsText(maxWords int) string {
	var parts []string
	for _, kc := range a.keyClaims {
		parts = append(parts, kc.Claim)
	}
	for _, ne := range a.notableEvidence {
		parts = append(parts, ne.Quote)
	}
	return truncateWords(strings.Join(parts, "; "), maxWords)
}

func truncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + " ..."
}

func (a *aggregator) meanConfidence() float64 {
	if len(a.confidences) == 0 {
		return 0
	}
	var sum float64
	for _, c := range a.confidences {
		sum += c
	}
	return sum / float64(len(a.confidences))
}

func (a *aggregator) sourceList() []string {
	out := make([]string, 0, len(a.sources))
	for s := range a.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
