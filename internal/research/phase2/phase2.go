// Package phase2 implements Finalize Plan: converting each accepted goal
// into a PlanStep via the deterministic transcript-size heuristics, then
// confirming the resulting Plan with the operator before Phase 3 runs.
package phase2

import (
	"context"
	"fmt"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// Word-count heuristic thresholds for chunk strategy selection.
const (
	wordThresholdAll        = 5_000
	wordThresholdSequential = 10_000
	chunkSizeMidBand        = 4_000
	chunkSizeHighBand       = 3_000
)

// Runner executes Phase 2.
type Runner struct {
	Bus uibus.Bus
}

// New returns a Phase 2 Runner.
func New(bus uibus.Bus) *Runner {
	return &Runner{Bus: bus}
}

// Build converts goals into a Plan using the W-based chunking heuristics,
// where W is the batch's total transcript word count from Phase 0's
// quality assessment.
func Build(goals []domain.SuggestedGoal, totalTranscriptWords int, singleSource bool) domain.Plan {
	strategy, chunkSize, appendFinal := classify(totalTranscriptWords, singleSource)

	var steps []domain.PlanStep
	stepID := 1
	for _, g := range goals {
		if g.Status != domain.GoalStatusAccepted {
			continue
		}
		steps = append(steps, domain.PlanStep{
			StepID:        stepID,
			Goal:          g.GoalText,
			RequiredData:  inferRequiredData(g.Uses),
			ChunkStrategy: strategy,
			ChunkSize:     chunkSize,
		})
		stepID++
	}

	if appendFinal && len(steps) > 1 {
		steps = append(steps, domain.PlanStep{
			StepID:        stepID,
			Goal:          "Synthesize findings across all prior steps",
			RequiredData:  domain.DataKindTranscriptWithComments,
			ChunkStrategy: domain.ChunkStrategyPreviousFindings,
		})
	}

	return domain.Plan{Steps: steps}
}

// classify maps a transcript word count to a chunk strategy.
func classify(w int, singleSource bool) (strategy domain.ChunkStrategy, chunkSize int, appendFinal bool) {
	switch {
	case w < wordThresholdAll:
		return domain.ChunkStrategyAll, 0, false
	case w < wordThresholdSequential:
		if singleSource {
			return domain.ChunkStrategyAll, 0, false
		}
		return domain.ChunkStrategySequential, chunkSizeMidBand, true
	default:
		return domain.ChunkStrategySequential, chunkSizeHighBand, true
	}
}

func inferRequiredData(uses []domain.DataKind) domain.DataKind {
	hasTranscript, hasComments, hasMetadata := false, false, false
	for _, u := range uses {
		switch u {
		case domain.DataKindTranscript:
			hasTranscript = true
		case domain.DataKindComments:
			hasComments = true
		case domain.DataKindTranscriptWithComments:
			return domain.DataKindTranscriptWithComments
		case domain.DataKindMetadata:
			hasMetadata = true
		}
	}
	switch {
	case hasTranscript && hasComments:
		return domain.DataKindTranscriptWithComments
	case hasTranscript:
		return domain.DataKindTranscript
	case hasComments:
		return domain.DataKindComments
	case hasMetadata:
		return domain.DataKindMetadata
	default:
		return domain.DataKindTranscript
	}
}

// Confirm displays the plan and blocks on a yes/no prompt. A "no" (or any
// non-yes response) aborts with a cancellation error; Confirm does not
// itself set session status — that is the orchestrator's responsibility
// on receiving this error.
func (r *Runner) Confirm(ctx context.Context, plan domain.Plan) error {
	if err := plan.Validate(); err != nil {
		return researcherrors.InputInvalid(fmt.Errorf("phase2: invalid plan: %w", err))
	}

	r.Bus.DisplayPlan(ctx, plan)

	reply, err := r.Bus.PromptUser(ctx, "Proceed with this plan?", []string{"yes", "no"})
	if err != nil {
		return fmt.Errorf("phase2: confirming plan: %w", err)
	}
	if strings.EqualFold(strings.TrimSpace(reply), "yes") {
		return nil
	}
	return researcherrors.Cancelled(fmt.Errorf("phase2: plan rejected by operator"))
}
