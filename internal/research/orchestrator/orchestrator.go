// Package orchestrator implements the public run_research entry point:
// sequencing every phase from Prepare through Synthesize, deriving the
// correct resume point from persisted artifacts, and translating a
// propagated error's Kind into the session's terminal status. Grounded on
// internal/brain/orchestrator_impl.go's single-entry-point wiring shape —
// generalized from that file's one-engagement TODO list (claim, build
// context, invoke planner, execute, mark processed) into the full
// multi-phase state machine it sketches but never implements.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/deepresearch-dev/agent/internal/domain"
	researcherrors "github.com/deepresearch-dev/agent/internal/research/errors"
	"github.com/deepresearch-dev/agent/internal/research/phase0"
	"github.com/deepresearch-dev/agent/internal/research/phase05"
	"github.com/deepresearch-dev/agent/internal/research/phase1"
	"github.com/deepresearch-dev/agent/internal/research/phase15"
	"github.com/deepresearch-dev/agent/internal/research/phase2"
	"github.com/deepresearch-dev/agent/internal/research/phase3"
	"github.com/deepresearch-dev/agent/internal/research/phase4"
	"github.com/deepresearch-dev/agent/internal/session"
	"github.com/deepresearch-dev/agent/internal/session/eventbus"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// resumeRank orders the phases the deterministic resume-point derivation
// walks through, lowest first. phase3 has no single artifact key of its
// own — its rank is reached whenever phase2's artifact or any
// phase3_step_* artifact is present — and nextIncompleteStepID derives
// which step to resume from once execution reaches it.
type resumeRank int

const (
	rankPhase0 resumeRank = iota
	rankPhase05
	rankPhase1
	rankPhase15
	rankPhase2
	rankPhase3
	rankComplete
)

// Store is the narrow seam the orchestrator needs from the session store,
// on top of what each phase Runner already takes for itself.
type Store interface {
	CreateOrLoad(sessionID string) (*domain.Session, error)
	GetPhaseArtifact(phaseKey domain.PhaseKey, out any) (bool, error)
	SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error
	SetMetadata(key string, value any) error
	SetStatus(status domain.Status) error
	Session() *domain.Session
	GetScratchpadSummary() string
}

// Orchestrator wires every phase Runner plus the session store behind the
// single run_research entry point.
type Orchestrator struct {
	Store      Store
	Bus        uibus.Bus
	BatchesDir string

	// Events, when set, additionally publishes each terminal status
	// transition to a cross-process bus — nil in the default single-process
	// CLI run, where the in-process Bus already carries everything an
	// operator watching this one invocation needs.
	Events eventbus.Publisher

	Phase0  *phase0.Runner
	Phase05 *phase05.Runner
	Phase1  *phase1.Runner
	Phase15 *phase15.Runner
	Phase2  *phase2.Runner
	Phase3  *phase3.Runner
	Phase4  *phase4.Runner
}

// New returns an Orchestrator wiring the given phase Runners.
func New(
	store Store,
	bus uibus.Bus,
	batchesDir string,
	p0 *phase0.Runner,
	p05 *phase05.Runner,
	p1 *phase1.Runner,
	p15 *phase15.Runner,
	p2 *phase2.Runner,
	p3 *phase3.Runner,
	p4 *phase4.Runner,
) *Orchestrator {
	return &Orchestrator{
		Store:      store,
		Bus:        bus,
		BatchesDir: batchesDir,
		Phase0:     p0,
		Phase05:    p05,
		Phase1:     p1,
		Phase15:    p15,
		Phase2:     p2,
		Phase3:     p3,
		Phase4:     p4,
	}
}

// RunInput is run_research's parameter set. SessionID, when non-empty,
// must equal BatchID — the orchestrator never creates a new session_id for
// an existing batch_id. ResumePoint is an operator escape hatch that
// overrides the deterministic derivation below; leave it empty for the
// normal resume-from-artifacts behavior.
type RunInput struct {
	BatchID     string
	UserTopic   string
	SessionID   string
	ResumePoint string
}

// Run executes run_research end to end. It loads or creates the session,
// derives the resume point from persisted artifacts (or honors an explicit
// override), and drives every phase from there through Synthesize. A
// propagated error's Kind determines the session's terminal status before
// Run returns it: operator-cancelled sessions end "cancelled", every other
// kind ends "failed" — Phase 4 is the only phase that ever sets "completed"
// itself, since only its own description ties that transition to its
// completion.
func (o *Orchestrator) Run(ctx context.Context, in RunInput) error {
	sessionID := in.SessionID
	if sessionID == "" {
		sessionID = in.BatchID
	}
	if sessionID != in.BatchID {
		return researcherrors.InputInvalid(fmt.Errorf("orchestrator: session_id %q must equal batch_id %q or be empty", sessionID, in.BatchID))
	}

	sess, err := o.Store.CreateOrLoad(sessionID)
	if err != nil {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading session: %w", err))
	}

	rank, err := o.resolveRank(sess, in.ResumePoint)
	if err != nil {
		return err
	}

	slog.InfoContext(ctx, "orchestrator resuming", "session_id", sessionID, "batch_id", in.BatchID, "resume_rank", int(rank))

	if rank == rankComplete {
		return nil
	}

	if err := o.Store.SetStatus(domain.StatusInProgress); err != nil {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: marking session in-progress: %w", err))
	}

	if err := o.run(ctx, in, rank); err != nil {
		var status domain.Status
		switch researcherrors.KindOf(err) {
		case researcherrors.KindOperatorCancelled:
			status = domain.StatusCancelled
		default:
			status = domain.StatusFailed
		}
		_ = o.Store.SetStatus(status)
		o.publishEvent(ctx, sessionID, "orchestrator", string(status), err.Error())
		o.Bus.DisplayMessage(ctx, err.Error(), uibus.LevelError)
		return err
	}
	o.publishEvent(ctx, sessionID, "orchestrator", string(domain.StatusCompleted), "run_research completed")
	return nil
}

// publishEvent forwards a lifecycle transition to the optional
// cross-process bus. Publish errors are logged, not propagated — a
// dashboard fan-out outage must never fail a research run.
func (o *Orchestrator) publishEvent(ctx context.Context, sessionID, phase, status, message string) {
	if o.Events == nil {
		return
	}
	if err := o.Events.Publish(ctx, eventbus.Event{
		SessionID: sessionID,
		Phase:     phase,
		Status:    status,
		Message:   message,
	}); err != nil {
		slog.WarnContext(ctx, "publishing session event", "error", err, "session_id", sessionID)
	}
}

// resolveRank derives the resume rank from persisted artifacts, or maps an
// explicit ResumePoint override onto one.
func (o *Orchestrator) resolveRank(sess *domain.Session, explicit string) (resumeRank, error) {
	if explicit == "" {
		return resumeRankOf(sess), nil
	}
	switch domain.PhaseKey(explicit) {
	case domain.PhaseKeyPrepare:
		return rankPhase0, nil
	case domain.PhaseKeyResearchRole:
		return rankPhase05, nil
	case domain.PhaseKeyDiscoverGoals:
		return rankPhase1, nil
	case domain.PhaseKeySynthesizeGoal:
		return rankPhase15, nil
	case domain.PhaseKeyFinalizePlan, domain.PhaseKeyExecute:
		return rankPhase3, nil
	case "complete":
		return rankComplete, nil
	default:
		return 0, researcherrors.InputInvalid(fmt.Errorf("orchestrator: unrecognized resume_point %q", explicit))
	}
}

// resumeRankOf derives the resume rank per the deterministic
// artifact-presence rules: phase4 present means complete; any phase3 step
// artifact (or phase2's own artifact, meaning Phase 3 hasn't started)
// means resume within Phase 3; otherwise resume at the first missing
// artifact in phase order.
func resumeRankOf(sess *domain.Session) resumeRank {
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeySynthesize]; ok {
		return rankComplete
	}
	if hasAnyStepArtifact(sess) {
		return rankPhase3
	}
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeyFinalizePlan]; ok {
		return rankPhase3
	}
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeySynthesizeGoal]; ok {
		return rankPhase2
	}
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeyDiscoverGoals]; ok {
		return rankPhase15
	}
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeyResearchRole]; ok {
		return rankPhase1
	}
	if _, ok := sess.PhaseArtifacts[domain.PhaseKeyPrepare]; ok {
		return rankPhase05
	}
	return rankPhase0
}

func hasAnyStepArtifact(sess *domain.Session) bool {
	for k := range sess.PhaseArtifacts {
		if strings.HasPrefix(string(k), "phase3_step_") {
			return true
		}
	}
	return false
}

// run drives every phase from start through Synthesize, loading each
// already-completed phase's artifact back from the store instead of
// re-running it when resuming mid-flow.
func (o *Orchestrator) run(ctx context.Context, in RunInput, start resumeRank) error {
	sessionID := o.Store.Session().SessionID

	var prepareArtifact domain.PrepareArtifact
	if start <= rankPhase0 {
		o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeyPrepare)
		items, err := phase0.LoadBatch(ctx, o.BatchesDir, in.BatchID)
		if err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading batch: %w", err))
		}
		artifact, err := o.Phase0.Run(ctx, items)
		if err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: phase0: %w", err))
		}
		if err := o.Store.SavePhaseArtifact(domain.PhaseKeyPrepare, *artifact, true); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting phase0 artifact: %w", err))
		}
		if err := o.Store.SetMetadata(session.MetaQualityAssessment, artifact.Quality); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting quality assessment: %w", err))
		}
		prepareArtifact = *artifact
	} else if ok, err := o.Store.GetPhaseArtifact(domain.PhaseKeyPrepare, &prepareArtifact); err != nil || !ok {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading phase0 artifact on resume: %w", err))
	}

	dataAbstract := renderDataAbstract(prepareArtifact, in.UserTopic)

	researchRole := ""
	if start <= rankPhase05 {
		o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeyResearchRole)
		role, err := o.Phase05.Run(ctx, dataAbstract)
		if err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: phase05: %w", err))
		}
		// phase05.Run persists the role to session metadata itself; the
		// orchestrator additionally records it as a phase artifact purely so
		// the artifact-presence resume derivation can see phase0_5 as done.
		if err := o.Store.SavePhaseArtifact(domain.PhaseKeyResearchRole, *role, true); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting phase05 artifact: %w", err))
		}
		researchRole = role.Role
	} else {
		researchRole = o.Store.Session().Metadata.ResearchRole
	}

	var goals []domain.SuggestedGoal
	if start <= rankPhase1 {
		o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeyDiscoverGoals)
		g, err := o.Phase1.Run(ctx, researchRole, dataAbstract)
		if err != nil {
			return err
		}
		if err := o.Store.SavePhaseArtifact(domain.PhaseKeyDiscoverGoals, g, true); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting phase1 artifact: %w", err))
		}
		goals = g
	} else if ok, err := o.Store.GetPhaseArtifact(domain.PhaseKeyDiscoverGoals, &goals); err != nil || !ok {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading phase1 artifact on resume: %w", err))
	}

	var synthesized domain.SynthesizedGoal
	if start <= rankPhase15 {
		o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeySynthesizeGoal)
		sg, err := o.Phase15.Run(ctx, goals)
		if err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: phase15: %w", err))
		}
		if err := o.Store.SavePhaseArtifact(domain.PhaseKeySynthesizeGoal, *sg, true); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting phase15 artifact: %w", err))
		}
		if err := o.Store.SetMetadata(session.MetaSynthesizedGoal, *sg); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting synthesized goal metadata: %w", err))
		}
		synthesized = *sg
	} else if ok, err := o.Store.GetPhaseArtifact(domain.PhaseKeySynthesizeGoal, &synthesized); err != nil || !ok {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading phase15 artifact on resume: %w", err))
	}

	var plan domain.Plan
	if start <= rankPhase2 {
		o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeyFinalizePlan)
		plan = phase2.Build(goals, prepareArtifact.Quality.TotalTranscriptWords, singleSource(prepareArtifact.Items))
		if err := o.Phase2.Confirm(ctx, plan); err != nil {
			return err
		}
		if err := o.Store.SavePhaseArtifact(domain.PhaseKeyFinalizePlan, plan, true); err != nil {
			return researcherrors.SessionFatal(fmt.Errorf("orchestrator: persisting phase2 artifact: %w", err))
		}
	} else if ok, err := o.Store.GetPhaseArtifact(domain.PhaseKeyFinalizePlan, &plan); err != nil || !ok {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: loading phase2 artifact on resume: %w", err))
	}

	o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeyExecute)
	nextStepID := nextIncompleteStepID(o.Store.Session(), plan)
	for _, step := range plan.Steps {
		if step.StepID < nextStepID {
			continue
		}
		if ctx.Err() != nil {
			return researcherrors.Cancelled(fmt.Errorf("orchestrator: cancelled before step %d", step.StepID))
		}
		priorDigests := o.Store.Session().StepDigests
		if _, err := o.Phase3.RunStep(ctx, step, prepareArtifact.Items, priorDigests); err != nil {
			if researcherrors.KindOf(err) == researcherrors.KindRecoverablePerStep {
				o.Bus.DisplayMessage(ctx, fmt.Sprintf("orchestrator: step %d failed, continuing plan: %v", step.StepID, err), uibus.LevelWarn)
				continue
			}
			return err
		}
	}

	o.Bus.NotifyPhaseChange(ctx, domain.PhaseKeySynthesize)
	scratchpadSummary := o.Store.GetScratchpadSummary()
	if _, err := o.Phase4.Run(ctx, sessionID, synthesized, scratchpadSummary, prepareArtifact.Quality); err != nil {
		return researcherrors.SessionFatal(fmt.Errorf("orchestrator: phase4: %w", err))
	}

	return nil
}

// nextIncompleteStepID returns the smallest step_id in plan not yet
// covered by a phase3_step_{id} artifact, or len(plan.Steps)+1 if every
// step is already complete.
func nextIncompleteStepID(sess *domain.Session, plan domain.Plan) int {
	for _, step := range plan.Steps {
		if _, ok := sess.PhaseArtifacts[domain.PhaseStepKey(step.StepID)]; !ok {
			return step.StepID
		}
	}
	return len(plan.Steps) + 1
}

func singleSource(items []domain.Item) bool {
	seen := map[domain.Source]bool{}
	for _, it := range items {
		seen[it.Source] = true
	}
	return len(seen) == 1
}

// renderDataAbstract condenses Phase 0's per-item markers and combined
// quality assessment into the short text block Phase 0.5 and Phase 1
// prompt against, optionally anchored by an operator-supplied topic.
func renderDataAbstract(artifact domain.PrepareArtifact, userTopic string) string {
	var b strings.Builder
	if userTopic != "" {
		fmt.Fprintf(&b, "Operator-supplied topic: %s\n\n", userTopic)
	}
	fmt.Fprintf(&b, "Batch: %d items, %d transcript words, %d comments, flags: %v\n\n",
		artifact.Quality.ItemCount, artifact.Quality.TotalTranscriptWords, artifact.Quality.TotalComments, artifact.Quality.Flags)

	for _, item := range artifact.Items {
		fmt.Fprintf(&b, "## %s (%s)\n", item.Title, item.Source)
		if item.Summary == nil {
			continue
		}
		for _, fact := range topNStrings(item.Summary.Transcript.KeyFacts, 5) {
			fmt.Fprintf(&b, "- %s\n", fact)
		}
		for _, topic := range item.Summary.Transcript.TopicAreas {
			fmt.Fprintf(&b, "  topic: %s\n", topic)
		}
		if item.Summary.Comments.SentimentOverview != "" {
			fmt.Fprintf(&b, "  sentiment: %s\n", item.Summary.Comments.SentimentOverview)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func topNStrings(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
