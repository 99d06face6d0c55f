// Package phase4 implements Synthesize: the final long-form article
// generated from the session's accumulated research, streamed to the UI as
// it's produced and persisted both as the phase4 artifact and as a
// standalone markdown file. Modeled on phase15's single-call streaming
// pattern, but the model's output here is the article itself rather than a
// structured JSON object — there is no streamparse extraction step.
package phase4

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepresearch-dev/agent/common/llm"
	"github.com/deepresearch-dev/agent/internal/domain"
	"github.com/deepresearch-dev/agent/internal/prompt"
	"github.com/deepresearch-dev/agent/internal/uibus"
)

// Store is the narrow seam phase4 needs from the session store.
type Store interface {
	SavePhaseArtifact(phaseKey domain.PhaseKey, data any, autosave bool) error
	SetStatus(status domain.Status) error
}

// Artifact is the phase4 artifact payload.
type Artifact struct {
	Report string `json:"report"`
}

// Runner executes Phase 4.
type Runner struct {
	LLM       llm.AgentClient
	Composer  *prompt.Composer
	Bus       uibus.Bus
	Store     Store
	ReportDir string
}

// New returns a Phase 4 Runner. ReportDir may be empty, in which case the
// article is persisted only to the session artifact, not a standalone file.
func New(agent llm.AgentClient, composer *prompt.Composer, bus uibus.Bus, store Store, reportDir string) *Runner {
	return &Runner{LLM: agent, Composer: composer, Bus: bus, Store: store, ReportDir: reportDir}
}

// Run generates the final article from the synthesized goal, the session's
// rendered scratchpad summary, and the batch quality assessment, streams it
// to the UI as it's produced, persists it, and marks the session completed.
func (r *Runner) Run(ctx context.Context, sessionID string, goal domain.SynthesizedGoal, scratchpadSummary string, quality domain.QualityAssessment) (string, error) {
	vars := map[string]string{
		"comprehensive_topic": goal.ComprehensiveTopic,
		"unifying_theme":      goal.UnifyingTheme,
		"research_scope":      goal.ResearchScope,
		"component_questions": renderQuestions(goal.ComponentQuestions),
		"scratchpad_summary":  scratchpadSummary,
		"quality_assessment":  renderQuality(quality),
	}
	msgs, err := r.Composer.Compose(string(domain.PhaseKeySynthesize), vars)
	if err != nil {
		return "", fmt.Errorf("phase4: composing prompt: %w", err)
	}

	resp, err := r.LLM.StreamChatWithTools(ctx, llm.AgentRequest{Messages: toLLMMessages(msgs)}, func(tok string) {
		r.Bus.DisplayStream(ctx, tok)
	})
	if err != nil {
		return "", fmt.Errorf("phase4: streaming article: %w", err)
	}
	r.Bus.ClearStreamBuffer(ctx)

	report := resp.Content

	if err := r.Store.SavePhaseArtifact(domain.PhaseKeySynthesize, Artifact{Report: report}, true); err != nil {
		return "", fmt.Errorf("phase4: persisting artifact: %w", err)
	}

	path, err := r.writeReportFile(sessionID, report)
	if err != nil {
		return "", fmt.Errorf("phase4: writing report file: %w", err)
	}

	if err := r.Store.SetStatus(domain.StatusCompleted); err != nil {
		return "", fmt.Errorf("phase4: marking session completed: %w", err)
	}

	r.Bus.DisplayReport(ctx, report, path)
	return report, nil
}

// writeReportFile writes report to <ReportDir>/report_<sessionID>.md and
// returns its path. Empty ReportDir skips the file write; the report still
// lives in the session artifact.
func (r *Runner) writeReportFile(sessionID, report string) (string, error) {
	if r.ReportDir == "" {
		return "", nil
	}
	if err := os.MkdirAll(r.ReportDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(r.ReportDir, fmt.Sprintf("report_%s.md", sessionID))
	if err := os.WriteFile(path, []byte(report), 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func renderQuestions(questions []string) string {
	lines := make([]string, len(questions))
	for i, q := range questions {
		lines[i] = "- " + q
	}
	return strings.Join(lines, "\n")
}

func renderQuality(q domain.QualityAssessment) string {
	return fmt.Sprintf("items: %d, transcript words: %d, comments: %d, flags: %v",
		q.ItemCount, q.TotalTranscriptWords, q.TotalComments, q.Flags)
}

func toLLMMessages(msgs []prompt.Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
