// Package uibus defines the abstract interface through which the research
// core reports progress and solicits user input, and a reference in-memory
// implementation. The production transport (internal/uibus/wsadapter) wraps
// a Bus and fans its calls out over WebSocket connections; the core itself
// never imports the transport package.
package uibus

import (
	"context"

	"github.com/deepresearch-dev/agent/internal/domain"
)

// MessageLevel classifies a display_message call.
type MessageLevel string

const (
	LevelInfo  MessageLevel = "info"
	LevelWarn  MessageLevel = "warn"
	LevelError MessageLevel = "error"
)

// Bus is the capability set a phase or the orchestrator uses to report
// progress and collect user input. prompt_user is the only blocking call —
// every other method is fire-and-forget from the caller's perspective.
type Bus interface {
	DisplayHeader(ctx context.Context, phase domain.PhaseKey, title string)
	DisplayMessage(ctx context.Context, text string, level MessageLevel)
	DisplayProgress(ctx context.Context, current, total int, label string)
	DisplayStream(ctx context.Context, token string)
	ClearStreamBuffer(ctx context.Context)
	NotifyPhaseChange(ctx context.Context, phase domain.PhaseKey)
	DisplayGoals(ctx context.Context, goals []domain.SuggestedGoal)
	DisplaySynthesizedGoal(ctx context.Context, goal domain.SynthesizedGoal)
	DisplayPlan(ctx context.Context, plan domain.Plan)
	DisplaySummary(ctx context.Context, linkID string, kind string, data any)
	DisplayReport(ctx context.Context, text string, path string)

	// PromptUser blocks until a user_input frame matching promptID arrives,
	// the context is cancelled, or the implementation's own timeout
	// elapses — whichever comes first. A timeout or cancellation returns
	// "", nil: treated as an empty response, not an error.
	PromptUser(ctx context.Context, text string, choices []string) (string, error)
}
