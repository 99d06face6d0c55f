package domain

import "errors"

// Sentinel errors used across the session store, plan validation, and the
// orchestrator's input-invalid boundary checks.
var (
	ErrSessionCorrupt              = errors.New("domain: session file is corrupt")
	ErrPlanNotDense                = errors.New("domain: plan step_ids are not dense starting at 1")
	ErrPlanPreviousFindingsNotLast = errors.New("domain: at most one previous_findings step, and it must be last")
	ErrEmptyGoals                  = errors.New("domain: phase 1 produced an empty goal list")
	ErrUnparseable                 = errors.New("domain: stream closed without a balanced top-level JSON object")
)
