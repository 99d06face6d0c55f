// Package errors carries the research core's failure taxonomy. It mirrors
// the teacher's EngagementError shape (a wrapped error plus a dispatch
// flag) split into the five distinct behaviors the orchestration loop must
// tell apart, rather than one boolean.
package errors

import "fmt"

// Kind names one of the five error behaviors the orchestrator and executor
// dispatch on. Distinct behaviors, not type hierarchies: callers switch on
// Kind, never on the dynamic type of the wrapped error.
type Kind int

const (
	// KindRecoverablePerWindow is inlined into the current window's
	// conversation and does not abort the enclosing step.
	KindRecoverablePerWindow Kind = iota
	// KindRecoverablePerStep marks the current step failed but lets the
	// plan continue with the next step.
	KindRecoverablePerStep
	// KindSessionFatal aborts the run; session status becomes "failed".
	KindSessionFatal
	// KindOperatorCancelled aborts cleanly; session status becomes
	// "cancelled".
	KindOperatorCancelled
	// KindInputInvalid rejects at a boundary before any work starts.
	KindInputInvalid
)

func (k Kind) String() string {
	switch k {
	case KindRecoverablePerWindow:
		return "recoverable_per_window"
	case KindRecoverablePerStep:
		return "recoverable_per_step"
	case KindSessionFatal:
		return "session_fatal"
	case KindOperatorCancelled:
		return "operator_cancelled"
	case KindInputInvalid:
		return "input_invalid"
	default:
		return "unknown"
	}
}

// ResearchError is the wrapped-error-plus-kind shape every research package
// returns instead of a bare error, so the orchestrator can dispatch on Kind
// without type-switching on the wrapped cause.
type ResearchError struct {
	Err  error
	Kind Kind
}

func (e *ResearchError) Error() string {
	return e.Err.Error()
}

func (e *ResearchError) Unwrap() error {
	return e.Err
}

func PerWindow(err error) *ResearchError {
	return &ResearchError{Err: err, Kind: KindRecoverablePerWindow}
}

func PerStep(err error) *ResearchError {
	return &ResearchError{Err: err, Kind: KindRecoverablePerStep}
}

func SessionFatal(err error) *ResearchError {
	return &ResearchError{Err: err, Kind: KindSessionFatal}
}

func Cancelled(err error) *ResearchError {
	return &ResearchError{Err: err, Kind: KindOperatorCancelled}
}

func InputInvalid(err error) *ResearchError {
	return &ResearchError{Err: err, Kind: KindInputInvalid}
}

// As reports whether err is a *ResearchError and, if so, returns it.
func As(err error) (*ResearchError, bool) {
	re, ok := err.(*ResearchError)
	return re, ok
}

// KindOf returns the Kind of err if it is a *ResearchError, or
// KindSessionFatal as the conservative default for an unclassified error —
// an error the core did not itself classify should abort rather than be
// silently swallowed or retried forever.
func KindOf(err error) Kind {
	if re, ok := As(err); ok {
		return re.Kind
	}
	return KindSessionFatal
}

// Wrapf wraps err with a formatted message and classifies the result as
// kind, whatever Kind err itself carries.
func Wrapf(err error, kind Kind, format string, args ...any) *ResearchError {
	return &ResearchError{Err: fmt.Errorf(format+": %w", append(args, err)...), Kind: kind}
}
