// Package toolerrors provides the structured error taxonomy shared across the
// Hensu core. HensuError preserves error chains and supports errors.Is/As
// while staying easy to serialize into NodeResult metadata and snapshots.
package toolerrors

import (
	"errors"
	"fmt"
)

// Kind enumerates the closed set of error kinds the core can raise. Keep in
// sync with spec.md §7.
type Kind string

const (
	KindAgentNotFound           Kind = "AgentNotFound"
	KindProviderMissingForModel Kind = "ProviderMissingForModel"
	KindAgentExecutionError     Kind = "AgentExecutionError"
	KindRubricNotFound          Kind = "RubricNotFound"
	KindRubricEvaluationError   Kind = "RubricEvaluationError"
	KindNoMatchingTransition    Kind = "NoMatchingTransition"
	KindMissingNode             Kind = "MissingNode"
	KindStepCapExceeded         Kind = "StepCapExceeded"
	KindInvariantViolated       Kind = "InvariantViolated"
	KindUnsafeAgentOutput       Kind = "UnsafeAgentOutput"
	KindActionHandlerMissing    Kind = "ActionHandlerMissing"
	KindActionExecutionError    Kind = "ActionExecutionError"
	KindReviewRejected          Kind = "ReviewRejected"
	KindReviewBacktrackInvalid Kind = "ReviewBacktrackInvalid"
	KindPersistenceError        Kind = "PersistenceError"
	KindLeaseLost               Kind = "LeaseLost"
	KindPlanCreationError       Kind = "PlanCreationError"
	KindPlanRevisionError       Kind = "PlanRevisionError"
	KindStepTimeout             Kind = "StepTimeout"
)

// HensuError represents a structured core failure that preserves its kind and
// causal chain while still implementing the standard error interface. Errors
// may nest via Cause to retain diagnostics across retries and backtracks.
type HensuError struct {
	// Kind classifies the failure for callers that branch on error type
	// (e.g. the Processor Pipeline deciding whether to short-circuit).
	Kind Kind
	// Message is the human-readable summary of the failure.
	Message string
	// Cause links to the underlying error, enabling chains via errors.Is/As.
	Cause error
}

// New constructs a HensuError of the given kind with the provided message.
func New(kind Kind, message string) *HensuError {
	if message == "" {
		message = string(kind)
	}
	return &HensuError{Kind: kind, Message: message}
}

// Newf formats according to a format specifier and returns a HensuError of kind.
func Newf(kind Kind, format string, args ...any) *HensuError {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap constructs a HensuError of kind that wraps cause. If message is empty
// it is derived from cause.
func Wrap(kind Kind, message string, cause error) *HensuError {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &HensuError{Kind: kind, Message: message, Cause: cause}
}

// Error implements the error interface.
func (e *HensuError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error to support errors.Is/As.
func (e *HensuError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is a HensuError with the same Kind, enabling
// errors.Is(err, toolerrors.New(KindMissingNode, "")) style checks without
// needing an exact message match.
func (e *HensuError) Is(target error) bool {
	var other *HensuError
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return e.Kind == other.Kind
}

// KindOf extracts the Kind of err if it is (or wraps) a HensuError, returning
// ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var he *HensuError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	return "", false
}
