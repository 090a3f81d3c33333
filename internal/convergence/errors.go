package convergence

import (
	"errors"
	"fmt"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
)

// Kind identifies which guarantee a failed run violated.
type Kind string

const (
	KindConvergence          Kind = "convergence"
	KindBudgetInvariant      Kind = "budget_invariant"
	KindBatchBounds          Kind = "batch_bounds"
	KindBatchHistoryMutation Kind = "batch_history_mutation"
	KindOrdering             Kind = "ordering"
	KindNoProgress           Kind = "no_progress"
	KindOracleCall           Kind = "oracle_call"
	KindCanceled             Kind = "canceled"
)

var (
	ErrConvergence          = errors.New("did not converge")
	ErrBudgetInvariant      = errors.New("budget invariant violated")
	ErrBatchBounds          = errors.New("batch bounds violated")
	ErrBatchHistoryMutation = errors.New("batch history mutated")
	ErrOrdering             = errors.New("batch ordering violated")
	ErrNoProgress           = errors.New("no progress")
	ErrOracleCall           = errors.New("oracle call failed")
	ErrCanceled             = errors.New("run canceled")
)

var kindSentinels = map[Kind]error{
	KindConvergence:          ErrConvergence,
	KindBudgetInvariant:      ErrBudgetInvariant,
	KindBatchBounds:          ErrBatchBounds,
	KindBatchHistoryMutation: ErrBatchHistoryMutation,
	KindOrdering:             ErrOrdering,
	KindNoProgress:           ErrNoProgress,
	KindOracleCall:           ErrOracleCall,
	KindCanceled:             ErrCanceled,
}

// IsViolation reports whether k is one of the validator rejections.
func (k Kind) IsViolation() bool {
	switch k {
	case KindBudgetInvariant, KindBatchBounds, KindBatchHistoryMutation, KindOrdering, KindNoProgress:
		return true
	default:
		return false
	}
}

// ViolationError is returned by Validate. Prior and Offending are the two
// states that were compared.
type ViolationError struct {
	Kind      Kind
	Reason    string
	Prior     model.BatchCalculationState
	Offending model.BatchCalculationState
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("%s: %s (prior=%s offending=%s)", kindSentinels[e.Kind], e.Reason, e.Prior, e.Offending)
}

func (e *ViolationError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func violation(kind Kind, prior, next model.BatchCalculationState, format string, args ...any) *ViolationError {
	return &ViolationError{
		Kind:      kind,
		Reason:    fmt.Sprintf(format, args...),
		Prior:     prior.Clone(),
		Offending: next.Clone(),
	}
}

// RunError is the single error type returned by a failed run. LastValid is
// the last state that passed validation; Offending is set for validator
// rejections only.
type RunError struct {
	Kind      Kind
	Iteration int
	LastValid model.BatchCalculationState
	Offending *model.BatchCalculationState
	Err       error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("convergence run failed at iteration %d (%s): %v", e.Iteration, e.Kind, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

// KindOf extracts the failure kind from err, or "" when err did not come from
// a run.
func KindOf(err error) Kind {
	var runErr *RunError
	if errors.As(err, &runErr) {
		return runErr.Kind
	}
	var vErr *ViolationError
	if errors.As(err, &vErr) {
		return vErr.Kind
	}
	return ""
}
