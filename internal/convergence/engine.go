package convergence

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
)

// DefaultIterationCeiling bounds oracle calls per run. A healthy queue needs
// at most MaxBatchesLength calls.
const DefaultIterationCeiling = 10000

// Oracle computes the next batch calculation state from the prior one. It is
// expected to be a side-effect-free query; nothing it returns is trusted
// before Validate accepts it.
type Oracle interface {
	ComputeNextBatch(ctx context.Context, params model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error)
}

// OracleFunc adapts a plain function to Oracle.
type OracleFunc func(ctx context.Context, params model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error)

func (f OracleFunc) ComputeNextBatch(ctx context.Context, params model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error) {
	return f(ctx, params, prior)
}

// Step describes one oracle round-trip. Err is nil when the returned state
// was accepted.
type Step struct {
	Iteration int
	Prior     model.BatchCalculationState
	Next      model.BatchCalculationState
	Duration  time.Duration
	Err       error
}

// Observer is notified after every oracle call. It must not block.
type Observer func(ctx context.Context, step Step)

// Options are fixed for the lifetime of a run.
type Options struct {
	// IterationCeiling is the hard cap on oracle calls. Zero means DefaultIterationCeiling.
	IterationCeiling int
	// PerCallTimeout bounds a single oracle call. Zero disables the per-call deadline.
	PerCallTimeout time.Duration
	// InitialBudget seeds RemainingBudget of the starting state.
	InitialBudget *big.Int
	Observer      Observer
}

// Engine drives convergence runs. An Engine holds no per-run state and may
// be shared by concurrent runs.
type Engine struct {
	opts Options
}

func NewEngine(opts Options) *Engine {
	if opts.IterationCeiling <= 0 {
		opts.IterationCeiling = DefaultIterationCeiling
	}
	if opts.PerCallTimeout < 0 {
		opts.PerCallTimeout = 0
	}
	if opts.InitialBudget != nil {
		opts.InitialBudget = new(big.Int).Set(opts.InitialBudget)
	}
	return &Engine{opts: opts}
}

// RunConvergence is shorthand for NewEngine(opts).Run(ctx, params, oracle).
func RunConvergence(ctx context.Context, params model.FinalizationParams, oracle Oracle, opts Options) (model.BatchCalculationState, error) {
	return NewEngine(opts).Run(ctx, params, oracle)
}

// IterationCeiling returns the effective ceiling.
func (e *Engine) IterationCeiling() int {
	return e.opts.IterationCeiling
}

// Run queries oracle until it reports a finished state. On failure the
// returned state is the last one that passed validation and the error is a
// *RunError. Nothing is retried.
func (e *Engine) Run(ctx context.Context, params model.FinalizationParams, oracle Oracle) (model.BatchCalculationState, error) {
	state := model.NewBatchCalculationState(e.opts.InitialBudget)
	if oracle == nil {
		return state, &RunError{
			Kind:      KindOracleCall,
			LastValid: state,
			Err:       fmt.Errorf("%w: nil oracle", ErrOracleCall),
		}
	}
	iterations := 0

	for !state.Finished {
		if err := ctx.Err(); err != nil {
			return state, &RunError{Kind: KindCanceled, Iteration: iterations, LastValid: state, Err: err}
		}
		if iterations >= e.opts.IterationCeiling {
			return state, &RunError{
				Kind:      KindConvergence,
				Iteration: iterations,
				LastValid: state,
				Err: fmt.Errorf("%w after %d calls: indicates external state-machine bug or corruption",
					ErrConvergence, iterations),
			}
		}

		call := iterations + 1
		started := time.Now()
		next, err := e.call(ctx, params, oracle, state)
		step := Step{Iteration: call, Prior: state, Next: next, Duration: time.Since(started)}

		if err != nil {
			kind := KindOracleCall
			if ctx.Err() != nil {
				kind = KindCanceled
			} else {
				err = fmt.Errorf("%w: %w", ErrOracleCall, err)
			}
			step.Err = err
			e.observe(ctx, step)
			return state, &RunError{Kind: kind, Iteration: call, LastValid: state, Err: err}
		}

		if err := Validate(state, next); err != nil {
			step.Err = err
			e.observe(ctx, step)
			var vErr *ViolationError
			errors.As(err, &vErr)
			offending := next.Clone()
			return state, &RunError{Kind: vErr.Kind, Iteration: call, LastValid: state, Offending: &offending, Err: err}
		}

		e.observe(ctx, step)
		state = next.Clone()
		iterations = call

		if state.AtCapacity() && !state.Finished {
			state.Finished = true
		}
	}

	return state, nil
}

type callResult struct {
	state model.BatchCalculationState
	err   error
}

// call runs one oracle query. The query runs on its own goroutine so an
// oracle that ignores ctx still cannot hold the loop past the deadline.
func (e *Engine) call(ctx context.Context, params model.FinalizationParams, oracle Oracle, prior model.BatchCalculationState) (model.BatchCalculationState, error) {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if e.opts.PerCallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, e.opts.PerCallTimeout)
	}
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("oracle panicked: %v", r)}
			}
		}()
		next, err := oracle.ComputeNextBatch(callCtx, params, prior.Clone())
		done <- callResult{state: next, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return model.BatchCalculationState{}, res.err
		}
		return res.state.Clone(), nil
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return model.BatchCalculationState{}, fmt.Errorf("exceeded per-call timeout %s: %w", e.opts.PerCallTimeout, callCtx.Err())
		}
		return model.BatchCalculationState{}, callCtx.Err()
	}
}

func (e *Engine) observe(ctx context.Context, step Step) {
	if e.opts.Observer != nil {
		e.opts.Observer(ctx, step)
	}
}
