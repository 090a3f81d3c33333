package convergence

import (
	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
)

// Validate checks that next is an acceptable successor of prior. Checks run in
// a fixed order and the first failure is returned as a *ViolationError:
//
//  1. budget non-increasing and non-negative
//  2. batches length non-decreasing, within MaxBatchesLength, no stray tail entries
//  3. committed prefix unchanged
//  4. appended ids positive and strictly ascending
//  5. progress on (budget, length) unless finished
func Validate(prior, next model.BatchCalculationState) error {
	priorBudget, nextBudget := prior.Budget(), next.Budget()
	if nextBudget.Sign() < 0 {
		return violation(KindBudgetInvariant, prior, next, "remaining budget %s is negative", nextBudget)
	}
	if nextBudget.Cmp(priorBudget) > 0 {
		return violation(KindBudgetInvariant, prior, next, "remaining budget increased from %s to %s", priorBudget, nextBudget)
	}

	if next.BatchesLength < prior.BatchesLength {
		return violation(KindBatchBounds, prior, next, "batches length shrank from %d to %d", prior.BatchesLength, next.BatchesLength)
	}
	if next.BatchesLength > model.MaxBatchesLength {
		return violation(KindBatchBounds, prior, next, "batches length %d exceeds %d", next.BatchesLength, model.MaxBatchesLength)
	}
	if err := next.CheckStructure(); err != nil {
		return violation(KindBatchBounds, prior, next, "%v", err)
	}

	for i := 0; i < prior.BatchesLength; i++ {
		if next.Batches[i] != prior.Batches[i] {
			return violation(KindBatchHistoryMutation, prior, next, "batch %d changed from %d to %d", i, prior.Batches[i], next.Batches[i])
		}
	}

	last, _ := prior.LastBatch()
	for i := prior.BatchesLength; i < next.BatchesLength; i++ {
		id := next.Batches[i]
		if id == 0 {
			return violation(KindOrdering, prior, next, "batch %d is zero", i)
		}
		if id <= last {
			return violation(KindOrdering, prior, next, "batch %d id %d not above previous id %d", i, id, last)
		}
		last = id
	}

	if !next.Finished && next.BatchesLength == prior.BatchesLength && nextBudget.Cmp(priorBudget) == 0 {
		return violation(KindNoProgress, prior, next, "budget %s and length %d unchanged", nextBudget, next.BatchesLength)
	}

	return nil
}
