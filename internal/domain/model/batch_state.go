package model

import (
	"fmt"
	"math/big"
)

// MaxBatchesLength is the fixed size of the batches array returned by the
// withdrawal queue's calculateFinalizationBatches.
const MaxBatchesLength = 36

// BatchCalculationState mirrors the contract's BatchesCalculationState tuple.
// A fresh state is created per convergence run; after that only oracle
// responses replace it.
type BatchCalculationState struct {
	RemainingBudget *big.Int
	Finished        bool
	Batches         [MaxBatchesLength]uint64
	BatchesLength   int
}

// NewBatchCalculationState returns the zeroed starting state for a run with
// the given ETH budget (wei). A nil budget is treated as zero.
func NewBatchCalculationState(budget *big.Int) BatchCalculationState {
	b := new(big.Int)
	if budget != nil {
		b.Set(budget)
	}
	return BatchCalculationState{RemainingBudget: b}
}

// Clone returns a copy that shares no memory with s.
func (s BatchCalculationState) Clone() BatchCalculationState {
	out := s
	if s.RemainingBudget != nil {
		out.RemainingBudget = new(big.Int).Set(s.RemainingBudget)
	}
	return out
}

// Budget returns the remaining budget, treating nil as zero.
func (s BatchCalculationState) Budget() *big.Int {
	if s.RemainingBudget == nil {
		return new(big.Int)
	}
	return s.RemainingBudget
}

// Populated returns the committed batch ids in order.
// The result is nil when BatchesLength is out of range.
func (s BatchCalculationState) Populated() []uint64 {
	if s.BatchesLength < 0 || s.BatchesLength > MaxBatchesLength {
		return nil
	}
	out := make([]uint64, s.BatchesLength)
	copy(out, s.Batches[:s.BatchesLength])
	return out
}

// LastBatch returns the most recently appended batch id.
func (s BatchCalculationState) LastBatch() (uint64, bool) {
	if s.BatchesLength <= 0 || s.BatchesLength > MaxBatchesLength {
		return 0, false
	}
	return s.Batches[s.BatchesLength-1], true
}

// AtCapacity reports whether no further batch can be appended.
func (s BatchCalculationState) AtCapacity() bool {
	return s.BatchesLength >= MaxBatchesLength
}

// CheckStructure verifies the invariants that hold for any single state
// regardless of history: non-negative budget, length within bounds, and no
// populated entries past BatchesLength.
func (s BatchCalculationState) CheckStructure() error {
	if s.Budget().Sign() < 0 {
		return fmt.Errorf("remaining budget %s is negative", s.Budget())
	}
	if s.BatchesLength < 0 || s.BatchesLength > MaxBatchesLength {
		return fmt.Errorf("batches length %d outside [0, %d]", s.BatchesLength, MaxBatchesLength)
	}
	for i := s.BatchesLength; i < MaxBatchesLength; i++ {
		if s.Batches[i] != 0 {
			return fmt.Errorf("batch slot %d populated beyond length %d", i, s.BatchesLength)
		}
	}
	return nil
}

// Equal reports whether two states carry the same values.
func (s BatchCalculationState) Equal(o BatchCalculationState) bool {
	return s.Finished == o.Finished &&
		s.BatchesLength == o.BatchesLength &&
		s.Batches == o.Batches &&
		s.Budget().Cmp(o.Budget()) == 0
}

// String renders the state compactly for logs and error messages.
func (s BatchCalculationState) String() string {
	return fmt.Sprintf("{budget=%s finished=%t length=%d batches=%v}",
		s.Budget(), s.Finished, s.BatchesLength, s.Populated())
}
