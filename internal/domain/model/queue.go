package model

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrInconsistentSnapshot marks queue counters that cannot both be true.
var ErrInconsistentSnapshot = errors.New("inconsistent queue snapshot")

// QueueSnapshot is a read-only view of the withdrawal queue counters taken
// before a run. The unfinalized requests are exactly (LastFinalizedID, LastRequestID].
type QueueSnapshot struct {
	Queue           string
	LastFinalizedID uint64
	LastRequestID   uint64
	Paused          bool
	TakenAt         time.Time
}

// Validate checks the counter ordering the convergence loop relies on.
func (q QueueSnapshot) Validate() error {
	if q.LastFinalizedID > q.LastRequestID {
		return fmt.Errorf("%w: last finalized id %d exceeds last request id %d",
			ErrInconsistentSnapshot, q.LastFinalizedID, q.LastRequestID)
	}
	return nil
}

// Unfinalized returns the number of requests awaiting finalization.
func (q QueueSnapshot) Unfinalized() uint64 {
	if q.LastFinalizedID >= q.LastRequestID {
		return 0
	}
	return q.LastRequestID - q.LastFinalizedID
}

// Contains reports whether id lies in the unfinalized range.
func (q QueueSnapshot) Contains(id uint64) bool {
	return id > q.LastFinalizedID && id <= q.LastRequestID
}

// FinalizationParams are the fixed inputs of every calculateFinalizationBatches
// call within one run.
type FinalizationParams struct {
	MaxShareRate       *big.Int
	MaxTimestamp       uint64
	MaxRequestsPerCall uint64
}

// Validate rejects parameters the contract would revert on.
func (p FinalizationParams) Validate() error {
	if p.MaxShareRate == nil || p.MaxShareRate.Sign() <= 0 {
		return fmt.Errorf("max share rate must be positive")
	}
	if p.MaxTimestamp == 0 {
		return fmt.Errorf("max timestamp must be set")
	}
	if p.MaxRequestsPerCall == 0 {
		return fmt.Errorf("max requests per call must be positive")
	}
	return nil
}
