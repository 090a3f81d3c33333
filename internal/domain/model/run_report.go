package model

import (
	"time"

	"github.com/google/uuid"
)

type RunOutcome string

const (
	RunOutcomeFinished RunOutcome = "FINISHED"
	RunOutcomeFailed   RunOutcome = "FAILED"
	RunOutcomeSkipped  RunOutcome = "SKIPPED"
)

// RunReport is the persisted record of one convergence run.
type RunReport struct {
	ID              uuid.UUID  `db:"id" json:"id"`
	Queue           string     `db:"queue" json:"queue"`
	Network         Network    `db:"network" json:"network"`
	Outcome         RunOutcome `db:"outcome" json:"outcome"`
	ErrorKind       string     `db:"error_kind" json:"error_kind,omitempty"`
	ErrorMessage    string     `db:"error_message" json:"error_message,omitempty"`
	SkipReason      string     `db:"skip_reason" json:"skip_reason,omitempty"`
	Iterations      int        `db:"iterations" json:"iterations"`
	Batches         []uint64   `db:"batches" json:"batches"`
	RemainingBudget string     `db:"remaining_budget" json:"remaining_budget"`
	LastFinalizedID uint64     `db:"last_finalized_id" json:"last_finalized_id"`
	LastRequestID   uint64     `db:"last_request_id" json:"last_request_id"`
	MaxShareRate    string     `db:"max_share_rate" json:"max_share_rate"`
	MaxTimestamp    uint64     `db:"max_timestamp" json:"max_timestamp"`
	StartedAt       time.Time  `db:"started_at" json:"started_at"`
	FinishedAt      time.Time  `db:"finished_at" json:"finished_at"`
}

// Duration returns the wall-clock length of the run.
func (r RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
