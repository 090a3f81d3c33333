package store

import (
	"context"
	"errors"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunReportRepository persists the outcome of every finalization run.
type RunReportRepository interface {
	Save(ctx context.Context, report *model.RunReport) error
	Get(ctx context.Context, id uuid.UUID) (*model.RunReport, error)
	// ListRecent returns the newest reports first. An empty queue matches all queues.
	ListRecent(ctx context.Context, queue string, limit int) ([]model.RunReport, error)
	// LastFinished returns the newest FINISHED report of queue, or ErrNotFound.
	LastFinished(ctx context.Context, queue string) (*model.RunReport, error)
}

// ReportPublisher hands a finished batch plan to the downstream submitter.
type ReportPublisher interface {
	Publish(ctx context.Context, report model.RunReport) (string, error)
}
