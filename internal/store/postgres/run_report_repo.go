package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const maxListLimit = 500

type RunReportRepo struct {
	db *DB
}

var _ store.RunReportRepository = (*RunReportRepo)(nil)

func NewRunReportRepo(db *DB) *RunReportRepo {
	return &RunReportRepo{db: db}
}

const runReportColumns = `
	id, queue, network, outcome, error_kind, error_message, skip_reason, iterations,
	batches, remaining_budget, last_finalized_id, last_request_id, max_share_rate,
	max_timestamp, started_at, finished_at`

func (r *RunReportRepo) Save(ctx context.Context, report *model.RunReport) error {
	if report.ID == uuid.Nil {
		report.ID = uuid.New()
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO run_reports (`+runReportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		report.ID, report.Queue, report.Network, report.Outcome,
		report.ErrorKind, report.ErrorMessage, report.SkipReason, report.Iterations,
		pq.StringArray(formatIDs(report.Batches)),
		numericOrZero(report.RemainingBudget),
		strconv.FormatUint(report.LastFinalizedID, 10),
		strconv.FormatUint(report.LastRequestID, 10),
		numericOrZero(report.MaxShareRate),
		int64(report.MaxTimestamp),
		report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run report: %w", err)
	}
	return nil
}

func (r *RunReportRepo) Get(ctx context.Context, id uuid.UUID) (*model.RunReport, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+runReportColumns+` FROM run_reports WHERE id = $1`, id)
	report, err := scanRunReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run report: %w", err)
	}
	return report, nil
}

func (r *RunReportRepo) ListRecent(ctx context.Context, queue string, limit int) ([]model.RunReport, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+runReportColumns+`
		FROM run_reports
		WHERE ($1::text = '' OR queue = $1)
		ORDER BY started_at DESC, id
		LIMIT $2
	`, queue, limit)
	if err != nil {
		return nil, fmt.Errorf("list run reports: %w", err)
	}
	defer rows.Close()

	var reports []model.RunReport
	for rows.Next() {
		report, err := scanRunReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run report: %w", err)
		}
		reports = append(reports, *report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate run reports: %w", err)
	}
	return reports, nil
}

func (r *RunReportRepo) LastFinished(ctx context.Context, queue string) (*model.RunReport, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		SELECT `+runReportColumns+`
		FROM run_reports
		WHERE queue = $1 AND outcome = $2
		ORDER BY started_at DESC
		LIMIT 1
	`, queue, model.RunOutcomeFinished)
	report, err := scanRunReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("last finished run report: %w", err)
	}
	return report, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRunReport(row rowScanner) (*model.RunReport, error) {
	var (
		rep          model.RunReport
		batches      pq.StringArray
		maxTimestamp int64
	)
	if err := row.Scan(
		&rep.ID, &rep.Queue, &rep.Network, &rep.Outcome,
		&rep.ErrorKind, &rep.ErrorMessage, &rep.SkipReason, &rep.Iterations,
		&batches, &rep.RemainingBudget, &rep.LastFinalizedID, &rep.LastRequestID,
		&rep.MaxShareRate, &maxTimestamp, &rep.StartedAt, &rep.FinishedAt,
	); err != nil {
		return nil, err
	}

	ids, err := parseIDs(batches)
	if err != nil {
		return nil, err
	}
	rep.Batches = ids
	rep.MaxTimestamp = uint64(maxTimestamp)
	rep.StartedAt = rep.StartedAt.UTC()
	rep.FinishedAt = rep.FinishedAt.UTC()
	return &rep, nil
}

func formatIDs(ids []uint64) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = strconv.FormatUint(id, 10)
	}
	return out
}

func parseIDs(raw []string) ([]uint64, error) {
	out := make([]uint64, len(raw))
	for i, s := range raw {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse batch id %q: %w", s, err)
		}
		out[i] = id
	}
	return out, nil
}

func numericOrZero(s string) string {
	if s == "" {
		return "0"
	}
	return s
}
