package finalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/alert"
	"github.com/emperorhan/withdrawal-finalizer/internal/circuitbreaker"
	"github.com/emperorhan/withdrawal-finalizer/internal/convergence"
	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
	"github.com/emperorhan/withdrawal-finalizer/internal/retry"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
	"github.com/emperorhan/withdrawal-finalizer/internal/tracing"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	SkipCircuitOpen       = "circuit_open"
	SkipQueuePaused       = "queue_paused"
	SkipNothingToFinalize = "nothing_to_finalize"

	ErrorKindSnapshot          = "snapshot"
	ErrorKindQueueInconsistent = "queue_inconsistent"
	ErrorKindInvalidParams     = "invalid_params"
	ErrorKindOutOfRangeBatch   = "out_of_range_batch"
	ErrorKindRunTimeout        = "run_timeout"

	defaultSnapshotAttempts = 3
	defaultSnapshotBackoff  = 500 * time.Millisecond
	persistTimeout          = 10 * time.Second
)

var (
	ErrRunInProgress   = errors.New("finalization run already in progress")
	ErrRunnerRetired   = errors.New("queue runner retired")
	ErrOutOfRangeBatch = errors.New("batch outside the unfinalized range")
)

// Queue holds the per-queue run settings.
type Queue struct {
	Name                   string
	Network                model.Network
	Schedule               string
	MaxShareRate           *big.Int
	InitialBudget          *big.Int
	MaxRequestsPerCall     uint64
	RequestTimestampMargin time.Duration
	IterationCeiling       int
	PerCallTimeout         time.Duration
	RunTimeout             time.Duration
}

// Params sizes the call parameters for a run starting at now. Requests
// created after now-RequestTimestampMargin are left for a later run.
func (q Queue) Params(now time.Time) (model.FinalizationParams, error) {
	cutoff := now.Add(-q.RequestTimestampMargin).Unix()
	if cutoff <= 0 {
		return model.FinalizationParams{}, fmt.Errorf("request timestamp margin %s leaves no eligible requests", q.RequestTimestampMargin)
	}
	p := model.FinalizationParams{
		MaxTimestamp:       uint64(cutoff),
		MaxRequestsPerCall: q.MaxRequestsPerCall,
	}
	if q.MaxShareRate != nil {
		p.MaxShareRate = new(big.Int).Set(q.MaxShareRate)
	}
	if err := p.Validate(); err != nil {
		return model.FinalizationParams{}, err
	}
	return p, nil
}

// QueueSource is the on-chain side of a queue: the batch oracle plus the
// counters read before a run.
type QueueSource interface {
	convergence.Oracle
	Snapshot(ctx context.Context) (model.QueueSnapshot, error)
}

// Runner performs finalization runs for one queue. Runs never overlap.
type Runner struct {
	queue     Queue
	source    QueueSource
	reports   store.RunReportRepository
	publisher store.ReportPublisher
	breaker   *circuitbreaker.Breaker
	alerter   alert.Alerter
	health    *QueueHealth

	snapshotAttempts int
	snapshotBackoff  time.Duration

	now     func() time.Time
	logger  *slog.Logger
	running sync.Mutex
	retired bool // guarded by running
}

// Option configures optional Runner behaviour.
type Option func(*Runner)

// WithPublisher hands finished batch plans to p.
func WithPublisher(p store.ReportPublisher) Option {
	return func(r *Runner) { r.publisher = p }
}

func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Runner) { r.breaker = b }
}

func WithAlerter(a alert.Alerter) Option {
	return func(r *Runner) { r.alerter = a }
}

// WithSnapshotRetry sets how often a transiently failing snapshot is retried.
func WithSnapshotRetry(attempts int, backoff time.Duration) Option {
	return func(r *Runner) {
		r.snapshotAttempts = attempts
		r.snapshotBackoff = backoff
	}
}

func NewRunner(queue Queue, source QueueSource, reports store.RunReportRepository, logger *slog.Logger, opts ...Option) (*Runner, error) {
	if queue.Name == "" {
		return nil, errors.New("queue name is required")
	}
	if source == nil {
		return nil, fmt.Errorf("queue %s: nil source", queue.Name)
	}
	r := &Runner{
		queue:            queue,
		source:           source,
		reports:          reports,
		health:           NewQueueHealth(queue.Name, queue.Network),
		snapshotAttempts: defaultSnapshotAttempts,
		snapshotBackoff:  defaultSnapshotBackoff,
		now:              time.Now,
		logger:           logger.With("component", "finalizer", "queue", queue.Name, "network", queue.Network),
	}
	for _, o := range opts {
		o(r)
	}
	return r, nil
}

func (r *Runner) Name() string {
	return r.queue.Name
}

func (r *Runner) Queue() Queue {
	return r.queue
}

// Health returns the queue health with the breaker state attached.
func (r *Runner) Health() HealthSnapshot {
	snap := r.health.Snapshot()
	if r.breaker != nil {
		snap.Breaker = r.breaker.GetState().String()
	}
	return snap
}

// Retire blocks until the in-flight run, if any, has returned and makes every
// later RunOnce fail with ErrRunnerRetired. The source may be released once
// Retire returns.
func (r *Runner) Retire() {
	r.running.Lock()
	defer r.running.Unlock()
	r.retired = true
}

// RunOnce performs one finalization run and returns its report. Skipped runs
// return a nil error. A run that is already in progress yields ErrRunInProgress
// without a report.
func (r *Runner) RunOnce(ctx context.Context) (model.RunReport, error) {
	if !r.running.TryLock() {
		return model.RunReport{}, ErrRunInProgress
	}
	defer r.running.Unlock()
	if r.retired {
		return model.RunReport{}, ErrRunnerRetired
	}

	parent := ctx
	if r.queue.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.queue.RunTimeout)
		defer cancel()
	}

	ctx, span := tracing.StartRun(ctx, r.queue.Name, r.queue.Network.String())
	report := model.RunReport{
		ID:        uuid.New(),
		Queue:     r.queue.Name,
		Network:   r.queue.Network,
		StartedAt: r.now().UTC(),
	}

	err := r.run(ctx, &report)
	if err != nil && parent.Err() == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		report.ErrorKind = ErrorKindRunTimeout
	}
	report.FinishedAt = r.now().UTC()

	tracing.End(span, err,
		attribute.String("finalizer.outcome", string(report.Outcome)),
		attribute.Int("finalizer.iterations", report.Iterations),
		attribute.Int("finalizer.batches", len(report.Batches)),
	)

	r.recordMetrics(report, err)
	r.persist(ctx, report)
	r.settle(parent, report, err)
	return report, err
}

func (r *Runner) run(ctx context.Context, report *model.RunReport) error {
	if r.breaker != nil {
		if err := r.breaker.Allow(); err != nil {
			skip(report, SkipCircuitOpen)
			r.logger.Info("run skipped", "reason", SkipCircuitOpen)
			return nil
		}
	}

	snap, err := r.snapshot(ctx)
	if err != nil {
		kind := ErrorKindSnapshot
		if errors.Is(err, model.ErrInconsistentSnapshot) {
			kind = ErrorKindQueueInconsistent
		}
		return fail(report, kind, fmt.Errorf("snapshot queue %s: %w", r.queue.Name, err))
	}
	report.LastFinalizedID = snap.LastFinalizedID
	report.LastRequestID = snap.LastRequestID
	metrics.QueueUnfinalizedRequests.WithLabelValues(r.queue.Name, r.queue.Network.String()).Set(float64(snap.Unfinalized()))
	metrics.QueueLastFinalizedID.WithLabelValues(r.queue.Name, r.queue.Network.String()).Set(float64(snap.LastFinalizedID))

	switch {
	case snap.Paused:
		skip(report, SkipQueuePaused)
		r.logger.Info("run skipped", "reason", SkipQueuePaused)
		return nil
	case snap.Unfinalized() == 0:
		skip(report, SkipNothingToFinalize)
		r.logger.Debug("run skipped", "reason", SkipNothingToFinalize, "last_request_id", snap.LastRequestID)
		return nil
	}

	params, err := r.queue.Params(r.now())
	if err != nil {
		return fail(report, ErrorKindInvalidParams, err)
	}
	report.MaxShareRate = params.MaxShareRate.String()
	report.MaxTimestamp = params.MaxTimestamp

	iterations := 0
	engine := convergence.NewEngine(convergence.Options{
		IterationCeiling: r.queue.IterationCeiling,
		PerCallTimeout:   r.queue.PerCallTimeout,
		InitialBudget:    r.queue.InitialBudget,
		Observer: func(ctx context.Context, step convergence.Step) {
			iterations = step.Iteration
			r.logStep(ctx, step)
		},
	})
	oracle := &instrumentedOracle{next: r.source, queue: r.queue.Name, network: r.queue.Network.String()}

	r.logger.Info("run started",
		"run_id", report.ID,
		"unfinalized", snap.Unfinalized(),
		"max_timestamp", params.MaxTimestamp,
		"max_share_rate", report.MaxShareRate,
	)

	final, err := engine.Run(ctx, params, oracle)
	report.Iterations = iterations
	report.Batches = final.Populated()
	report.RemainingBudget = final.Budget().String()
	if err != nil {
		var runErr *convergence.RunError
		if errors.As(err, &runErr) {
			report.Iterations = runErr.Iteration
		}
		return fail(report, string(convergence.KindOf(err)), err)
	}

	for _, id := range report.Batches {
		if !snap.Contains(id) {
			return fail(report, ErrorKindOutOfRangeBatch, fmt.Errorf("%w: batch %d not in (%d, %d]",
				ErrOutOfRangeBatch, id, snap.LastFinalizedID, snap.LastRequestID))
		}
	}

	report.Outcome = model.RunOutcomeFinished
	r.logger.Info("run finished",
		"run_id", report.ID,
		"iterations", report.Iterations,
		"batches", len(report.Batches),
		"remaining_budget", report.RemainingBudget,
	)
	return nil
}

func (r *Runner) snapshot(ctx context.Context) (model.QueueSnapshot, error) {
	var snap model.QueueSnapshot
	err := retry.Do(ctx, r.snapshotAttempts, r.snapshotBackoff, func(ctx context.Context) error {
		s, err := r.source.Snapshot(ctx)
		if err != nil {
			r.logger.Warn("snapshot failed", "error", err)
			return err
		}
		snap = s
		return nil
	})
	return snap, err
}

func (r *Runner) logStep(ctx context.Context, step convergence.Step) {
	if step.Err != nil {
		r.logger.WarnContext(ctx, "oracle step rejected",
			"iteration", step.Iteration,
			"kind", convergence.KindOf(step.Err),
			"duration", step.Duration,
			"error", step.Err,
		)
		return
	}
	r.logger.DebugContext(ctx, "oracle step accepted",
		"iteration", step.Iteration,
		"batches_length", step.Next.BatchesLength,
		"finished", step.Next.Finished,
		"remaining_budget", step.Next.Budget().String(),
		"duration", step.Duration,
	)
}

// persist stores every report and publishes finished ones. Only reports that
// were stored are published, so each published run id can be looked up.
func (r *Runner) persist(ctx context.Context, report model.RunReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	queue, network := r.queue.Name, r.queue.Network.String()
	if r.reports != nil {
		if err := r.reports.Save(ctx, &report); err != nil {
			metrics.ReportPersistErrors.WithLabelValues(queue, network, "repository").Inc()
			r.logger.Error("save run report failed", "run_id", report.ID, "error", err)
			return
		}
	}

	if report.Outcome != model.RunOutcomeFinished || r.publisher == nil {
		return
	}
	entryID, err := r.publisher.Publish(ctx, report)
	if err != nil {
		metrics.ReportPersistErrors.WithLabelValues(queue, network, "publisher").Inc()
		r.logger.Error("publish batch plan failed", "run_id", report.ID, "error", err)
		return
	}
	metrics.ReportsPublished.WithLabelValues(queue, network).Inc()
	r.logger.Info("batch plan published", "run_id", report.ID, "entry_id", entryID, "batches", report.Batches)
}

func (r *Runner) recordMetrics(report model.RunReport, err error) {
	queue, network := r.queue.Name, r.queue.Network.String()
	kind := report.ErrorKind
	if report.Outcome == model.RunOutcomeSkipped {
		kind = report.SkipReason
	}
	metrics.RunsTotal.WithLabelValues(queue, network, strings.ToLower(string(report.Outcome)), kind).Inc()
	if report.Outcome == model.RunOutcomeSkipped {
		return
	}

	metrics.RunDuration.WithLabelValues(queue, network).Observe(report.Duration().Seconds())
	metrics.RunIterations.WithLabelValues(queue, network).Observe(float64(report.Iterations))
	if report.Outcome == model.RunOutcomeFinished {
		metrics.RunBatches.WithLabelValues(queue, network).Set(float64(len(report.Batches)))
	}
	if k := convergence.KindOf(err); k.IsViolation() {
		metrics.RunInvariantViolations.WithLabelValues(queue, network, string(k)).Inc()
	}
}

// settle updates health and breaker and sends alerts. Runs cut short by
// shutdown are not counted.
func (r *Runner) settle(parent context.Context, report model.RunReport, err error) {
	r.health.SetLastRun(report)

	switch report.Outcome {
	case model.RunOutcomeSkipped:
		if report.SkipReason == SkipQueuePaused {
			r.health.MarkInactive()
		}
		return
	case model.RunOutcomeFinished:
		recovered := r.health.RecordSuccess()
		if r.breaker != nil {
			r.breaker.RecordSuccess()
		}
		if recovered {
			r.sendAlert(parent, alert.AlertTypeRecovery, "queue recovered", report)
		}
		return
	}

	if parent.Err() != nil {
		r.logger.Info("run interrupted", "run_id", report.ID, "error", err)
		return
	}

	transient := report.ErrorKind == ErrorKindRunTimeout || retry.Classify(err).IsTransient()
	becameUnhealthy := r.health.RecordFailure(transient)
	r.logger.Error("run failed",
		"run_id", report.ID,
		"kind", report.ErrorKind,
		"transient", transient,
		"iterations", report.Iterations,
		"error", err,
	)

	if !transient && r.breaker != nil {
		before := r.breaker.GetState()
		r.breaker.RecordFailure()
		if before != circuitbreaker.StateOpen && r.breaker.GetState() == circuitbreaker.StateOpen {
			r.sendAlert(parent, alert.AlertTypeBreakerOpen, "scheduled runs suspended", report)
		}
	}
	if !transient || becameUnhealthy {
		r.sendAlert(parent, alertTypeFor(report.ErrorKind), "finalization run failed", report)
	}
}

func (r *Runner) sendAlert(ctx context.Context, typ alert.AlertType, title string, report model.RunReport) {
	if r.alerter == nil {
		return
	}
	fields := map[string]string{
		"run_id":            report.ID.String(),
		"iterations":        strconv.Itoa(report.Iterations),
		"last_finalized_id": strconv.FormatUint(report.LastFinalizedID, 10),
		"last_request_id":   strconv.FormatUint(report.LastRequestID, 10),
	}
	if report.ErrorKind != "" {
		fields["error_kind"] = report.ErrorKind
	}
	if len(report.Batches) > 0 {
		fields["batches"] = fmt.Sprint(report.Batches)
	}
	a := alert.Alert{
		Type:    typ,
		Queue:   r.queue.Name,
		Network: r.queue.Network.String(),
		Title:   title,
		Message: report.ErrorMessage,
		Fields:  fields,
	}
	if err := r.alerter.Send(context.WithoutCancel(ctx), a); err != nil {
		r.logger.Warn("send alert failed", "type", typ, "error", err)
	}
}

func alertTypeFor(kind string) alert.AlertType {
	switch kind {
	case string(convergence.KindConvergence):
		return alert.AlertTypeConvergenceFailure
	case ErrorKindQueueInconsistent:
		return alert.AlertTypeQueueInconsistent
	case ErrorKindOutOfRangeBatch:
		return alert.AlertTypeInvariantViolation
	case ErrorKindSnapshot, ErrorKindRunTimeout, string(convergence.KindOracleCall):
		return alert.AlertTypeOracleUnavailable
	}
	if convergence.Kind(kind).IsViolation() {
		return alert.AlertTypeInvariantViolation
	}
	return alert.AlertTypeConvergenceFailure
}

func skip(report *model.RunReport, reason string) {
	report.Outcome = model.RunOutcomeSkipped
	report.SkipReason = reason
}

func fail(report *model.RunReport, kind string, err error) error {
	report.Outcome = model.RunOutcomeFailed
	report.ErrorKind = kind
	report.ErrorMessage = err.Error()
	return err
}
