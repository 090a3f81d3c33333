package finalizer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/convergence"
	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/emperorhan/withdrawal-finalizer/internal/metrics"
	"github.com/emperorhan/withdrawal-finalizer/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// instrumentedOracle wraps every oracle call of one run in a span and
// records call metrics. It does not alter results.
type instrumentedOracle struct {
	next    convergence.Oracle
	queue   string
	network string
	calls   atomic.Int64
}

func (o *instrumentedOracle) ComputeNextBatch(ctx context.Context, params model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error) {
	ctx, span := tracing.StartOracleCall(ctx, int(o.calls.Add(1)))
	start := time.Now()

	next, err := o.next.ComputeNextBatch(ctx, params, prior)

	metrics.OracleCallLatency.WithLabelValues(o.queue, o.network).Observe(time.Since(start).Seconds())
	metrics.OracleCallsTotal.WithLabelValues(o.queue, o.network, callResult(err)).Inc()
	tracing.End(span, err,
		attribute.Int("finalizer.batches_length", next.BatchesLength),
		attribute.Bool("finalizer.finished", next.Finished),
	)
	return next, err
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}
