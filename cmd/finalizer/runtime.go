package main

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/emperorhan/withdrawal-finalizer/internal/alert"
	"github.com/emperorhan/withdrawal-finalizer/internal/chain/ratelimit"
	"github.com/emperorhan/withdrawal-finalizer/internal/chain/withdrawalqueue"
	"github.com/emperorhan/withdrawal-finalizer/internal/circuitbreaker"
	"github.com/emperorhan/withdrawal-finalizer/internal/config"
	"github.com/emperorhan/withdrawal-finalizer/internal/finalizer"
	"github.com/emperorhan/withdrawal-finalizer/internal/store"
)

// sourceDialer connects a queue to its contract. The returned func releases
// the connection.
type sourceDialer func(ctx context.Context, qc config.QueueConfig, limiter *ratelimit.Limiter, logger *slog.Logger) (finalizer.QueueSource, func(), error)

func dialWithdrawalQueue(ctx context.Context, qc config.QueueConfig, limiter *ratelimit.Limiter, logger *slog.Logger) (finalizer.QueueSource, func(), error) {
	client, err := withdrawalqueue.Dial(ctx, qc.RPCURL, qc.ContractAddress(), qc.Name, logger, withdrawalqueue.WithRateLimiter(limiter))
	if err != nil {
		return nil, nil, err
	}
	return client, client.Close, nil
}

type queueRuntime struct {
	cfg    config.QueueConfig
	runner *finalizer.Runner
	close  func()
}

// queueSet owns the per-queue runners and keeps the scheduler in step with
// the queue definitions.
type queueSet struct {
	cfg       *config.Config
	only      string
	reports   store.RunReportRepository
	publisher store.ReportPublisher
	alerter   alert.Alerter
	dial      sourceDialer
	scheduler *finalizer.Scheduler
	logger    *slog.Logger

	mu       sync.Mutex
	active   map[string]*queueRuntime
	retiring sync.WaitGroup
}

func (s *queueSet) selected(queues []config.QueueConfig) []config.QueueConfig {
	out := make([]config.QueueConfig, 0, len(queues))
	for _, q := range queues {
		if q.Disabled || (s.only != "" && q.Name != s.only) {
			continue
		}
		out = append(out, q)
	}
	return out
}

// Apply builds runners for queues, reusing those whose definition did not
// change, and swaps them into the scheduler. On error the scheduler keeps
// its previous set.
func (s *queueSet) Apply(ctx context.Context, queues []config.QueueConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	selected := s.selected(queues)
	if len(selected) == 0 {
		if s.only != "" {
			return fmt.Errorf("queue %q is not defined or disabled", s.only)
		}
		return fmt.Errorf("no enabled queues")
	}

	next := make(map[string]*queueRuntime, len(selected))
	var built []*queueRuntime
	release := func() {
		for _, qr := range built {
			qr.close()
		}
	}

	runners := make([]*finalizer.Runner, 0, len(selected))
	for _, qc := range selected {
		if old, ok := s.active[qc.Name]; ok && reflect.DeepEqual(old.cfg, qc) {
			next[qc.Name] = old
			runners = append(runners, old.runner)
			continue
		}
		qr, err := s.build(ctx, qc)
		if err != nil {
			release()
			return err
		}
		built = append(built, qr)
		next[qc.Name] = qr
		runners = append(runners, qr.runner)
	}

	if _, err := s.scheduler.Replace(runners); err != nil {
		release()
		return err
	}

	for name, old := range s.active {
		if next[name] != old {
			s.retire(old)
		}
	}
	s.active = next
	s.logger.Info("queues applied", "queues", len(next), "rebuilt", len(built))
	return nil
}

func (s *queueSet) build(ctx context.Context, qc config.QueueConfig) (*queueRuntime, error) {
	shareRate, err := qc.ShareRate()
	if err != nil {
		return nil, err
	}
	budget, err := qc.Budget()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.NewLimiter(s.cfg.Chain.RateLimit, s.cfg.Chain.Burst, qc.Name)
	source, closeFn, err := s.dial(ctx, qc, limiter, s.logger)
	if err != nil {
		return nil, fmt.Errorf("dial queue %s: %w", qc.Name, err)
	}

	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:             qc.Name,
		FailureThreshold: s.cfg.Breaker.FailureThreshold,
		SuccessThreshold: s.cfg.Breaker.SuccessThreshold,
		OpenTimeout:      s.cfg.Breaker.OpenTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			s.logger.Warn("circuit breaker state changed", "queue", name, "from", from.String(), "to", to.String())
		},
	})

	opts := []finalizer.Option{
		finalizer.WithBreaker(breaker),
		finalizer.WithSnapshotRetry(s.cfg.Finalizer.SnapshotAttempts, s.cfg.Finalizer.SnapshotBackoff),
	}
	if s.publisher != nil {
		opts = append(opts, finalizer.WithPublisher(s.publisher))
	}
	if s.alerter != nil {
		opts = append(opts, finalizer.WithAlerter(s.alerter))
	}

	runner, err := finalizer.NewRunner(finalizer.Queue{
		Name:                   qc.Name,
		Network:                qc.NetworkID(),
		Schedule:               qc.Schedule,
		MaxShareRate:           shareRate,
		InitialBudget:          budget,
		MaxRequestsPerCall:     qc.MaxRequestsPerCall,
		RequestTimestampMargin: qc.RequestTimestampMargin,
		IterationCeiling:       qc.IterationCeiling,
		PerCallTimeout:         qc.PerCallTimeout,
		RunTimeout:             s.cfg.Finalizer.RunTimeout,
	}, source, s.reports, s.logger, opts...)
	if err != nil {
		closeFn()
		return nil, err
	}
	return &queueRuntime{cfg: qc, runner: runner, close: closeFn}, nil
}

// retire releases a replaced queue once its in-flight run, if any, is over.
// A scheduled job or manual trigger may still hold the old runner after the
// scheduler dropped it.
func (s *queueSet) retire(qr *queueRuntime) {
	s.retiring.Add(1)
	go func() {
		defer s.retiring.Done()
		qr.runner.Retire()
		qr.close()
		s.logger.Info("replaced queue released", "queue", qr.cfg.Name)
	}()
}

// Close releases every queue connection after in-flight runs return.
func (s *queueSet) Close() {
	s.mu.Lock()
	active := s.active
	s.active = nil
	s.mu.Unlock()

	for _, qr := range active {
		s.retire(qr)
	}
	s.retiring.Wait()
}

func buildAlerter(cfg config.AlertConfig, logger *slog.Logger) alert.Alerter {
	var channels []alert.Channel
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.SlackWebhookURL))
	}
	if cfg.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.WebhookURL))
	}
	return alert.NewMultiAlerter(cfg.Cooldown, logger, channels...)
}
