package finalizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownQueue = errors.New("unknown queue")

// scheduleParser accepts five- or six-field expressions and descriptors such
// as "@every 1m".
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule validates a queue schedule expression.
func ParseSchedule(spec string) error {
	if spec == "" {
		return errors.New("empty schedule")
	}
	if _, err := scheduleParser.Parse(spec); err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs every registered queue on its cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	logger *slog.Logger

	mu      sync.Mutex
	runners map[string]*Runner
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler whose runs inherit ctx.
func NewScheduler(ctx context.Context, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(cron.WithParser(scheduleParser), cron.WithLocation(time.UTC)),
		ctx:     ctx,
		logger:  logger.With("component", "scheduler"),
		runners: make(map[string]*Runner),
		entries: make(map[string]cron.EntryID),
	}
}

// Add registers r. A queue name may be registered once.
func (s *Scheduler) Add(r *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.add(r)
}

func (s *Scheduler) add(r *Runner) error {
	name := r.Name()
	if _, ok := s.runners[name]; ok {
		return fmt.Errorf("queue %s already registered", name)
	}
	if err := ParseSchedule(r.Queue().Schedule); err != nil {
		return fmt.Errorf("register queue %s: %w", name, err)
	}
	id, err := s.cron.AddFunc(r.Queue().Schedule, func() { s.runScheduled(r) })
	if err != nil {
		return fmt.Errorf("register queue %s: %w", name, err)
	}
	s.runners[name] = r
	s.entries[name] = id
	s.logger.Info("queue registered", "queue", name, "schedule", r.Queue().Schedule)
	return nil
}

// Replace swaps the registered set for runners and returns the runners that
// were dropped. Schedules are checked before anything is removed, so an
// invalid set leaves the scheduler unchanged.
func (s *Scheduler) Replace(runners []*Runner) ([]*Runner, error) {
	seen := make(map[string]struct{}, len(runners))
	for _, r := range runners {
		if _, dup := seen[r.Name()]; dup {
			return nil, fmt.Errorf("duplicate queue %s", r.Name())
		}
		seen[r.Name()] = struct{}{}
		if err := ParseSchedule(r.Queue().Schedule); err != nil {
			return nil, fmt.Errorf("queue %s: %w", r.Name(), err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []*Runner
	for name, old := range s.runners {
		s.cron.Remove(s.entries[name])
		delete(s.runners, name)
		delete(s.entries, name)
		if !slices.Contains(runners, old) {
			removed = append(removed, old)
		}
	}
	for _, r := range runners {
		if err := s.add(r); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

func (s *Scheduler) Runner(name string) (*Runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[name]
	return r, ok
}

// Runners returns the registered runners ordered by queue name.
func (s *Scheduler) Runners() []*Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Runner, 0, len(s.runners))
	for _, name := range slices.Sorted(maps.Keys(s.runners)) {
		out = append(out, s.runners[name])
	}
	return out
}

// HealthSnapshots reports every registered queue, ordered by name.
func (s *Scheduler) HealthSnapshots() []HealthSnapshot {
	runners := s.Runners()
	out := make([]HealthSnapshot, 0, len(runners))
	for _, r := range runners {
		out = append(out, r.Health())
	}
	return out
}

// Trigger runs the named queue immediately, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) (model.RunReport, error) {
	r, ok := s.Runner(name)
	if !ok {
		return model.RunReport{}, fmt.Errorf("%w: %s", ErrUnknownQueue, name)
	}
	s.logger.Info("manual run triggered", "queue", name)
	return r.RunOnce(ctx)
}

// RunAll runs every registered queue once, concurrently, and returns the
// joined run errors.
func (s *Scheduler) RunAll(ctx context.Context) error {
	runners := s.Runners()
	errs := make([]error, len(runners))

	var g errgroup.Group
	for i, r := range runners {
		g.Go(func() error {
			if _, err := r.RunOnce(ctx); err != nil {
				errs[i] = fmt.Errorf("queue %s: %w", r.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Run starts the cron loop and blocks until ctx is done, then waits for
// in-flight runs.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	s.logger.Info("scheduler started", "queues", len(s.Runners()))
	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) runScheduled(r *Runner) {
	if s.ctx.Err() != nil {
		return
	}
	_, err := r.RunOnce(s.ctx)
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.logger.Warn("previous run still in progress", "queue", r.Name())
	case errors.Is(err, ErrRunnerRetired):
		s.logger.Debug("skipping run of retired runner", "queue", r.Name())
	}
}
