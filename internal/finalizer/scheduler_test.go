package finalizer

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/emperorhan/withdrawal-finalizer/internal/convergence"
	"github.com/emperorhan/withdrawal-finalizer/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseSchedule(t *testing.T) {
	for _, spec := range []string{"@every 1m", "*/5 * * * *", "0 */5 * * * *", "@hourly"} {
		assert.NoError(t, ParseSchedule(spec), spec)
	}
	for _, spec := range []string{"", "bogus", "* * *"} {
		assert.Error(t, ParseSchedule(spec), spec)
	}
}

func TestScheduler_AddRejectsDuplicatesAndBadSchedules(t *testing.T) {
	s := NewScheduler(context.Background(), discardLogger())

	h := newHarness(t, testQueue("sched-dup"), newFakeSource(planOracle(110)))
	require.NoError(t, s.Add(h.runner))
	assert.Error(t, s.Add(h.runner))

	bad := testQueue("sched-bad")
	bad.Schedule = "every minute"
	hb := newHarness(t, bad, newFakeSource(planOracle(110)))
	assert.Error(t, s.Add(hb.runner))

	_, ok := s.Runner("sched-bad")
	assert.False(t, ok)
}

func TestScheduler_Trigger(t *testing.T) {
	s := NewScheduler(context.Background(), discardLogger())
	h := newHarness(t, testQueue("sched-trigger"), newFakeSource(planOracle(110, 120)))
	require.NoError(t, s.Add(h.runner))

	report, err := s.Trigger(context.Background(), "sched-trigger")
	require.NoError(t, err)
	assert.Equal(t, model.RunOutcomeFinished, report.Outcome)
	assert.Equal(t, []uint64{110, 120}, report.Batches)

	_, err = s.Trigger(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownQueue)

	health := s.HealthSnapshots()
	require.Len(t, health, 1)
	assert.Equal(t, "sched-trigger", health[0].Queue)
	assert.Equal(t, "HEALTHY", health[0].Status)
	assert.Equal(t, report.ID.String(), health[0].LastRunID)
}

func TestScheduler_RunAllJoinsErrors(t *testing.T) {
	s := NewScheduler(context.Background(), discardLogger())

	ok := newHarness(t, testQueue("sched-all-ok"), newFakeSource(planOracle(110)))
	failing := newHarness(t, testQueue("sched-all-fail"), newFakeSource(
		func(_ context.Context, _ model.FinalizationParams, prior model.BatchCalculationState) (model.BatchCalculationState, error) {
			return prior.Clone(), nil
		}))
	require.NoError(t, s.Add(ok.runner))
	require.NoError(t, s.Add(failing.runner))

	err := s.RunAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sched-all-fail")
	assert.NotContains(t, err.Error(), "sched-all-ok")
	assert.Equal(t, convergence.KindNoProgress, convergence.KindOf(err))

	assert.Equal(t, 1, ok.repo.count())
	assert.Len(t, ok.publisher.published, 1)
	assert.Equal(t, 1, failing.repo.count())
}

func TestScheduler_Replace(t *testing.T) {
	s := NewScheduler(context.Background(), discardLogger())
	a := newHarness(t, testQueue("sched-a"), newFakeSource(planOracle(110)))
	b := newHarness(t, testQueue("sched-b"), newFakeSource(planOracle(110)))
	c := newHarness(t, testQueue("sched-c"), newFakeSource(planOracle(110)))
	require.NoError(t, s.Add(a.runner))
	require.NoError(t, s.Add(b.runner))

	removed, err := s.Replace([]*Runner{b.runner, c.runner})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Same(t, a.runner, removed[0])

	names := make([]string, 0)
	for _, r := range s.Runners() {
		names = append(names, r.Name())
	}
	assert.Equal(t, []string{"sched-b", "sched-c"}, names)
	assert.Len(t, s.cron.Entries(), 2)

	bad := testQueue("sched-d")
	bad.Schedule = ""
	d := newHarness(t, bad, newFakeSource(planOracle(110)))
	_, err = s.Replace([]*Runner{d.runner})
	require.Error(t, err)
	assert.Len(t, s.Runners(), 2, "invalid set leaves scheduler unchanged")

	_, err = s.Replace([]*Runner{b.runner, b.runner})
	assert.Error(t, err)
}

func TestScheduler_RunFiresOnSchedule(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewScheduler(ctx, discardLogger())
	q := testQueue("sched-fire")
	q.Schedule = "@every 1s"
	h := newHarness(t, q, newFakeSource(planOracle(110)))
	require.NoError(t, s.Add(h.runner))

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	assert.Eventually(t, func() bool { return h.repo.count() >= 1 }, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
