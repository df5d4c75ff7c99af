// Package jobs runs periodic maintenance: subscription reconciliation and
// refreshing the database-derived metrics.
package jobs

import (
	"context"
	"time"

	"aun-builder/internal/logging"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Default schedules
const (
	ReconcileSchedule = "@hourly"
	MetricsSchedule   = "*/5 * * * *"
	// Nightly full refresh after the day's plan changes settle
	NightlySchedule = "15 3 * * *"
)

const jobTimeout = 5 * time.Minute

// Reconciler resets expired subscriptions
type Reconciler interface {
	ReconcileExpired(ctx context.Context) (int, error)
}

// Collector refreshes gauges
type Collector interface {
	Collect()
}

// Scheduler owns the cron runner
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context
	stop context.CancelFunc
}

// NewScheduler creates an empty scheduler using standard 5-field specs
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:  ctx,
		stop: cancel,
	}
}

// Add registers fn under spec. fn gets a context that is cancelled on Stop
// or after jobTimeout.
func (s *Scheduler) Add(name, spec string, fn func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
		defer cancel()

		start := time.Now()
		if err := fn(ctx); err != nil {
			logging.L().Error("job failed", zap.String("job", name), zap.Duration("duration", time.Since(start)), zap.Error(err))
			return
		}
		logging.L().Debug("job completed", zap.String("job", name), zap.Duration("duration", time.Since(start)))
	})
	return err
}

// RegisterDefaults adds the reconcile and metrics jobs. collector may be nil.
func (s *Scheduler) RegisterDefaults(reconciler Reconciler, collector Collector) error {
	if err := s.Add("reconcile_subscriptions", ReconcileSchedule, func(ctx context.Context) error {
		_, err := reconciler.ReconcileExpired(ctx)
		return err
	}); err != nil {
		return err
	}
	if collector == nil {
		return nil
	}
	collect := func(ctx context.Context) error {
		collector.Collect()
		return nil
	}
	if err := s.Add("collect_metrics", MetricsSchedule, collect); err != nil {
		return err
	}
	return s.Add("nightly_metrics", NightlySchedule, collect)
}

// Entries returns the number of registered jobs
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Start runs the scheduler in its own goroutine
func (s *Scheduler) Start() {
	s.cron.Start()
	logging.L().Info("job scheduler started", zap.Int("jobs", s.Entries()))
}

// Stop cancels running jobs and waits for them to return or ctx to expire
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stop()
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes cron's logs through zap
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.S().Debugw(msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.S().Errorw(msg, append(keysAndValues, "error", err)...)
}
