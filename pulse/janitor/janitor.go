// Package janitor prunes completed jobs from the tracker on a cron schedule.
package janitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/pulse/jobs"
)

// Config controls when and how aggressively jobs are pruned.
type Config struct {
	Schedule    string // cron expression or descriptor, e.g. "@hourly"
	CleanupDays int    // completed jobs older than this are removed
}

// ConfigFromAM maps the jobs section of the application config.
func ConfigFromAM(cfg *am.Config) Config {
	return Config{
		Schedule:    cfg.Jobs.CleanupSchedule,
		CleanupDays: cfg.Jobs.CleanupDays,
	}
}

// Option configures a Janitor.
type Option func(*Janitor)

// WithLogger sets the janitor logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(j *Janitor) { j.logger = logger.OrNop(l) }
}

// WithOnCleanup is called after each run that removed at least one job.
func WithOnCleanup(fn func(removed int)) Option {
	return func(j *Janitor) { j.onCleanup = fn }
}

// Janitor runs Tracker.CleanupOldJobs on a schedule.
type Janitor struct {
	tracker   *jobs.Tracker
	schedule  cron.Schedule
	spec      string
	days      int
	onCleanup func(removed int)
	logger    *zap.SugaredLogger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool

	mu           sync.Mutex
	lastRunAt    time.Time
	runs         int64
	removedTotal int
}

// New parses the schedule. The janitor does nothing until Start.
func New(tracker *jobs.Tracker, cfg Config, opts ...Option) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = am.DefaultCleanupSchedule
	}
	sched, err := am.CronParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cleanup schedule %q", cfg.Schedule)
	}
	if cfg.CleanupDays < 0 {
		cfg.CleanupDays = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	j := &Janitor{
		tracker:  tracker,
		schedule: sched,
		spec:     cfg.Schedule,
		days:     cfg.CleanupDays,
		logger:   logger.OrNop(nil),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With(logger.FieldComponent, "janitor")
	return j, nil
}

// Start begins the cleanup loop.
func (j *Janitor) Start() {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		return
	}
	j.started = true
	j.mu.Unlock()

	j.wg.Add(1)
	go j.run()
	j.logger.Infow("Job janitor started", "schedule", j.spec, "cleanup_days", j.days)
}

// Stop ends the loop and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	j.cancel()
	j.wg.Wait()
	j.logger.Debugw("Job janitor stopped")
}

// RunOnce prunes immediately and returns the number of removed jobs.
func (j *Janitor) RunOnce() int {
	removed := j.tracker.CleanupOldJobs(j.days)

	j.mu.Lock()
	j.lastRunAt = time.Now()
	j.runs++
	j.removedTotal += removed
	j.mu.Unlock()

	if removed > 0 {
		j.logger.Infow("Removed old completed jobs", logger.FieldCount, removed, "cleanup_days", j.days)
		if j.onCleanup != nil {
			j.onCleanup(removed)
		}
	}
	return removed
}

// Stats reports how often the janitor ran and how much it removed.
func (j *Janitor) Stats() (runs int64, removed int, lastRunAt time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.runs, j.removedTotal, j.lastRunAt
}

// Next returns the next scheduled run after t.
func (j *Janitor) Next(t time.Time) time.Time {
	return j.schedule.Next(t)
}

func (j *Janitor) run() {
	defer j.wg.Done()

	for {
		now := time.Now()
		next := j.schedule.Next(now)
		if next.IsZero() {
			j.logger.Warnw("Cleanup schedule has no future runs", "schedule", j.spec)
			return
		}

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-j.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			j.RunOnce()
		}
	}
}
