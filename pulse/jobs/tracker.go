package jobs

import (
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/notification"
)

// DefaultCleanupDays is how long completed jobs are kept when the caller does
// not configure a threshold.
const DefaultCleanupDays = 7

// maxCleanupDays is the largest threshold a time.Duration can hold. Ages are
// measured with time.Sub, which saturates there, so nothing is ever older.
const maxCleanupDays = math.MaxInt64 / int64(24*time.Hour)

// Tracker folds notifications into per-job state. It is safe for concurrent
// use; the fold itself is strictly left to right in call order.
type Tracker struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	now    func() time.Time
	logger *zap.SugaredLogger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source used for elapsed time, cleanup and
// events that carry no timestamp.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithLogger sets the tracker's logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(t *Tracker) { t.logger = logger.OrNop(l) }
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		jobs:   make(map[string]*Job),
		now:    time.Now,
		logger: logger.OrNop(nil),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ProcessNotification classifies n and folds it in. It reports whether a job
// record was created or changed. It never fails: malformed payloads are
// ignored or folded with missing counters kept at their prior value.
func (t *Tracker) ProcessNotification(n notification.Notification) bool {
	return t.ProcessEvent(notification.Decode(n))
}

// ProcessEvent folds an already decoded event.
func (t *Tracker) ProcessEvent(ev notification.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(ev)
}

// InitializeFromExisting replays notifications in the given order. Callers
// replaying server history should pass it oldest first (see
// notification.Chronological). Replaying the same history again leaves the
// state unchanged.
//
// Notifications without a timestamp are stamped with the tracker's clock, so
// two trackers replaying such history agree on phases and counters but not on
// StartedAt, UpdatedAt or CompletedAt unless they share a clock (see WithClock).
func (t *Tracker) InitializeFromExisting(ns []notification.Notification) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := 0
	for _, n := range ns {
		if t.applyLocked(notification.Decode(n)) {
			changed++
		}
	}
	t.logger.Debugw("Replayed notification history",
		logger.FieldCount, len(ns),
		"changed", changed,
		"jobs", len(t.jobs),
	)
	return changed
}

func (t *Tracker) applyLocked(ev notification.Event) bool {
	ts := ev.At()
	if ts.IsZero() {
		ts = t.now()
	}

	switch e := ev.(type) {
	case notification.JobStart:
		return t.applyStart(e, ts)
	case notification.JobProgress:
		return t.applyProgress(e, ts)
	case notification.JobCompletion:
		return t.applyCompletion(e, ts)
	default:
		return false
	}
}

func (t *Tracker) applyStart(e notification.JobStart, ts time.Time) bool {
	job, ok := t.jobs[e.JobID]
	if !ok {
		started := ts
		t.jobs[e.JobID] = &Job{
			ID:        e.JobID,
			Type:      e.JobType,
			Phase:     PhaseStart,
			HasStart:  true,
			StartedAt: &started,
			UpdatedAt: ts,
		}
		t.logger.Debugw("Job started", logger.FieldJobID, e.JobID, logger.FieldJobType, e.JobType)
		return true
	}
	if job.HasCompletion || job.HasStart {
		return false
	}

	// start arrived after progress: record it without rewinding the phase
	job.HasStart = true
	if job.StartedAt == nil {
		started := ts
		job.StartedAt = &started
	}
	if job.Type == "" {
		job.Type = e.JobType
	}
	return true
}

func (t *Tracker) applyProgress(e notification.JobProgress, ts time.Time) bool {
	job, ok := t.jobs[e.JobID]
	if ok && job.HasCompletion {
		t.logger.Debugw("Ignoring progress after completion", logger.FieldJobID, e.JobID)
		return false
	}
	if !ok {
		job = &Job{ID: e.JobID}
		t.jobs[e.JobID] = job
	}

	if job.Type == "" {
		job.Type = e.JobType
	}
	job.Phase = PhaseProgress
	job.HasProgress = true
	job.Progress = e.Progress
	job.Processed = e.Processed
	if e.Errors != nil {
		job.Errors = *e.Errors
	}
	if e.Total != nil {
		total := *e.Total
		job.Total = &total
	}
	job.UpdatedAt = ts
	return true
}

func (t *Tracker) applyCompletion(e notification.JobCompletion, ts time.Time) bool {
	job, ok := t.jobs[e.JobID]
	if ok && job.HasCompletion {
		return false
	}
	if !ok {
		job = &Job{ID: e.JobID}
		t.jobs[e.JobID] = job
	}

	if job.Type == "" {
		job.Type = e.JobType
	}
	job.Phase = PhaseCompletion
	job.HasCompletion = true
	job.Progress = 100
	if e.Processed != nil {
		job.Processed = *e.Processed
	}
	if e.Errors != nil {
		job.Errors = *e.Errors
	}
	total := e.Total
	job.Total = &total
	job.ErrorDetails = append([]string(nil), e.ErrorDetails...)
	completed := ts
	job.CompletedAt = &completed
	job.UpdatedAt = ts

	t.logger.Debugw("Job completed",
		logger.FieldJobID, e.JobID,
		"processed", job.Processed,
		"errors", job.Errors,
		"total", total,
	)
	return true
}

// GetJobProgress returns a copy of the job record, or false if the id was
// never seen.
func (t *Tracker) GetJobProgress(jobID string) (Job, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return job.clone(), true
}

// Jobs returns every job record, most recently updated first.
func (t *Tracker) Jobs() []Job {
	return t.filter(func(Job) bool { return true })
}

// ActiveJobs returns jobs that started or progressed and have not completed.
func (t *Tracker) ActiveJobs() []Job {
	return t.filter(Job.IsActive)
}

// CompletedJobs returns jobs whose completion was observed.
func (t *Tracker) CompletedJobs() []Job {
	return t.filter(Job.IsCompleted)
}

func (t *Tracker) filter(keep func(Job) bool) []Job {
	t.mu.RLock()
	out := make([]Job, 0, len(t.jobs))
	for _, job := range t.jobs {
		if keep(*job) {
			out = append(out, job.clone())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of tracked jobs.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.jobs)
}

// ElapsedTime returns start→now for active jobs and start→completion for
// completed ones. It is zero when no start timestamp was ever recorded.
func (t *Tracker) ElapsedTime(jobID string) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	job, ok := t.jobs[jobID]
	if !ok || job.StartedAt == nil {
		return 0
	}

	end := t.now()
	if job.HasCompletion && job.CompletedAt != nil {
		end = *job.CompletedAt
	}
	if elapsed := end.Sub(*job.StartedAt); elapsed > 0 {
		return elapsed
	}
	return 0
}

// CleanupOldJobs removes completed jobs whose completion is more than
// daysOld days in the past. Active jobs are never removed. Returns the
// number of jobs removed.
func (t *Tracker) CleanupOldJobs(daysOld int) int {
	if daysOld < 0 {
		daysOld = 0
	}
	if int64(daysOld) > maxCleanupDays {
		return 0
	}
	threshold := time.Duration(daysOld) * 24 * time.Hour

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for id, job := range t.jobs {
		if !job.HasCompletion || job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) > threshold {
			delete(t.jobs, id)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Infow("Cleaned up old jobs",
			logger.FieldCount, removed,
			"days_old", daysOld,
		)
	}
	return removed
}

// Reset drops every job record.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs = make(map[string]*Job)
}
