// Package manager composes the realtime feed, the job tracker and the REST
// service into the single notification surface the CLI consumes.
//
// Every mutation is applied locally first and reconciled when the server
// call fails: mark-read operations roll back, deletions re-fetch the list.
// Errors are returned only after that reconciliation, so a caller seeing an
// error knows the local state already matches the server again.
package manager

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/notiflow/api"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

// Service is the REST surface the manager needs. *api.Client implements it.
type Service interface {
	List(ctx context.Context, opts api.ListOptions) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id notification.ID) error
	MarkAllRead(ctx context.Context, orgID string) error
	Delete(ctx context.Context, id notification.ID) error
	DeleteAll(ctx context.Context, orgID string) error
}

// Cache persists the list between runs. *cache.Store implements it.
type Cache interface {
	Load(ctx context.Context) ([]notification.Notification, error)
	Replace(ctx context.Context, ns []notification.Notification) error
	Upsert(ctx context.Context, n notification.Notification) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

var _ realtime.Listener = (*Manager)(nil)

const (
	defaultToastBuffer = 32
	cacheTimeout       = 5 * time.Second
)

// Option configures a Manager.
type Option func(*Manager)

// WithTracker shares a job tracker, e.g. with the cleanup janitor.
func WithTracker(t *jobs.Tracker) Option {
	return func(m *Manager) { m.tracker = t }
}

// WithCache enables warm start and best-effort persistence.
func WithCache(c Cache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithOrgID scopes list and bulk operations to an organization.
func WithOrgID(orgID string) Option {
	return func(m *Manager) { m.orgID = orgID }
}

// WithLogger sets the manager logger.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) { m.logger = logger.OrNop(l) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(s metrics.Sink) Option {
	return func(m *Manager) { m.sink = metrics.OrNoop(s) }
}

// WithToastBuffer sizes the toast channel. Toasts beyond it are dropped.
func WithToastBuffer(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.toastBuffer = n
		}
	}
}

// Manager owns the notification list of one session.
type Manager struct {
	svc         Service
	tracker     *jobs.Tracker
	cache       Cache
	orgID       string
	sink        metrics.Sink
	logger      *zap.SugaredLogger
	toastBuffer int

	mu        sync.RWMutex
	list      []notification.Notification // newest first
	feedState realtime.State

	// subMu guards subscribers, toasts and closed. Lock order: subMu, then mu.
	subMu   sync.Mutex
	subs    map[int]chan Snapshot
	nextSub int
	toasts  chan Toast
	closed  bool
}

// New creates a manager over svc.
func New(svc Service, opts ...Option) *Manager {
	m := &Manager{
		svc:         svc,
		sink:        metrics.NewNoopSink(),
		logger:      logger.OrNop(nil),
		toastBuffer: defaultToastBuffer,
		subs:        make(map[int]chan Snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.tracker == nil {
		m.tracker = jobs.NewTracker(jobs.WithLogger(m.logger))
	}
	m.logger = m.logger.With(logger.FieldComponent, "manager")
	m.toasts = make(chan Toast, m.toastBuffer)
	return m
}

// Tracker exposes the job tracker for read-only views.
func (m *Manager) Tracker() *jobs.Tracker {
	return m.tracker
}

// Notifications returns a copy of the list, newest first.
func (m *Manager) Notifications() []notification.Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]notification.Notification, len(m.list))
	for i, n := range m.list {
		out[i] = n.Clone()
	}
	return out
}

// FeedState returns the last state reported by the realtime feed.
func (m *Manager) FeedState() realtime.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.feedState
}

// WarmStart loads the cached list, if any, so the session has something to
// show before the first refresh. It never replaces a list already received.
func (m *Manager) WarmStart(ctx context.Context) (int, error) {
	if m.cache == nil {
		return 0, nil
	}
	ns, err := m.cache.Load(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "failed to load cached notifications")
	}

	m.mu.Lock()
	if len(m.list) > 0 {
		m.mu.Unlock()
		return 0, nil
	}
	m.list = ns
	m.mu.Unlock()

	m.tracker.InitializeFromExisting(notification.Chronological(ns))
	m.jobsChanged()
	m.logger.Infow("Warm start from cache", logger.FieldCount, len(ns))
	return len(ns), nil
}

// Refresh re-fetches the list from the server and replaces local state.
func (m *Manager) Refresh(ctx context.Context) error {
	ns, err := m.svc.List(ctx, api.ListOptions{OrgID: m.orgID})
	if err != nil {
		m.logger.Warnw("Refresh failed", logger.FieldError, err)
		return errors.Wrap(err, "failed to refresh notifications")
	}
	m.replace(ns)
	return nil
}

// MarkAsRead flips n to read. Local notifications stop there; others are
// confirmed with the server and flipped back if it refuses.
func (m *Manager) MarkAsRead(ctx context.Context, n notification.Notification) error {
	key := keyOf(n)

	m.mu.Lock()
	i := m.indexLocked(key)
	if i < 0 {
		m.mu.Unlock()
		return errors.Wrapf(errors.ErrNotFound, "notification %s", key)
	}
	prev := m.list[i].Read
	m.list[i].Read = true
	updated := m.list[i].Clone()
	m.mu.Unlock()
	m.publish()

	if updated.IsLocal() {
		m.cacheUpsert(updated)
		return nil
	}

	if err := m.svc.MarkRead(ctx, updated.ID); err != nil {
		m.mu.Lock()
		if j := m.indexLocked(key); j >= 0 {
			m.list[j].Read = prev
		}
		m.mu.Unlock()
		m.sink.OptimisticRollback(api.OpMarkRead)
		m.logger.Warnw("Mark read failed, rolled back",
			logger.FieldNotificationID, updated.ID.String(),
			logger.FieldError, err)
		m.publish()
		return errors.Wrapf(err, "failed to mark notification %s read", updated.ID)
	}

	m.cacheUpsert(updated)
	return nil
}

// DeleteNotification removes n. If the server refuses, the list is re-fetched.
func (m *Manager) DeleteNotification(ctx context.Context, n notification.Notification) error {
	key := keyOf(n)

	m.mu.Lock()
	i := m.indexLocked(key)
	if i < 0 {
		m.mu.Unlock()
		return errors.Wrapf(errors.ErrNotFound, "notification %s", key)
	}
	removed := m.list[i]
	m.list = append(m.list[:i:i], m.list[i+1:]...)
	m.mu.Unlock()
	m.publish()

	if !removed.IsLocal() {
		if err := m.svc.Delete(ctx, removed.ID); err != nil {
			return m.resync(ctx, api.OpDelete, errors.Wrapf(err, "failed to delete notification %s", removed.ID))
		}
	}

	m.cacheDo("remove", func(ctx context.Context) error { return m.cache.Remove(ctx, key) })
	return nil
}

// MarkAllAsRead flips every notification to read and rolls back the ones it
// changed if the server refuses.
func (m *Manager) MarkAllAsRead(ctx context.Context) error {
	m.mu.Lock()
	var flipped []string
	for i := range m.list {
		if !m.list[i].Read {
			m.list[i].Read = true
			flipped = append(flipped, m.list[i].Key)
		}
	}
	m.mu.Unlock()
	m.publish()

	if err := m.svc.MarkAllRead(ctx, m.orgID); err != nil {
		m.mu.Lock()
		for _, key := range flipped {
			if j := m.indexLocked(key); j >= 0 {
				m.list[j].Read = false
			}
		}
		m.mu.Unlock()
		m.sink.OptimisticRollback(api.OpMarkAllRead)
		m.logger.Warnw("Mark all read failed, rolled back", logger.FieldCount, len(flipped), logger.FieldError, err)
		m.publish()
		return errors.Wrap(err, "failed to mark all notifications read")
	}

	m.persistAll()
	return nil
}

// DeleteAll empties the list. If the server refuses, the list is re-fetched.
func (m *Manager) DeleteAll(ctx context.Context) error {
	m.mu.Lock()
	m.list = nil
	m.mu.Unlock()
	m.publish()

	if err := m.svc.DeleteAll(ctx, m.orgID); err != nil {
		return m.resync(ctx, api.OpDeleteAll, errors.Wrap(err, "failed to delete all notifications"))
	}

	m.cacheDo("clear", func(ctx context.Context) error { return m.cache.Clear(ctx) })
	return nil
}

// resync re-fetches after a failed deletion and returns cause.
func (m *Manager) resync(ctx context.Context, op string, cause error) error {
	m.sink.OptimisticRollback(op)
	m.logger.Warnw("Server rejected change, resynchronizing", logger.FieldOperation, op, logger.FieldError, cause)

	// The caller's cancellation must not prevent reconciliation
	if err := m.Refresh(context.WithoutCancel(ctx)); err != nil {
		return errors.WithSecondaryError(cause, err)
	}
	return cause
}

// OnNotification prepends a pushed notification, folds it into the tracker
// and raises a toast.
func (m *Manager) OnNotification(n notification.Notification) {
	notification.AssignKey(&n)

	m.mu.Lock()
	if i := m.indexLocked(n.Key); i >= 0 {
		m.list = append(m.list[:i:i], m.list[i+1:]...)
	}
	m.list = append([]notification.Notification{n}, m.list...)
	m.mu.Unlock()

	if m.tracker.ProcessNotification(n) {
		m.jobsChanged()
	} else {
		m.publish()
	}

	m.emitToast(Toast{
		Severity:     n.Type,
		Title:        n.Title,
		Message:      n.Message,
		Notification: &n,
	})
	m.cacheUpsert(n)
}

// OnHistory replaces the list with a server snapshot.
func (m *Manager) OnHistory(ns []notification.Notification) {
	m.replace(ns)
}

// OnStateChange records the feed state.
func (m *Manager) OnStateChange(s realtime.State) {
	m.mu.Lock()
	m.feedState = s
	m.mu.Unlock()
	m.publish()
}

// OnAlert turns a feed alert into a toast.
func (m *Manager) OnAlert(a realtime.Alert) {
	m.emitToast(Toast{Severity: a.Severity, Title: a.Title, Message: a.Message})
}

// JobsChanged republishes after the tracker was changed from outside, e.g.
// by the cleanup janitor.
func (m *Manager) JobsChanged() {
	m.jobsChanged()
}

func (m *Manager) replace(ns []notification.Notification) {
	list := make([]notification.Notification, 0, len(ns))
	seen := make(map[string]bool, len(ns))
	for _, n := range ns {
		notification.AssignKey(&n)
		if seen[n.Key] {
			continue
		}
		seen[n.Key] = true
		list = append(list, n)
	}

	m.mu.Lock()
	m.list = list
	m.mu.Unlock()

	// History arrives newest first; the fold must run oldest first
	m.tracker.InitializeFromExisting(notification.Chronological(list))
	m.logger.Debugw("Notification list replaced", logger.FieldCount, len(list))
	m.jobsChanged()
	m.persistAll()
}

func (m *Manager) jobsChanged() {
	m.sink.JobsUpdate(len(m.tracker.ActiveJobs()), len(m.tracker.CompletedJobs()))
	m.publish()
}

func (m *Manager) indexLocked(key string) int {
	for i := range m.list {
		if m.list[i].Key == key {
			return i
		}
	}
	return -1
}

func keyOf(n notification.Notification) string {
	if n.Key != "" {
		return n.Key
	}
	return n.ID.String()
}

func (m *Manager) persistAll() {
	if m.cache == nil {
		return
	}
	ns := m.Notifications()
	m.cacheDo("replace", func(ctx context.Context) error { return m.cache.Replace(ctx, ns) })
}

func (m *Manager) cacheUpsert(n notification.Notification) {
	m.cacheDo("upsert", func(ctx context.Context) error { return m.cache.Upsert(ctx, n) })
}

// cacheDo runs a best-effort cache write. Failures are logged, never returned.
func (m *Manager) cacheDo(op string, fn func(ctx context.Context) error) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cacheTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		m.logger.Warnw("Cache write failed", logger.FieldOperation, op, logger.FieldError, err)
	}
}
