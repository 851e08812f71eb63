package manager

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/notiflow/api"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

// fakeService is an in-memory Service. Errors are returned once set.
type fakeService struct {
	mu      sync.Mutex
	stored  []notification.Notification
	calls   []string
	listErr error
	markErr error
	delErr  error

	// markGate, when set, blocks MarkRead until it is closed
	markGate chan struct{}
}

func (s *fakeService) record(call string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, call)
}

func (s *fakeService) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *fakeService) List(ctx context.Context, opts api.ListOptions) ([]notification.Notification, error) {
	s.record("list:" + opts.OrgID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]notification.Notification, len(s.stored))
	copy(out, s.stored)
	return out, nil
}

func (s *fakeService) MarkRead(ctx context.Context, id notification.ID) error {
	s.record("mark_read:" + id.String())
	if s.markGate != nil {
		<-s.markGate
	}
	return s.markErr
}

func (s *fakeService) MarkAllRead(ctx context.Context, orgID string) error {
	s.record("mark_all_read:" + orgID)
	return s.markErr
}

func (s *fakeService) Delete(ctx context.Context, id notification.ID) error {
	s.record("delete:" + id.String())
	return s.delErr
}

func (s *fakeService) DeleteAll(ctx context.Context, orgID string) error {
	s.record("delete_all:" + orgID)
	return s.delErr
}

// rollbackSink counts optimistic rollbacks.
type rollbackSink struct {
	metrics.NoopSink
	mu        sync.Mutex
	rollbacks []string
	active    int
	completed int
}

func (s *rollbackSink) OptimisticRollback(op string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollbacks = append(s.rollbacks, op)
}

func (s *rollbackSink) JobsUpdate(active, completed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active, s.completed = active, completed
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func note(id string, read bool, minutes int, data map[string]interface{}) notification.Notification {
	return notification.Notification{
		ID:        notification.ID(id),
		Type:      notification.SeverityInfo,
		Title:     "n" + id,
		Data:      data,
		Timestamp: base.Add(time.Duration(minutes) * time.Minute),
		Read:      read,
	}
}

func serverList() []notification.Notification {
	// newest first, as the server returns it
	return []notification.Notification{
		note("42", false, 3, nil),
		note("41", true, 2, map[string]interface{}{"jobId": "abc", "progress": 50.0, "processed": 5.0}),
		note("40", false, 1, map[string]interface{}{"jobId": "abc", "jobStarted": true}),
	}
}

func newManager(t *testing.T, svc *fakeService, opts ...Option) *Manager {
	t.Helper()
	m := New(svc, append([]Option{WithOrgID("org-1")}, opts...)...)
	t.Cleanup(m.Close)
	return m
}

func TestRefresh_ReplacesListAndReplaysJobs(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	sink := &rollbackSink{}
	m := newManager(t, svc, WithMetrics(sink))

	require.NoError(t, m.Refresh(context.Background()))

	ns := m.Notifications()
	require.Len(t, ns, 3)
	assert.Equal(t, notification.ID("42"), ns[0].ID)
	assert.Equal(t, "42", ns[0].Key)

	job, ok := m.Tracker().GetJobProgress("abc")
	require.True(t, ok)
	assert.True(t, job.IsActive())
	assert.Equal(t, jobs.PhaseProgress, job.Phase)
	assert.Equal(t, 50.0, job.Progress)
	assert.Equal(t, 1, sink.active)
	assert.Equal(t, []string{"list:org-1"}, svc.Calls())
}

func TestRefresh_FailureKeepsState(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	svc.listErr = errors.Wrap(errors.ErrServiceUnavailable, "down")
	err := m.Refresh(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.Len(t, m.Notifications(), 3)
}

func TestMarkAsRead_OptimisticRollback(t *testing.T) {
	svc := &fakeService{stored: serverList(), markGate: make(chan struct{})}
	sink := &rollbackSink{}
	m := newManager(t, svc, WithMetrics(sink))
	require.NoError(t, m.Refresh(context.Background()))
	svc.markErr = errors.Wrap(errors.ErrServiceUnavailable, "server error")

	target := m.Notifications()[0]
	require.False(t, target.Read)

	errCh := make(chan error, 1)
	go func() { errCh <- m.MarkAsRead(context.Background(), target) }()

	// Flipped before the server answers
	require.Eventually(t, func() bool { return m.Notifications()[0].Read }, time.Second, time.Millisecond)

	close(svc.markGate)
	err := <-errCh
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.False(t, m.Notifications()[0].Read, "rolled back after failure")
	assert.Equal(t, []string{api.OpMarkRead}, sink.rollbacks)
	assert.Contains(t, svc.Calls(), "mark_read:42")
}

func TestMarkAsRead_Success(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	require.NoError(t, m.MarkAsRead(context.Background(), note("42", false, 0, nil)))
	assert.True(t, m.Notifications()[0].Read)
	assert.Equal(t, 1, m.Stats().Unread)
}

func TestMarkAsRead_LocalNotificationNeverCallsServer(t *testing.T) {
	svc := &fakeService{markErr: errors.New("must not be called")}
	m := newManager(t, svc)

	m.OnNotification(note("", false, 0, nil))
	m.OnNotification(note("0", false, 1, nil))
	ns := m.Notifications()
	require.Len(t, ns, 2)

	for _, n := range ns {
		require.NoError(t, m.MarkAsRead(context.Background(), n))
	}
	for _, n := range m.Notifications() {
		assert.True(t, n.Read)
	}
	assert.Empty(t, svc.Calls())
}

func TestMarkAsRead_Unknown(t *testing.T) {
	m := newManager(t, &fakeService{})
	err := m.MarkAsRead(context.Background(), note("99", false, 0, nil))
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestDeleteNotification_FailureResyncs(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	sink := &rollbackSink{}
	m := newManager(t, svc, WithMetrics(sink))
	require.NoError(t, m.Refresh(context.Background()))

	svc.delErr = errors.Wrap(errors.ErrForbidden, "not yours")
	err := m.DeleteNotification(context.Background(), m.Notifications()[1])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))

	// The refresh brought it back
	assert.Len(t, m.Notifications(), 3)
	assert.Equal(t, []string{"list:org-1", "delete:41", "list:org-1"}, svc.Calls())
	assert.Equal(t, []string{api.OpDelete}, sink.rollbacks)
}

func TestDeleteNotification_FailureAndRefreshFailure(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	svc.delErr = errors.Wrap(errors.ErrForbidden, "not yours")
	svc.listErr = errors.Wrap(errors.ErrServiceUnavailable, "down")
	err := m.DeleteNotification(context.Background(), m.Notifications()[0])
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrForbidden))
}

func TestDeleteNotification_Success(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	require.NoError(t, m.DeleteNotification(context.Background(), m.Notifications()[0]))
	ns := m.Notifications()
	require.Len(t, ns, 2)
	assert.Equal(t, notification.ID("41"), ns[0].ID)
}

func TestMarkAllAsRead(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	sink := &rollbackSink{}
	m := newManager(t, svc, WithMetrics(sink))
	require.NoError(t, m.Refresh(context.Background()))
	require.Equal(t, 2, m.Stats().Unread)

	svc.markErr = errors.New("boom")
	require.Error(t, m.MarkAllAsRead(context.Background()))
	assert.Equal(t, 2, m.Stats().Unread, "only the flipped ones revert")
	assert.True(t, m.Notifications()[1].Read, "already-read stays read")
	assert.Equal(t, []string{api.OpMarkAllRead}, sink.rollbacks)

	svc.markErr = nil
	require.NoError(t, m.MarkAllAsRead(context.Background()))
	assert.Equal(t, 0, m.Stats().Unread)
	assert.Contains(t, svc.Calls(), "mark_all_read:org-1")
}

func TestDeleteAll(t *testing.T) {
	svc := &fakeService{stored: serverList()}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	svc.delErr = errors.New("boom")
	require.Error(t, m.DeleteAll(context.Background()))
	assert.Len(t, m.Notifications(), 3, "resynchronized from the server")

	svc.delErr = nil
	require.NoError(t, m.DeleteAll(context.Background()))
	assert.Empty(t, m.Notifications())
	assert.Contains(t, svc.Calls(), "delete_all:org-1")
}

func TestOnNotification_PrependsFoldsAndToasts(t *testing.T) {
	m := newManager(t, &fakeService{})

	m.OnNotification(note("1", false, 0, map[string]interface{}{"jobId": "abc", "jobStarted": true}))
	m.OnNotification(note("2", false, 1, map[string]interface{}{"jobId": "abc", "progress": 50.0, "processed": 5.0}))

	ns := m.Notifications()
	require.Len(t, ns, 2)
	assert.Equal(t, notification.ID("2"), ns[0].ID, "newest first")

	active := m.Tracker().ActiveJobs()
	require.Len(t, active, 1)
	assert.Equal(t, 5, active[0].Processed)

	m.OnNotification(note("3", false, 2, map[string]interface{}{
		"jobId": "abc", "processed": 10.0, "errors": 1.0, "total": 10.0, "completed": true,
	}))
	assert.Empty(t, m.Tracker().ActiveJobs())
	completed := m.Tracker().CompletedJobs()
	require.Len(t, completed, 1)
	assert.Equal(t, 1, completed[0].Errors)
	require.NotNil(t, completed[0].Total)
	assert.Equal(t, 10, *completed[0].Total)

	for _, want := range []string{"n1", "n2", "n3"} {
		select {
		case toast := <-m.Toasts():
			assert.Equal(t, want, toast.Title)
			require.NotNil(t, toast.Notification)
		default:
			t.Fatalf("missing toast %s", want)
		}
	}
}

func TestOnNotification_DuplicateIDReplaces(t *testing.T) {
	m := newManager(t, &fakeService{})
	m.OnNotification(note("1", false, 0, nil))
	m.OnNotification(note("2", false, 1, nil))
	m.OnNotification(note("1", true, 2, nil))

	ns := m.Notifications()
	require.Len(t, ns, 2)
	assert.Equal(t, notification.ID("1"), ns[0].ID)
	assert.True(t, ns[0].Read)
}

func TestOnHistory_ReplacesAndReplaysChronologically(t *testing.T) {
	m := newManager(t, &fakeService{})
	m.OnNotification(note("7", false, 0, nil))

	// newest first: completion, then progress, then start
	m.OnHistory([]notification.Notification{
		note("3", false, 3, map[string]interface{}{"jobId": "abc", "completed": true, "processed": 10.0, "total": 10.0}),
		note("2", false, 2, map[string]interface{}{"jobId": "abc", "progress": 50.0, "processed": 5.0}),
		note("1", false, 1, map[string]interface{}{"jobId": "abc", "jobStarted": true}),
	})

	ns := m.Notifications()
	require.Len(t, ns, 3)
	assert.Equal(t, notification.ID("3"), ns[0].ID)

	job, ok := m.Tracker().GetJobProgress("abc")
	require.True(t, ok)
	assert.False(t, job.IsActive(), "completion folded last")
	assert.Equal(t, 10, job.Processed)
}

func TestOnHistory_KeepsDistinctLocalNotifications(t *testing.T) {
	m := newManager(t, &fakeService{})

	a := note("0", false, 2, nil)
	a.Title = "a"
	b := note("0", false, 1, nil)
	b.Title = "b"
	m.OnHistory([]notification.Notification{a, b})

	ns := m.Notifications()
	require.Len(t, ns, 2)
	assert.Equal(t, "a", ns[0].Title)
	assert.Equal(t, "b", ns[1].Title)
	assert.NotEqual(t, ns[0].Key, ns[1].Key)

	c := note("0", false, 3, nil)
	c.Title = "c"
	m.OnNotification(c)
	assert.Len(t, m.Notifications(), 3, "a pushed local notification does not replace another")
}

func TestDerivedViews(t *testing.T) {
	svc := &fakeService{stored: append(serverList(),
		note("30", false, 0, map[string]interface{}{"jobId": "old", "completed": true, "errors": 2.0, "total": 4.0}),
	)}
	m := newManager(t, svc)
	require.NoError(t, m.Refresh(context.Background()))

	stats := m.Stats()
	assert.Equal(t, Stats{Total: 4, Unread: 3, ActiveJobs: 1, CompletedJobs: 1, JobsWithErrors: 1}, stats)

	items := m.NotificationsWithStats()
	require.Len(t, items, 4)
	assert.Nil(t, items[0].Job)
	require.NotNil(t, items[1].Job)
	assert.Equal(t, "abc", items[1].Job.ID)
	require.NotNil(t, items[3].Job)
	assert.Equal(t, "old", items[3].Job.ID)
}

func TestSubscribe_ReceivesLatestSnapshot(t *testing.T) {
	m := newManager(t, &fakeService{})

	ch, cancel := m.Subscribe()
	initial := <-ch
	assert.Equal(t, 0, initial.Stats.Total)

	m.OnNotification(note("1", false, 0, nil))
	m.OnNotification(note("2", false, 1, nil))
	m.OnStateChange(realtime.StateConnected)

	snap := <-ch
	assert.Equal(t, 2, snap.Stats.Total)
	assert.Equal(t, realtime.StateConnected, snap.FeedState)

	cancel()
	_, open := <-ch
	assert.False(t, open)
	cancel()
}

func TestAlertsBecomeToasts(t *testing.T) {
	m := newManager(t, &fakeService{}, WithToastBuffer(1))

	m.OnAlert(realtime.Alert{Severity: notification.SeverityError, Title: "Realtime connection lost"})
	m.OnAlert(realtime.Alert{Title: "dropped"})

	toast := <-m.Toasts()
	assert.Equal(t, "Realtime connection lost", toast.Title)
	assert.Nil(t, toast.Notification)
	select {
	case extra := <-m.Toasts():
		t.Fatalf("unexpected toast %v", extra)
	default:
	}
}

func TestClose(t *testing.T) {
	m := New(&fakeService{})
	ch, _ := m.Subscribe()
	<-ch
	m.Close()
	m.Close()

	_, open := <-ch
	assert.False(t, open)
	_, open = <-m.Toasts()
	assert.False(t, open)

	// Late feed events are harmless
	m.OnAlert(realtime.Alert{Title: "late"})
	m.OnNotification(note("1", false, 0, nil))

	late, _ := m.Subscribe()
	_, open = <-late
	assert.False(t, open)
}
