package commands

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/manager"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

func jobNote(id string, minute int, data map[string]interface{}) notification.Notification {
	return notification.Notification{
		ID:        notification.ID(id),
		Type:      notification.SeverityInfo,
		Title:     "job " + id,
		Data:      data,
		Timestamp: time.Date(2024, 5, 1, 10, minute, 0, 0, time.UTC),
	}
}

func TestWatchPrinter_Table(t *testing.T) {
	tracker := jobs.NewTracker()
	var buf bytes.Buffer
	p := newWatchPrinter(&buf, display.FormatTable, tracker)

	// History: one finished job, one running
	tracker.InitializeFromExisting([]notification.Notification{
		jobNote("1", 0, map[string]interface{}{"jobId": "old", "completed": true, "total": 5}),
		jobNote("2", 1, map[string]interface{}{"jobId": "imp", "jobType": "contact_import", "jobStarted": true}),
	})
	p.snapshot(manager.Snapshot{FeedState: realtime.StateConnected, Stats: manager.Stats{Total: 2, ActiveJobs: 1}})

	out := buf.String()
	assert.Contains(t, out, "connected  2 notifications, 0 unread, 1 active jobs")
	assert.Contains(t, out, "imp contact_import 0%")
	assert.NotContains(t, out, "old", "completed history is not reprinted")

	// Same state and no job change: nothing new
	buf.Reset()
	p.snapshot(manager.Snapshot{FeedState: realtime.StateConnected})
	assert.Empty(t, buf.String())

	// Progress and completion are printed as they arrive
	tracker.ProcessNotification(jobNote("3", 2, map[string]interface{}{"jobId": "imp", "progress": 50, "processed": 5, "total": 10}))
	p.snapshot(manager.Snapshot{FeedState: realtime.StateConnected})
	assert.Contains(t, buf.String(), "imp contact_import 50% 5/10")

	buf.Reset()
	tracker.ProcessNotification(jobNote("4", 3, map[string]interface{}{"jobId": "imp", "completed": true, "total": 10, "processed": 9, "errors": 1}))
	p.snapshot(manager.Snapshot{FeedState: realtime.StateDisconnected})
	out = buf.String()
	assert.Contains(t, out, "disconnected")
	assert.Contains(t, out, "done 9/10 (1 errors)")

	buf.Reset()
	p.toast(manager.Toast{Severity: notification.SeverityError, Title: "Connection lost", Message: "gave up"})
	assert.Contains(t, buf.String(), "Connection lost: gave up")
}

func TestWatchPrinter_JSONLines(t *testing.T) {
	tracker := jobs.NewTracker()
	var buf bytes.Buffer
	p := newWatchPrinter(&buf, display.FormatJSON, tracker)
	p.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

	p.banner("http://localhost/notifications", ":9464", true)
	assert.Empty(t, buf.String(), "no banner in structured mode")

	n := jobNote("7", 0, map[string]interface{}{"jobId": "exp", "progress": 10, "processed": 1, "total": 10})
	tracker.ProcessNotification(n)
	p.snapshot(manager.Snapshot{FeedState: realtime.StateConnecting})
	p.toast(manager.Toast{Severity: notification.SeverityInfo, Title: n.Title, Notification: &n})
	p.toast(manager.Toast{Severity: notification.SeverityWarning, Title: "Reconnecting"})

	var events []watchEvent
	sc := bufio.NewScanner(strings.NewReader(buf.String()))
	for sc.Scan() {
		var ev watchEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), sc.Text())
		events = append(events, ev)
	}
	require.Len(t, events, 4)
	assert.Equal(t, "state", events[0].Event)
	assert.Equal(t, "connecting", events[0].State)
	assert.Equal(t, "job", events[1].Event)
	require.NotNil(t, events[1].Job)
	assert.Equal(t, "exp", events[1].Job.ID)
	assert.Equal(t, "toast", events[2].Event)
	require.NotNil(t, events[2].Notification)
	assert.Equal(t, notification.ID("7"), events[2].Notification.ID)
	assert.Equal(t, "alert", events[3].Event)
	assert.True(t, events[3].At.Equal(p.now()))
}

// lockedBuffer is written by the run loop and read by the test.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWatchPrinter_RunStops(t *testing.T) {
	buf := &lockedBuffer{}
	p := newWatchPrinter(buf, display.FormatTable, jobs.NewTracker())

	snaps := make(chan manager.Snapshot, 1)
	toasts := make(chan manager.Toast, 1)
	snaps <- manager.Snapshot{FeedState: realtime.StateConnected}
	close(toasts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.run(ctx, snaps, toasts) }()

	require.Eventually(t, func() bool { return strings.Contains(buf.String(), "connected") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}

	// A closed snapshot channel ends the loop too
	snaps2 := make(chan manager.Snapshot)
	close(snaps2)
	require.NoError(t, p.run(context.Background(), snaps2, nil))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
	assert.Equal(t, "a b", truncate("a\n  b", 10))

	assert.Equal(t, "now", humanAge(10*time.Second))
	assert.Equal(t, "5m", humanAge(5*time.Minute))
	assert.Equal(t, "3h", humanAge(3*time.Hour))
	assert.Equal(t, "2d", humanAge(49*time.Hour))

	assert.Equal(t, "-", formatElapsed(0))
	assert.Equal(t, "2s", formatElapsed(1600*time.Millisecond))

	total := 10
	assert.Equal(t, "40% 4/10", jobSummary(jobs.Job{Processed: 4, Total: &total}))
	assert.Equal(t, "done 10/10", jobSummary(jobs.Job{HasCompletion: true, Progress: 100, Processed: 10, Total: &total}))
	assert.Equal(t, "0% 3", jobSummary(jobs.Job{Processed: 3}))

	items := []manager.Item{
		{Notification: notification.Notification{ID: "3", Read: false}},
		{Notification: notification.Notification{ID: "2", Read: true}},
		{Notification: notification.Notification{ID: "1", Read: false}},
	}
	assert.Len(t, filterItems(items, true, 0), 2)
	assert.Len(t, filterItems(items, false, 2), 2)
	assert.Len(t, filterItems(items, true, 1), 1)

	ns := []notification.Notification{{ID: "5", Key: "5"}, {Key: "local-abc"}}
	n, err := findNotification(ns, "local-abc")
	require.NoError(t, err)
	assert.True(t, n.IsLocal())
	n, err = findNotification(ns, " 5 ")
	require.NoError(t, err)
	assert.Equal(t, notification.ID("5"), n.ID)
}
