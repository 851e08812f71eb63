package manager

import (
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
)

// Stats summarizes the list and the tracked jobs.
type Stats struct {
	Total          int `json:"total" yaml:"total"`
	Unread         int `json:"unread" yaml:"unread"`
	ActiveJobs     int `json:"active_jobs" yaml:"active_jobs"`
	CompletedJobs  int `json:"completed_jobs" yaml:"completed_jobs"`
	JobsWithErrors int `json:"jobs_with_errors" yaml:"jobs_with_errors"`
}

// Item is a notification annotated with the job it belongs to, if any.
type Item struct {
	Notification notification.Notification `json:"notification" yaml:"notification"`
	Job          *jobs.Job                 `json:"job,omitempty" yaml:"job,omitempty"`
}

// Snapshot is everything a view needs, computed at one point in time.
type Snapshot struct {
	Items     []Item
	Stats     Stats
	FeedState realtime.State
}

// Stats computes the summary from the current state.
func (m *Manager) Stats() Stats {
	return computeStats(m.Notifications(), m.tracker)
}

// NotificationsWithStats returns the list, newest first, each notification
// joined with its job record.
func (m *Manager) NotificationsWithStats() []Item {
	return annotate(m.Notifications(), m.tracker)
}

// Snapshot computes list, stats and feed state together.
func (m *Manager) Snapshot() Snapshot {
	ns := m.Notifications()
	return Snapshot{
		Items:     annotate(ns, m.tracker),
		Stats:     computeStats(ns, m.tracker),
		FeedState: m.FeedState(),
	}
}

func computeStats(ns []notification.Notification, t *jobs.Tracker) Stats {
	s := Stats{Total: len(ns)}
	for _, n := range ns {
		if !n.Read {
			s.Unread++
		}
	}
	for _, j := range t.Jobs() {
		switch {
		case j.IsActive():
			s.ActiveJobs++
		case j.IsCompleted():
			s.CompletedJobs++
		}
		if j.HasErrors() {
			s.JobsWithErrors++
		}
	}
	return s
}

func annotate(ns []notification.Notification, t *jobs.Tracker) []Item {
	items := make([]Item, len(ns))
	for i, n := range ns {
		items[i] = Item{Notification: n}
		if id, ok := notification.GetJobID(n); ok {
			if j, found := t.GetJobProgress(id); found {
				items[i].Job = &j
			}
		}
	}
	return items
}
