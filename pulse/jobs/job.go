// Package jobs derives long-running job state (contact imports, exports,
// bulk sends) from job-correlated notifications.
package jobs

import "time"

// Phase is the most advanced lifecycle step observed for a job.
type Phase string

const (
	PhaseStart      Phase = "start"
	PhaseProgress   Phase = "progress"
	PhaseCompletion Phase = "completion" // terminal
)

// Job is the derived state of one job id.
type Job struct {
	ID    string `json:"id"`
	Type  string `json:"type,omitempty"` // e.g. "contact_import"
	Phase Phase  `json:"phase"`

	HasStart      bool `json:"has_start"`
	HasProgress   bool `json:"has_progress"`
	HasCompletion bool `json:"has_completion"`

	Progress     float64  `json:"progress"` // percentage reported by the server
	Processed    int      `json:"processed"`
	Errors       int      `json:"errors"`
	Total        *int     `json:"total,omitempty"`         // known once progress or completion reports it
	ErrorDetails []string `json:"error_details,omitempty"` // known at completion

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// IsActive reports whether a start or progress event was seen and no
// completion was. A job seen only through its completion is never active.
func (j Job) IsActive() bool {
	return (j.HasStart || j.HasProgress) && !j.HasCompletion
}

// IsCompleted reports whether the terminal completion event was seen.
func (j Job) IsCompleted() bool {
	return j.HasCompletion
}

// HasErrors reports whether the job reported at least one failed item.
func (j Job) HasErrors() bool {
	return j.Errors > 0 || len(j.ErrorDetails) > 0
}

// Percentage returns the reported progress, or processed/total when the
// server did not report a percentage.
func (j Job) Percentage() float64 {
	if j.Progress > 0 || j.Total == nil || *j.Total == 0 {
		return j.Progress
	}
	return float64(j.Processed) / float64(*j.Total) * 100
}

func (j Job) clone() Job {
	if j.Total != nil {
		total := *j.Total
		j.Total = &total
	}
	if j.ErrorDetails != nil {
		j.ErrorDetails = append([]string(nil), j.ErrorDetails...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		j.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		j.CompletedAt = &t
	}
	return j
}
