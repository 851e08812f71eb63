package notification

import (
	"math"
	"sort"
	"time"
)

// Kind identifies which variant Decode produced.
type Kind string

const (
	KindPlain         Kind = "plain"
	KindJobStart      Kind = "job_start"
	KindJobProgress   Kind = "job_progress"
	KindJobCompletion Kind = "job_completion"
)

// Event is the decoded form of a notification payload. It is one of Plain,
// JobStart, JobProgress or JobCompletion.
type Event interface {
	Kind() Kind
	// At is the notification timestamp.
	At() time.Time
}

// Plain is a notification that does not describe a job lifecycle step.
// It may still carry a job id (IsJobNotification) without matching any of
// the lifecycle predicates.
type Plain struct {
	Timestamp time.Time
}

// JobStart announces that a job began.
type JobStart struct {
	JobID     string
	JobType   string
	Timestamp time.Time
}

// JobProgress reports intermediate counters. Errors and Total are nil when the
// payload omitted them.
type JobProgress struct {
	JobID     string
	JobType   string
	Progress  float64
	Processed int
	Errors    *int
	Total     *int
	Timestamp time.Time
}

// JobCompletion is the terminal event of a job. Processed and Errors are nil
// when the payload omitted them.
type JobCompletion struct {
	JobID        string
	JobType      string
	Processed    *int
	Errors       *int
	Total        int
	ErrorDetails []string
	Timestamp    time.Time
}

func (Plain) Kind() Kind         { return KindPlain }
func (JobStart) Kind() Kind      { return KindJobStart }
func (JobProgress) Kind() Kind   { return KindJobProgress }
func (JobCompletion) Kind() Kind { return KindJobCompletion }

func (e Plain) At() time.Time         { return e.Timestamp }
func (e JobStart) At() time.Time      { return e.Timestamp }
func (e JobProgress) At() time.Time   { return e.Timestamp }
func (e JobCompletion) At() time.Time { return e.Timestamp }

// Decode classifies n once. When a malformed payload satisfies several
// predicates, completion wins over start, and start wins over progress, so a
// terminal event is never read as an intermediate one.
func Decode(n Notification) Event {
	data := n.Data
	jobID, _ := stringField(data, KeyJobID)
	jobType, _ := stringField(data, KeyJobType)

	switch {
	case IsJobCompletionNotification(data):
		total := 0
		if t := intField(data, KeyTotal); t != nil {
			total = *t
		}
		return JobCompletion{
			JobID:        jobID,
			JobType:      jobType,
			Processed:    intField(data, KeyProcessed),
			Errors:       intField(data, KeyErrors),
			Total:        total,
			ErrorDetails: stringsField(data, KeyErrorDetails),
			Timestamp:    n.Timestamp,
		}
	case IsJobStartNotification(data):
		return JobStart{JobID: jobID, JobType: jobType, Timestamp: n.Timestamp}
	case IsJobProgressNotification(data):
		progress, _ := numberField(data, KeyProgress)
		if math.IsNaN(progress) || math.IsInf(progress, 0) {
			progress = 0
		}
		processed := 0
		if p := intField(data, KeyProcessed); p != nil {
			processed = *p
		}
		return JobProgress{
			JobID:     jobID,
			JobType:   jobType,
			Progress:  progress,
			Processed: processed,
			Errors:    intField(data, KeyErrors),
			Total:     intField(data, KeyTotal),
			Timestamp: n.Timestamp,
		}
	default:
		return Plain{Timestamp: n.Timestamp}
	}
}

// Chronological returns a copy of ns ordered oldest first. Notifications with
// equal timestamps keep their relative order reversed from the input, since
// lists are held newest first.
func Chronological(ns []Notification) []Notification {
	out := make([]Notification, len(ns))
	for i := range ns {
		out[len(ns)-1-i] = ns[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
