package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/sym"
)

// JobsCmd groups the job progress commands
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: sym.Pulse + " Show job progress derived from notifications",
	Long: sym.Pulse + ` jobs - Long-running job progress (imports, exports, bulk sends)

Job state is rebuilt from the notification history on every run, oldest
notification first.

Examples:
  notiflow jobs ls                 # Every tracked job
  notiflow jobs ls --active        # Started or progressing, not completed
  notiflow jobs status imp-7       # Details for one job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var jobsLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List tracked jobs, most recently updated first",
	RunE:    runJobsLs,
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job",
	Args:  cobra.ExactArgs(1),
	RunE:  runJobsStatus,
}

var (
	jobsActive    bool
	jobsCompleted bool
)

func init() {
	jobsLsCmd.Flags().BoolVar(&jobsActive, "active", false, "Only active jobs")
	jobsLsCmd.Flags().BoolVar(&jobsCompleted, "completed", false, "Only completed jobs")
	jobsLsCmd.MarkFlagsMutuallyExclusive("active", "completed")

	JobsCmd.AddCommand(jobsLsCmd)
	JobsCmd.AddCommand(jobsStatusCmd)
}

// jobView is a job plus its elapsed time for structured output.
type jobView struct {
	jobs.Job
	Active     bool    `json:"active"`
	Percentage float64 `json:"percentage"`
	ElapsedMS  int64   `json:"elapsed_ms"`
}

func viewOf(t *jobs.Tracker, j jobs.Job) jobView {
	return jobView{Job: j, Active: j.IsActive(), Percentage: j.Percentage(), ElapsedMS: t.ElapsedTime(j.ID).Milliseconds()}
}

func runJobsLs(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := startOneShot(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	t := s.Tracker()
	var list []jobs.Job
	switch {
	case jobsActive:
		list = t.ActiveJobs()
	case jobsCompleted:
		list = t.CompletedJobs()
	default:
		list = t.Jobs()
	}

	views := make([]jobView, 0, len(list))
	for _, j := range list {
		views = append(views, viewOf(t, j))
	}
	out := cmd.OutOrStdout()
	if handled, err := display.Structured(out, format, views); handled {
		return err
	}

	rows := make([][]string, 0, len(views))
	for _, v := range views {
		rows = append(rows, []string{
			sym.ForPhase(v.Phase),
			v.ID,
			v.Type,
			jobSummary(v.Job),
			fmt.Sprint(v.Errors),
			formatElapsed(time.Duration(v.ElapsedMS) * time.Millisecond),
		})
	}
	return display.Table(out, []string{"", "JOB", "TYPE", "PROGRESS", "ERRORS", "ELAPSED"}, rows, "No jobs")
}

func runJobsStatus(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	s, err := startOneShot(cmd, true)
	if err != nil {
		return err
	}
	defer s.Close()

	t := s.Tracker()
	job, ok := t.GetJobProgress(args[0])
	if !ok {
		return errors.WithHint(
			errors.NewNotFoundError("job %s", args[0]),
			"Jobs are only known through their notifications; list them with: notiflow jobs ls")
	}
	v := viewOf(t, job)
	out := cmd.OutOrStdout()
	if handled, err := display.Structured(out, format, v); handled {
		return err
	}

	fmt.Fprintf(out, "%s Job %s\n\n", sym.ForPhase(job.Phase), job.ID)
	fields := [][]string{
		{"Type", job.Type},
		{"Phase", string(job.Phase)},
		{"Progress", jobSummary(job)},
		{"Errors", fmt.Sprint(job.Errors)},
		{"Elapsed", formatElapsed(time.Duration(v.ElapsedMS) * time.Millisecond)},
		{"Updated", job.UpdatedAt.Local().Format(time.RFC3339)},
	}
	if job.StartedAt != nil {
		fields = append(fields, []string{"Started", job.StartedAt.Local().Format(time.RFC3339)})
	}
	if job.CompletedAt != nil {
		fields = append(fields, []string{"Completed", job.CompletedAt.Local().Format(time.RFC3339)})
	}
	if err := display.Table(out, []string{"FIELD", "VALUE"}, fields, ""); err != nil {
		return err
	}
	if len(job.ErrorDetails) > 0 {
		fmt.Fprintln(out, "Error details:")
		for _, d := range job.ErrorDetails {
			fmt.Fprintf(out, "  %s %s\n", sym.Error, d)
		}
	}
	return nil
}

// jobSummary renders "45% 450/1000" style progress.
func jobSummary(j jobs.Job) string {
	var b strings.Builder
	if j.HasCompletion {
		b.WriteString("done")
	} else {
		fmt.Fprintf(&b, "%.0f%%", j.Percentage())
	}
	if j.Total != nil {
		fmt.Fprintf(&b, " %d/%d", j.Processed, *j.Total)
	} else if j.Processed > 0 {
		fmt.Fprintf(&b, " %d", j.Processed)
	}
	return b.String()
}

func formatElapsed(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
