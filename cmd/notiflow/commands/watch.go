package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/notiflow/display"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/manager"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/pulse/jobs"
	"github.com/teranos/notiflow/realtime"
	"github.com/teranos/notiflow/session"
	"github.com/teranos/notiflow/sym"
)

// WatchCmd follows the realtime feed until interrupted
var WatchCmd = &cobra.Command{
	Use:   "watch",
	Short: sym.Watch + " Follow the realtime notification feed",
	Long: sym.Watch + ` watch - Follow the realtime notification feed

Connects to the push channel with the stored credential, prints incoming
notifications and connection alerts, and reports job progress as it changes.
Editing the credentials file reconnects with the new token; emptying it
disconnects.

With --metrics a Prometheus endpoint serves feed, API and job metrics.

Examples:
  notiflow watch
  notiflow watch --metrics --metrics-addr :9464
  notiflow watch -o json | jq .`,
	RunE: runWatch,
}

var (
	watchMetrics     bool
	watchMetricsAddr string
)

func init() {
	WatchCmd.Flags().BoolVar(&watchMetrics, "metrics", false, "Serve Prometheus metrics (default from metrics.enabled)")
	WatchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Metrics listen address (default from metrics.listen_addr)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	format, err := outputFormat(cmd)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	enabled := cfg.Metrics.Enabled
	if cmd.Flags().Changed("metrics") {
		enabled = watchMetrics
	}
	addr := cfg.Metrics.ListenAddr
	if watchMetricsAddr != "" {
		addr = watchMetricsAddr
	}

	opts := session.Options{Logger: logger.Logger}
	var metricsSrv *http.Server
	if enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts.Metrics = metrics.NewPrometheusSink(reg, logger.Logger)
		metricsSrv = serveMetrics(addr, reg)
		defer shutdownMetrics(metricsSrv)
	}

	s, err := session.New(cfg, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, stop := signalContext(cmd.Context())
	defer stop()

	out := cmd.OutOrStdout()
	p := newWatchPrinter(out, format, s.Tracker())
	p.banner(cfg.RealtimeURL()+cfg.Realtime.Namespace, addr, enabled)

	if err := s.Start(ctx); err != nil {
		if errors.IsUnauthorizedError(err) {
			return err
		}
		pterm.Warning.WithWriter(cmd.ErrOrStderr()).Printfln("Initial fetch failed, waiting for the feed: %v", err)
	}

	snaps, cancel := s.Manager().Subscribe()
	defer cancel()
	return p.run(ctx, snaps, s.Manager().Toasts())
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("Metrics server failed", logger.FieldError, err, logger.FieldAddr, addr)
		}
	}()
	return srv
}

func shutdownMetrics(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// watchEvent is one line of structured watch output.
type watchEvent struct {
	Event        string                     `json:"event"`
	At           time.Time                  `json:"at"`
	State        string                     `json:"state,omitempty"`
	Severity     notification.Severity      `json:"severity,omitempty"`
	Title        string                     `json:"title,omitempty"`
	Message      string                     `json:"message,omitempty"`
	Notification *notification.Notification `json:"notification,omitempty"`
	Job          *jobs.Job                  `json:"job,omitempty"`
}

// jobMark is what must change for a job line to be printed again.
type jobMark struct {
	phase     jobs.Phase
	processed int
	percent   int
	errors    int
}

// watchPrinter turns snapshots and toasts into output, printing only changes.
type watchPrinter struct {
	out     io.Writer
	format  display.Format
	tracker *jobs.Tracker
	now     func() time.Time

	state realtime.State
	seen  map[string]jobMark
	first bool
}

func newWatchPrinter(out io.Writer, format display.Format, t *jobs.Tracker) *watchPrinter {
	return &watchPrinter{
		out:     out,
		format:  format,
		tracker: t,
		now:     time.Now,
		state:   -1,
		seen:    make(map[string]jobMark),
		first:   true,
	}
}

func (p *watchPrinter) structured() bool {
	return p.format != display.FormatTable
}

func (p *watchPrinter) banner(endpoint, metricsAddr string, metricsOn bool) {
	if p.structured() {
		return
	}
	fmt.Fprintf(p.out, "%s Watching %s\n", sym.Watch, endpoint)
	if metricsOn {
		fmt.Fprintf(p.out, "  Metrics: http://%s/metrics\n", metricsAddr)
	}
	fmt.Fprintf(p.out, "\n%s Press Ctrl+C to stop\n\n", sym.Watch)
}

func (p *watchPrinter) run(ctx context.Context, snaps <-chan manager.Snapshot, toasts <-chan manager.Toast) error {
	for {
		select {
		case <-ctx.Done():
			if !p.structured() {
				fmt.Fprintf(p.out, "\n%s Stopped\n", sym.Watch)
			}
			return nil
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			p.snapshot(snap)
		case t, ok := <-toasts:
			if !ok {
				toasts = nil
				continue
			}
			p.toast(t)
		}
	}
}

func (p *watchPrinter) snapshot(snap manager.Snapshot) {
	if snap.FeedState != p.state {
		p.state = snap.FeedState
		p.emit(watchEvent{Event: "state", State: snap.FeedState.String()}, func() {
			fmt.Fprintf(p.out, "%s %s  %d notifications, %d unread, %d active jobs\n",
				sym.ForState(snap.FeedState), snap.FeedState, snap.Stats.Total, snap.Stats.Unread, snap.Stats.ActiveJobs)
		})
	}

	// Oldest first so a replayed history reads top to bottom
	list := p.tracker.Jobs()
	for i := len(list) - 1; i >= 0; i-- {
		j := list[i]
		mark := jobMark{phase: j.Phase, processed: j.Processed, percent: int(j.Percentage()), errors: j.Errors}
		if prev, ok := p.seen[j.ID]; ok && prev == mark {
			continue
		}
		p.seen[j.ID] = mark
		// Completed jobs from history are not news
		if p.first && j.HasCompletion {
			continue
		}
		job := j
		p.emit(watchEvent{Event: "job", Job: &job}, func() {
			line := fmt.Sprintf("%s %s %s %s", sym.ForPhase(j.Phase), j.ID, j.Type, jobSummary(j))
			if j.Errors > 0 {
				line += fmt.Sprintf(" (%d errors)", j.Errors)
			}
			if elapsed := p.tracker.ElapsedTime(j.ID); elapsed > 0 {
				line += " " + formatElapsed(elapsed)
			}
			fmt.Fprintln(p.out, line)
		})
	}
	p.first = false
}

func (p *watchPrinter) toast(t manager.Toast) {
	ev := watchEvent{Event: "toast", Severity: t.Severity, Title: t.Title, Message: t.Message, Notification: t.Notification}
	if t.Notification == nil {
		ev.Event = "alert"
	}
	p.emit(ev, func() {
		printer := pterm.Info
		switch t.Severity {
		case notification.SeveritySuccess:
			printer = pterm.Success
		case notification.SeverityError:
			printer = pterm.Error
		case notification.SeverityWarning:
			printer = pterm.Warning
		}
		text := t.Title
		if t.Message != "" {
			text += ": " + t.Message
		}
		printer.WithWriter(p.out).Println(text)
	})
}

// emit writes ev as one JSON line in structured mode, or runs human otherwise.
func (p *watchPrinter) emit(ev watchEvent, human func()) {
	if !p.structured() {
		human()
		return
	}
	ev.At = p.now()
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Warnw("Failed to encode watch event", logger.FieldError, err)
		return
	}
	fmt.Fprintln(p.out, string(data))
}
