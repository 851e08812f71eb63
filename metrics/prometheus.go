package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/notiflow/logger"
)

// PrometheusSink implements Sink using the Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Feed metrics
	connectAttemptsTotal prometheus.Counter
	connectionsTotal     prometheus.Counter
	disconnectsTotal     *prometheus.CounterVec
	reconnectExhausted   prometheus.Counter
	connected            prometheus.Gauge
	notificationsTotal   *prometheus.CounterVec
	historyNotifications prometheus.Histogram

	// REST metrics
	apiRequestsTotal *prometheus.CounterVec
	apiDuration      *prometheus.HistogramVec

	// Manager metrics
	rollbacksTotal *prometheus.CounterVec
	activeJobs     prometheus.Gauge
	completedJobs  prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
func NewPrometheusSink(reg prometheus.Registerer, l *zap.SugaredLogger) *PrometheusSink {
	s := &PrometheusSink{logger: logger.OrNop(l)}
	s.initFeedMetrics(reg)
	s.initAPIMetrics(reg)
	s.initManagerMetrics(reg)
	return s
}

func (s *PrometheusSink) initFeedMetrics(reg prometheus.Registerer) {
	s.connectAttemptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notiflow_feed_connect_attempts_total",
		Help: "Total number of realtime feed connection attempts.",
	})
	s.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notiflow_feed_connections_total",
		Help: "Total number of successful realtime feed handshakes.",
	})
	s.disconnectsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notiflow_feed_disconnects_total",
		Help: "Total number of realtime feed disconnects by reason.",
	}, []string{"reason"})
	s.reconnectExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "notiflow_feed_reconnect_exhausted_total",
		Help: "Times the feed gave up after the configured reconnect attempts.",
	})
	s.connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notiflow_feed_connected",
		Help: "1 while the realtime feed is connected.",
	})
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notiflow_notifications_received_total",
		Help: "Notifications pushed over the realtime feed by decoded kind.",
	}, []string{"kind"})
	s.historyNotifications = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "notiflow_history_notifications",
		Help:    "Number of notifications per history snapshot.",
		Buckets: []float64{0, 1, 10, 50, 100, 500, 1000},
	})

	s.register(reg, s.connectAttemptsTotal, "notiflow_feed_connect_attempts_total")
	s.register(reg, s.connectionsTotal, "notiflow_feed_connections_total")
	s.register(reg, s.disconnectsTotal, "notiflow_feed_disconnects_total")
	s.register(reg, s.reconnectExhausted, "notiflow_feed_reconnect_exhausted_total")
	s.register(reg, s.connected, "notiflow_feed_connected")
	s.register(reg, s.notificationsTotal, "notiflow_notifications_received_total")
	s.register(reg, s.historyNotifications, "notiflow_history_notifications")
}

func (s *PrometheusSink) initAPIMetrics(reg prometheus.Registerer) {
	s.apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notiflow_api_requests_total",
		Help: "REST notification API requests by operation and status class.",
	}, []string{"operation", "status_class"})
	s.apiDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notiflow_api_request_duration_seconds",
		Help:    "REST notification API request duration in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"operation"})

	s.register(reg, s.apiRequestsTotal, "notiflow_api_requests_total")
	s.register(reg, s.apiDuration, "notiflow_api_request_duration_seconds")
}

func (s *PrometheusSink) initManagerMetrics(reg prometheus.Registerer) {
	s.rollbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notiflow_optimistic_rollbacks_total",
		Help: "Optimistic updates reconciled after a failed server call.",
	}, []string{"operation"})
	s.activeJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notiflow_jobs_active",
		Help: "Jobs started or progressing without a completion.",
	})
	s.completedJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "notiflow_jobs_completed",
		Help: "Completed jobs still held in memory.",
	})

	s.register(reg, s.rollbacksTotal, "notiflow_optimistic_rollbacks_total")
	s.register(reg, s.activeJobs, "notiflow_jobs_active")
	s.register(reg, s.completedJobs, "notiflow_jobs_completed")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if reg == nil {
		return
	}
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("Failed to register metric", "metric", name, logger.FieldError, err)
	}
}

func (s *PrometheusSink) FeedConnectAttempt() {
	s.connectAttemptsTotal.Inc()
}

func (s *PrometheusSink) FeedConnected() {
	s.connectionsTotal.Inc()
	s.connected.Set(1)
}

func (s *PrometheusSink) FeedDisconnected(reason string) {
	s.disconnectsTotal.WithLabelValues(reason).Inc()
	s.connected.Set(0)
}

func (s *PrometheusSink) FeedReconnectExhausted() {
	s.reconnectExhausted.Inc()
}

func (s *PrometheusSink) NotificationReceived(kind string) {
	s.notificationsTotal.WithLabelValues(kind).Inc()
}

func (s *PrometheusSink) HistoryReceived(count int) {
	s.historyNotifications.Observe(float64(count))
}

func (s *PrometheusSink) APIRequestCompleted(operation, statusClass string, duration time.Duration) {
	s.apiRequestsTotal.WithLabelValues(operation, statusClass).Inc()
	s.apiDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (s *PrometheusSink) OptimisticRollback(operation string) {
	s.rollbacksTotal.WithLabelValues(operation).Inc()
}

func (s *PrometheusSink) JobsUpdate(active, completed int) {
	s.activeJobs.Set(float64(active))
	s.completedJobs.Set(float64(completed))
}
