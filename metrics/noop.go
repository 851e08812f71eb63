package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) FeedConnectAttempt()                                   {}
func (n *NoopSink) FeedConnected()                                        {}
func (n *NoopSink) FeedDisconnected(reason string)                        {}
func (n *NoopSink) FeedReconnectExhausted()                               {}
func (n *NoopSink) NotificationReceived(kind string)                      {}
func (n *NoopSink) HistoryReceived(count int)                             {}
func (n *NoopSink) APIRequestCompleted(op, class string, d time.Duration) {}
func (n *NoopSink) OptimisticRollback(operation string)                   {}
func (n *NoopSink) JobsUpdate(active, completed int)                      {}
