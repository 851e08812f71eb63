// Package metrics records feed, REST and job-tracking metrics.
package metrics

import (
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Realtime feed metrics
	FeedConnectAttempt()
	FeedConnected()
	FeedDisconnected(reason string)
	FeedReconnectExhausted()
	NotificationReceived(kind string)
	HistoryReceived(count int)

	// REST metrics
	APIRequestCompleted(operation, statusClass string, duration time.Duration)

	// Manager metrics
	OptimisticRollback(operation string)
	JobsUpdate(active, completed int)
}

// Disconnect reasons for FeedDisconnected.
const (
	ReasonClient       = "client"
	ReasonServer       = "server"
	ReasonTransport    = "transport"
	ReasonUnauthorized = "unauthorized"
)

// StatusClass constants for APIRequestCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps a status code and transport error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return StatusClassTimeout
		}
		if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") || strings.Contains(errStr, "dial") {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}

// OrNoop returns s, or a NoopSink when s is nil.
func OrNoop(s Sink) Sink {
	if s == nil {
		return NewNoopSink()
	}
	return s
}
