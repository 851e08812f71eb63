package notification

import (
	"encoding/json"
	"math"
)

// Payload keys the platform uses to correlate a notification with a job.
const (
	KeyJobID        = "jobId"
	KeyJobType      = "jobType"
	KeyJobStarted   = "jobStarted"
	KeyProgress     = "progress"
	KeyProcessed    = "processed"
	KeyErrors       = "errors"
	KeyTotal        = "total"
	KeyCompleted    = "completed"
	KeyErrorDetails = "errorDetails"
)

// IsJobNotification reports whether n carries a string job id.
func IsJobNotification(n Notification) bool {
	_, ok := stringField(n.Data, KeyJobID)
	return ok
}

// IsJobStartNotification reports whether data announces a job start.
func IsJobStartNotification(data map[string]interface{}) bool {
	if _, ok := stringField(data, KeyJobID); !ok {
		return false
	}
	return isTrue(data, KeyJobStarted)
}

// IsJobProgressNotification reports whether data carries numeric progress and
// processed counts for a job.
func IsJobProgressNotification(data map[string]interface{}) bool {
	if _, ok := stringField(data, KeyJobID); !ok {
		return false
	}
	_, hasProgress := numberField(data, KeyProgress)
	_, hasProcessed := numberField(data, KeyProcessed)
	return hasProgress && hasProcessed
}

// IsJobCompletionNotification reports whether data announces job completion
// with a numeric total.
func IsJobCompletionNotification(data map[string]interface{}) bool {
	if _, ok := stringField(data, KeyJobID); !ok {
		return false
	}
	if !isTrue(data, KeyCompleted) {
		return false
	}
	_, hasTotal := numberField(data, KeyTotal)
	return hasTotal
}

// GetJobID returns the job id of n, or false when there is none.
func GetJobID(n Notification) (string, bool) {
	return stringField(n.Data, KeyJobID)
}

// GetJobType returns the job type of n, or false when there is none.
func GetJobType(n Notification) (string, bool) {
	return stringField(n.Data, KeyJobType)
}

func stringField(data map[string]interface{}, key string) (string, bool) {
	if data == nil {
		return "", false
	}
	s, ok := data[key].(string)
	return s, ok
}

func isTrue(data map[string]interface{}, key string) bool {
	if data == nil {
		return false
	}
	b, ok := data[key].(bool)
	return ok && b
}

func numberField(data map[string]interface{}, key string) (float64, bool) {
	if data == nil {
		return 0, false
	}
	switch v := data[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// intField returns a rounded numeric field, nil when absent or not finite.
func intField(data map[string]interface{}, key string) *int {
	f, ok := numberField(data, key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	n := int(math.Round(f))
	return &n
}

func stringsField(data map[string]interface{}, key string) []string {
	if data == nil {
		return nil
	}
	switch v := data[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
