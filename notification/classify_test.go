package notification

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func data(kv ...interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		m[kv[i].(string)] = kv[i+1]
	}
	return m
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		name                              string
		data                              map[string]interface{}
		job, start, progress, completion bool
	}{
		{name: "nil data"},
		{name: "no job id", data: data("jobStarted", true)},
		{name: "numeric job id", data: data("jobId", 12, "jobStarted", true)},
		{name: "bare job", data: data("jobId", "abc"), job: true},
		{name: "start", data: data("jobId", "abc", "jobStarted", true), job: true, start: true},
		{name: "start flag must be true", data: data("jobId", "abc", "jobStarted", "true"), job: true},
		{name: "progress", data: data("jobId", "abc", "progress", 50.0, "processed", 5.0), job: true, progress: true},
		{name: "progress needs processed", data: data("jobId", "abc", "progress", 50.0), job: true},
		{name: "progress with int counters", data: data("jobId", "abc", "progress", 50, "processed", int64(5)), job: true, progress: true},
		{name: "progress rejects strings", data: data("jobId", "abc", "progress", "50", "processed", 5.0), job: true},
		{name: "completion", data: data("jobId", "abc", "completed", true, "total", 10.0), job: true, completion: true},
		{name: "completion needs total", data: data("jobId", "abc", "completed", true), job: true},
		{name: "completion needs true", data: data("jobId", "abc", "completed", false, "total", 10.0), job: true},
		{name: "json number", data: data("jobId", "abc", "completed", true, "total", json.Number("10")), job: true, completion: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := Notification{Data: tt.data}
			assert.Equal(t, tt.job, IsJobNotification(n), "job")
			assert.Equal(t, tt.start, IsJobStartNotification(tt.data), "start")
			assert.Equal(t, tt.progress, IsJobProgressNotification(tt.data), "progress")
			assert.Equal(t, tt.completion, IsJobCompletionNotification(tt.data), "completion")

			// completion implies the base predicate
			if IsJobCompletionNotification(tt.data) {
				assert.True(t, IsJobNotification(n))
			}
		})
	}
}

func TestGetJobIDAndType(t *testing.T) {
	n := Notification{Data: data("jobId", "abc", "jobType", "contact_import")}
	id, ok := GetJobID(n)
	require.True(t, ok)
	assert.Equal(t, "abc", id)
	typ, ok := GetJobType(n)
	require.True(t, ok)
	assert.Equal(t, "contact_import", typ)

	_, ok = GetJobID(Notification{})
	assert.False(t, ok)
	_, ok = GetJobType(Notification{Data: data("jobId", "abc")})
	assert.False(t, ok)
}

func TestDecode(t *testing.T) {
	ts := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)

	t.Run("plain", func(t *testing.T) {
		ev := Decode(Notification{Timestamp: ts})
		assert.Equal(t, KindPlain, ev.Kind())
		assert.Equal(t, ts, ev.At())
	})

	t.Run("start", func(t *testing.T) {
		ev := Decode(Notification{Data: data("jobId", "abc", "jobType", "contact_import", "jobStarted", true), Timestamp: ts})
		start, ok := ev.(JobStart)
		require.True(t, ok)
		assert.Equal(t, "abc", start.JobID)
		assert.Equal(t, "contact_import", start.JobType)
	})

	t.Run("progress keeps optional counters nil", func(t *testing.T) {
		ev := Decode(Notification{Data: data("jobId", "abc", "progress", 50.0, "processed", 5.0)})
		p, ok := ev.(JobProgress)
		require.True(t, ok)
		assert.Equal(t, 50.0, p.Progress)
		assert.Equal(t, 5, p.Processed)
		assert.Nil(t, p.Errors)
		assert.Nil(t, p.Total)
	})

	t.Run("completion from JSON payload", func(t *testing.T) {
		var n Notification
		require.NoError(t, json.Unmarshal([]byte(`{"type":"success","title":"done","message":"","data":{"jobId":"abc","processed":10,"errors":1,"total":10,"completed":true,"errorDetails":["row 4", 7]},"timestamp":"2026-10-01T09:00:00Z","read":false}`), &n))
		c, ok := Decode(n).(JobCompletion)
		require.True(t, ok)
		require.NotNil(t, c.Processed)
		require.NotNil(t, c.Errors)
		assert.Equal(t, 10, *c.Processed)
		assert.Equal(t, 1, *c.Errors)
		assert.Equal(t, 10, c.Total)
		assert.Equal(t, []string{"row 4"}, c.ErrorDetails)
	})

	t.Run("completion wins over progress", func(t *testing.T) {
		ev := Decode(Notification{Data: data("jobId", "abc", "progress", 100.0, "processed", 10.0, "completed", true, "total", 10.0)})
		assert.Equal(t, KindJobCompletion, ev.Kind())
	})

	t.Run("start wins over progress", func(t *testing.T) {
		ev := Decode(Notification{Data: data("jobId", "abc", "jobStarted", true, "progress", 0.0, "processed", 0.0)})
		assert.Equal(t, KindJobStart, ev.Kind())
	})
}

func TestChronological(t *testing.T) {
	t0 := time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)
	newestFirst := []Notification{
		{Key: "c", Timestamp: t0.Add(2 * time.Minute)},
		{Key: "b2", Timestamp: t0.Add(time.Minute)},
		{Key: "b1", Timestamp: t0.Add(time.Minute)},
		{Key: "a", Timestamp: t0},
	}

	got := Chronological(newestFirst)
	keys := make([]string, len(got))
	for i, n := range got {
		keys[i] = n.Key
	}
	assert.Equal(t, []string{"a", "b1", "b2", "c"}, keys)
	assert.Equal(t, "c", newestFirst[0].Key, "input is not modified")
}
