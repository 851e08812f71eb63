// Package notification defines the platform's notification model, the job
// classifier predicates over its data payload, and the tagged-variant decode
// that turns a raw payload into a job lifecycle event once, at ingestion.
package notification

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity is the notification type shown to the user.
type Severity string

const (
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// ParseSeverity maps a wire value onto a Severity. Unknown values become info.
func ParseSeverity(s string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(s))) {
	case SeveritySuccess:
		return SeveritySuccess
	case SeverityError:
		return SeverityError
	case SeverityWarning:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// ID is a server-assigned notification identifier. The platform sends it as
// either a JSON string or a number; both decode to the same textual form.
type ID string

// UnmarshalJSON accepts a string, a number or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = ID(n.String())
	return nil
}

// IsLocal reports whether the id does not name a server-side record:
// it is empty, or it is an integer <= 0.
func (id ID) IsLocal() bool {
	s := strings.TrimSpace(string(id))
	if s == "" {
		return true
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n <= 0
	}
	return false
}

// String returns the id text.
func (id ID) String() string { return string(id) }

// Notification is a server-pushed or server-stored event.
type Notification struct {
	ID        ID                     `json:"id,omitempty"`
	Type      Severity               `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Read      bool                   `json:"read"`

	// Key identifies the notification inside a session. It equals the server
	// id when there is one, otherwise a generated local key. Never sent.
	Key string `json:"-"`
}

// wireNotification mirrors the JSON shape with a string timestamp so a bad
// timestamp degrades to the zero time instead of failing the whole payload.
type wireNotification struct {
	ID        ID                     `json:"id,omitempty"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Read      bool                   `json:"read"`
}

// UnmarshalJSON decodes the wire shape.
func (n *Notification) UnmarshalJSON(b []byte) error {
	var w wireNotification
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*n = Notification{
		ID:        w.ID,
		Type:      ParseSeverity(w.Type),
		Title:     w.Title,
		Message:   w.Message,
		Data:      w.Data,
		Timestamp: ParseTimestamp(w.Timestamp),
		Read:      w.Read,
	}
	return nil
}

// MarshalJSON encodes the wire shape with an ISO 8601 timestamp.
func (n Notification) MarshalJSON() ([]byte, error) {
	w := wireNotification{
		ID:      n.ID,
		Type:    string(n.Type),
		Title:   n.Title,
		Message: n.Message,
		Data:    n.Data,
		Read:    n.Read,
	}
	if !n.Timestamp.IsZero() {
		w.Timestamp = n.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// ParseTimestamp parses an ISO 8601 timestamp, returning the zero time when
// the value is empty or malformed.
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// AssignKey sets n.Key: the server id when it names a server record,
// otherwise a fresh local key. Local ids such as "0" never share a key.
// An existing key is kept.
func AssignKey(n *Notification) {
	if n.Key != "" {
		return
	}
	if !n.ID.IsLocal() {
		n.Key = string(n.ID)
		return
	}
	n.Key = "local-" + uuid.NewString()
}

// IsLocal reports whether n has no server-side record.
func (n Notification) IsLocal() bool {
	return n.ID.IsLocal()
}

// Clone returns a copy of n whose data map can be mutated independently.
func (n Notification) Clone() Notification {
	if n.Data != nil {
		data := make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			data[k] = v
		}
		n.Data = data
	}
	return n
}
