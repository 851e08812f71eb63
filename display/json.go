package display

import (
	"bytes"
	"encoding/json"
	"os"

	"gopkg.in/yaml.v3"
)

// MarshalJSON marshals JSON with pretty formatting for terminals and compact
// formatting when NOTIFLOW_COMPACT_JSON is set (piping into other tools).
func MarshalJSON(v interface{}) ([]byte, error) {
	if os.Getenv("NOTIFLOW_COMPACT_JSON") != "" {
		return json.Marshal(v)
	}
	return json.MarshalIndent(v, "", "  ")
}

// MarshalYAML marshals v through its JSON form so json tags and custom
// MarshalJSON methods decide field names in both formats.
func MarshalYAML(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(normalizeNumbers(generic)); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// normalizeNumbers turns json.Number into int64 or float64 so yaml emits
// plain scalars instead of quoted strings.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}
