package metrics

import (
	"errors"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		{"200 OK", 200, nil, StatusClass2xx},
		{"204 No Content", 204, nil, StatusClass2xx},
		{"401 Unauthorized", 401, nil, StatusClass4xx},
		{"404 Not Found", 404, nil, StatusClass4xx},
		{"500 Internal Server Error", 500, nil, StatusClass5xx},
		{"503 Service Unavailable", 503, nil, StatusClass5xx},
		{"302 redirect", 302, nil, StatusClassOtherError},
		{"context timeout", 0, errors.New("context deadline exceeded"), StatusClassTimeout},
		{"client timeout", 0, errors.New("Client.Timeout exceeded while awaiting headers"), StatusClassTimeout},
		{"refused", 0, errors.New("dial tcp 127.0.0.1:3000: connect: connection refused"), StatusClassConnectionError},
		{"dns", 0, errors.New("lookup api.invalid: no such host"), StatusClassConnectionError},
		{"other", 0, errors.New("unexpected EOF"), StatusClassOtherError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyStatus(tt.statusCode, tt.err); got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
