package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teranos/notiflow/errors"
)

// statusError maps an HTTP status onto the shared sentinels so callers can
// use errors.Is without knowing about HTTP.
func statusError(op string, status int, body []byte) error {
	sentinel := sentinelFor(status)
	msg := serverMessage(body)

	var err error
	if msg != "" {
		err = errors.Wrapf(sentinel, "%s: server returned %d: %s", op, status, msg)
	} else {
		err = errors.Wrapf(sentinel, "%s: server returned %d %s", op, status, http.StatusText(status))
	}

	switch {
	case errors.Is(sentinel, errors.ErrUnauthorized):
		err = errors.WithHint(err, "Set a token with: notiflow am init --token <token>")
	case errors.Is(sentinel, errors.ErrForbidden):
		err = errors.WithHint(err, "The token is valid but lacks access to this organization")
	}
	return err
}

func sentinelFor(status int) error {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return errors.ErrInvalidRequest
	case http.StatusUnauthorized:
		return errors.ErrUnauthorized
	case http.StatusForbidden:
		return errors.ErrForbidden
	case http.StatusNotFound, http.StatusGone:
		return errors.ErrNotFound
	case http.StatusConflict:
		return errors.ErrConflict
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return errors.ErrTimeout
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return errors.ErrServiceUnavailable
	}
	return errors.ErrInvalidRequest
}

// serverMessage pulls a human message out of a JSON error body.
func serverMessage(body []byte) string {
	var payload struct {
		Message json.RawMessage `json:"message"`
		Error   string          `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		s := strings.TrimSpace(string(body))
		if len(s) > 200 {
			s = s[:200] + "..."
		}
		return s
	}
	if len(payload.Message) > 0 {
		var s string
		if json.Unmarshal(payload.Message, &s) == nil && s != "" {
			return s
		}
		// validation errors arrive as a list of messages
		var list []string
		if json.Unmarshal(payload.Message, &list) == nil && len(list) > 0 {
			return strings.Join(list, "; ")
		}
	}
	return payload.Error
}

func transportError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return errors.WithSecondaryError(errors.Wrapf(errors.ErrTimeout, "%s timed out", op), err)
	}
	if errors.Is(err, errors.ErrUnauthorized) {
		return errors.Wrapf(err, "%s", op)
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrapf(err, "%s canceled", op)
	}
	return errors.WithSecondaryError(errors.Wrapf(errors.ErrServiceUnavailable, "%s failed", op), err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
