// Package api is the REST client for the platform's notification endpoints.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/notiflow/am"
	"github.com/teranos/notiflow/auth"
	"github.com/teranos/notiflow/errors"
	"github.com/teranos/notiflow/internal/httpclient"
	"github.com/teranos/notiflow/logger"
	"github.com/teranos/notiflow/metrics"
	"github.com/teranos/notiflow/notification"
	"github.com/teranos/notiflow/version"
)

// Operation names used in logs and metrics
const (
	OpList        = "list"
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
	OpDelete      = "delete"
	OpDeleteAll   = "delete_all"
)

// Upper bound on a response body we are willing to read
const maxResponseBytes = 8 << 20

// Config configures a Client.
type Config struct {
	BaseURL           string
	OrgID             string // default organization scope
	Timeout           time.Duration
	RequestsPerSecond float64
	AllowPrivateHosts bool
	Credentials       auth.Source // nil = unauthenticated
	Logger            *zap.SugaredLogger
	Metrics           metrics.Sink

	// HTTPClient replaces the transport, for tests against httptest servers
	HTTPClient *http.Client
}

// ConfigFromAM maps the api section of the application config.
func ConfigFromAM(cfg *am.Config, src auth.Source) Config {
	return Config{
		BaseURL:           cfg.API.BaseURL,
		OrgID:             cfg.API.OrgID,
		Timeout:           cfg.API.Timeout(),
		RequestsPerSecond: cfg.API.RequestsPerSecond,
		AllowPrivateHosts: cfg.API.AllowPrivateHosts,
		Credentials:       src,
	}
}

// Client talks to the notification REST endpoints.
type Client struct {
	baseURL    string
	orgID      string
	httpClient *httpclient.SaferClient
	sink       metrics.Sink
	logger     *zap.SugaredLogger
}

// ListOptions filters List.
type ListOptions struct {
	OrgID      string // empty = client default
	UnreadOnly bool
}

// NewClient validates the base URL and builds a rate-limited client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid api base url %q", cfg.BaseURL)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Newf("api base url must be http or https, got %q", cfg.BaseURL)
	}
	if base.Host == "" {
		return nil, errors.Newf("api base url %q has no host", cfg.BaseURL)
	}
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Duration(am.DefaultTimeoutSeconds) * time.Second
	}

	blockPrivateIP := !cfg.AllowPrivateHosts
	opts := httpclient.SaferClientOptions{
		BlockPrivateIP:    &blockPrivateIP,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Burst:             int(cfg.RequestsPerSecond),
		UserAgent:         version.UserAgent(),
	}
	if cfg.Credentials != nil {
		src := cfg.Credentials
		opts.Token = func(ctx context.Context) (string, error) {
			return auth.Token(ctx, src)
		}
	}

	var hc *httpclient.SaferClient
	if cfg.HTTPClient != nil {
		hc = httpclient.WrapClient(cfg.HTTPClient, opts)
	} else {
		hc = httpclient.NewSaferClientWithOptions(timeout, opts)
	}

	return &Client{
		baseURL:    base.String(),
		orgID:      cfg.OrgID,
		httpClient: hc,
		sink:       metrics.OrNoop(cfg.Metrics),
		logger:     logger.OrNop(cfg.Logger).With(logger.FieldComponent, "api"),
	}, nil
}

// OrgID returns the default organization scope.
func (c *Client) OrgID() string {
	return c.orgID
}

// List fetches the notification list, newest first as the server orders it.
func (c *Client) List(ctx context.Context, opts ListOptions) ([]notification.Notification, error) {
	q := url.Values{}
	if org := c.org(opts.OrgID); org != "" {
		q.Set("orgId", org)
	}
	if opts.UnreadOnly {
		q.Set("unreadOnly", "true")
	}

	body, err := c.do(ctx, OpList, http.MethodGet, "/notifications", q, nil)
	if err != nil {
		return nil, err
	}

	ns, err := decodeList(body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode notification list")
	}
	for i := range ns {
		notification.AssignKey(&ns[i])
	}
	return ns, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id notification.ID) error {
	if id.IsLocal() {
		return errors.Wrapf(errors.ErrInvalidRequest, "notification %q has no server id", id)
	}
	_, err := c.do(ctx, OpMarkRead, http.MethodPatch, "/notifications/"+url.PathEscape(id.String())+"/read", nil, nil)
	return err
}

// MarkAllRead marks every notification in the organization read.
func (c *Client) MarkAllRead(ctx context.Context, orgID string) error {
	_, err := c.do(ctx, OpMarkAllRead, http.MethodPatch, "/notifications/read", nil, scopeBody{OrgID: c.org(orgID)})
	return err
}

// Delete removes one notification.
func (c *Client) Delete(ctx context.Context, id notification.ID) error {
	if id.IsLocal() {
		return errors.Wrapf(errors.ErrInvalidRequest, "notification %q has no server id", id)
	}
	_, err := c.do(ctx, OpDelete, http.MethodDelete, "/notifications/"+url.PathEscape(id.String()), nil, nil)
	return err
}

// DeleteAll removes every notification in the organization.
func (c *Client) DeleteAll(ctx context.Context, orgID string) error {
	_, err := c.do(ctx, OpDeleteAll, http.MethodDelete, "/notifications", nil, scopeBody{OrgID: c.org(orgID)})
	return err
}

type scopeBody struct {
	OrgID string `json:"orgId,omitempty"`
}

func (c *Client) org(orgID string) string {
	if orgID != "" {
		return orgID
	}
	return c.orgID
}

// endpoint joins an already escaped path onto the base URL.
func (c *Client) endpoint(path string, q url.Values) string {
	if len(q) == 0 {
		return c.baseURL + path
	}
	return c.baseURL + path + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, payload interface{}) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), reqBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.sink.APIRequestCompleted(op, metrics.ClassifyStatus(0, err), time.Since(start))
		c.logger.Warnw("Request failed", logger.FieldOperation, op, logger.FieldError, err)
		return nil, transportError(ctx, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	elapsed := time.Since(start)
	c.sink.APIRequestCompleted(op, metrics.ClassifyStatus(resp.StatusCode, nil), elapsed)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read response", op)
	}

	c.logger.Debugw("Request completed",
		logger.FieldOperation, op,
		logger.FieldMethod, method,
		logger.FieldPath, path,
		logger.FieldStatus, resp.StatusCode,
		logger.FieldDurationMS, elapsed.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(op, resp.StatusCode, body)
	}
	return body, nil
}

// decodeList accepts a bare array or an object wrapping it under
// "notifications" or "data".
func decodeList(body []byte) ([]notification.Notification, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var ns []notification.Notification
		if err := json.Unmarshal(trimmed, &ns); err != nil {
			return nil, err
		}
		return ns, nil
	}
	var wrapped struct {
		Notifications []notification.Notification `json:"notifications"`
		Data          []notification.Notification `json:"data"`
	}
	if err := json.Unmarshal(trimmed, &wrapped); err != nil {
		return nil, err
	}
	if wrapped.Notifications != nil {
		return wrapped.Notifications, nil
	}
	return wrapped.Data, nil
}
