package am

import (
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"

	"github.com/teranos/notiflow/errors"
)

// CronParser accepts standard five-field expressions and descriptors like @hourly.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.API.BaseURL == "" {
		return errors.WithHint(errors.New("api.base_url cannot be empty"),
			"set api.base_url in am.toml or NOTIFLOW_API_BASE_URL")
	}
	if err := validateURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if c.Realtime.URL != "" {
		if err := validateURL("realtime.url", c.Realtime.URL); err != nil {
			return err
		}
	}

	if c.API.TimeoutSeconds <= 0 {
		return errors.Newf("api.timeout_seconds must be > 0, got %d", c.API.TimeoutSeconds)
	}
	if c.API.RequestsPerSecond <= 0 {
		return errors.Newf("api.requests_per_second must be > 0, got %f", c.API.RequestsPerSecond)
	}

	if !strings.HasPrefix(c.Realtime.Namespace, "/") {
		return errors.Newf("realtime.namespace must start with \"/\", got %q", c.Realtime.Namespace)
	}
	if c.Realtime.Channel == "" {
		return errors.New("realtime.channel cannot be empty")
	}

	// Reconnect: 0 = give up after the first drop, negative = invalid
	if c.Realtime.ReconnectAttempts < 0 {
		return errors.Newf("realtime.reconnect_attempts must be >= 0, got %d", c.Realtime.ReconnectAttempts)
	}
	if c.Realtime.ReconnectDelayMS < 0 {
		return errors.Newf("realtime.reconnect_delay_ms must be >= 0, got %d", c.Realtime.ReconnectDelayMS)
	}

	if c.Jobs.CleanupDays < 0 {
		return errors.Newf("jobs.cleanup_days must be >= 0, got %d", c.Jobs.CleanupDays)
	}
	if c.Jobs.CleanupSchedule != "" {
		if _, err := CronParser.Parse(c.Jobs.CleanupSchedule); err != nil {
			return errors.Wrapf(err, "jobs.cleanup_schedule %q is not a valid cron expression", c.Jobs.CleanupSchedule)
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return errors.New("metrics.listen_addr cannot be empty when metrics are enabled")
	}

	return nil
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(err, "%s is not a valid URL", key)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return errors.Newf("%s must use http, https, ws or wss, got %q", key, raw)
	}
	if u.Host == "" {
		return errors.Newf("%s has no host: %q", key, raw)
	}
	return nil
}
