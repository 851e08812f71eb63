package am

import "time"

// Config represents the notiflow client configuration
type Config struct {
	API      APIConfig      `mapstructure:"api" toml:"api"`
	Realtime RealtimeConfig `mapstructure:"realtime" toml:"realtime"`
	Auth     AuthConfig     `mapstructure:"auth" toml:"auth"`
	Jobs     JobsConfig     `mapstructure:"jobs" toml:"jobs"`
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Metrics  MetricsConfig  `mapstructure:"metrics" toml:"metrics"`
}

// APIConfig configures the REST notification service
type APIConfig struct {
	BaseURL           string  `mapstructure:"base_url" toml:"base_url"`
	OrgID             string  `mapstructure:"org_id" toml:"org_id,omitempty"` // empty = server decides from the token
	TimeoutSeconds    int     `mapstructure:"timeout_seconds" toml:"timeout_seconds"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" toml:"requests_per_second"`
	AllowPrivateHosts bool    `mapstructure:"allow_private_hosts" toml:"allow_private_hosts"`
}

// RealtimeConfig configures the Socket.IO push channel
type RealtimeConfig struct {
	URL               string `mapstructure:"url" toml:"url,omitempty"` // empty = api.base_url
	Namespace         string `mapstructure:"namespace" toml:"namespace"`
	Channel           string `mapstructure:"channel" toml:"channel"`
	ReconnectAttempts int    `mapstructure:"reconnect_attempts" toml:"reconnect_attempts"` // 0 = never reconnect
	ReconnectDelayMS  int    `mapstructure:"reconnect_delay_ms" toml:"reconnect_delay_ms"`
}

// AuthConfig locates the bearer credential
type AuthConfig struct {
	CredentialsPath string `mapstructure:"credentials_path" toml:"credentials_path"`
	Token           string `mapstructure:"token" toml:"-"` // env only
}

// JobsConfig configures job tracking retention
type JobsConfig struct {
	CleanupDays     int    `mapstructure:"cleanup_days" toml:"cleanup_days"`
	CleanupSchedule string `mapstructure:"cleanup_schedule" toml:"cleanup_schedule"` // cron syntax, empty = disabled
}

// DatabaseConfig configures the local notification cache
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"` // empty = no cache
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled" toml:"enabled"`
	ListenAddr string `mapstructure:"listen_addr" toml:"listen_addr"`
}

// Timeout returns the REST request timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ReconnectDelay returns the pause between reconnect attempts.
func (c RealtimeConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMS) * time.Millisecond
}

// RealtimeURL returns the push endpoint base, falling back to the REST base URL.
func (c *Config) RealtimeURL() string {
	if c.Realtime.URL != "" {
		return c.Realtime.URL
	}
	return c.API.BaseURL
}

// File system constants
const (
	DefaultDirPermissions  = 0755 // Standard directory permissions (rwxr-xr-x)
	DefaultFilePermissions = 0644 // Standard file permissions (rw-r--r--)
	SecretFilePermissions  = 0600 // Credentials (rw-------)
)
