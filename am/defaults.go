package am

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Default values
const (
	DefaultNamespace         = "/notifications"
	DefaultChannel           = "notifications"
	DefaultReconnectAttempts = 5
	DefaultReconnectDelayMS  = 1000
	DefaultTimeoutSeconds    = 30
	DefaultRequestsPerSecond = 10
	DefaultCleanupDays       = 7
	DefaultCleanupSchedule   = "@hourly"
	DefaultMetricsAddr       = ":9464"
)

// HomeDir returns ~/.notiflow, or ".notiflow" when the home directory is unknown.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".notiflow"
	}
	return filepath.Join(home, ".notiflow")
}

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// REST defaults
	v.SetDefault("api.base_url", "http://localhost:3000")
	v.SetDefault("api.org_id", "")
	v.SetDefault("api.timeout_seconds", DefaultTimeoutSeconds)
	v.SetDefault("api.requests_per_second", DefaultRequestsPerSecond)
	v.SetDefault("api.allow_private_hosts", true)

	// Realtime defaults
	v.SetDefault("realtime.url", "")
	v.SetDefault("realtime.namespace", DefaultNamespace)
	v.SetDefault("realtime.channel", DefaultChannel)
	v.SetDefault("realtime.reconnect_attempts", DefaultReconnectAttempts)
	v.SetDefault("realtime.reconnect_delay_ms", DefaultReconnectDelayMS)

	// Auth defaults
	v.SetDefault("auth.credentials_path", filepath.Join(HomeDir(), "credentials.toml"))
	v.SetDefault("auth.token", "")

	// Job tracking defaults
	v.SetDefault("jobs.cleanup_days", DefaultCleanupDays)
	v.SetDefault("jobs.cleanup_schedule", DefaultCleanupSchedule)

	// Cache defaults
	v.SetDefault("database.path", filepath.Join(HomeDir(), "cache.db"))

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", DefaultMetricsAddr)
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("auth.token", "NOTIFLOW_AUTH_TOKEN")
	v.BindEnv("api.base_url", "NOTIFLOW_API_BASE_URL")
	v.BindEnv("database.path", "NOTIFLOW_DATABASE_PATH")
}

// String returns a string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{API: %s, Realtime: %s%s, Jobs: {CleanupDays: %d}, Database: %s}",
		c.API.BaseURL, c.RealtimeURL(), c.Realtime.Namespace, c.Jobs.CleanupDays, c.Database.Path)
}
