package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"meshrelay/internal/constants"
	"meshrelay/internal/models"
	"meshrelay/internal/security"
)

var (
	ErrMissingDeviceID = models.ConfigError{Message: "missing device id"}
	ErrMissingDBPath   = models.ConfigError{Message: "missing database path"}
)

// LoadConfig reads, validates, and defaults the engine configuration.
func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidatePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidatePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)
	applyDefaults(&config)

	return &config, nil
}

func validate(c *models.Config) error {
	if c.DeviceID == "" {
		return ErrMissingDeviceID
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Sync.Enabled && c.Sync.RemoteBaseURL == "" {
		return models.ConfigError{Message: "sync is enabled but remote base URL is missing"}
	}
	if c.Queue.PerDeviceCap < 0 || c.Queue.GlobalCap < 0 {
		return models.ConfigError{Message: "queue capacities must not be negative"}
	}
	if c.Queue.GlobalCap > 0 && c.Queue.PerDeviceCap > c.Queue.GlobalCap {
		return models.ConfigError{Message: "per-device queue cap exceeds the global cap"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample rate must be between 0 and 1"}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if v := os.Getenv("MESHRELAY_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv("MESHRELAY_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MESHRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("MESHRELAY_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("MESHRELAY_SYNC_URL"); v != "" {
		c.Sync.RemoteBaseURL = v
		c.Sync.Enabled = true
	}
	if v := os.Getenv("MESHRELAY_EMERGENCY_MODE"); v != "" {
		if on, err := strconv.ParseBool(v); err == nil {
			c.EmergencyMode = on
		}
	}
}

func applyDefaults(c *models.Config) {
	if c.Queue.PerDeviceCap == 0 {
		c.Queue.PerDeviceCap = constants.DefaultPerDeviceQueueCap
	}
	if c.Queue.GlobalCap == 0 {
		c.Queue.GlobalCap = constants.DefaultGlobalQueueCap
	}
	if c.Queue.SweepSec == 0 {
		c.Queue.SweepSec = constants.DefaultQueueSweepSec
	}
	if c.Quality.PingIntervalSec == 0 {
		c.Quality.PingIntervalSec = constants.DefaultPingIntervalSec
	}
	if c.Quality.PingTimeoutSec == 0 {
		c.Quality.PingTimeoutSec = constants.DefaultPingTimeoutSec
	}
	if c.Quality.LossWindowSize == 0 {
		c.Quality.LossWindowSize = constants.DefaultLossWindowSize
	}
	if c.Reconnect.BaseDelaySec == 0 {
		c.Reconnect.BaseDelaySec = constants.DefaultReconnectBaseSec
	}
	if c.Reconnect.MaxAttempts == 0 {
		c.Reconnect.MaxAttempts = constants.DefaultReconnectMaxAttempts
	}
	if c.Sync.IntervalSec == 0 {
		c.Sync.IntervalSec = constants.DefaultSyncIntervalSec
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = constants.DefaultSyncMaxAttempts
	}
	if c.Sync.EntryMaxAgeHrs == 0 {
		c.Sync.EntryMaxAgeHrs = constants.DefaultSyncEntryMaxAgeHrs
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = constants.DefaultSyncBatchSize
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = fmt.Sprintf(":%d", constants.DefaultServerPort)
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}
	if c.Database.ArchivedRetentionDays == 0 {
		c.Database.ArchivedRetentionDays = constants.DefaultArchivedRetentionDays
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "meshrelay"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}
}
