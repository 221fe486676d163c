package models

// Config holds the engine configuration
type Config struct {
	DeviceID      string          `json:"deviceId"`
	DeviceName    string          `json:"deviceName"`
	Database      DatabaseConfig  `json:"database"`
	Queue         QueueConfig     `json:"queue"`
	Quality       QualityConfig   `json:"quality"`
	Reconnect     ReconnectConfig `json:"reconnect"`
	Sync          SyncConfig      `json:"sync"`
	Server        ServerConfig    `json:"server"`
	Tracing       TracingConfig   `json:"tracing"`
	LogLevel      string          `json:"logLevel"`
	EmergencyMode bool            `json:"emergencyMode"`
	RetentionDays int             `json:"retentionDays"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path                  string `json:"path"`
	ArchivedRetentionDays int    `json:"archivedRetentionDays"`
}

// QueueConfig holds delivery queue related configurations
type QueueConfig struct {
	PerDeviceCap int `json:"perDeviceCap"`
	GlobalCap    int `json:"globalCap"`
	SweepSec     int `json:"sweepSec"`
}

// QualityConfig holds connection quality monitoring configurations
type QualityConfig struct {
	PingIntervalSec int `json:"pingIntervalSec"`
	PingTimeoutSec  int `json:"pingTimeoutSec"`
	LossWindowSize  int `json:"lossWindowSize"`
}

// ReconnectConfig holds auto-reconnection configurations
type ReconnectConfig struct {
	BaseDelaySec int `json:"baseDelaySec"`
	MaxAttempts  int `json:"maxAttempts"`
}

// SyncConfig holds sync coordinator configurations
type SyncConfig struct {
	Enabled       bool   `json:"enabled"`
	RemoteBaseURL string `json:"remoteBaseUrl"`
	IntervalSec   int    `json:"intervalSec"`
	MaxAttempts   int    `json:"maxAttempts"`
	EntryMaxAgeHrs int   `json:"entryMaxAgeHrs"`
	BatchSize     int    `json:"batchSize"`
}

// ServerConfig holds admin HTTP server configurations
type ServerConfig struct {
	ListenAddr      string `json:"listenAddr"`
	ReadTimeoutSec  int    `json:"readTimeoutSec"`
	WriteTimeoutSec int    `json:"writeTimeoutSec"`
	IdleTimeoutSec  int    `json:"idleTimeoutSec"`
}

// TracingConfig holds OpenTelemetry tracing configurations
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"serviceName"`
	ServiceVersion string  `json:"serviceVersion"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlpEndpoint"`
	SampleRate     float64 `json:"sampleRate"`
	UseStdout      bool    `json:"useStdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
