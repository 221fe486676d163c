package constants

// Default delivery queue configuration values
const (
	DefaultPerDeviceQueueCap    = 100
	DefaultGlobalQueueCap       = 500
	DefaultQueueSweepSec        = 30
	DefaultRetryBaseSec         = 30
	DefaultRetryJitterMaxSec    = 10
	DefaultRetryMultiplierCap   = 10
	DefaultMaxRetriesNormal     = 5
	DefaultMaxRetriesHigh       = 7
	DefaultMaxRetriesEmergency  = 10
	DefaultMaxAgeNormalHours    = 6
	DefaultMaxAgeEmergencyHours = 24
)

// Connection quality thresholds. RTT bounds are upper bounds per level,
// loss bounds are percentages.
const (
	DefaultPingIntervalSec = 10
	DefaultPingTimeoutSec  = 5
	DefaultLossWindowSize  = 20
	ExcellentRTTMs         = 50
	GoodRTTMs              = 150
	FairRTTMs              = 300
	PoorRTTMs              = 500
	GoodLossPercent        = 5
	FairLossPercent        = 15
	PoorLossPercent        = 30
)

// Default reconnection configuration values
const (
	DefaultReconnectBaseSec           = 2
	DefaultReconnectMaxDelaySec       = 32
	DefaultReconnectMaxAttempts       = 5
	DefaultReconnectEmergencyAttempts = 10
)

// Default sync coordinator configuration values
const (
	DefaultSyncIntervalSec    = 60
	DefaultSyncMaxAttempts    = 5
	DefaultSyncEntryMaxAgeHrs = 72
	DefaultSyncBatchSize      = 50
	DefaultRemoteTimeoutSec   = 30
)

// Default store configuration values
const (
	DefaultRetentionDays          = 30
	DefaultArchivedRetentionDays  = 180
	DefaultDedupWindowMinutes     = 5
	DefaultDatabaseRetryAttempts  = 3
	DefaultDatabaseBackoffMs      = 250
	DefaultDatabaseMaxBackoffMs   = 5000
	DefaultMaintenanceIntervalHrs = 6
	ConnectionHistorySize         = 10
)

// Default operation timeouts, doubled under emergency mode
const (
	DefaultDiscoveryTimeoutSec = 30
	DefaultConnectTimeoutSec   = 15
	DefaultHandshakeTimeoutSec = 10
	DefaultMessageTimeoutSec   = 20
	DefaultSendTimeoutSec      = 20
)

// Default admin server configuration values
const (
	DefaultServerPort            = 8087
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	DefaultEventBufferSize       = 64
)

// Device ranking score weights (100-point scale)
const (
	ScoreWeightEmergency = 40
	ScoreWeightSignal    = 20
	ScoreWeightQuality   = 20
	ScoreWeightRecency   = 10
	ScoreWeightHistory   = 10
)

// Privacy settings
const (
	DefaultDeviceMaskLength  = 4
	DefaultMessageIDMaskLength = 8
)
