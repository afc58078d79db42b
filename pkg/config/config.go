package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultStorage      = "badger"
	DefaultDataDir      = "./data/tinystat"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	DefaultLogLevel     = "info"
	DefaultTimezone     = "Local"
)

// Rollup defaults
const (
	DefaultWorkers        = 4
	DefaultStoreTimeout   = 30 * time.Second
	DefaultRollupSchedule = "10 0 * * *"
)

// Retention defaults: 10 weeks of week records, 10 months of month records
const (
	DefaultWeekRetention     = 10
	DefaultMonthRetention    = 10
	DefaultRetentionSchedule = "40 0 * * *"
)

// Scheduler retry and maintenance
const (
	JobMaxRetries     = 3
	JobInitialBackoff = 30 * time.Second
	BadgerGCInterval  = 10 * time.Minute
	StorageCheckEvery = 5 * time.Minute
)

// HTTP timeouts and limits
const (
	StatsTimeout       = 5 * time.Second
	ShutdownTimeout    = 10 * time.Second
	MaxImportBodyBytes = 32 << 20
	MaxImportEvents    = 100000
)

// Export defaults and limits
const (
	DefaultExportWindow = 7 * 24 * time.Hour
	MaxExportWindow     = 400 * 24 * time.Hour
	MaxExportRecords    = 100000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
