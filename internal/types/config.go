package types

// RunMode is the deployment mode of the process
type RunMode string

const (
	// ModeLocal runs everything in one process: API, consumers and the watermark driver
	ModeLocal RunMode = "local"
	// ModeAPI runs only the HTTP ingestion surface
	ModeAPI RunMode = "api"
	// ModeConsumer runs the aggregator and late-event consumers
	ModeConsumer RunMode = "consumer"
	// ModeWatermark runs only the watermark driver
	ModeWatermark RunMode = "watermark"
)

type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)
