package limestone

import "go.uber.org/zap"

// Config configures Open, following the teacher's pattern of a plain
// struct with a validate step rather than functional options.
type Config struct {
	// Location is the log directory. Created if absent.
	Location string

	// RecoverMaxParallelism bounds the worker pool used by startup
	// recovery's directory-wide scan. 0 selects a small default.
	RecoverMaxParallelism int

	// AsyncSessionClose selects log_channel.EndSession's replica-message
	// ordering: true sends end/flush before the local fsync, false after.
	AsyncSessionClose bool

	// ReplicaEndpoint, if non-empty, enables the replica control channel
	// by dialing this "host:port" address. Empty disables replication
	// silently.
	ReplicaEndpoint string

	// Logger receives structured diagnostics. A nil Logger is a safe
	// no-op, matching the teacher's own "nil logger is fine" convention.
	Logger *zap.Logger

	// Metrics receives counters for epoch advancement, WAL bytes,
	// and compaction activity. A nil Metrics is a safe no-op.
	Metrics *Metrics

	// CompactionPollIntervalMillis is how often, in milliseconds, the online compaction worker
	// checks for the ctrl/start_compaction trigger file. 0 selects 1s,
	// the source's fixed cadence.
	CompactionPollIntervalMillis int
}

func validateConfig(c *Config) error {
	if c.Location == "" {
		return InvalidConfigError{Field: "Location", Value: c.Location, Reason: "cannot be empty"}
	}
	if c.RecoverMaxParallelism < 0 {
		return InvalidConfigError{Field: "RecoverMaxParallelism", Value: c.RecoverMaxParallelism, Reason: "cannot be negative"}
	}
	if c.CompactionPollIntervalMillis < 0 {
		return InvalidConfigError{Field: "CompactionPollIntervalMillis", Value: c.CompactionPollIntervalMillis, Reason: "cannot be negative"}
	}
	return nil
}

func (c *Config) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

func (c *Config) recoverParallelism() int {
	if c.RecoverMaxParallelism <= 0 {
		return 4
	}
	return c.RecoverMaxParallelism
}

func (c *Config) compactionPollIntervalMillis() int {
	if c.CompactionPollIntervalMillis <= 0 {
		return 1000
	}
	return c.CompactionPollIntervalMillis
}
