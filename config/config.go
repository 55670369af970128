package config

import (
	"context"
	"log/slog"
	"time"

	"github.com/talkarr/talkarr/handler"
	"github.com/talkarr/talkarr/internal"
	"github.com/talkarr/talkarr/types"
)

const (
	DefaultIdleTxTimeout   = 30000
	DefaultJobRetention    = 24 * time.Hour
	DefaultShutdownTimeout = 8 * time.Second
)

// Config holds the configuration shared by all queue backends
type Config struct {
	BackendInitializer     BackendInitializer
	BackendAuthPassword    string                   // password with which to authenticate to the backend's data provider
	BackendConcurrency     int                      // total number of backend processes available to process jobs
	ConnectionString       string                   // a string containing connection details for the backend
	JobCheckInterval       time.Duration            // the interval of time between checking for new future/retry jobs
	FutureJobWindow        time.Duration            // time duration between current time and job.RunAfter that goroutines schedule for future jobs
	IdleTransactionTimeout int                      // the number of milliseconds PgBackend transaction may idle before the connection is killed
	JobRetention           time.Duration            // how long finished jobs stay available for status introspection
	ShutdownTimeout        time.Duration            // duration to wait for jobs to finish during shutdown
	LogLevel               slog.Level               // the log level of the default logger
	RecoveryCallback       handler.RecoveryCallback // the recovery handler applied to all Handlers excuted by the backend
}

// Option is a function that sets optional backend configuration
type Option func(c *Config)

// New initiailizes a new Config with defaults
func New() *Config {
	return &Config{
		FutureJobWindow:        internal.DefaultFutureJobWindow,
		JobCheckInterval:       internal.DefaultJobCheckInterval,
		IdleTransactionTimeout: DefaultIdleTxTimeout,
		JobRetention:           DefaultJobRetention,
		ShutdownTimeout:        DefaultShutdownTimeout,
		LogLevel:               slog.LevelInfo,
	}
}

// WithConnectionString configures talkarr to use the specified connection string when connecting to a backend
func WithConnectionString(connectionString string) Option {
	return func(c *Config) {
		c.ConnectionString = connectionString
	}
}

// BackendInitializer is a function that initializes a backend
type BackendInitializer func(ctx context.Context, opts ...Option) (backend types.Backend, err error)
