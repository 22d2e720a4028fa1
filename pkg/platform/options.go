package platform

import (
	"database/sql"
	"log/slog"

	"github.com/juju/clock"

	"github.com/txn2/mcp-streampay/pkg/audit"
	"github.com/txn2/mcp-streampay/pkg/chain"
	"github.com/txn2/mcp-streampay/pkg/notify"
)

// Backend is everything the service needs from a chain client.
// *simulated.Backend satisfies it.
type Backend interface {
	chain.ContractClient
	chain.LogReader
	chain.EventWatcher
}

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Backend (optional, an in-memory chain is built when chain.simulate is
	// set).
	Backend Backend

	// DB connection (optional, will be opened from database.dsn if not
	// provided).
	DB *sql.DB

	// Clock (optional, defaults to the wall clock).
	Clock clock.Clock

	// AuditLogger (optional, will be created from config if not provided).
	AuditLogger audit.Logger

	// Sink (optional, will be created from notify config if not provided).
	Sink notify.Sink

	Logger *slog.Logger
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithBackend sets the chain backend.
func WithBackend(b Backend) Option {
	return func(o *Options) {
		o.Backend = b
	}
}

// WithDB sets the database connection.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithClock sets the clock.
func WithClock(clk clock.Clock) Option {
	return func(o *Options) {
		o.Clock = clk
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}

// WithSink sets the notification sink.
func WithSink(sink notify.Sink) Option {
	return func(o *Options) {
		o.Sink = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}
