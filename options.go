package tsumugi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	databaseURL     string
	notifyURL       string
	natsURL         string
	logger          *slog.Logger
	version         string
	sinks           []NotificationSink
	extraMigrations []fs.FS
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
// Unless WithNotifyURL is also given, the same URL is used for LISTEN/NOTIFY.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY (NOTIFY_URL env var).
// Set this when queries go through a connection pooler such as PgBouncer;
// LISTEN requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithNATSURL enables the NATS dispatch transport (TSUMUGI_NATS_URL env var).
func WithNATSURL(url string) Option {
	return func(o *resolvedOptions) { o.natsURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithNotificationSink registers an outbound delivery channel for
// autonomy notifications (e.g. Slack, email). Multiple sinks may be
// registered; every sink receives every notification.
func WithNotificationSink(sink NotificationSink) Option {
	return func(o *resolvedOptions) { o.sinks = append(o.sinks, sink) }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run after the built-in migrations.
// Multiple filesystems may be registered; they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
