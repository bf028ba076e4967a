package authz

import (
	"log/slog"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/server"
)

// Config holds the authorization server configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Server configures token lifetimes, PKCE, scopes and the janitor
	Server server.Config

	// Audit configures security event logging
	Audit AuditConfig

	// Instrumentation configures OpenTelemetry metrics and tracing
	Instrumentation instrumentation.Config

	// StoreBackend names the store implementation in storage spans and
	// metrics ("memory", "sqlite", "postgres", "redis")
	StoreBackend string

	// DisableJanitor stops New from starting the expired row sweeper.
	// Use it when a separate process (authzctl gc) sweeps the store.
	DisableJanitor bool

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger
}

// AuditConfig holds security audit settings
type AuditConfig struct {
	// Enabled turns on security audit events. Default: false
	Enabled bool

	// EventsPerSecond throttles audit events per event type and client to
	// keep a misbehaving client from flooding the log. Zero disables
	// throttling.
	EventsPerSecond float64

	// Burst is the audit event burst per event type and client.
	// Default: 10 when EventsPerSecond is set
	Burst int
}
