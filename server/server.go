package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// tokenIDLogLength is how much of a code or token digest appears in logs.
const tokenIDLogLength = 8

// core is shared by the server and its managers so that setters on Server
// reach every component.
type core struct {
	store   storage.Store
	config  *Config
	logger  *slog.Logger
	hasher  *security.SecretHasher
	tokens  *security.TokenGenerator
	auditor *security.Auditor
	metrics *instrumentation.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

func (c *core) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "oauth."+name)
}

// recordSpanError marks span as failed and tags it with the error kind.
func recordSpanError(span trace.Span, err error) {
	instrumentation.RecordError(span, err)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrErrorKind, KindOf(err).String()))
}

// Server implements the Authorization Code Grant with optional PKCE on top of
// a storage.Store. It is safe for concurrent use; every cross-request
// invariant is enforced by the store's atomic consume and rotate operations.
type Server struct {
	*core

	clients *ClientRegistry
	codes   *CodeManager
	access  *AccessTokenManager
	refresh *RefreshTokenManager

	inst        *instrumentation.Instrumentation
	authLimiter *security.RateLimiter
}

// New creates a server. A nil config selects all defaults and a nil logger
// selects slog.Default().
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applySecureDefaults(config, logger)
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid server configuration: %w", err)
	}

	// Disabled instrumentation yields no-op instruments, so the managers
	// never have to nil-check metrics or tracer.
	inst, err := instrumentation.New(instrumentation.Config{Enabled: false})
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}

	hasher := security.NewSecretHasher(config.BcryptCost)
	c := &core{
		store:   store,
		config:  config,
		logger:  logger,
		hasher:  hasher,
		tokens:  security.NewTokenGenerator(hasher),
		metrics: inst.Metrics(),
		tracer:  inst.Tracer("server"),
		now:     time.Now,
	}

	srv := &Server{
		core:    c,
		clients: &ClientRegistry{core: c},
		codes:   &CodeManager{core: c},
		access:  &AccessTokenManager{core: c},
		refresh: &RefreshTokenManager{core: c},
		inst:    inst,
	}
	srv.codes.clients = srv.clients
	srv.refresh.access = srv.access

	if n := config.ClientAuthAttemptsPerMinute; n > 0 {
		srv.SetAuthRateLimiter(security.NewRateLimiter(float64(n)/60, n, logger))
	}
	return srv, nil
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.auditor = aud
}

// SetInstrumentation routes metrics and spans through inst.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst == nil {
		return
	}
	s.inst = inst
	s.metrics = inst.Metrics()
	s.tracer = inst.Tracer("server")
}

// SetAuthRateLimiter replaces the per-client authentication limiter. Nil
// disables throttling. The previous limiter is stopped.
func (s *Server) SetAuthRateLimiter(rl *security.RateLimiter) {
	if s.authLimiter != nil && s.authLimiter != rl {
		s.authLimiter.Stop()
	}
	s.authLimiter = rl
	s.clients.limiter = rl
}

// SetClock overrides the time source. Intended for tests.
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Config returns the effective configuration after defaults.
func (s *Server) Config() *Config {
	return s.config
}

// Store returns the backing store.
func (s *Server) Store() storage.Store {
	return s.store
}

// Instrumentation returns the instrumentation in use.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// ClientRegistry returns the client registry.
func (s *Server) ClientRegistry() *ClientRegistry {
	return s.clients
}

// CodeManager returns the authorization code manager.
func (s *Server) CodeManager() *CodeManager {
	return s.codes
}

// AccessTokens returns the access token manager.
func (s *Server) AccessTokens() *AccessTokenManager {
	return s.access
}

// RefreshTokens returns the refresh token manager.
func (s *Server) RefreshTokens() *RefreshTokenManager {
	return s.refresh
}

// NewJanitor returns a janitor sweeping the server's store with the
// configured interval and retention.
func (s *Server) NewJanitor() *Janitor {
	j := NewJanitor(s.store, s.config.CleanupEvery(), s.config.Retention(), s.logger)
	j.metrics = s.metrics
	j.now = s.now
	return j
}

// Close stops background helpers. It does not close the store.
func (s *Server) Close() {
	if s.authLimiter != nil {
		s.authLimiter.Stop()
	}
}
