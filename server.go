package authz

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/server"
	"github.com/mcp-memory/authz/storage"
)

// Server is the authorization server with its background helpers wired up.
// It embeds *server.Server, so every protocol operation is available
// directly.
type Server struct {
	*server.Server

	inst         *instrumentation.Instrumentation
	janitor      *server.Janitor
	auditLimiter *security.RateLimiter
}

// gaugeReporter is implemented by stores that can report live row counts.
type gaugeReporter interface {
	SetInstrumentation(inst *instrumentation.Instrumentation) error
}

// New builds a server over store from config: it applies security defaults,
// installs auditing and instrumentation, instruments the store and starts
// the janitor unless disabled.
func New(store storage.Store, config Config) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	inst, err := instrumentation.New(config.Instrumentation)
	if err != nil {
		return nil, fmt.Errorf("failed to create instrumentation: %w", err)
	}
	if inst.Enabled() {
		if g, ok := store.(gaugeReporter); ok {
			if err := g.SetInstrumentation(inst); err != nil {
				_ = inst.Shutdown(context.Background())
				return nil, fmt.Errorf("failed to register store gauges: %w", err)
			}
		}
		store = storage.WithInstrumentation(store, cmp.Or(config.StoreBackend, "unknown"), inst)
	}

	serverConfig := config.Server
	srv, err := server.New(store, &serverConfig, logger)
	if err != nil {
		_ = inst.Shutdown(context.Background())
		return nil, err
	}
	srv.SetInstrumentation(inst)

	s := &Server{Server: srv, inst: inst}

	if config.Audit.Enabled {
		auditor := security.NewAuditor(logger, true)
		if config.Audit.EventsPerSecond > 0 {
			burst := config.Audit.Burst
			if burst <= 0 {
				burst = 10
			}
			s.auditLimiter = security.NewRateLimiter(config.Audit.EventsPerSecond, burst, logger)
			auditor.SetRateLimiter(s.auditLimiter)
		}
		srv.SetAuditor(auditor)
	}

	if !config.DisableJanitor {
		s.janitor = srv.NewJanitor()
		s.janitor.Start(context.Background())
	}

	logger.Info("Authorization server ready",
		"issuer", srv.Config().Issuer,
		"require_pkce", srv.Config().RequirePKCE,
		"janitor", s.janitor != nil,
		"instrumentation", inst.Enabled())
	return s, nil
}

// Metadata returns the RFC 8414 document for this server.
func (s *Server) Metadata() *AuthorizationServerMetadata {
	return Metadata(s.Config())
}

// Instrumentation returns the instrumentation owned by s.
func (s *Server) Instrumentation() *instrumentation.Instrumentation {
	return s.inst
}

// Close stops the janitor and rate limiters and flushes instrumentation. It
// does not close the store.
func (s *Server) Close(ctx context.Context) error {
	if s.janitor != nil {
		s.janitor.Stop()
	}
	if s.auditLimiter != nil {
		s.auditLimiter.Stop()
	}
	s.Server.Close()
	return s.inst.Shutdown(ctx)
}
