// Package authz is the authorization server behind the memory service's
// OAuth 2.0 endpoints. It issues single-use authorization codes, exchanges
// them for opaque access and rotating refresh tokens, validates access
// tokens, and revokes tokens and whole token families.
//
// New wires a server.Server over any storage.Store with auditing,
// OpenTelemetry instrumentation and the expired row janitor:
//
//	store := memory.New()
//	srv, err := authz.New(store, authz.Config{
//		Server: server.Config{
//			Issuer:          "https://auth.example.com",
//			SupportedScopes: []string{"memories:read", "memories:write"},
//			RequirePKCE:     true,
//		},
//		Audit: authz.AuditConfig{Enabled: true},
//	})
//	if err != nil {
//		return err
//	}
//	defer srv.Close(ctx)
//
// Protocol operations return internal errors carrying a server.Kind.
// ToOAuthError collapses them into the RFC 6749 error codes a client may
// see, so that responses never reveal why a code or token was rejected.
package authz
