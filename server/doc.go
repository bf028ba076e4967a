// Package server implements the core OAuth 2.0 authorization server logic.
//
// This package provides the Authorization Code Grant with optional PKCE,
// rotating refresh tokens with replay detection, and confidential client
// registration. All cross-request state lives in a storage.Store; the store's
// atomic consume and rotate operations are the only concurrency control, so
// several Server instances may share one store.
//
// The Server type delegates to specialized managers:
//   - ClientRegistry: registration, secret authentication, redirect and scope binding
//   - CodeManager: authorization code issuance and single-use consumption
//   - AccessTokenManager: opaque bearer tokens
//   - RefreshTokenManager: rotation-on-use and token families
//
// Failures are returned as *Error values carrying a Kind. The kinds are for
// logs and metrics; protocol responses collapse them to the RFC 6749 error
// codes (see the root package).
//
// Example usage:
//
//	store := memory.New()
//
//	srv, err := server.New(store, &server.Config{
//	    Issuer:          "https://auth.example.com",
//	    SupportedScopes: []string{"memories:read", "memories:write"},
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	client, secret, err := srv.RegisterClient(ctx, server.RegisterRequest{...})
package server
