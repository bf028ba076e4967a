package server

import (
	"context"
	"errors"
	"maps"

	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// RegisterRequest describes a client to register.
type RegisterRequest struct {
	Name          string
	RedirectURIs  []string
	AllowedScopes []string
	OwnerID       string
	Metadata      map[string]string
}

// ClientRegistry registers, looks up and authenticates OAuth clients.
type ClientRegistry struct {
	*core

	// limiter throttles Authenticate per client ID. Nil disables it.
	limiter *security.RateLimiter
}

// Register validates req, stores a new client and returns it together with
// the plaintext secret. The secret is not recoverable afterwards.
func (r *ClientRegistry) Register(ctx context.Context, req RegisterRequest) (*storage.Client, string, error) {
	if req.Name == "" {
		return nil, "", newError(OpRegister, KindInvalidRequest, "client name is required")
	}
	if req.OwnerID == "" {
		return nil, "", newError(OpRegister, KindInvalidRequest, "owner is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, "", newError(OpRegister, KindInvalidRequest, "at least one redirect URI is required")
	}

	redirectURIs := make([]string, 0, len(req.RedirectURIs))
	for _, uri := range req.RedirectURIs {
		if err := util.CheckRedirectURI(uri, r.config.AllowInsecureRedirectURIs); err != nil {
			return nil, "", &Error{Kind: KindInvalidRequest, Op: OpRegister, Err: err}
		}
		if !containsString(redirectURIs, uri) {
			redirectURIs = append(redirectURIs, uri)
		}
	}

	scopes := util.NormalizeScopes(req.AllowedScopes)
	if len(scopes) == 0 {
		return nil, "", newError(OpRegister, KindInvalidRequest, "at least one scope is required")
	}
	for _, scope := range scopes {
		if !util.ValidScopeToken(scope) {
			return nil, "", newError(OpRegister, KindScopeNotAllowed, "invalid scope %q", scope)
		}
	}
	if len(r.config.SupportedScopes) > 0 && !util.IsSubset(scopes, r.config.SupportedScopes) {
		return nil, "", newError(OpRegister, KindScopeNotAllowed, "scope not supported by this server")
	}

	secret, hash, err := r.tokens.GenerateSecret()
	if err != nil {
		return nil, "", &Error{Kind: KindUnknown, Op: OpRegister, Err: err}
	}

	client := &storage.Client{
		ClientID:      r.tokens.GenerateID(),
		SecretHash:    hash,
		Name:          req.Name,
		RedirectURIs:  redirectURIs,
		AllowedScopes: scopes,
		OwnerID:       req.OwnerID,
		Active:        true,
		Metadata:      maps.Clone(req.Metadata),
		CreatedAt:     r.now(),
	}
	if err := r.store.CreateClient(ctx, client); err != nil {
		return nil, "", classify(OpRegister, err)
	}

	r.logger.Info("Registered OAuth client",
		"client_id", client.ClientID,
		"name", client.Name,
		"owner_id", client.OwnerID,
		"redirect_uris", len(client.RedirectURIs))
	r.auditor.LogClientEvent(security.EventClientRegistered, client.ClientID, client.OwnerID)
	r.metrics.RecordClientEvent(ctx, "registered")

	return client, secret, nil
}

// Get returns a client whether or not it is active. Protocol operations use
// lookup, which hides inactive clients.
func (r *ClientRegistry) Get(ctx context.Context, clientID string) (*storage.Client, error) {
	client, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(OpGetClient, KindUnknownClient, "")
	}
	if err != nil {
		return nil, classify(OpGetClient, err)
	}
	return client, nil
}

// List returns clients owned by ownerID, or every client when ownerID is
// empty.
func (r *ClientRegistry) List(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	clients, err := r.store.ListClients(ctx, ownerID)
	if err != nil {
		return nil, classify(OpListClients, err)
	}
	return clients, nil
}

// lookup returns an active client. Unknown clients are KindUnknownClient and
// inactive ones KindClientInactive.
func (r *ClientRegistry) lookup(ctx context.Context, op, clientID string) (*storage.Client, error) {
	if clientID == "" {
		return nil, newError(op, KindUnknownClient, "client_id is required")
	}
	client, err := r.store.GetClient(ctx, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, newError(op, KindUnknownClient, "")
	}
	if err != nil {
		return nil, classify(op, err)
	}
	if !client.Active {
		return nil, newError(op, KindClientInactive, "")
	}
	return client, nil
}

// Authenticate verifies a client secret. Unknown, inactive, throttled and
// stale-secret clients fail exactly like a wrong secret, and every attempt
// that reaches the store costs one bcrypt comparison.
func (r *ClientRegistry) Authenticate(ctx context.Context, clientID, secret string) (*storage.Client, error) {
	fail := func(reason string) error {
		r.logger.Debug("Client authentication failed",
			"client_id", clientID,
			"reason", reason)
		r.auditor.LogAuthFailure("", clientID, reason)
		r.metrics.RecordClientAuthFailure(ctx)
		return newError(OpAuthenticate, KindAuthenticationFailed, "")
	}

	if r.limiter != nil && !r.limiter.Allow(clientID) {
		r.auditor.LogRateLimitExceeded(clientID)
		r.metrics.RecordRateLimitExceeded(ctx, "client_auth")
		return nil, fail("rate_limited")
	}

	client, err := r.store.GetClient(ctx, clientID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, classify(OpAuthenticate, err)
	}
	if client == nil {
		r.hasher.VerifyDummy(secret)
		return nil, fail("unknown_client")
	}
	if !client.Active {
		r.hasher.VerifyDummy(secret)
		return nil, fail("client_inactive")
	}

	ok := r.hasher.VerifySecret(secret, client.SecretHash)
	if r.secretExpired(client) {
		return nil, fail("secret_expired")
	}
	if !ok {
		return nil, fail("invalid_secret")
	}
	return client, nil
}

func (r *ClientRegistry) secretExpired(client *storage.Client) bool {
	maxAge := r.config.SecretMaxAge()
	if maxAge <= 0 {
		return false
	}
	issued := client.SecretRotatedAt
	if issued.IsZero() {
		issued = client.CreatedAt
	}
	return security.IsExpired(r.now(), issued.Add(maxAge))
}

// ValidateRedirectURI checks uri against the client's registered URIs by
// exact string comparison.
func (r *ClientRegistry) ValidateRedirectURI(ctx context.Context, clientID, uri string) error {
	client, err := r.lookup(ctx, OpAuthorize, clientID)
	if err != nil {
		return err
	}
	return checkRedirect(client, uri)
}

func checkRedirect(client *storage.Client, uri string) error {
	if uri == "" || !client.HasRedirectURI(uri) {
		return newError(OpAuthorize, KindRedirectMismatch, "redirect_uri is not registered for this client")
	}
	return nil
}

// ValidateScopes returns the granted scopes for a request. An empty request
// grants the client's full allow-list; otherwise every requested scope must
// be allowed or the whole request is rejected.
func (r *ClientRegistry) ValidateScopes(ctx context.Context, clientID string, requested []string) ([]string, error) {
	client, err := r.lookup(ctx, OpAuthorize, clientID)
	if err != nil {
		return nil, err
	}
	return grantScopes(client, requested)
}

func grantScopes(client *storage.Client, requested []string) ([]string, error) {
	scopes := util.NormalizeScopes(requested)
	if len(scopes) == 0 {
		return util.NormalizeScopes(client.AllowedScopes), nil
	}
	for _, scope := range scopes {
		if !util.ValidScopeToken(scope) {
			return nil, newError(OpAuthorize, KindScopeNotAllowed, "invalid scope %q", scope)
		}
	}
	if !util.IsSubset(scopes, client.AllowedScopes) {
		return nil, newError(OpAuthorize, KindScopeNotAllowed, "scope not allowed for this client")
	}
	return scopes, nil
}

// RotateSecret replaces the client secret and returns the new plaintext. The
// old secret stops working immediately.
func (r *ClientRegistry) RotateSecret(ctx context.Context, clientID string) (string, error) {
	client, err := r.lookup(ctx, OpRotateSecret, clientID)
	if err != nil {
		return "", err
	}

	secret, hash, err := r.tokens.GenerateSecret()
	if err != nil {
		return "", &Error{Kind: KindUnknown, Op: OpRotateSecret, Err: err}
	}
	if err := r.store.UpdateClientSecret(ctx, clientID, hash, r.now()); err != nil {
		return "", classify(OpRotateSecret, err)
	}

	r.logger.Info("Rotated OAuth client secret", "client_id", clientID)
	r.auditor.LogClientEvent(security.EventClientSecretRotated, clientID, client.OwnerID)
	r.metrics.RecordClientEvent(ctx, "secret_rotated")
	return secret, nil
}

// Deactivate permanently disables a client. Deactivating an inactive client
// succeeds without changes.
func (r *ClientRegistry) Deactivate(ctx context.Context, clientID string) error {
	client, err := r.Get(ctx, clientID)
	if err != nil {
		return classify(OpDeactivate, err)
	}
	if !client.Active {
		return nil
	}
	if err := r.store.DeactivateClient(ctx, clientID, r.now()); err != nil {
		return classify(OpDeactivate, err)
	}

	r.logger.Info("Deactivated OAuth client", "client_id", clientID)
	r.auditor.LogClientEvent(security.EventClientDeactivated, clientID, client.OwnerID)
	r.metrics.RecordClientEvent(ctx, "deactivated")
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
