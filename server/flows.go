package server

import (
	"context"
	"errors"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// Token type hints accepted by RevokeToken (RFC 7009).
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token" //nolint:gosec // hint value, not a credential
)

// Grant types as reported on spans.
const (
	grantTypeAuthorizationCode = "authorization_code"
	grantTypeRefreshToken      = "refresh_token"
)

// TokenTypeBearer is the token_type of every issued access token.
const TokenTypeBearer = "Bearer"

// AuthorizeRequest is an authorization request the resource owner approved.
// UserID identifies that owner; authenticating them is the caller's job.
type AuthorizeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// ExchangeRequest is an authorization_code grant.
type ExchangeRequest struct {
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
}

// RefreshRequest is a refresh_token grant. Empty Scopes keeps the granted
// scope.
type RefreshRequest struct {
	ClientID     string
	ClientSecret string
	RefreshToken string
	Scopes       []string
}

// RevokeRequest is a token revocation request (RFC 7009).
type RevokeRequest struct {
	ClientID      string
	ClientSecret  string
	Token         string
	TokenTypeHint string
}

// TokenResult is a freshly issued token pair.
type TokenResult struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scopes       []string

	// ExpiresIn is the access token lifetime in seconds.
	ExpiresIn int64

	ClientID         string
	UserID           string
	FamilyID         string
	AccessExpiresAt  time.Time
	RefreshExpiresAt time.Time
}

// Scope returns the space-delimited scope string.
func (r *TokenResult) Scope() string {
	return util.JoinScope(r.Scopes)
}

func (s *Server) newTokenResult(accessToken, refreshToken string, access *storage.AccessToken, refresh *storage.RefreshToken) *TokenResult {
	return &TokenResult{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		TokenType:        TokenTypeBearer,
		Scopes:           slices.Clone(access.Scopes),
		ExpiresIn:        expiresIn(s.now(), access.ExpiresAt),
		ClientID:         access.ClientID,
		UserID:           access.UserID,
		FamilyID:         access.FamilyID,
		AccessExpiresAt:  access.ExpiresAt,
		RefreshExpiresAt: refresh.ExpiresAt,
	}
}

// Authorize issues an authorization code for an approved request and returns
// its plaintext. The caller redirects to req.RedirectURI with the code and
// req.State.
func (s *Server) Authorize(ctx context.Context, req AuthorizeRequest) (string, error) {
	ctx, span := s.startSpan(ctx, "authorize")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, util.JoinScope(req.Scopes))

	code, record, err := s.codes.Issue(ctx, IssueRequest{
		ClientID:            req.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              req.Scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	})
	if err != nil {
		recordSpanError(span, err)
		s.metrics.RecordAuthorization(ctx, req.ClientID, KindOf(err).String())
		s.auditor.LogAuthFailure(req.UserID, req.ClientID, KindOf(err).String())
		s.logger.Debug("Authorization request rejected",
			"client_id", req.ClientID,
			"kind", KindOf(err).String(),
			"error", err)
		return "", err
	}

	if record.CodeChallengeMethod != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrPKCEMethod, record.CodeChallengeMethod))
	}
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordAuthorization(ctx, req.ClientID, instrumentation.ResultSuccess)
	s.logger.Info("Authorization code issued",
		"client_id", record.ClientID,
		"scope", util.JoinScope(record.Scopes))
	return code, nil
}

// Exchange redeems an authorization code for a token pair. The code is
// consumed exactly once; of N concurrent exchanges at most one succeeds.
func (s *Server) Exchange(ctx context.Context, req ExchangeRequest) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "exchange")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantTypeAuthorizationCode))

	result, err := s.exchange(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		s.metrics.RecordExchangeFailure(ctx, KindOf(err).String())
		s.logger.Debug("Code exchange failed",
			"client_id", req.ClientID,
			"kind", KindOf(err).String(),
			"error", err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) exchange(ctx context.Context, req ExchangeRequest) (*TokenResult, error) {
	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, classify(OpExchange, err)
	}

	code, err := s.codes.ValidateAndConsume(ctx, req.Code, client.ClientID, req.RedirectURI, req.CodeVerifier)
	if err != nil {
		if KindOf(err) == KindAlreadyConsumed && code != nil {
			s.handleCodeReplay(ctx, code)
		} else {
			s.auditor.LogAuthFailure("", client.ClientID, KindOf(err).String())
		}
		return nil, err
	}

	// Every token descending from this code shares its digest as family ID.
	familyID := code.CodeHash
	if err := s.enforceRefreshCap(ctx, code.ClientID, code.UserID); err != nil {
		return nil, classify(OpExchange, err)
	}

	accessToken, access, err := s.access.Issue(ctx, code.ClientID, code.UserID, code.Scopes, familyID)
	if err != nil {
		return nil, err
	}
	refreshToken, refresh, err := s.refresh.Issue(ctx, access, code.Scopes)
	if err != nil {
		if rerr := s.store.RevokeAccessToken(ctx, access.TokenHash, s.now()); rerr != nil {
			s.logger.Error("Failed to revoke orphaned access token",
				"client_id", code.ClientID,
				"error", rerr)
		}
		return nil, err
	}

	s.logger.Info("Issued tokens for authorization code",
		"client_id", code.ClientID,
		"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
		"scope", util.JoinScope(code.Scopes))
	s.auditor.LogTokenIssued(code.UserID, code.ClientID, code.Scopes)
	s.metrics.RecordCodeExchange(ctx, code.ClientID, code.CodeChallengeMethod)

	return s.newTokenResult(accessToken, refreshToken, access, refresh), nil
}

// handleCodeReplay reacts to a consumed code presented again by revoking
// everything issued for it.
func (s *Server) handleCodeReplay(ctx context.Context, code *storage.AuthorizationCode) {
	s.metrics.RecordCodeReuseDetected(ctx)

	revoked := 0
	if !s.config.DisableReplayRevocation {
		n, err := s.refresh.revokeFamily(ctx, code.CodeHash, reasonCodeReplay)
		if err != nil {
			s.logger.Error("Failed to revoke token family after authorization code reuse",
				"client_id", code.ClientID,
				"error", err)
		}
		revoked = n
	}

	s.logger.Warn("Authorization code reuse detected",
		"client_id", code.ClientID,
		"code_id", util.SafeTruncate(code.CodeHash, tokenIDLogLength),
		"used_at", code.UsedAt,
		"tokens_revoked", revoked)
	s.auditor.LogReuseDetected(security.EventAuthorizationCodeReuseDetected, code.UserID, code.ClientID, revoked)
}

// enforceRefreshCap revokes the oldest families of a (client, user) pair so
// that one more refresh token fits under MaxRefreshTokensPerUserClient.
func (s *Server) enforceRefreshCap(ctx context.Context, clientID, userID string) error {
	limit := s.config.MaxRefreshTokensPerUserClient
	if limit <= 0 {
		return nil
	}

	active, err := s.store.ListActiveRefreshTokens(ctx, clientID, userID, s.now())
	if err != nil {
		return err
	}
	for i := 0; i < len(active)-limit+1; i++ {
		oldest := active[i]
		n, err := s.refresh.revokeFamily(ctx, oldest.FamilyID, reasonCapExceeded)
		if err != nil {
			return err
		}
		s.auditor.LogFamilyRevoked(userID, clientID, reasonCapExceeded, n)
	}
	return nil
}

// Refresh rotates a refresh token into a new token pair.
func (s *Server) Refresh(ctx context.Context, req RefreshRequest) (*TokenResult, error) {
	ctx, span := s.startSpan(ctx, "refresh")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", util.JoinScope(req.Scopes))
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrGrantType, grantTypeRefreshToken))

	result, err := s.rotate(ctx, req)
	if err != nil {
		recordSpanError(span, err)
		s.metrics.RecordRefreshFailure(ctx, KindOf(err).String())
		s.logger.Debug("Token refresh failed",
			"client_id", req.ClientID,
			"kind", KindOf(err).String(),
			"error", err)
		return nil, err
	}
	instrumentation.SetSpanSuccess(span)
	return result, nil
}

func (s *Server) rotate(ctx context.Context, req RefreshRequest) (*TokenResult, error) {
	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		return nil, classify(OpRefresh, err)
	}

	rotation, err := s.refresh.Rotate(ctx, req.RefreshToken, client.ClientID, req.Scopes)
	if err != nil {
		if KindOf(err) != KindAlreadyConsumed {
			s.auditor.LogAuthFailure("", client.ClientID, KindOf(err).String())
		}
		return nil, err
	}
	return s.newTokenResult(rotation.AccessToken, rotation.RefreshToken, rotation.Pair.Access, rotation.Pair.Refresh), nil
}

// ValidateToken resolves a bearer access token. Tokens of deactivated
// clients are rejected with KindClientInactive.
func (s *Server) ValidateToken(ctx context.Context, accessToken string) (*storage.AccessToken, error) {
	ctx, span := s.startSpan(ctx, "validate_token")
	defer span.End()

	record, err := s.validateToken(ctx, accessToken)
	if err != nil {
		recordSpanError(span, err)
		s.metrics.RecordTokenValidation(ctx, KindOf(err).String())
		return nil, err
	}

	instrumentation.AddOAuthFlowAttributes(span, record.ClientID, record.UserID, util.JoinScope(record.Scopes))
	instrumentation.SetSpanSuccess(span)
	s.metrics.RecordTokenValidation(ctx, instrumentation.ResultSuccess)
	return record, nil
}

func (s *Server) validateToken(ctx context.Context, accessToken string) (*storage.AccessToken, error) {
	record, err := s.access.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	client, err := s.store.GetClient(ctx, record.ClientID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && !client.Active) {
		return nil, newError(OpValidate, KindClientInactive, "")
	}
	if err != nil {
		return nil, classify(OpValidate, err)
	}
	return record, nil
}

// RevokeToken revokes an access or refresh token on behalf of an
// authenticated client (RFC 7009). Unknown tokens and tokens issued to other
// clients succeed without changes. Revoking a refresh token revokes its
// whole family.
func (s *Server) RevokeToken(ctx context.Context, req RevokeRequest) error {
	ctx, span := s.startSpan(ctx, "revoke")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")
	if req.TokenTypeHint != "" {
		instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrTokenType, req.TokenTypeHint))
	}

	client, err := s.clients.Authenticate(ctx, req.ClientID, req.ClientSecret)
	if err != nil {
		err = classify(OpRevoke, err)
		recordSpanError(span, err)
		return err
	}
	if err := s.revoke(ctx, client.ClientID, req.Token, req.TokenTypeHint); err != nil {
		recordSpanError(span, err)
		return err
	}
	instrumentation.SetSpanSuccess(span)
	return nil
}

// AdminRevokeToken revokes a token regardless of the client it was issued
// to. It is meant for operators, not for protocol requests.
func (s *Server) AdminRevokeToken(ctx context.Context, token, tokenTypeHint string) error {
	return s.revoke(ctx, "", token, tokenTypeHint)
}

// revoke looks the token up in the order the hint suggests. An empty
// clientID skips the ownership check.
func (s *Server) revoke(ctx context.Context, clientID, token, hint string) error {
	if token == "" {
		return newError(OpRevoke, KindInvalidRequest, "token is required")
	}

	lookups := []func(context.Context, string, string) (bool, error){s.revokeAccess, s.revokeRefresh}
	if hint == TokenTypeHintRefreshToken {
		slices.Reverse(lookups)
	}
	for _, lookup := range lookups {
		found, err := lookup(ctx, clientID, token)
		if err != nil || found {
			return err
		}
	}
	return nil
}

func (s *Server) revokeAccess(ctx context.Context, clientID, token string) (bool, error) {
	record, err := s.access.lookup(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify(OpRevoke, err)
	}
	if clientID != "" && record.ClientID != clientID {
		s.logger.Warn("Ignoring revocation of a token issued to another client",
			"client_id", clientID,
			"token_type", TokenTypeHintAccessToken)
		return true, nil
	}
	if err := s.access.Revoke(ctx, token); err != nil {
		return true, err
	}
	s.auditor.LogTokenRevoked(record.UserID, record.ClientID, TokenTypeHintAccessToken)
	return true, nil
}

func (s *Server) revokeRefresh(ctx context.Context, clientID, token string) (bool, error) {
	record, err := s.refresh.lookup(ctx, token)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, classify(OpRevoke, err)
	}
	if clientID != "" && record.ClientID != clientID {
		s.logger.Warn("Ignoring revocation of a token issued to another client",
			"client_id", clientID,
			"token_type", TokenTypeHintRefreshToken)
		return true, nil
	}
	if err := s.refresh.Revoke(ctx, token); err != nil {
		return true, err
	}
	n, err := s.refresh.revokeFamily(ctx, record.FamilyID, reasonExplicit)
	if err != nil {
		return true, err
	}
	s.auditor.LogTokenRevoked(record.UserID, record.ClientID, TokenTypeHintRefreshToken)
	if n > 0 {
		s.auditor.LogFamilyRevoked(record.UserID, record.ClientID, reasonExplicit, n)
	}
	return true, nil
}

// RegisterClient registers a client and returns it with its plaintext secret.
func (s *Server) RegisterClient(ctx context.Context, req RegisterRequest) (*storage.Client, string, error) {
	return s.clients.Register(ctx, req)
}

// RotateClientSecret issues a new secret for clientID.
func (s *Server) RotateClientSecret(ctx context.Context, clientID string) (string, error) {
	return s.clients.RotateSecret(ctx, clientID)
}

// DeactivateClient disables clientID. Its tokens stop validating at once.
func (s *Server) DeactivateClient(ctx context.Context, clientID string) error {
	return s.clients.Deactivate(ctx, clientID)
}

// GetClient returns a client, active or not.
func (s *Server) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	return s.clients.Get(ctx, clientID)
}

// ListClients returns clients owned by ownerID, or all clients when empty.
func (s *Server) ListClients(ctx context.Context, ownerID string) ([]*storage.Client, error) {
	return s.clients.List(ctx, ownerID)
}
