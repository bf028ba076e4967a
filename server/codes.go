package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mcp-memory/authz/instrumentation"
	"github.com/mcp-memory/authz/internal/util"
	"github.com/mcp-memory/authz/security"
	"github.com/mcp-memory/authz/storage"
)

// IssueRequest carries an approved authorization request.
type IssueRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// CodeManager issues authorization codes and consumes them exactly once.
type CodeManager struct {
	*core

	clients *ClientRegistry
}

// Issue validates req against the client and stores a new code. It returns
// the plaintext code, which is never stored, and the stored record.
func (m *CodeManager) Issue(ctx context.Context, req IssueRequest) (string, *storage.AuthorizationCode, error) {
	if req.UserID == "" {
		return "", nil, newError(OpAuthorize, KindInvalidRequest, "user is required")
	}

	client, err := m.clients.lookup(ctx, OpAuthorize, req.ClientID)
	if err != nil {
		return "", nil, err
	}
	if err := checkRedirect(client, req.RedirectURI); err != nil {
		return "", nil, err
	}
	scopes, err := grantScopes(client, req.Scopes)
	if err != nil {
		return "", nil, err
	}
	method, err := m.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		return "", nil, &Error{Kind: KindInvalidRequest, Op: OpAuthorize, Err: err}
	}

	code := m.tokens.GenerateID()
	now := m.now()
	record := &storage.AuthorizationCode{
		CodeHash:            security.TokenKey(code),
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(m.config.CodeTTL()),
	}
	if err := m.store.SaveAuthorizationCode(ctx, record); err != nil {
		return "", nil, classify(OpAuthorize, err)
	}

	m.logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"code_id", util.SafeTruncate(record.CodeHash, tokenIDLogLength),
		"scope", util.JoinScope(scopes),
		"pkce", method != "")
	m.auditor.LogCodeIssued(req.UserID, client.ClientID, scopes, method != "")

	return code, record, nil
}

// ValidateAndConsume marks code used after checking that it was issued to
// clientID for redirectURI and that verifier satisfies its challenge. A
// failed check leaves the code unused.
//
// A code that was already used yields KindAlreadyConsumed together with the
// stored record, so the caller can revoke what was issued for it.
func (m *CodeManager) ValidateAndConsume(ctx context.Context, code, clientID, redirectURI, verifier string) (*storage.AuthorizationCode, error) {
	ctx, span := m.startSpan(ctx, "consume_code")
	defer span.End()

	if code == "" {
		return nil, newError(OpExchange, KindInvalidRequest, "code is required")
	}
	hash := security.TokenKey(code)
	instrumentation.SetSpanAttributes(span,
		attribute.String(instrumentation.AttrTokenKeyPrefix, util.SafeTruncate(hash, tokenIDLogLength)))

	record, err := m.store.ConsumeAuthorizationCode(ctx, hash, m.now(), func(stored *storage.AuthorizationCode) error {
		if stored.ClientID != clientID {
			return newError(OpExchange, KindClientMismatch, "code was issued to another client")
		}
		if stored.RedirectURI != redirectURI {
			return newError(OpExchange, KindRedirectMismatch, "redirect_uri does not match the authorization request")
		}
		if err := verifyPKCE(stored.CodeChallenge, stored.CodeChallengeMethod, verifier); err != nil {
			return &Error{Kind: KindPKCEMismatch, Op: OpExchange, Err: err}
		}
		return nil
	})
	if err != nil {
		recordSpanError(span, err)
		if errors.Is(err, storage.ErrAlreadyConsumed) {
			instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
			return record, classify(OpExchange, err)
		}
		return nil, classify(OpExchange, err)
	}

	instrumentation.SetSpanSuccess(span)
	return record, nil
}
