package storage

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcp-memory/authz/instrumentation"
)

// Storage operation result labels.
const (
	resultSuccess  = "success"
	resultRejected = "rejected"
	resultError    = "error"
)

// Instrumented wraps a Store with a span and a metric per operation.
type Instrumented struct {
	next    Store
	backend string
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

var _ Store = (*Instrumented)(nil)

// WithInstrumentation decorates next. backend names the implementation in
// span attributes ("memory", "sqlite", "postgres", "redis"). A nil inst
// returns next unchanged.
func WithInstrumentation(next Store, backend string, inst *instrumentation.Instrumentation) Store {
	if inst == nil {
		return next
	}
	return &Instrumented{
		next:    next,
		backend: backend,
		tracer:  inst.Tracer("storage"),
		metrics: inst.Metrics(),
	}
}

// Unwrap returns the decorated store.
func (s *Instrumented) Unwrap() Store {
	return s.next
}

func (s *Instrumented) start(ctx context.Context, operation string) (context.Context, trace.Span, time.Time) {
	ctx, span := s.tracer.Start(ctx, "storage."+operation)
	instrumentation.AddStorageAttributes(span, operation, s.backend)
	return ctx, span, time.Now()
}

func (s *Instrumented) finish(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	defer span.End()

	result := resultSuccess
	switch {
	case err == nil:
		instrumentation.SetSpanSuccess(span)
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrExpired),
		errors.Is(err, ErrAlreadyConsumed), errors.Is(err, ErrAlreadyExists):
		// an expected outcome, not a backend fault
		result = resultRejected
		span.SetAttributes(attribute.String(instrumentation.AttrError, err.Error()))
	default:
		result = resultError
		instrumentation.RecordError(span, err)
	}
	span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))

	durationMs := float64(time.Since(start).Microseconds()) / 1000
	s.metrics.RecordStorageOperation(ctx, operation, result, durationMs)
}

func (s *Instrumented) CreateClient(ctx context.Context, client *Client) (err error) {
	ctx, span, start := s.start(ctx, "create_client")
	defer func() { s.finish(ctx, span, "create_client", start, err) }()
	return s.next.CreateClient(ctx, client)
}

func (s *Instrumented) GetClient(ctx context.Context, clientID string) (_ *Client, err error) {
	ctx, span, start := s.start(ctx, "get_client")
	defer func() { s.finish(ctx, span, "get_client", start, err) }()
	return s.next.GetClient(ctx, clientID)
}

func (s *Instrumented) ListClients(ctx context.Context, ownerID string) (_ []*Client, err error) {
	ctx, span, start := s.start(ctx, "list_clients")
	defer func() { s.finish(ctx, span, "list_clients", start, err) }()
	return s.next.ListClients(ctx, ownerID)
}

func (s *Instrumented) UpdateClientSecret(ctx context.Context, clientID, secretHash string, rotatedAt time.Time) (err error) {
	ctx, span, start := s.start(ctx, "update_client_secret")
	defer func() { s.finish(ctx, span, "update_client_secret", start, err) }()
	return s.next.UpdateClientSecret(ctx, clientID, secretHash, rotatedAt)
}

func (s *Instrumented) DeactivateClient(ctx context.Context, clientID string, at time.Time) (err error) {
	ctx, span, start := s.start(ctx, "deactivate_client")
	defer func() { s.finish(ctx, span, "deactivate_client", start, err) }()
	return s.next.DeactivateClient(ctx, clientID, at)
}

func (s *Instrumented) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) (err error) {
	ctx, span, start := s.start(ctx, "save_code")
	defer func() { s.finish(ctx, span, "save_code", start, err) }()
	return s.next.SaveAuthorizationCode(ctx, code)
}

func (s *Instrumented) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *AuthorizationCode, err error) {
	ctx, span, start := s.start(ctx, "get_code")
	defer func() { s.finish(ctx, span, "get_code", start, err) }()
	return s.next.GetAuthorizationCode(ctx, codeHash)
}

func (s *Instrumented) ConsumeAuthorizationCode(ctx context.Context, codeHash string, now time.Time, check func(*AuthorizationCode) error) (_ *AuthorizationCode, err error) {
	ctx, span, start := s.start(ctx, "consume_code")
	defer func() { s.finish(ctx, span, "consume_code", start, err) }()
	return s.next.ConsumeAuthorizationCode(ctx, codeHash, now, check)
}

func (s *Instrumented) SaveAccessToken(ctx context.Context, token *AccessToken) (err error) {
	ctx, span, start := s.start(ctx, "save_access_token")
	defer func() { s.finish(ctx, span, "save_access_token", start, err) }()
	return s.next.SaveAccessToken(ctx, token)
}

func (s *Instrumented) GetAccessToken(ctx context.Context, tokenHash string) (_ *AccessToken, err error) {
	ctx, span, start := s.start(ctx, "get_access_token")
	defer func() { s.finish(ctx, span, "get_access_token", start, err) }()
	return s.next.GetAccessToken(ctx, tokenHash)
}

func (s *Instrumented) RevokeAccessToken(ctx context.Context, tokenHash string, at time.Time) (err error) {
	ctx, span, start := s.start(ctx, "revoke_access_token")
	defer func() { s.finish(ctx, span, "revoke_access_token", start, err) }()
	return s.next.RevokeAccessToken(ctx, tokenHash, at)
}

func (s *Instrumented) SaveRefreshToken(ctx context.Context, token *RefreshToken) (err error) {
	ctx, span, start := s.start(ctx, "save_refresh_token")
	defer func() { s.finish(ctx, span, "save_refresh_token", start, err) }()
	return s.next.SaveRefreshToken(ctx, token)
}

func (s *Instrumented) GetRefreshToken(ctx context.Context, tokenHash string) (_ *RefreshToken, err error) {
	ctx, span, start := s.start(ctx, "get_refresh_token")
	defer func() { s.finish(ctx, span, "get_refresh_token", start, err) }()
	return s.next.GetRefreshToken(ctx, tokenHash)
}

func (s *Instrumented) RevokeRefreshToken(ctx context.Context, tokenHash string, at time.Time) (err error) {
	ctx, span, start := s.start(ctx, "revoke_refresh_token")
	defer func() { s.finish(ctx, span, "revoke_refresh_token", start, err) }()
	return s.next.RevokeRefreshToken(ctx, tokenHash, at)
}

func (s *Instrumented) RotateRefreshToken(ctx context.Context, tokenHash string, now time.Time, check func(*RefreshToken) error, next *TokenPair) (_ *RefreshToken, err error) {
	ctx, span, start := s.start(ctx, "rotate_refresh_token")
	defer func() { s.finish(ctx, span, "rotate_refresh_token", start, err) }()
	return s.next.RotateRefreshToken(ctx, tokenHash, now, check, next)
}

func (s *Instrumented) RevokeTokenFamily(ctx context.Context, familyID string, at time.Time) (_ int, err error) {
	ctx, span, start := s.start(ctx, "revoke_token_family")
	defer func() { s.finish(ctx, span, "revoke_token_family", start, err) }()
	return s.next.RevokeTokenFamily(ctx, familyID, at)
}

func (s *Instrumented) ListActiveRefreshTokens(ctx context.Context, clientID, userID string, now time.Time) (_ []*RefreshToken, err error) {
	ctx, span, start := s.start(ctx, "list_active_refresh_tokens")
	defer func() { s.finish(ctx, span, "list_active_refresh_tokens", start, err) }()
	return s.next.ListActiveRefreshTokens(ctx, clientID, userID, now)
}

func (s *Instrumented) DeleteExpired(ctx context.Context, before time.Time) (_ SweepResult, err error) {
	ctx, span, start := s.start(ctx, "delete_expired")
	defer func() { s.finish(ctx, span, "delete_expired", start, err) }()
	return s.next.DeleteExpired(ctx, before)
}

func (s *Instrumented) Ping(ctx context.Context) (err error) {
	ctx, span, start := s.start(ctx, "ping")
	defer func() { s.finish(ctx, span, "ping", start, err) }()
	return s.next.Ping(ctx)
}

func (s *Instrumented) Close() error {
	return s.next.Close()
}
