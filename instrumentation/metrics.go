package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Metrics holds all metric instruments.
type Metrics struct {
	// Authorization code grant
	AuthorizationsTotal metric.Int64Counter
	CodesExchanged      metric.Int64Counter
	ExchangeFailures    metric.Int64Counter
	CodeReuseDetected   metric.Int64Counter

	// Tokens
	TokenValidations   metric.Int64Counter
	TokensRefreshed    metric.Int64Counter
	RefreshFailures    metric.Int64Counter
	TokenReuseDetected metric.Int64Counter
	TokensRevoked      metric.Int64Counter

	// Clients
	ClientEvents       metric.Int64Counter
	ClientAuthFailures metric.Int64Counter
	RateLimitExceeded  metric.Int64Counter

	// Storage
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClients           metric.Int64ObservableGauge
	StorageCodes             metric.Int64ObservableGauge
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge

	// Janitor
	SweepsTotal    metric.Int64Counter
	SweptRowsTotal metric.Int64Counter
}

type counterSpec struct {
	dst  *metric.Int64Counter
	name string
	desc string
	unit string
}

func newMetrics(server, storage metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	serverCounters := []counterSpec{
		{&m.AuthorizationsTotal, "authz.authorizations", "Authorization requests by result", "{request}"},
		{&m.CodesExchanged, "authz.codes.exchanged", "Authorization codes exchanged for tokens", "{code}"},
		{&m.ExchangeFailures, "authz.exchange.failures", "Failed code exchanges by internal kind", "{failure}"},
		{&m.CodeReuseDetected, "authz.code.reuse", "Consumed authorization codes presented again", "{event}"},
		{&m.TokenValidations, "authz.token.validations", "Access token validations by result", "{validation}"},
		{&m.TokensRefreshed, "authz.tokens.refreshed", "Successful refresh token rotations", "{rotation}"},
		{&m.RefreshFailures, "authz.refresh.failures", "Failed refresh rotations by internal kind", "{failure}"},
		{&m.TokenReuseDetected, "authz.refresh.reuse", "Rotated or revoked refresh tokens presented again", "{event}"},
		{&m.TokensRevoked, "authz.tokens.revoked", "Revoked tokens by type and reason", "{token}"},
		{&m.ClientEvents, "authz.client.events", "Client lifecycle events", "{event}"},
		{&m.ClientAuthFailures, "authz.client.auth.failures", "Failed client authentications", "{failure}"},
		{&m.RateLimitExceeded, "authz.rate_limit.exceeded", "Requests rejected by a rate limiter", "{request}"},
		{&m.SweepsTotal, "authz.janitor.sweeps", "Expired row sweeps by result", "{sweep}"},
		{&m.SweptRowsTotal, "authz.janitor.rows_deleted", "Expired rows deleted by kind", "{row}"},
	}
	for _, c := range serverCounters {
		counter, err := server.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s counter: %w", c.name, err)
		}
		*c.dst = counter
	}

	var err error
	m.StorageOperationTotal, err = storage.Int64Counter(
		"authz.storage.operations",
		metric.WithDescription("Storage operations by operation and result"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations counter: %w", err)
	}

	m.StorageOperationDuration, err = storage.Float64Histogram(
		"authz.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	gauges := []struct {
		dst  *metric.Int64ObservableGauge
		name string
		desc string
	}{
		{&m.StorageClients, "authz.storage.clients", "Registered clients"},
		{&m.StorageCodes, "authz.storage.codes", "Stored authorization codes"},
		{&m.StorageAccessTokens, "authz.storage.access_tokens", "Stored access tokens"},
		{&m.StorageRefreshTokens, "authz.storage.refresh_tokens", "Stored refresh tokens"},
	}
	for _, g := range gauges {
		gauge, err := storage.Int64ObservableGauge(g.name, metric.WithDescription(g.desc))
		if err != nil {
			return nil, fmt.Errorf("failed to create %s gauge: %w", g.name, err)
		}
		*g.dst = gauge
	}

	return m, nil
}

// RecordAuthorization counts an authorize request.
func (m *Metrics) RecordAuthorization(ctx context.Context, clientID, result string) {
	m.AuthorizationsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("result", result),
	))
}

// RecordCodeExchange counts a successful exchange.
func (m *Metrics) RecordCodeExchange(ctx context.Context, clientID, pkceMethod string) {
	if pkceMethod == "" {
		pkceMethod = "none"
	}
	m.CodesExchanged.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("pkce_method", pkceMethod),
	))
}

// RecordExchangeFailure counts a failed exchange by internal error kind.
func (m *Metrics) RecordExchangeFailure(ctx context.Context, kind string) {
	m.ExchangeFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCodeReuseDetected counts a replayed code.
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordTokenValidation counts a validation. result is "valid" or the
// internal kind of the failure.
func (m *Metrics) RecordTokenValidation(ctx context.Context, result string) {
	m.TokenValidations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTokenRefresh counts a successful rotation.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordRefreshFailure counts a failed rotation by internal error kind.
func (m *Metrics) RecordRefreshFailure(ctx context.Context, kind string) {
	m.RefreshFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTokenReuseDetected counts a replayed refresh token.
func (m *Metrics) RecordTokenReuseDetected(ctx context.Context) {
	m.TokenReuseDetected.Add(ctx, 1)
}

// RecordTokenRevocation counts revoked tokens.
func (m *Metrics) RecordTokenRevocation(ctx context.Context, tokenType, reason string, n int) {
	if n <= 0 {
		return
	}
	m.TokensRevoked.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("token_type", tokenType),
		attribute.String("reason", reason),
	))
}

// RecordClientEvent counts a client lifecycle event such as "registered".
func (m *Metrics) RecordClientEvent(ctx context.Context, event string) {
	m.ClientEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordClientAuthFailure counts a failed client authentication.
func (m *Metrics) RecordClientAuthFailure(ctx context.Context) {
	m.ClientAuthFailures.Add(ctx, 1)
}

// RecordRateLimitExceeded counts a throttled request.
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordStorageOperation records a storage operation and its latency.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}

// RecordSweep records one janitor pass.
func (m *Metrics) RecordSweep(ctx context.Context, result string, codes, accessTokens, refreshTokens int) {
	m.SweepsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	for kind, n := range map[string]int{
		"code":          codes,
		"access_token":  accessTokens,
		"refresh_token": refreshTokens,
	} {
		if n > 0 {
			m.SweptRowsTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
		}
	}
}
