package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments for the authorization server.
type Metrics struct {
	// Token endpoint
	TokenRequestsTotal   metric.Int64Counter
	TokenRequestDuration metric.Float64Histogram

	// Issuance
	AccessTokensIssued  metric.Int64Counter
	RefreshTokensIssued metric.Int64Counter
	AuthCodesIssued     metric.Int64Counter

	// Lifecycle
	TokensRevoked       metric.Int64Counter
	RefreshTokenRotated metric.Int64Counter

	// Failures
	GrantErrors          metric.Int64Counter
	PKCEValidationFailed metric.Int64Counter
	CodeReuseDetected    metric.Int64Counter

	// Storage
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageAccessTokensCount  metric.Int64ObservableGauge
	StorageAuthCodesCount     metric.Int64ObservableGauge
	StorageRefreshTokensCount metric.Int64ObservableGauge
	StorageClientsCount       metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments.
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	grantMeter := inst.Meter("grant")
	storageMeter := inst.Meter("storage")

	var err error
	m.TokenRequestsTotal, err = serverMeter.Int64Counter(
		"oauth.token.requests.total",
		metric.WithDescription("Total number of token endpoint requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.requests.total counter: %w", err)
	}

	m.TokenRequestDuration, err = serverMeter.Float64Histogram(
		"oauth.token.request.duration",
		metric.WithDescription("Token endpoint request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.request.duration histogram: %w", err)
	}

	m.AccessTokensIssued, err = grantMeter.Int64Counter(
		"oauth.access_tokens.issued",
		metric.WithDescription("Number of access tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create access_tokens.issued counter: %w", err)
	}

	m.RefreshTokensIssued, err = grantMeter.Int64Counter(
		"oauth.refresh_tokens.issued",
		metric.WithDescription("Number of refresh tokens issued"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh_tokens.issued counter: %w", err)
	}

	m.AuthCodesIssued, err = grantMeter.Int64Counter(
		"oauth.auth_codes.issued",
		metric.WithDescription("Number of authorization codes issued"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth_codes.issued counter: %w", err)
	}

	m.TokensRevoked, err = serverMeter.Int64Counter(
		"oauth.tokens.revoked",
		metric.WithDescription("Number of tokens revoked"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens.revoked counter: %w", err)
	}

	m.RefreshTokenRotated, err = grantMeter.Int64Counter(
		"oauth.refresh_tokens.rotated",
		metric.WithDescription("Number of refresh token rotations"),
		metric.WithUnit("{rotation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh_tokens.rotated counter: %w", err)
	}

	m.GrantErrors, err = grantMeter.Int64Counter(
		"oauth.grant.errors",
		metric.WithDescription("Number of failed grant executions by error code"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create grant.errors counter: %w", err)
	}

	m.PKCEValidationFailed, err = grantMeter.Int64Counter(
		"oauth.pkce.validation_failed",
		metric.WithDescription("Number of failed PKCE verifications"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pkce.validation_failed counter: %w", err)
	}

	m.CodeReuseDetected, err = grantMeter.Int64Counter(
		"oauth.code.reuse_detected",
		metric.WithDescription("Number of authorization code replay attempts"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create code.reuse_detected counter: %w", err)
	}

	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"oauth.storage.operations.total",
		metric.WithDescription("Total number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operations.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"oauth.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageAccessTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.access_tokens.count",
		metric.WithDescription("Number of access tokens in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.access_tokens.count gauge: %w", err)
	}

	m.StorageAuthCodesCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.auth_codes.count",
		metric.WithDescription("Number of authorization codes in storage"),
		metric.WithUnit("{code}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.auth_codes.count gauge: %w", err)
	}

	m.StorageRefreshTokensCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.refresh_tokens.count",
		metric.WithDescription("Number of refresh tokens in storage"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.refresh_tokens.count gauge: %w", err)
	}

	m.StorageClientsCount, err = storageMeter.Int64ObservableGauge(
		"oauth.storage.clients.count",
		metric.WithDescription("Number of clients in storage"),
		metric.WithUnit("{client}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.clients.count gauge: %w", err)
	}

	return m, nil
}

// RecordTokenRequest records one token endpoint request.
func (m *Metrics) RecordTokenRequest(ctx context.Context, grantType, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrResult, result),
	)
	m.TokenRequestsTotal.Add(ctx, 1, attrs)
	m.TokenRequestDuration.Record(ctx, durationMs, attrs)
}

// RecordGrantError records a failed grant execution.
func (m *Metrics) RecordGrantError(ctx context.Context, grantType, errorCode string) {
	m.GrantErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String(AttrGrantType, grantType),
		attribute.String(AttrError, errorCode),
	))
}

// RecordStorageOperation records one storage operation.
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := metric.WithAttributes(
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageResult, result),
	)
	m.StorageOperationTotal.Add(ctx, 1, attrs)
	m.StorageOperationDuration.Record(ctx, durationMs, attrs)
}
