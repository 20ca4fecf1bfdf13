package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the authorization server
type Metrics struct {
	// HTTP Layer Metrics
	HTTPRequestsTotal   metric.Int64Counter
	HTTPRequestDuration metric.Float64Histogram

	// Grant Engine Metrics
	CodesIssued     metric.Int64Counter
	TokensIssued    metric.Int64Counter
	TokensRefreshed metric.Int64Counter
	GrantFailures   metric.Int64Counter
	Authentications metric.Int64Counter

	// Security Metrics
	RateLimitExceeded metric.Int64Counter
	CodeReuseDetected metric.Int64Counter
	AuditEventsTotal  metric.Int64Counter

	// Storage Metrics
	StorageOperationTotal    metric.Int64Counter
	StorageOperationDuration metric.Float64Histogram
	StorageClients           metric.Int64ObservableGauge
	StorageCodes             metric.Int64ObservableGauge
	StorageAccessTokens      metric.Int64ObservableGauge
	StorageRefreshTokens     metric.Int64ObservableGauge
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}

	httpMeter := inst.Meter("http")
	serverMeter := inst.Meter("server")
	securityMeter := inst.Meter("security")
	storageMeter := inst.Meter("storage")

	var err error
	counter := func(meter metric.Meter, name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(meter metric.Meter, name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("ms"))
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}
	gauge := func(name, desc string) metric.Int64ObservableGauge {
		if err != nil {
			return nil
		}
		var g metric.Int64ObservableGauge
		g, err = storageMeter.Int64ObservableGauge(name, metric.WithDescription(desc), metric.WithUnit("{item}"))
		if err != nil {
			err = fmt.Errorf("failed to create %s gauge: %w", name, err)
		}
		return g
	}

	m.HTTPRequestsTotal = counter(httpMeter, "oauth.http.requests", "Total number of HTTP requests", "{request}")
	m.HTTPRequestDuration = histogram(httpMeter, "oauth.http.request.duration", "HTTP request duration in milliseconds")

	m.CodesIssued = counter(serverMeter, "oauth.codes.issued", "Number of authorization codes issued", "{code}")
	m.TokensIssued = counter(serverMeter, "oauth.tokens.issued", "Number of access tokens issued per grant type", "{token}")
	m.TokensRefreshed = counter(serverMeter, "oauth.tokens.refreshed", "Number of refresh grants", "{token}")
	m.GrantFailures = counter(serverMeter, "oauth.grant.failures", "Number of failed grant requests by error code", "{failure}")
	m.Authentications = counter(serverMeter, "oauth.authentications", "Number of bearer authentications by result", "{request}")

	m.RateLimitExceeded = counter(securityMeter, "oauth.security.rate_limit_exceeded", "Number of rate limited requests", "{request}")
	m.CodeReuseDetected = counter(securityMeter, "oauth.security.code_reuse", "Number of redemptions of already consumed codes", "{attempt}")
	m.AuditEventsTotal = counter(securityMeter, "oauth.audit.events", "Number of security audit events", "{event}")

	m.StorageOperationTotal = counter(storageMeter, "oauth.storage.operations", "Number of storage operations", "{operation}")
	m.StorageOperationDuration = histogram(storageMeter, "oauth.storage.operation.duration", "Storage operation duration in milliseconds")
	m.StorageClients = gauge("oauth.storage.clients", "Number of registered clients")
	m.StorageCodes = gauge("oauth.storage.codes", "Number of stored authorization codes")
	m.StorageAccessTokens = gauge("oauth.storage.access_tokens", "Number of stored access tokens")
	m.StorageRefreshTokens = gauge("oauth.storage.refresh_tokens", "Number of stored refresh tokens")

	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, endpoint string, statusCode int, durationMs float64) {
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("endpoint", endpoint),
		attribute.Int("status", statusCode),
	))
	m.HTTPRequestDuration.Record(ctx, durationMs, metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// RecordCodeIssued records an issued authorization code
func (m *Metrics) RecordCodeIssued(ctx context.Context, clientID string) {
	m.CodesIssued.Add(ctx, 1, metric.WithAttributes(attribute.String("client_id", clientID)))
}

// RecordTokenIssued records an access token issued through grantType
func (m *Metrics) RecordTokenIssued(ctx context.Context, clientID, grantType string) {
	m.TokensIssued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.String("grant_type", grantType),
	))
}

// RecordTokenRefresh records a refresh grant
func (m *Metrics) RecordTokenRefresh(ctx context.Context, clientID string, rotated bool) {
	m.TokensRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("client_id", clientID),
		attribute.Bool("rotated", rotated),
	))
}

// RecordGrantFailure records a failed authorize or token request
func (m *Metrics) RecordGrantFailure(ctx context.Context, endpoint, errorCode string) {
	m.GrantFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("endpoint", endpoint),
		attribute.String("error", errorCode),
	))
}

// RecordAuthentication records the outcome of a bearer authentication
func (m *Metrics) RecordAuthentication(ctx context.Context, result string) {
	m.Authentications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(attribute.String("limiter_type", limiterType)))
}

// RecordCodeReuseDetected records an authorization code reuse attempt
func (m *Metrics) RecordCodeReuseDetected(ctx context.Context) {
	m.CodeReuseDetected.Add(ctx, 1)
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("result", result),
	))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
