// Package instrumentation provides OpenTelemetry instrumentation for the authorization server.
//
// It exposes SDK meter and tracer providers, a set of pre-registered metric
// instruments, and nil-safe span helpers used by the HTTP layer, the grant
// engine and the stores.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:     "my-oauth-service",
//		ServiceVersion:  "1.0.0",
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
//	srv.SetInstrumentation(inst)
//	http.Handle("/metrics", promhttp.Handler())
//
// # Available Metrics
//
// HTTP Layer:
//   - oauth.http.requests{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Grant Engine:
//   - oauth.codes.issued{client_id}
//   - oauth.tokens.issued{client_id, grant_type}
//   - oauth.tokens.refreshed{client_id, rotated}
//   - oauth.grant.failures{endpoint, error}
//   - oauth.authentications{result}
//
// Security:
//   - oauth.security.rate_limit_exceeded{limiter_type}
//   - oauth.security.code_reuse
//   - oauth.audit.events{event_type}
//
// Storage:
//   - oauth.storage.operations{operation, result}
//   - oauth.storage.operation.duration{operation}
//   - oauth.storage.clients, oauth.storage.codes, oauth.storage.access_tokens, oauth.storage.refresh_tokens
//
// # Privacy
//
// Credentials never appear in spans or metric attributes. Client IPs are only
// attached when Config.LogClientIPs is set.
package instrumentation
