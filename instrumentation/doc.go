// Package instrumentation wires OpenTelemetry metrics and tracing for the
// authorization server.
//
// When enabled, metrics are collected by an OpenTelemetry SDK meter provider
// and exported through a dedicated Prometheus registry; Handler serves them in
// the Prometheus text format. Traces go to an SDK tracer provider with
// whatever span processors the caller supplies. When disabled, no-op
// providers are used and recording costs nothing.
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "authz",
//		ServiceVersion: version,
//		Enabled:        true,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.Handler())
//
// Span attributes never carry credential values. Codes and tokens appear at
// most as the first characters of their storage digest.
package instrumentation
