// Package instrumentation provides OpenTelemetry metrics for the gateway,
// exported in Prometheus format on a dedicated metrics port.
//
// # Cardinality
//
// Metric labels are restricted to closed, low-cardinality sets: flow names,
// outcome codes, operation names, breaker states, and HTTP status classes.
// User identifiers never appear as label values; when a per-user dimension
// is unavoidable, use the email's domain, not the address.
package instrumentation
