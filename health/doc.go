// Package health serves the worker's operational HTTP surface: liveness
// and readiness probes, the Prometheus exposition endpoint, and the
// dead letter admin API (list, peek, replay, purge).
//
// Liveness is a wedge detector: it fails when the fetch loop has not
// come around within the liveness window. Readiness reflects whether
// the worker should receive traffic-shaping trust: it requires a
// running state and a healthy broker connection.
package health
