// Package metrics exposes Prometheus counters, histograms, and a small JSON
// health/readiness/liveness surface for the agent process. Deployment,
// scheduler, authentication, and protocol activity all record here; the
// agent's optional local HTTP server mounts Handler, HealthHandler,
// ReadyHandler, and LivenessHandler side by side.
package metrics
