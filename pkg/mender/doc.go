// Package mender implements the deployment engine (C5): the state machine
// that authenticates with the update service, polls for a pending
// deployment, streams and verifies its artifact into the inactive flash
// slot, and drives the device through reboot, commit, and (on failure)
// rollback, surviving a process restart or power loss at any step.
//
// The engine is deliberately built around the same tick-driven,
// mutex-guarded shape as the scheduler's other periodic work: a single
// exported method per work item, each safe to call repeatedly from
// pkg/scheduler with no internal goroutines of its own (gzstream.go
// decompresses gzip members synchronously).
package mender
