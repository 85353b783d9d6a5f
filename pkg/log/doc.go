// Package log provides structured logging for the agent using zerolog.
//
// A single global logger is configured once via Init and then narrowed
// with WithComponent/WithDeploymentID/WithSessionID/WithWorkItem to attach
// context fields without threading a logger through every call site.
package log
