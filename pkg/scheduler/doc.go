// Package scheduler implements the cooperative work scheduler (C4): a set of
// named, independently periodic work items driven by a single worker so that
// at most one item's function body ever executes at a time, and a given item
// is never re-entered while its previous execution is still running.
//
// The shape follows the ticker-plus-stopCh control loop pattern,
// generalized from a single hardcoded loop into any number of named, independently configurable
// ones sharing one worker goroutine.
package scheduler
