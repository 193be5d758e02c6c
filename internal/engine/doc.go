// Package engine orchestrates process, run and workflow lifecycles. It owns
// every dispatch decision: slot-bounded, FIFO-by-creation launching under
// per-entity lease locks, retry and restart policy, and timeout detection.
package engine
