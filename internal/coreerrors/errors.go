// Package coreerrors defines the sentinel and structured error kinds shared
// across the shuttle orchestration core.
package coreerrors

import (
	"errors"
	"fmt"
)

// Sentinel kinds that callers check with errors.Is.
var (
	// ErrLockBusy means a resource lock is held by another owner. Dispatcher
	// and Scheduler Worker treat this as "skip this tick", never as a
	// user-visible error.
	ErrLockBusy = errors.New("lock held by another owner")

	// ErrNoPathFound means the pathfinder's open set emptied before reaching
	// the goal.
	ErrNoPathFound = errors.New("no path found")

	// ErrPathReconstructionError means step reconstruction detected a cycle
	// (self-visited node or more than 1000 iterations) rather than returning
	// a corrupt path.
	ErrPathReconstructionError = errors.New("path reconstruction produced a cycle")

	// ErrQueueFull is returned by admission control when a low-priority
	// submission cannot be accepted.
	ErrQueueFull = errors.New("staging queue is full")
)

// ValidationError wraps malformed ingestion payloads, unknown racks, and
// duplicate palletIds. Always surfaced as 4xx; never mutates state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for %s: %s", e.Field, e.Reason)
}

// NotFoundError wraps a missing cell/QR/floor/shuttle lookup. Callers decide
// how to react: Scheduler Worker re-queues, Dispatcher skips the tick, Event
// Listener logs and marks the task failed.
type NotFoundError struct {
	Kind string // "cell", "qr", "floor", "shuttle", "task", "batch"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// BrokerError wraps a transient or permanent publish/subscribe failure on
// the shuttle command bus.
type BrokerError struct {
	Topic string
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker error publishing to %s: %v", e.Topic, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// StateInconsistency marks an observed condition that is logged but does
// not trigger automatic recovery — e.g. a shuttle reporting
// pickupCompleted=true but isCarrying=false at the safety exit node.
type StateInconsistency struct {
	Context string
	Detail  string
}

func (e *StateInconsistency) Error() string {
	return fmt.Sprintf("state inconsistency (%s): %s", e.Context, e.Detail)
}
