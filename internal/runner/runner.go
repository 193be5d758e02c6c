// Package runner defines the per-work-type strategy contract that the
// execution engine drives, along with the pluggable error classifier that
// separates transient infrastructure failures from permanent ones.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// ErrTransient marks an execution failure caused by infrastructure
// flakiness. Failures wrapping it are recorded as incomplete and stay
// eligible for retry; everything else is recorded as a permanent failure.
var ErrTransient = errors.New("transient runner error")

// Transient wraps err so the default classifier treats it as retryable.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Runner is the pluggable strategy implementing the actual work of a
// process. The engine owns all lifecycle state; runners only partition
// inputs, prepare, execute, and react to external events.
type Runner interface {
	// Partition splits a run's input artifacts into groups, one process
	// per (agent x group). Returning a single group yields one process
	// per agent.
	Partition(ctx context.Context, inputs []*model.Artifact) ([][]*model.Artifact, error)

	// Prepare validates configuration and readies the process for
	// execution. An error leaves the process incomplete.
	Prepare(ctx context.Context, proc *model.Process, inputs []*model.Artifact) error

	// Execute performs the work and returns any output artifacts. The
	// engine persists outputs and records success; an error is classified
	// retryable-vs-permanent by the engine's classifier.
	Execute(ctx context.Context, proc *model.Process, inputs []*model.Artifact) ([]*model.Artifact, error)

	// OnEvent delivers an externally-triggered continuation, e.g. a
	// webhook resuming a waiting process.
	OnEvent(ctx context.Context, proc *model.Process, payload []byte) error
}

// Classifier decides whether an execution failure may be retried.
type Classifier interface {
	IsRetryable(err error) bool
}

// DefaultClassifier treats failures marked Transient and context deadline
// expiry as retryable, everything else as permanent.
type DefaultClassifier struct{}

// IsRetryable implements Classifier.
func (DefaultClassifier) IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
