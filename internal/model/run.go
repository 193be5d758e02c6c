package model

import "time"

// Run represents one execution of a TaskDefinition against a set of input
// artifacts, composed of one or more Processes.
type Run struct {
	ID               string `json:"id"`
	TaskDefinitionID string `json:"task_definition_id"`

	// WorkflowRunID and WorkflowNodeID are set when the run executes a
	// workflow node; otherwise both are empty.
	WorkflowRunID  string `json:"workflow_run_id,omitempty"`
	WorkflowNodeID string `json:"workflow_node_id,omitempty"`

	ErrorCount int `json:"error_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// Status derives the run's lifecycle status from its timestamps.
func (r *Run) Status() string {
	switch {
	case r.CompletedAt != nil:
		return StatusCompleted
	case r.FailedAt != nil:
		return StatusFailed
	case r.StoppedAt != nil:
		return StatusStopped
	case r.StartedAt != nil:
		return StatusRunning
	default:
		return StatusPending
	}
}

// CanContinue reports whether the run may still dispatch work.
func (r *Run) CanContinue() bool {
	s := r.Status()
	return s != StatusStopped && s != StatusFailed && s != StatusCompleted
}

// InWorkflow reports whether the run belongs to a workflow run.
func (r *Run) InWorkflow() bool {
	return r.WorkflowRunID != ""
}
