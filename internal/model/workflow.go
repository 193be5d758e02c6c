package model

import "time"

// WorkflowRun is an execution of a directed graph of task definition nodes.
// Its max_workers bounds concurrency across every run in the workflow.
type WorkflowRun struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxWorkers int    `json:"max_workers"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	StoppedAt   *time.Time `json:"stopped_at,omitempty"`
}

// Status derives the workflow run's lifecycle status from its timestamps.
func (w *WorkflowRun) Status() string {
	switch {
	case w.CompletedAt != nil:
		return StatusCompleted
	case w.FailedAt != nil:
		return StatusFailed
	case w.StoppedAt != nil:
		return StatusStopped
	case w.StartedAt != nil:
		return StatusRunning
	default:
		return StatusPending
	}
}

// CanContinue reports whether the workflow may still dispatch work.
func (w *WorkflowRun) CanContinue() bool {
	s := w.Status()
	return s != StatusStopped && s != StatusFailed && s != StatusCompleted
}

// WorkflowNode binds one graph node to a task definition.
type WorkflowNode struct {
	ID               string    `json:"id"`
	WorkflowRunID    string    `json:"workflow_run_id"`
	TaskDefinitionID string    `json:"task_definition_id"`
	Name             string    `json:"name"`
	CreatedAt        time.Time `json:"created_at"`
}

// WorkflowEdge is a directed edge between two nodes of the same workflow.
// A node with multiple incoming edges is ready only when every source
// node's run has completed.
type WorkflowEdge struct {
	ID            string    `json:"id"`
	WorkflowRunID string    `json:"workflow_run_id"`
	SourceNodeID  string    `json:"source_node_id"`
	TargetNodeID  string    `json:"target_node_id"`
	CreatedAt     time.Time `json:"created_at"`
}
