// Package store persists runs, processes, artifacts and workflow graphs,
// and answers the ordered, filtered queries the dispatcher relies on.
package store

import (
	"context"
	"errors"

	"github.com/newms87/gpt-manager-sub003/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Stats holds aggregate execution statistics.
type Stats struct {
	TotalRuns        int            `json:"total_runs"`
	TotalProcesses   int            `json:"total_processes"`
	ProcessesByState map[string]int `json:"processes_by_state"`
	AvgProcessMS     float64        `json:"avg_process_ms"`
}

// Store defines the persistence operations for the orchestration engine.
// Implementations must make individual updates atomic; cross-record
// consistency is the caller's job, scoped by the lock service.
type Store interface {
	// Task definitions.
	UpsertTaskDefinition(ctx context.Context, d *model.TaskDefinition) error
	GetTaskDefinition(ctx context.Context, id string) (*model.TaskDefinition, error)

	// Runs.
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	UpdateRun(ctx context.Context, r *model.Run) error
	ListRunsByWorkflow(ctx context.Context, workflowRunID string) ([]*model.Run, error)
	// GetRunByNode returns the newest run bound to a workflow node.
	GetRunByNode(ctx context.Context, nodeID string) (*model.Run, error)
	// ListActiveRuns returns standalone runs that are started and not yet
	// terminal, for the timeout sweeper.
	ListActiveRuns(ctx context.Context) ([]*model.Run, error)

	// Processes.
	CreateProcess(ctx context.Context, p *model.Process) error
	GetProcess(ctx context.Context, id string) (*model.Process, error)
	UpdateProcess(ctx context.Context, p *model.Process) error
	// ListProcessesByRun returns non-superseded processes of a run in
	// creation order.
	ListProcessesByRun(ctx context.Context, runID string) ([]*model.Process, error)
	// ListOpenProcessesByRun returns non-superseded, non-completed
	// processes of a run in creation order.
	ListOpenProcessesByRun(ctx context.Context, runID string) ([]*model.Process, error)
	// ListOpenProcessesByWorkflow returns non-superseded, non-completed
	// processes across every run of a workflow, ordered globally by
	// creation time. This ordering is the cross-run FIFO guarantee.
	ListOpenProcessesByWorkflow(ctx context.Context, workflowRunID string) ([]*model.Process, error)
	// CountActiveProcesses counts dispatched-or-running processes of a run.
	CountActiveProcesses(ctx context.Context, runID string) (int, error)
	// CountActiveProcessesByWorkflow counts dispatched-or-running
	// processes across every run of a workflow.
	CountActiveProcessesByWorkflow(ctx context.Context, workflowRunID string) (int, error)
	// SupersedeProcess tombstones a process and points it at its
	// replacement.
	SupersedeProcess(ctx context.Context, id, replacementID string) error
	// RepointRestartChain redirects every tombstone referencing oldID to
	// newID, keeping restart chains one hop deep.
	RepointRestartChain(ctx context.Context, oldID, newID string) error
	// ListRestartChain returns the tombstoned predecessors pointing at the
	// given active process, oldest first.
	ListRestartChain(ctx context.Context, activeID string) ([]*model.Process, error)
	DeleteProcessesByRun(ctx context.Context, runID string) error
	// RecordDispatch notes which worker launched a process.
	RecordDispatch(ctx context.Context, processID, workerID string) error

	// Artifacts.
	CreateArtifact(ctx context.Context, a *model.Artifact) error
	GetArtifact(ctx context.Context, id string) (*model.Artifact, error)
	ListArtifactChildren(ctx context.Context, parentID string) ([]*model.Artifact, error)
	AttachRunArtifacts(ctx context.Context, runID, io string, artifactIDs []string) error
	ListRunArtifacts(ctx context.Context, runID, io string) ([]*model.Artifact, error)
	ClearRunArtifacts(ctx context.Context, runID, io string) error
	AttachProcessArtifacts(ctx context.Context, processID, io string, artifactIDs []string) error
	ListProcessArtifacts(ctx context.Context, processID, io string) ([]*model.Artifact, error)

	// Workflows.
	UpsertWorkflowRun(ctx context.Context, w *model.WorkflowRun) error
	GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error)
	UpdateWorkflowRun(ctx context.Context, w *model.WorkflowRun) error
	ListActiveWorkflowRuns(ctx context.Context) ([]*model.WorkflowRun, error)
	UpsertWorkflowNode(ctx context.Context, n *model.WorkflowNode) error
	GetWorkflowNode(ctx context.Context, id string) (*model.WorkflowNode, error)
	ListWorkflowNodes(ctx context.Context, workflowRunID string) ([]*model.WorkflowNode, error)
	UpsertWorkflowEdge(ctx context.Context, e *model.WorkflowEdge) error
	ListEdgesFrom(ctx context.Context, nodeID string) ([]*model.WorkflowEdge, error)
	ListEdgesInto(ctx context.Context, nodeID string) ([]*model.WorkflowEdge, error)

	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
