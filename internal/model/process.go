package model

import "time"

// Process status constants, derived from timestamp fields.
const (
	StatusPending    = "pending"
	StatusDispatched = "dispatched"
	StatusRunning    = "running"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusIncomplete = "incomplete"
	StatusStopped    = "stopped"
	StatusTimeout    = "timeout"
)

// Process is one independently dispatchable unit of execution within a Run.
// Its status is never stored; it is derived from the nullable timestamp
// fields so there is a single source of truth that cannot drift.
type Process struct {
	ID             string     `json:"id"`
	RunID          string     `json:"run_id"`
	AgentID        string     `json:"agent_id,omitempty"`
	IsReady        bool       `json:"is_ready"`
	RestartCount   int        `json:"restart_count"`
	ErrorCount     int        `json:"error_count"`
	OutputSchemaID string     `json:"output_schema_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`

	// ParentProcessID points forward at the replacement Process after a
	// restart. Every tombstoned predecessor in a restart chain references
	// the active Process directly, so history lookups never chase more
	// than one hop.
	ParentProcessID string `json:"parent_process_id,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FailedAt     *time.Time `json:"failed_at,omitempty"`
	IncompleteAt *time.Time `json:"incomplete_at,omitempty"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// Status derives the lifecycle status of the process from its timestamps.
// Precedence runs terminal-first: a completed_at always wins, and among
// failure markers the most specific one wins.
func (p *Process) Status() string {
	switch {
	case p.CompletedAt != nil:
		return StatusCompleted
	case p.FailedAt != nil:
		return StatusFailed
	case p.TimeoutAt != nil:
		return StatusTimeout
	case p.StoppedAt != nil:
		return StatusStopped
	case p.IncompleteAt != nil:
		return StatusIncomplete
	case p.StartedAt != nil:
		return StatusRunning
	case p.DispatchedAt != nil:
		return StatusDispatched
	default:
		return StatusPending
	}
}

// IsTerminal reports whether the process has reached a state from which it
// will not be dispatched again without an explicit resume or restart.
func (p *Process) IsTerminal() bool {
	switch p.Status() {
	case StatusCompleted, StatusFailed, StatusStopped, StatusTimeout, StatusIncomplete:
		return true
	}
	return false
}

// Runnable reports whether a worker may start executing this process: it
// must be prepared, not superseded, and still pending or dispatched.
func (p *Process) Runnable() bool {
	if !p.IsReady || p.DeletedAt != nil {
		return false
	}
	s := p.Status()
	return s == StatusPending || s == StatusDispatched
}

// redeliverAfter is how long a dispatched process may sit unstarted before
// a dispatch pass hands it out again. Covers workers that crash between
// hand-off and start.
const redeliverAfter = time.Minute

// Launchable reports whether a dispatch pass may hand this process to a
// worker. A process already dispatched holds its slot and is not handed
// out again until the previous hand-off has gone stale.
func (p *Process) Launchable(now time.Time) bool {
	if !p.IsReady || p.DeletedAt != nil {
		return false
	}
	switch p.Status() {
	case StatusPending:
		return true
	case StatusDispatched:
		return now.After(p.DispatchedAt.Add(redeliverAfter))
	}
	return false
}

// Overdue reports whether a running process has exceeded its deadline.
// A zero timeout means the process never times out.
func (p *Process) Overdue(timeoutAfter time.Duration, now time.Time) bool {
	if p.StartedAt == nil || timeoutAfter <= 0 {
		return false
	}
	return p.Status() == StatusRunning && now.After(p.StartedAt.Add(timeoutAfter))
}
