package model

import "time"

// TaskDefinition identifies a unit-of-work type. It is immutable for the
// duration of a run: concurrency caps, retry limits and the runner binding
// are all read from it and never written back.
type TaskDefinition struct {
	ID   string `json:"id"`
	Name string `json:"name"`

	// Runner is the registry key of the runner implementation executing
	// processes of this definition. Resolved at startup, never by dynamic
	// name construction.
	Runner string `json:"runner"`

	// Agents lists the workers assigned to this definition. Processes are
	// prepared per (agent x artifact group); an empty list produces a
	// single unassigned process per group.
	Agents []string `json:"agents,omitempty"`

	MaxWorkers        int    `json:"max_workers"`
	MaxProcessRetries int    `json:"max_process_retries"`
	TimeoutAfterS     int    `json:"timeout_after_s"`
	OutputSchemaID    string `json:"output_schema_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TimeoutAfter returns the execution deadline as a duration. Zero means
// processes of this definition never time out.
func (d *TaskDefinition) TimeoutAfter() time.Duration {
	return time.Duration(d.TimeoutAfterS) * time.Second
}
