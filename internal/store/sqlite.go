package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/newms87/gpt-manager-sub003/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_definitions (
    id                  TEXT PRIMARY KEY,
    name                TEXT NOT NULL,
    runner              TEXT NOT NULL,
    agents              TEXT NOT NULL DEFAULT '[]',
    max_workers         INTEGER NOT NULL DEFAULT 1,
    max_process_retries INTEGER NOT NULL DEFAULT 0,
    timeout_after_s     INTEGER NOT NULL DEFAULT 0,
    output_schema_id    TEXT NOT NULL DEFAULT '',
    created_at          DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
    id                 TEXT PRIMARY KEY,
    task_definition_id TEXT NOT NULL,
    workflow_run_id    TEXT NOT NULL DEFAULT '',
    workflow_node_id   TEXT NOT NULL DEFAULT '',
    error_count        INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL,
    started_at         DATETIME,
    completed_at       DATETIME,
    failed_at          DATETIME,
    stopped_at         DATETIME
);

CREATE TABLE IF NOT EXISTS processes (
    id                TEXT PRIMARY KEY,
    run_id            TEXT NOT NULL,
    agent_id          TEXT NOT NULL DEFAULT '',
    is_ready          INTEGER NOT NULL DEFAULT 0,
    restart_count     INTEGER NOT NULL DEFAULT 0,
    error_count       INTEGER NOT NULL DEFAULT 0,
    output_schema_id  TEXT NOT NULL DEFAULT '',
    last_error        TEXT NOT NULL DEFAULT '',
    parent_process_id TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    dispatched_at     DATETIME,
    started_at        DATETIME,
    completed_at      DATETIME,
    failed_at         DATETIME,
    incomplete_at     DATETIME,
    stopped_at        DATETIME,
    timeout_at        DATETIME,
    deleted_at        DATETIME
);
CREATE INDEX IF NOT EXISTS idx_processes_run ON processes (run_id, created_at, id);

CREATE TABLE IF NOT EXISTS artifacts (
    id                       TEXT PRIMARY KEY,
    owner_task_definition_id TEXT NOT NULL DEFAULT '',
    parent_artifact_id       TEXT NOT NULL DEFAULT '',
    name                     TEXT NOT NULL,
    payload                  BLOB,
    created_at               DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS run_artifacts (
    run_id      TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    io          TEXT NOT NULL,
    PRIMARY KEY (run_id, artifact_id, io)
);

CREATE TABLE IF NOT EXISTS process_artifacts (
    process_id  TEXT NOT NULL,
    artifact_id TEXT NOT NULL,
    io          TEXT NOT NULL,
    PRIMARY KEY (process_id, artifact_id, io)
);

CREATE TABLE IF NOT EXISTS process_dispatches (
    process_id TEXT NOT NULL,
    worker_id  TEXT NOT NULL,
    created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_runs (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    max_workers  INTEGER NOT NULL DEFAULT 1,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    completed_at DATETIME,
    failed_at    DATETIME,
    stopped_at   DATETIME
);

CREATE TABLE IF NOT EXISTS workflow_nodes (
    id                 TEXT PRIMARY KEY,
    workflow_run_id    TEXT NOT NULL,
    task_definition_id TEXT NOT NULL,
    name               TEXT NOT NULL,
    created_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_edges (
    id              TEXT PRIMARY KEY,
    workflow_run_id TEXT NOT NULL,
    source_node_id  TEXT NOT NULL,
    target_node_id  TEXT NOT NULL,
    created_at      DATETIME NOT NULL
);
`

// activeProcess matches processes that are dispatched or running: they hold
// a concurrency slot.
const activeProcess = `dispatched_at IS NOT NULL
	AND completed_at IS NULL AND failed_at IS NULL AND incomplete_at IS NULL
	AND stopped_at IS NULL AND timeout_at IS NULL AND deleted_at IS NULL`

const processColumns = `id, run_id, agent_id, is_ready, restart_count, error_count,
	output_schema_id, last_error, parent_process_id, created_at, dispatched_at,
	started_at, completed_at, failed_at, incomplete_at, stopped_at, timeout_at, deleted_at`

const runColumns = `id, task_definition_id, workflow_run_id, workflow_node_id,
	error_count, created_at, started_at, completed_at, failed_at, stopped_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must be
	// pinned to a single connection or each query may land on a fresh,
	// empty database.
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertTaskDefinition inserts or replaces a task definition.
func (s *SQLiteStore) UpsertTaskDefinition(ctx context.Context, d *model.TaskDefinition) error {
	agents, err := json.Marshal(d.Agents)
	if err != nil {
		return fmt.Errorf("marshal agents: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO task_definitions (
			id, name, runner, agents, max_workers, max_process_retries,
			timeout_after_s, output_schema_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Name, d.Runner, string(agents), d.MaxWorkers, d.MaxProcessRetries,
		d.TimeoutAfterS, d.OutputSchemaID, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert task definition: %w", err)
	}
	return nil
}

// GetTaskDefinition retrieves a task definition by ID.
func (s *SQLiteStore) GetTaskDefinition(ctx context.Context, id string) (*model.TaskDefinition, error) {
	d := &model.TaskDefinition{}
	var agents string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, runner, agents, max_workers, max_process_retries,
			timeout_after_s, output_schema_id, created_at
		FROM task_definitions WHERE id = ?`, id,
	).Scan(
		&d.ID, &d.Name, &d.Runner, &agents, &d.MaxWorkers, &d.MaxProcessRetries,
		&d.TimeoutAfterS, &d.OutputSchemaID, &d.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task definition: %w", err)
	}
	if err := json.Unmarshal([]byte(agents), &d.Agents); err != nil {
		return nil, fmt.Errorf("unmarshal agents: %w", err)
	}
	return d, nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TaskDefinitionID, r.WorkflowRunID, r.WorkflowNodeID,
		r.ErrorCount, r.CreatedAt, r.StartedAt, r.CompletedAt, r.FailedAt, r.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func scanRun(scan func(dest ...any) error) (*model.Run, error) {
	r := &model.Run{}
	err := scan(
		&r.ID, &r.TaskDefinitionID, &r.WorkflowRunID, &r.WorkflowNodeID,
		&r.ErrorCount, &r.CreatedAt, &r.StartedAt, &r.CompletedAt, &r.FailedAt, &r.StoppedAt,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// UpdateRun writes back every mutable run field.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.Run) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET error_count = ?, started_at = ?, completed_at = ?,
			failed_at = ?, stopped_at = ? WHERE id = ?`,
		r.ErrorCount, r.StartedAt, r.CompletedAt, r.FailedAt, r.StoppedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return checkAffected(result)
}

// ListRunsByWorkflow returns every run of a workflow in creation order.
func (s *SQLiteStore) ListRunsByWorkflow(ctx context.Context, workflowRunID string) ([]*model.Run, error) {
	return s.listRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_run_id = ? ORDER BY created_at, id`,
		workflowRunID)
}

// GetRunByNode returns the newest run bound to a workflow node.
func (s *SQLiteStore) GetRunByNode(ctx context.Context, nodeID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_node_id = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`, nodeID)
	r, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run by node: %w", err)
	}
	return r, nil
}

// ListActiveRuns returns standalone runs that are started and not terminal.
func (s *SQLiteStore) ListActiveRuns(ctx context.Context) ([]*model.Run, error) {
	return s.listRuns(ctx,
		`SELECT `+runColumns+` FROM runs
		WHERE workflow_run_id = '' AND started_at IS NOT NULL
			AND completed_at IS NULL AND failed_at IS NULL AND stopped_at IS NULL
		ORDER BY created_at, id`)
}

func (s *SQLiteStore) listRuns(ctx context.Context, query string, args ...any) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// CreateProcess inserts a new process record.
func (s *SQLiteStore) CreateProcess(ctx context.Context, p *model.Process) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (`+processColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.RunID, p.AgentID, p.IsReady, p.RestartCount, p.ErrorCount,
		p.OutputSchemaID, p.LastError, p.ParentProcessID, p.CreatedAt, p.DispatchedAt,
		p.StartedAt, p.CompletedAt, p.FailedAt, p.IncompleteAt, p.StoppedAt, p.TimeoutAt, p.DeletedAt,
	)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func scanProcess(scan func(dest ...any) error) (*model.Process, error) {
	p := &model.Process{}
	err := scan(
		&p.ID, &p.RunID, &p.AgentID, &p.IsReady, &p.RestartCount, &p.ErrorCount,
		&p.OutputSchemaID, &p.LastError, &p.ParentProcessID, &p.CreatedAt, &p.DispatchedAt,
		&p.StartedAt, &p.CompletedAt, &p.FailedAt, &p.IncompleteAt, &p.StoppedAt, &p.TimeoutAt, &p.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetProcess retrieves a process by ID, including superseded records.
func (s *SQLiteStore) GetProcess(ctx context.Context, id string) (*model.Process, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+processColumns+` FROM processes WHERE id = ?`, id)
	p, err := scanProcess(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return p, nil
}

// UpdateProcess writes back every mutable process field.
func (s *SQLiteStore) UpdateProcess(ctx context.Context, p *model.Process) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE processes SET agent_id = ?, is_ready = ?, restart_count = ?,
			error_count = ?, output_schema_id = ?, last_error = ?, parent_process_id = ?,
			dispatched_at = ?, started_at = ?, completed_at = ?, failed_at = ?,
			incomplete_at = ?, stopped_at = ?, timeout_at = ?, deleted_at = ?
		WHERE id = ?`,
		p.AgentID, p.IsReady, p.RestartCount, p.ErrorCount, p.OutputSchemaID,
		p.LastError, p.ParentProcessID, p.DispatchedAt, p.StartedAt, p.CompletedAt,
		p.FailedAt, p.IncompleteAt, p.StoppedAt, p.TimeoutAt, p.DeletedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	return checkAffected(result)
}

// ListProcessesByRun returns non-superseded processes of a run in creation order.
func (s *SQLiteStore) ListProcessesByRun(ctx context.Context, runID string) ([]*model.Process, error) {
	return s.listProcesses(ctx,
		`SELECT `+processColumns+` FROM processes
		WHERE run_id = ? AND deleted_at IS NULL ORDER BY created_at, id`, runID)
}

// ListOpenProcessesByRun returns non-superseded, non-completed processes of
// a run in creation order.
func (s *SQLiteStore) ListOpenProcessesByRun(ctx context.Context, runID string) ([]*model.Process, error) {
	return s.listProcesses(ctx,
		`SELECT `+processColumns+` FROM processes
		WHERE run_id = ? AND deleted_at IS NULL AND completed_at IS NULL
		ORDER BY created_at, id`, runID)
}

// ListOpenProcessesByWorkflow returns non-superseded, non-completed
// processes across every run of a workflow ordered globally by creation
// time. The cross-run ordering is the dispatcher's fairness guarantee.
func (s *SQLiteStore) ListOpenProcessesByWorkflow(ctx context.Context, workflowRunID string) ([]*model.Process, error) {
	return s.listProcesses(ctx,
		`SELECT p.id, p.run_id, p.agent_id, p.is_ready, p.restart_count, p.error_count,
			p.output_schema_id, p.last_error, p.parent_process_id, p.created_at, p.dispatched_at,
			p.started_at, p.completed_at, p.failed_at, p.incomplete_at, p.stopped_at, p.timeout_at, p.deleted_at
		FROM processes p
		JOIN runs r ON r.id = p.run_id
		WHERE r.workflow_run_id = ? AND p.deleted_at IS NULL AND p.completed_at IS NULL
		ORDER BY p.created_at, p.id`, workflowRunID)
}

func (s *SQLiteStore) listProcesses(ctx context.Context, query string, args ...any) ([]*model.Process, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var procs []*model.Process
	for rows.Next() {
		p, err := scanProcess(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate processes: %w", err)
	}
	return procs, nil
}

// CountActiveProcesses counts dispatched-or-running processes of a run.
func (s *SQLiteStore) CountActiveProcesses(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processes WHERE run_id = ? AND `+activeProcess, runID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active processes: %w", err)
	}
	return n, nil
}

// CountActiveProcessesByWorkflow counts dispatched-or-running processes
// across every run of a workflow.
func (s *SQLiteStore) CountActiveProcessesByWorkflow(ctx context.Context, workflowRunID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processes p
		JOIN runs r ON r.id = p.run_id
		WHERE r.workflow_run_id = ? AND p.`+nestedActive, workflowRunID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workflow active processes: %w", err)
	}
	return n, nil
}

// nestedActive is activeProcess with column references qualified for joins.
const nestedActive = `dispatched_at IS NOT NULL
	AND p.completed_at IS NULL AND p.failed_at IS NULL AND p.incomplete_at IS NULL
	AND p.stopped_at IS NULL AND p.timeout_at IS NULL AND p.deleted_at IS NULL`

// SupersedeProcess tombstones a process and points it at its replacement.
func (s *SQLiteStore) SupersedeProcess(ctx context.Context, id, replacementID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE processes SET deleted_at = ?, parent_process_id = ? WHERE id = ?`,
		time.Now().UTC(), replacementID, id,
	)
	if err != nil {
		return fmt.Errorf("supersede process: %w", err)
	}
	return checkAffected(result)
}

// RepointRestartChain redirects every tombstone referencing oldID to newID,
// keeping restart chains flat: every predecessor points directly at the
// active process, never through an intermediate.
func (s *SQLiteStore) RepointRestartChain(ctx context.Context, oldID, newID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE processes SET parent_process_id = ?
		WHERE parent_process_id = ? AND deleted_at IS NOT NULL`,
		newID, oldID,
	)
	if err != nil {
		return fmt.Errorf("repoint restart chain: %w", err)
	}
	return nil
}

// ListRestartChain returns the tombstoned predecessors pointing at the
// given active process, oldest first.
func (s *SQLiteStore) ListRestartChain(ctx context.Context, activeID string) ([]*model.Process, error) {
	return s.listProcesses(ctx,
		`SELECT `+processColumns+` FROM processes
		WHERE parent_process_id = ? AND deleted_at IS NOT NULL
		ORDER BY created_at, id`, activeID)
}

// DeleteProcessesByRun hard-deletes every process of a run along with its
// artifact and dispatch associations. Used on run restart.
func (s *SQLiteStore) DeleteProcessesByRun(ctx context.Context, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM process_artifacts WHERE process_id IN
			(SELECT id FROM processes WHERE run_id = ?)`, runID); err != nil {
		return fmt.Errorf("delete process artifacts: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM process_dispatches WHERE process_id IN
			(SELECT id FROM processes WHERE run_id = ?)`, runID); err != nil {
		return fmt.Errorf("delete process dispatches: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM processes WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("delete processes: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecordDispatch notes which worker launched a process.
func (s *SQLiteStore) RecordDispatch(ctx context.Context, processID, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO process_dispatches (process_id, worker_id, created_at) VALUES (?, ?, ?)`,
		processID, workerID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record dispatch: %w", err)
	}
	return nil
}

// CreateArtifact inserts a new artifact record.
func (s *SQLiteStore) CreateArtifact(ctx context.Context, a *model.Artifact) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, owner_task_definition_id, parent_artifact_id, name, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.OwnerTaskDefinitionID, a.ParentArtifactID, a.Name, []byte(a.Payload), a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func scanArtifact(scan func(dest ...any) error) (*model.Artifact, error) {
	a := &model.Artifact{}
	var payload []byte
	err := scan(&a.ID, &a.OwnerTaskDefinitionID, &a.ParentArtifactID, &a.Name, &payload, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	a.Payload = payload
	return a, nil
}

// GetArtifact retrieves an artifact by ID.
func (s *SQLiteStore) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_task_definition_id, parent_artifact_id, name, payload, created_at
		FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	return a, nil
}

// ListArtifactChildren returns the direct children of an artifact.
func (s *SQLiteStore) ListArtifactChildren(ctx context.Context, parentID string) ([]*model.Artifact, error) {
	return s.listArtifacts(ctx,
		`SELECT id, owner_task_definition_id, parent_artifact_id, name, payload, created_at
		FROM artifacts WHERE parent_artifact_id = ? ORDER BY created_at, id`, parentID)
}

func (s *SQLiteStore) listArtifacts(ctx context.Context, query string, args ...any) ([]*model.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var arts []*model.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		arts = append(arts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return arts, nil
}

// AttachRunArtifacts associates artifacts with a run as inputs or outputs.
func (s *SQLiteStore) AttachRunArtifacts(ctx context.Context, runID, io string, artifactIDs []string) error {
	for _, id := range artifactIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO run_artifacts (run_id, artifact_id, io) VALUES (?, ?, ?)`,
			runID, id, io); err != nil {
			return fmt.Errorf("attach run artifact: %w", err)
		}
	}
	return nil
}

// ListRunArtifacts returns artifacts associated with a run for the given direction.
func (s *SQLiteStore) ListRunArtifacts(ctx context.Context, runID, io string) ([]*model.Artifact, error) {
	return s.listArtifacts(ctx,
		`SELECT a.id, a.owner_task_definition_id, a.parent_artifact_id, a.name, a.payload, a.created_at
		FROM artifacts a
		JOIN run_artifacts ra ON ra.artifact_id = a.id
		WHERE ra.run_id = ? AND ra.io = ?
		ORDER BY a.created_at, a.id`, runID, io)
}

// ClearRunArtifacts removes a run's artifact associations for the given
// direction. The artifacts themselves are shared and stay behind.
func (s *SQLiteStore) ClearRunArtifacts(ctx context.Context, runID, io string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM run_artifacts WHERE run_id = ? AND io = ?`, runID, io); err != nil {
		return fmt.Errorf("clear run artifacts: %w", err)
	}
	return nil
}

// AttachProcessArtifacts associates artifacts with a process as inputs or outputs.
func (s *SQLiteStore) AttachProcessArtifacts(ctx context.Context, processID, io string, artifactIDs []string) error {
	for _, id := range artifactIDs {
		if _, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO process_artifacts (process_id, artifact_id, io) VALUES (?, ?, ?)`,
			processID, id, io); err != nil {
			return fmt.Errorf("attach process artifact: %w", err)
		}
	}
	return nil
}

// ListProcessArtifacts returns artifacts associated with a process for the
// given direction.
func (s *SQLiteStore) ListProcessArtifacts(ctx context.Context, processID, io string) ([]*model.Artifact, error) {
	return s.listArtifacts(ctx,
		`SELECT a.id, a.owner_task_definition_id, a.parent_artifact_id, a.name, a.payload, a.created_at
		FROM artifacts a
		JOIN process_artifacts pa ON pa.artifact_id = a.id
		WHERE pa.process_id = ? AND pa.io = ?
		ORDER BY a.created_at, a.id`, processID, io)
}

// UpsertWorkflowRun inserts or replaces a workflow run.
func (s *SQLiteStore) UpsertWorkflowRun(ctx context.Context, w *model.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_runs (id, name, max_workers, created_at,
			started_at, completed_at, failed_at, stopped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.Name, w.MaxWorkers, w.CreatedAt, w.StartedAt, w.CompletedAt, w.FailedAt, w.StoppedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow run: %w", err)
	}
	return nil
}

func scanWorkflowRun(scan func(dest ...any) error) (*model.WorkflowRun, error) {
	w := &model.WorkflowRun{}
	err := scan(&w.ID, &w.Name, &w.MaxWorkers, &w.CreatedAt,
		&w.StartedAt, &w.CompletedAt, &w.FailedAt, &w.StoppedAt)
	if err != nil {
		return nil, err
	}
	return w, nil
}

// GetWorkflowRun retrieves a workflow run by ID.
func (s *SQLiteStore) GetWorkflowRun(ctx context.Context, id string) (*model.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, max_workers, created_at, started_at, completed_at, failed_at, stopped_at
		FROM workflow_runs WHERE id = ?`, id)
	w, err := scanWorkflowRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow run: %w", err)
	}
	return w, nil
}

// UpdateWorkflowRun writes back every mutable workflow run field.
func (s *SQLiteStore) UpdateWorkflowRun(ctx context.Context, w *model.WorkflowRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET name = ?, max_workers = ?, started_at = ?,
			completed_at = ?, failed_at = ?, stopped_at = ? WHERE id = ?`,
		w.Name, w.MaxWorkers, w.StartedAt, w.CompletedAt, w.FailedAt, w.StoppedAt, w.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow run: %w", err)
	}
	return checkAffected(result)
}

// ListActiveWorkflowRuns returns workflow runs that are started and not
// terminal, for the timeout sweeper.
func (s *SQLiteStore) ListActiveWorkflowRuns(ctx context.Context) ([]*model.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, max_workers, created_at, started_at, completed_at, failed_at, stopped_at
		FROM workflow_runs
		WHERE started_at IS NOT NULL AND completed_at IS NULL
			AND failed_at IS NULL AND stopped_at IS NULL
		ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list active workflow runs: %w", err)
	}
	defer rows.Close()

	var wfs []*model.WorkflowRun
	for rows.Next() {
		w, err := scanWorkflowRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workflow run: %w", err)
		}
		wfs = append(wfs, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow runs: %w", err)
	}
	return wfs, nil
}

// UpsertWorkflowNode inserts or replaces a workflow node.
func (s *SQLiteStore) UpsertWorkflowNode(ctx context.Context, n *model.WorkflowNode) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_nodes (id, workflow_run_id, task_definition_id, name, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		n.ID, n.WorkflowRunID, n.TaskDefinitionID, n.Name, n.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow node: %w", err)
	}
	return nil
}

// GetWorkflowNode retrieves a workflow node by ID.
func (s *SQLiteStore) GetWorkflowNode(ctx context.Context, id string) (*model.WorkflowNode, error) {
	n := &model.WorkflowNode{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_run_id, task_definition_id, name, created_at
		FROM workflow_nodes WHERE id = ?`, id,
	).Scan(&n.ID, &n.WorkflowRunID, &n.TaskDefinitionID, &n.Name, &n.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow node: %w", err)
	}
	return n, nil
}

// ListWorkflowNodes returns every node of a workflow in creation order.
func (s *SQLiteStore) ListWorkflowNodes(ctx context.Context, workflowRunID string) ([]*model.WorkflowNode, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_run_id, task_definition_id, name, created_at
		FROM workflow_nodes WHERE workflow_run_id = ? ORDER BY created_at, id`, workflowRunID)
	if err != nil {
		return nil, fmt.Errorf("list workflow nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*model.WorkflowNode
	for rows.Next() {
		n := &model.WorkflowNode{}
		if err := rows.Scan(&n.ID, &n.WorkflowRunID, &n.TaskDefinitionID, &n.Name, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow nodes: %w", err)
	}
	return nodes, nil
}

// UpsertWorkflowEdge inserts or replaces a workflow edge.
func (s *SQLiteStore) UpsertWorkflowEdge(ctx context.Context, e *model.WorkflowEdge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO workflow_edges (id, workflow_run_id, source_node_id, target_node_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowRunID, e.SourceNodeID, e.TargetNodeID, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert workflow edge: %w", err)
	}
	return nil
}

// ListEdgesFrom returns edges originating at the given node.
func (s *SQLiteStore) ListEdgesFrom(ctx context.Context, nodeID string) ([]*model.WorkflowEdge, error) {
	return s.listEdges(ctx,
		`SELECT id, workflow_run_id, source_node_id, target_node_id, created_at
		FROM workflow_edges WHERE source_node_id = ? ORDER BY created_at, id`, nodeID)
}

// ListEdgesInto returns edges terminating at the given node.
func (s *SQLiteStore) ListEdgesInto(ctx context.Context, nodeID string) ([]*model.WorkflowEdge, error) {
	return s.listEdges(ctx,
		`SELECT id, workflow_run_id, source_node_id, target_node_id, created_at
		FROM workflow_edges WHERE target_node_id = ? ORDER BY created_at, id`, nodeID)
}

func (s *SQLiteStore) listEdges(ctx context.Context, query string, args ...any) ([]*model.WorkflowEdge, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflow edges: %w", err)
	}
	defer rows.Close()

	var edges []*model.WorkflowEdge
	for rows.Next() {
		e := &model.WorkflowEdge{}
		if err := rows.Scan(&e.ID, &e.WorkflowRunID, &e.SourceNodeID, &e.TargetNodeID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workflow edges: %w", err)
	}
	return edges, nil
}

// GetStats returns aggregate execution statistics.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ProcessesByState: make(map[string]int)}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs`).Scan(&stats.TotalRuns); err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM processes WHERE deleted_at IS NULL`).Scan(&stats.TotalProcesses); err != nil {
		return nil, fmt.Errorf("count processes: %w", err)
	}

	procs, err := s.listProcesses(ctx,
		`SELECT `+processColumns+` FROM processes WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, err
	}

	var durTotal float64
	var durCount int
	for _, p := range procs {
		stats.ProcessesByState[p.Status()]++
		if p.CompletedAt != nil && p.StartedAt != nil {
			durTotal += float64(p.CompletedAt.Sub(*p.StartedAt).Milliseconds())
			durCount++
		}
	}
	if durCount > 0 {
		stats.AvgProcessMS = durTotal / float64(durCount)
	}

	return stats, nil
}

func checkAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
