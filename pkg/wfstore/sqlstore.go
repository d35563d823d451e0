// Package wfstore implements the Store Adapter: a
// CRUD+index facade over persistence for tasks and agents, satisfying
// pkg/wftask's TaskStore and AgentStore interfaces against a real SQL
// database, switching upsert SQL per dialect instead of duplicating the
// store per driver.
package wfstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kadirpekel/arranger/pkg/wftask"
)

// SQLStore implements wftask.TaskStore and wftask.AgentStore over a SQL
// database. Supported dialects: sqlite, postgres, mysql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore opens driverName/dsn, normalizes the dialect, and
// initializes the schema. The caller owns the returned *sql.DB's
// lifecycle via Close.
func NewSQLStore(driverName, dsn string) (*SQLStore, error) {
	dialect := normalizeDialect(driverName)
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("wfstore: unsupported dialect %q (supported: postgres, mysql, sqlite3)", driverName)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("wfstore: open %s: %w", driverName, err)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func normalizeDialect(driverName string) string {
	if driverName == "sqlite3" {
		return "sqlite"
	}
	return driverName
}

// Close closes the underlying database connection.
func (s *SQLStore) Close() error { return s.db.Close() }

const createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS arranger_tasks (
    id VARCHAR(255) PRIMARY KEY,
    session_id VARCHAR(255) NOT NULL,
    status VARCHAR(32) NOT NULL,
    assigned_to VARCHAR(255),
    body_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createAgentsTableSQL = `
CREATE TABLE IF NOT EXISTS arranger_agents (
    id VARCHAR(255) PRIMARY KEY,
    body_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

func (s *SQLStore) initSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createTasksTableSQL); err != nil {
		return fmt.Errorf("wfstore: create arranger_tasks: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createAgentsTableSQL); err != nil {
		return fmt.Errorf("wfstore: create arranger_agents: %w", err)
	}
	return nil
}

// placeholder returns the dialect-appropriate positional parameter for
// the nth (1-indexed) bound argument.
func (s *SQLStore) placeholder(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) taskUpsertSQL() string {
	switch s.dialect {
	case "postgres":
		return `
INSERT INTO arranger_tasks (id, session_id, status, assigned_to, body_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO UPDATE SET
    session_id = EXCLUDED.session_id,
    status = EXCLUDED.status,
    assigned_to = EXCLUDED.assigned_to,
    body_json = EXCLUDED.body_json,
    updated_at = EXCLUDED.updated_at`
	case "mysql":
		return `
INSERT INTO arranger_tasks (id, session_id, status, assigned_to, body_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    session_id = VALUES(session_id),
    status = VALUES(status),
    assigned_to = VALUES(assigned_to),
    body_json = VALUES(body_json),
    updated_at = VALUES(updated_at)`
	default: // sqlite
		return `
INSERT INTO arranger_tasks (id, session_id, status, assigned_to, body_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    session_id = excluded.session_id,
    status = excluded.status,
    assigned_to = excluded.assigned_to,
    body_json = excluded.body_json,
    updated_at = excluded.updated_at`
	}
}

func (s *SQLStore) upsertTask(ctx context.Context, t *wftask.Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("wfstore: marshal task %s: %w", t.ID, err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, s.taskUpsertSQL(),
		t.ID, t.SessionID, string(t.Status), nullString(t.AssignedTo), string(body), t.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("wfstore: upsert task %s: %w", t.ID, err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateTask implements wftask.TaskStore.
func (s *SQLStore) CreateTask(ctx context.Context, t *wftask.Task) error {
	return s.upsertTask(ctx, t)
}

// UpdateTask implements wftask.TaskStore.
func (s *SQLStore) UpdateTask(ctx context.Context, t *wftask.Task) error {
	return s.upsertTask(ctx, t)
}

// GetTask implements wftask.TaskStore.
func (s *SQLStore) GetTask(ctx context.Context, id string) (*wftask.Task, error) {
	query := fmt.Sprintf("SELECT body_json FROM arranger_tasks WHERE id = %s", s.placeholder(1))

	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wfstore: task %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("wfstore: get task %s: %w", id, err)
	}

	var t wftask.Task
	if err := json.Unmarshal([]byte(body), &t); err != nil {
		return nil, fmt.Errorf("wfstore: unmarshal task %s: %w", id, err)
	}
	return &t, nil
}

// ListTasks implements wftask.TaskStore.
func (s *SQLStore) ListTasks(ctx context.Context) ([]*wftask.Task, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body_json FROM arranger_tasks")
	if err != nil {
		return nil, fmt.Errorf("wfstore: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*wftask.Task
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("wfstore: scan task row: %w", err)
		}
		var t wftask.Task
		if err := json.Unmarshal([]byte(body), &t); err != nil {
			return nil, fmt.Errorf("wfstore: unmarshal task row: %w", err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

// FindTaskByLabel implements wftask.TaskStore. Labels live inside the
// JSON body, so this scans rather than indexing — acceptable for the
// modest task volumes this engine targets.
func (s *SQLStore) FindTaskByLabel(ctx context.Context, label string) (*wftask.Task, error) {
	tasks, err := s.ListTasks(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tasks {
		if t.HasLabel(label) {
			return t, nil
		}
	}
	return nil, nil
}

func (s *SQLStore) agentUpsertSQL() string {
	switch s.dialect {
	case "postgres":
		return `
INSERT INTO arranger_agents (id, body_json, updated_at)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET body_json = EXCLUDED.body_json, updated_at = EXCLUDED.updated_at`
	case "mysql":
		return `
INSERT INTO arranger_agents (id, body_json, updated_at)
VALUES (?, ?, ?)
ON DUPLICATE KEY UPDATE body_json = VALUES(body_json), updated_at = VALUES(updated_at)`
	default: // sqlite
		return `
INSERT INTO arranger_agents (id, body_json, updated_at)
VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET body_json = excluded.body_json, updated_at = excluded.updated_at`
	}
}

// UpdateAgent implements wftask.AgentStore. It upserts, so the agent
// runtime's startup registration and heartbeat updates share one code
// path.
func (s *SQLStore) UpdateAgent(ctx context.Context, a *wftask.Agent) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("wfstore: marshal agent %s: %w", a.ID, err)
	}
	_, err = s.db.ExecContext(ctx, s.agentUpsertSQL(), a.ID, string(body), time.Now())
	if err != nil {
		return fmt.Errorf("wfstore: upsert agent %s: %w", a.ID, err)
	}
	return nil
}

// GetAgent implements wftask.AgentStore.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*wftask.Agent, error) {
	query := fmt.Sprintf("SELECT body_json FROM arranger_agents WHERE id = %s", s.placeholder(1))

	var body string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wfstore: agent %q not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("wfstore: get agent %s: %w", id, err)
	}

	var a wftask.Agent
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return nil, fmt.Errorf("wfstore: unmarshal agent %s: %w", id, err)
	}
	return &a, nil
}

// ListAgents implements wftask.AgentStore.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*wftask.Agent, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT body_json FROM arranger_agents")
	if err != nil {
		return nil, fmt.Errorf("wfstore: list agents: %w", err)
	}
	defer rows.Close()

	var out []*wftask.Agent
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("wfstore: scan agent row: %w", err)
		}
		var a wftask.Agent
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("wfstore: unmarshal agent row: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

var (
	_ wftask.TaskStore  = (*SQLStore)(nil)
	_ wftask.AgentStore = (*SQLStore)(nil)
)
