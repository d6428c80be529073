package task

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Repository persists tasks and nodes in SQLite. The single-in-progress
// invariant lives here, not in process memory: a partial unique index
// rejects a second in_progress node per task, and every transition is a
// conditional UPDATE ... WHERE status = <expected> so a lost race degrades
// to a no-op instead of corrupting state.
type Repository struct {
	db *sql.DB
}

// NewRepository opens (and migrates) the task database.
func NewRepository(dbPath string) (*Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	r := &Repository{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repository) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			title TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT 'workflow',
			status TEXT NOT NULL DEFAULT 'todo',
			tool_id TEXT,
			config_id TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS task_nodes (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			node_order INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'todo',
			review_reason TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			prompt TEXT NOT NULL DEFAULT '',
			requires_approval INTEGER NOT NULL DEFAULT 0,
			continue_on_error INTEGER NOT NULL DEFAULT 0,
			result_summary TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			cost REAL NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(task_id, node_order)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_nodes_one_in_progress
			ON task_nodes(task_id) WHERE status = 'in_progress';
	`
	if _, err := r.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// CreateTask inserts a task, assigning an id when absent.
func (r *Repository) CreateTask(t *Task) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Mode == "" {
		t.Mode = ModeWorkflow
	}
	if t.Status == "" {
		t.Status = StatusTodo
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO tasks (id, project_id, title, mode, status, tool_id, config_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Title, t.Mode, t.Status, t.ToolID, t.ConfigID, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// CreateNode inserts a node, assigning an id when absent.
func (r *Repository) CreateNode(n *Node) error {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Status == "" {
		n.Status = StatusTodo
	}
	now := time.Now().UTC()
	n.CreatedAt = now
	n.UpdatedAt = now

	_, err := r.db.Exec(
		`INSERT INTO task_nodes (id, task_id, node_order, status, review_reason, session_id, prompt,
		                         requires_approval, continue_on_error, result_summary, error_message,
		                         cost, duration_ms, started_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.TaskID, n.NodeOrder, n.Status, n.ReviewReason, n.SessionID, n.Prompt,
		n.RequiresApproval, n.ContinueOnError, n.ResultSummary, n.ErrorMessage,
		n.Cost, n.DurationMS, n.StartedAt, n.CompletedAt, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert node: %w", err)
	}
	return nil
}

// GetTask returns a task by id, or nil when absent.
func (r *Repository) GetTask(id string) (*Task, error) {
	row := r.db.QueryRow(
		`SELECT id, project_id, title, mode, status, tool_id, config_id, created_at, updated_at
		 FROM tasks WHERE id = ?`, id)

	var t Task
	err := row.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Mode, &t.Status, &t.ToolID, &t.ConfigID,
		&t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return &t, nil
}

// ListTasks returns all tasks, newest first.
func (r *Repository) ListTasks() ([]*Task, error) {
	rows, err := r.db.Query(
		`SELECT id, project_id, title, mode, status, tool_id, config_id, created_at, updated_at
		 FROM tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.Title, &t.Mode, &t.Status, &t.ToolID,
			&t.ConfigID, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

const nodeColumns = `id, task_id, node_order, status, review_reason, session_id, prompt,
	requires_approval, continue_on_error, result_summary, error_message,
	cost, duration_ms, started_at, completed_at, created_at, updated_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	err := row.Scan(&n.ID, &n.TaskID, &n.NodeOrder, &n.Status, &n.ReviewReason, &n.SessionID,
		&n.Prompt, &n.RequiresApproval, &n.ContinueOnError, &n.ResultSummary, &n.ErrorMessage,
		&n.Cost, &n.DurationMS, &n.StartedAt, &n.CompletedAt, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// GetNode returns a node by id, or nil when absent.
func (r *Repository) GetNode(id string) (*Node, error) {
	row := r.db.QueryRow(`SELECT `+nodeColumns+` FROM task_nodes WHERE id = ?`, id)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node: %w", err)
	}
	return n, nil
}

// GetNodeBySession returns the node linked to a session id, or nil.
func (r *Repository) GetNodeBySession(sessionID string) (*Node, error) {
	row := r.db.QueryRow(`SELECT `+nodeColumns+` FROM task_nodes WHERE session_id = ?`, sessionID)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load node by session: %w", err)
	}
	return n, nil
}

// ListNodes returns a task's nodes in node_order.
func (r *Repository) ListNodes(taskID string) ([]*Node, error) {
	rows, err := r.db.Query(
		`SELECT `+nodeColumns+` FROM task_nodes WHERE task_id = ? ORDER BY node_order`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// InProgressNode returns the task's in_progress node, or nil.
func (r *Repository) InProgressNode(taskID string) (*Node, error) {
	row := r.db.QueryRow(
		`SELECT `+nodeColumns+` FROM task_nodes WHERE task_id = ? AND status = ?`,
		taskID, StatusInProgress)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load in-progress node: %w", err)
	}
	return n, nil
}

// CurrentNode returns the node a caller should act on, using the fixed
// precedence in_progress > in_review > todo (node_order breaks ties).
// Downstream consumers depend on exactly this order.
func (r *Repository) CurrentNode(taskID string) (*Node, error) {
	for _, status := range []Status{StatusInProgress, StatusInReview, StatusTodo} {
		row := r.db.QueryRow(
			`SELECT `+nodeColumns+` FROM task_nodes
			 WHERE task_id = ? AND status = ? ORDER BY node_order LIMIT 1`,
			taskID, status)
		n, err := scanNode(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load current node: %w", err)
		}
		return n, nil
	}
	return nil, nil
}

// ClaimNextTodoNode atomically claims the lowest-node_order todo node for
// execution. The WHERE status='todo' guard plus the unique in_progress
// index keep the single-in-progress invariant under concurrent callers.
// Returns nil when there is no todo node, a node is already running, or
// another claim won.
func (r *Repository) ClaimNextTodoNode(taskID string) (*Node, error) {
	now := time.Now().UTC()
	// The NOT EXISTS guard makes a lost race a zero-row update instead of
	// a unique-index violation: callers get nil, nil, never a SQL error.
	res, err := r.db.Exec(
		`UPDATE task_nodes SET status = ?, started_at = ?, updated_at = ?
		 WHERE id = (
		 	SELECT id FROM task_nodes
		 	WHERE task_id = ? AND status = ?
		 	ORDER BY node_order LIMIT 1
		 ) AND status = ?
		 AND NOT EXISTS (
		 	SELECT 1 FROM task_nodes WHERE task_id = ? AND status = ?
		 )`,
		StatusInProgress, now, now, taskID, StatusTodo, StatusTodo,
		taskID, StatusInProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to claim node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return r.InProgressNode(taskID)
}

// transition runs a conditional single-node update and reloads the node.
// Returns nil, nil when the precondition did not hold - the expected
// outcome of a lost race, not a crash.
func (r *Repository) transition(nodeID string, from []Status, set string, args ...any) (*Node, error) {
	query := `UPDATE task_nodes SET ` + set + `, updated_at = ? WHERE id = ? AND status IN (?`
	for i := 1; i < len(from); i++ {
		query += ", ?"
	}
	query += ")"

	full := append(args, time.Now().UTC(), nodeID)
	for _, s := range from {
		full = append(full, s)
	}

	res, err := r.db.Exec(query, full...)
	if err != nil {
		return nil, fmt.Errorf("failed to update node: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return r.GetNode(nodeID)
}

// NodeResult carries the completion payload for a node.
type NodeResult struct {
	Summary    string
	Cost       float64
	DurationMS int64
}

// CompleteNode moves an in_progress node to done or in_review and records
// its result fields.
func (r *Repository) CompleteNode(nodeID string, to Status, reason ReviewReason, result NodeResult) (*Node, error) {
	return r.transition(nodeID, []Status{StatusInProgress},
		`status = ?, review_reason = ?, result_summary = ?, cost = ?, duration_ms = ?, completed_at = ?`,
		to, reason, result.Summary, result.Cost, result.DurationMS, time.Now().UTC())
}

// MarkNodeErrorReview moves an in_progress node to in_review with reason
// error and the failure message.
func (r *Repository) MarkNodeErrorReview(nodeID, errorMessage string) (*Node, error) {
	return r.transition(nodeID, []Status{StatusInProgress},
		`status = ?, review_reason = ?, error_message = ?, completed_at = ?`,
		StatusInReview, ReviewError, errorMessage, time.Now().UTC())
}

// ApproveNode moves an in_review node to done.
func (r *Repository) ApproveNode(nodeID string) (*Node, error) {
	return r.transition(nodeID, []Status{StatusInReview},
		`status = ?, review_reason = ?, completed_at = ?`,
		StatusDone, ReviewReason(""), time.Now().UTC())
}

// RejectNode keeps an in_review node in review with reason rejected.
func (r *Repository) RejectNode(nodeID string) (*Node, error) {
	return r.transition(nodeID, []Status{StatusInReview},
		`review_reason = ?`, ReviewRejected)
}

// RetryNode resets an in_review node to todo, clearing every result field.
func (r *Repository) RetryNode(nodeID string) (*Node, error) {
	return r.transition(nodeID, []Status{StatusInReview},
		`status = ?, review_reason = ?, result_summary = ?, error_message = ?,
		 cost = 0, duration_ms = 0, started_at = NULL, completed_at = NULL`,
		StatusTodo, ReviewReason(""), "", "")
}

// CancelNode cancels a node that has not finished.
func (r *Repository) CancelNode(nodeID string) (*Node, error) {
	return r.transition(nodeID, []Status{StatusTodo, StatusInProgress},
		`status = ?, completed_at = ?`, StatusCancelled, time.Now().UTC())
}

// LinkSession records the session back-reference on a node.
func (r *Repository) LinkSession(nodeID, sessionID string) error {
	_, err := r.db.Exec(
		`UPDATE task_nodes SET session_id = ?, updated_at = ? WHERE id = ?`,
		sessionID, time.Now().UTC(), nodeID)
	if err != nil {
		return fmt.Errorf("failed to link session: %w", err)
	}
	return nil
}

// UpdateTaskStatus persists a recomputed aggregate status.
func (r *Repository) UpdateTaskStatus(taskID string, status Status) error {
	_, err := r.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), taskID)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return nil
}
