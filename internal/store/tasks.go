// ABOUTME: SQLite methods for task records and their status transitions
// ABOUTME: Every update is guarded by an optimistic version check

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const taskColumns = `id, scope, title, description, required_skills, urgency, timeout_seconds, max_retries,
	retry_count, callback_url, status, assigned_to, assigned_at, result, reason, version, created_at, updated_at`

// scanTask reads one task row in taskColumns order
func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var skills, urgency, status, createdAt, updatedAt string
	var callbackURL, assignedTo, assignedAt, result, reason sql.NullString

	if err := row.Scan(
		&t.ID,
		&t.Scope,
		&t.Title,
		&t.Description,
		&skills,
		&urgency,
		&t.TimeoutSeconds,
		&t.MaxRetries,
		&t.RetryCount,
		&callbackURL,
		&status,
		&assignedTo,
		&assignedAt,
		&result,
		&reason,
		&t.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	var err error
	t.Urgency = Urgency(urgency)
	t.Status = TaskStatus(status)
	t.CallbackURL = callbackURL.String
	t.AssignedTo = assignedTo.String
	t.Reason = reason.String
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if t.RequiredSkills, err = decodeSet(skills); err != nil {
		return nil, fmt.Errorf("parsing required_skills: %w", err)
	}
	if t.AssignedAt, err = parseNullTime(assignedAt); err != nil {
		return nil, fmt.Errorf("parsing assigned_at: %w", err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &t, nil
}

// nullJSON returns nil for an empty payload, otherwise its text
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// CreateTask inserts a new task. The caller supplies ID and timestamps.
func (s *SQLiteStore) CreateTask(ctx context.Context, task *Task) error {
	skills, err := encodeSet(NormalizeSkills(task.RequiredSkills))
	if err != nil {
		return fmt.Errorf("encoding required_skills: %w", err)
	}

	query := `
		INSERT INTO tasks (id, scope, title, description, required_skills, urgency, urgency_rank,
			timeout_seconds, max_retries, retry_count, callback_url, status, assigned_to, assigned_at,
			result, reason, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		scopeOrDefault(task.Scope),
		task.Title,
		task.Description,
		skills,
		string(task.Urgency),
		task.Urgency.Rank(),
		task.TimeoutSeconds,
		task.MaxRetries,
		task.RetryCount,
		nullString(task.CallbackURL),
		string(task.Status),
		nullString(task.AssignedTo),
		nullTime(task.AssignedAt),
		nullJSON(task.Result),
		nullString(task.Reason),
		task.Version,
		formatTime(task.CreatedAt),
		formatTime(task.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}

	s.logger.Debug("created task", "id", task.ID, "scope", task.Scope)
	return nil
}

// GetTask retrieves a task by ID.
// Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying task: %w", err)
	}
	return t, nil
}

// UpdateTask writes the mutable task fields when the stored version matches
// task.Version. On success task.Version is incremented to the stored value.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *Task) error {
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = time.Now()
	}

	query := `
		UPDATE tasks
		SET status = ?, assigned_to = ?, assigned_at = ?, retry_count = ?, result = ?, reason = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`

	result, err := s.db.ExecContext(ctx, query,
		string(task.Status),
		nullString(task.AssignedTo),
		nullTime(task.AssignedAt),
		task.RetryCount,
		nullJSON(task.Result),
		nullString(task.Reason),
		formatTime(task.UpdatedAt),
		task.ID,
		task.Version,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}

	if err := requireRow(result); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if _, getErr := s.GetTask(ctx, task.ID); getErr != nil {
			return getErr
		}
		return ErrConflict
	}

	task.Version++
	s.logger.Debug("updated task", "id", task.ID, "status", task.Status, "version", task.Version)
	return nil
}

// DeleteTask removes a task and returns the row as it was at deletion.
// The read and the delete are one statement, so a concurrent update either
// lands before it or finds no row. Returns ErrNotFound if the task doesn't exist.
func (s *SQLiteStore) DeleteTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `DELETE FROM tasks WHERE id = ? RETURNING `+taskColumns, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("deleting task: %w", err)
	}

	s.logger.Debug("deleted task", "id", id)
	return t, nil
}

// ListTasks returns tasks matching the filter, newest first.
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scope = ?`
	args := []any{scopeOrDefault(filter.Scope)}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.AssignedTo != "" {
		query += ` AND assigned_to = ?`
		args = append(args, filter.AssignedTo)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, normalizeLimit(filter.Limit))

	return s.queryTasks(ctx, query, args...)
}

// ListTasksByStatus returns all tasks in a status, most urgent then oldest first.
func (s *SQLiteStore) ListTasksByStatus(ctx context.Context, scope string, status TaskStatus) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE scope = ? AND status = ?
		ORDER BY urgency_rank ASC, created_at ASC, id ASC`
	return s.queryTasks(ctx, query, scopeOrDefault(scope), string(status))
}

// queryTasks runs a task query and scans all rows
func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating task rows: %w", err)
	}
	return tasks, nil
}

// CountTasksByStatus returns the number of tasks in each status for a scope.
func (s *SQLiteStore) CountTasksByStatus(ctx context.Context, scope string) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE scope = ? GROUP BY status`,
		scopeOrDefault(scope),
	)
	if err != nil {
		return nil, fmt.Errorf("counting tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning task count: %w", err)
		}
		counts[TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListActiveScopes returns every scope with pending or assigned tasks, sorted.
func (s *SQLiteStore) ListActiveScopes(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scope FROM tasks WHERE status IN ('pending', 'assigned') ORDER BY scope`,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active scopes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var scopes []string
	for rows.Next() {
		var scope string
		if err := rows.Scan(&scope); err != nil {
			return nil, fmt.Errorf("scanning scope: %w", err)
		}
		scopes = append(scopes, scope)
	}
	return scopes, rows.Err()
}
