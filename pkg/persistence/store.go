package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentd/pkg/agent"
	"agentd/pkg/permission"
)

var _ agent.Store = (*Store)(nil)

// CreateAgent inserts a new agent row.
func (s *Store) CreateAgent(ctx context.Context, a *agent.Agent) error {
	cols, err := agentColumns(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agents (id, name, project, status, workspace, messages, task_ids, skill_ids,
			permission_mode, model, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, cols...); err != nil {
		return fmt.Errorf("failed to insert agent %s: %w", a.ID, err)
	}
	return nil
}

// UpdateAgent writes the full agent record, inserting it if missing.
func (s *Store) UpdateAgent(ctx context.Context, a *agent.Agent) error {
	cols, err := agentColumns(a)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO agents (id, name, project, status, workspace, messages, task_ids, skill_ids,
			permission_mode, model, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			project = excluded.project,
			status = excluded.status,
			workspace = excluded.workspace,
			messages = excluded.messages,
			task_ids = excluded.task_ids,
			skill_ids = excluded.skill_ids,
			permission_mode = excluded.permission_mode,
			model = excluded.model,
			last_activity = excluded.last_activity`
	if _, err := s.db.ExecContext(ctx, query, cols...); err != nil {
		return fmt.Errorf("failed to update agent %s: %w", a.ID, err)
	}
	return nil
}

func agentColumns(a *agent.Agent) ([]any, error) {
	ws, err := json.Marshal(a.Workspace)
	if err != nil {
		return nil, fmt.Errorf("failed to encode workspace: %w", err)
	}
	messages, err := json.Marshal(nonNil(a.Messages))
	if err != nil {
		return nil, fmt.Errorf("failed to encode messages: %w", err)
	}
	taskIDs, err := json.Marshal(nonNil(a.TaskIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode task ids: %w", err)
	}
	skillIDs, err := json.Marshal(nonNil(a.SkillIDs))
	if err != nil {
		return nil, fmt.Errorf("failed to encode skill ids: %w", err)
	}
	return []any{
		a.ID, a.Name, a.Project, string(a.Status), string(ws), string(messages), string(taskIDs),
		string(skillIDs), string(a.PermissionMode), a.Model, a.CreatedAt.UTC(), a.LastActivity.UTC(),
	}, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// DeleteAgent removes the agent; its tasks, changes and requests cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", id, err)
	}
	return nil
}

// GetAllAgents returns every agent, oldest first.
func (s *Store) GetAllAgents(ctx context.Context) ([]*agent.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, project, status, workspace, messages, task_ids, skill_ids,
			permission_mode, model, created_at, last_activity
		FROM agents ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*agent.Agent
	for rows.Next() {
		var (
			a                               agent.Agent
			status, mode                    string
			ws, messages, taskIDs, skillIDs string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Project, &status, &ws, &messages, &taskIDs, &skillIDs,
			&mode, &a.Model, &a.CreatedAt, &a.LastActivity); err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		a.Status = agent.Status(status)
		a.PermissionMode = permission.Mode(mode)
		if err := decodeAll(
			decode(ws, &a.Workspace),
			decode(messages, &a.Messages),
			decode(taskIDs, &a.TaskIDs),
			decode(skillIDs, &a.SkillIDs),
		); err != nil {
			return nil, fmt.Errorf("failed to decode agent %s: %w", a.ID, err)
		}
		agents = append(agents, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate agents: %w", err)
	}
	return agents, nil
}

func decode[T any](raw string, dst *T) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func decodeAll(errs ...error) error {
	return errors.Join(errs...)
}

// SaveTask upserts a task.
func (s *Store) SaveTask(ctx context.Context, t *agent.Task) error {
	query := `
		INSERT INTO tasks (id, agent_id, description, status, progress, result, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			completed_at = excluded.completed_at`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.AgentID, t.Description, string(t.Status), t.Progress, t.Result, t.Error,
		t.StartedAt.UTC(), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to save task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns the agent's tasks in start order.
func (s *Store) ListTasks(ctx context.Context, agentID string) ([]*agent.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, description, status, progress, result, error, started_at, completed_at
		FROM tasks WHERE agent_id = ? ORDER BY started_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*agent.Task
	for rows.Next() {
		var (
			t         agent.Task
			status    string
			completed sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Description, &status, &t.Progress, &t.Result, &t.Error,
			&t.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status = agent.TaskStatus(status)
		if completed.Valid {
			at := completed.Time
			t.CompletedAt = &at
		}
		tasks = append(tasks, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// SaveChange inserts a code change.
func (s *Store) SaveChange(ctx context.Context, c *agent.CodeChange) error {
	query := `
		INSERT INTO code_changes (id, agent_id, task_id, file_path, original_content, new_content, diff, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.AgentID, c.TaskID, c.FilePath, c.OriginalContent, c.NewContent, c.Diff,
		string(c.Status), c.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save change %s: %w", c.ID, err)
	}
	return nil
}

// UpdateChangeStatus sets a change's review status.
func (s *Store) UpdateChangeStatus(ctx context.Context, id string, status agent.ChangeStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE code_changes SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update change %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update change %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", agent.ErrChangeNotFound, id)
	}
	return nil
}

const changeColumns = `id, agent_id, task_id, file_path, original_content, new_content, diff, status, created_at`

// GetChange loads one change.
func (s *Store) GetChange(ctx context.Context, id string) (*agent.CodeChange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM code_changes WHERE id = ?`, id)
	c, err := scanChange(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", agent.ErrChangeNotFound, id)
	}
	return c, err
}

// ListChanges returns the agent's changes, oldest first.
func (s *Store) ListChanges(ctx context.Context, agentID string) ([]*agent.CodeChange, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+changeColumns+` FROM code_changes WHERE agent_id = ? ORDER BY created_at`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []*agent.CodeChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return changes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChange(row scanner) (*agent.CodeChange, error) {
	var (
		c      agent.CodeChange
		status string
	)
	err := row.Scan(&c.ID, &c.AgentID, &c.TaskID, &c.FilePath, &c.OriginalContent, &c.NewContent,
		&c.Diff, &status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	c.Status = agent.ChangeStatus(status)
	return &c, nil
}

// SavePermissionRequest upserts a request; the resolved copy overwrites the
// pending one.
func (s *Store) SavePermissionRequest(ctx context.Context, r *permission.Request) error {
	details, err := json.Marshal(r.Details)
	if err != nil {
		return fmt.Errorf("failed to encode request details: %w", err)
	}
	query := `
		INSERT INTO permission_requests (id, agent_id, action_type, action, details, decision, created_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			decision = excluded.decision,
			resolved_at = excluded.resolved_at`
	_, err = s.db.ExecContext(ctx, query,
		r.ID, r.AgentID, r.ActionType, r.Action, string(details), string(r.Decision),
		r.CreatedAt.UTC(), nullTime(r.ResolvedAt))
	if err != nil {
		return fmt.Errorf("failed to save permission request %s: %w", r.ID, err)
	}
	return nil
}

// ListPermissionRequests returns the agent's requests, newest first.
func (s *Store) ListPermissionRequests(ctx context.Context, agentID string) ([]permission.Request, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, action_type, action, details, decision, created_at, resolved_at
		FROM permission_requests WHERE agent_id = ? ORDER BY created_at DESC`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query permission requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []permission.Request
	for rows.Next() {
		var (
			r        permission.Request
			details  string
			decision string
			resolved sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.AgentID, &r.ActionType, &r.Action, &details, &decision,
			&r.CreatedAt, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan permission request: %w", err)
		}
		r.Decision = permission.Status(decision)
		if resolved.Valid {
			at := resolved.Time
			r.ResolvedAt = &at
		}
		if err := decode(details, &r.Details); err != nil {
			return nil, fmt.Errorf("failed to decode request %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permission requests: %w", err)
	}
	return out, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
