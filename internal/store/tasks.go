package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rendis/homeos/pkg/schema"
)

const taskColumns = `id, workspace_id, title, category, status, risk_level, requires_approval, approval_state, summary_for_user, details, linked_workflow_id, created_at, updated_at`

func (s *LibSQLStore) CreateTask(ctx context.Context, task *schema.Task) error {
	details, err := marshalMapOrDefault(task.Details)
	if err != nil {
		return fmt.Errorf("marshal task details: %w", err)
	}
	task.CreatedAt = timeOrNow(task.CreatedAt)
	task.UpdatedAt = task.CreatedAt
	if task.ApprovalState == "" {
		task.ApprovalState = schema.ApprovalStateNone
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.WorkspaceID, task.Title, string(task.Category), string(task.Status), string(task.RiskLevel),
		task.RequiresApproval, string(task.ApprovalState), nullStr(task.SummaryForUser), details,
		nullStr(task.LinkedWorkflowID), task.CreatedAt, task.UpdatedAt,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q already exists", task.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("task", id)
	}
	return t, err
}

func (s *LibSQLStore) UpdateTask(ctx context.Context, id string, update TaskUpdate) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var sets []string
		var args []any

		if update.Status != nil {
			sets = append(sets, "status = ?")
			args = append(args, string(*update.Status))
		}
		if update.ApprovalState != nil {
			sets = append(sets, "approval_state = ?")
			args = append(args, string(*update.ApprovalState))
		}
		if update.RiskLevel != nil {
			sets = append(sets, "risk_level = ?")
			args = append(args, string(*update.RiskLevel))
		}
		if update.RequiresApproval != nil {
			sets = append(sets, "requires_approval = ?")
			args = append(args, *update.RequiresApproval)
		}
		if update.SummaryForUser != nil {
			sets = append(sets, "summary_for_user = ?")
			args = append(args, *update.SummaryForUser)
		}
		if update.LinkedWorkflowID != nil {
			sets = append(sets, "linked_workflow_id = ?")
			args = append(args, *update.LinkedWorkflowID)
		}
		if len(update.Details) > 0 {
			var current string
			err := tx.QueryRowContext(ctx, `SELECT details FROM tasks WHERE id = ?`, id).Scan(&current)
			if err == sql.ErrNoRows {
				return storeNotFound("task", id)
			}
			if err != nil {
				return err
			}
			merged := map[string]any{}
			_ = json.Unmarshal([]byte(current), &merged)
			for k, v := range update.Details {
				merged[k] = v
			}
			b, err := json.Marshal(merged)
			if err != nil {
				return fmt.Errorf("marshal task details: %w", err)
			}
			sets = append(sets, "details = ?")
			args = append(args, string(b))
		}
		if len(sets) == 0 {
			return nil
		}
		sets = append(sets, "updated_at = ?")
		args = append(args, time.Now().UTC(), id)

		res, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(sets, ", ")), args...)
		if err != nil {
			return err
		}
		return checkRowsAffected(res, "task", id)
	})
}

func (s *LibSQLStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*schema.Task, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + taskColumns + " FROM tasks"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*schema.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func scanTask(r rowScanner) (*schema.Task, error) {
	t := &schema.Task{}
	var (
		category, status, risk, approval string
		summary, linked                  sql.NullString
		details                          string
	)
	if err := r.Scan(&t.ID, &t.WorkspaceID, &t.Title, &category, &status, &risk, &t.RequiresApproval,
		&approval, &summary, &details, &linked, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Category = schema.TaskCategory(category)
	t.Status = schema.TaskStatus(status)
	t.RiskLevel = schema.RiskLevel(risk)
	t.ApprovalState = schema.ApprovalState(approval)
	t.SummaryForUser = summary.String
	t.LinkedWorkflowID = linked.String
	if details != "" && details != "{}" {
		_ = json.Unmarshal([]byte(details), &t.Details)
	}
	return t, nil
}

// --- Task events ---

func (s *LibSQLStore) AppendTaskEvent(ctx context.Context, workspaceID string, ev *schema.TaskEvent) (bool, error) {
	ev.Timestamp = timeOrNow(ev.Timestamp)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO task_events (event_id, workspace_id, task_id, workflow_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(event_id) DO NOTHING`,
		ev.EventID, workspaceID, nullStr(ev.TaskID), nullStr(ev.WorkflowID), ev.Type, nullRaw(ev.Payload), ev.Timestamp,
	)
	if err != nil {
		return false, fmt.Errorf("append task event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ListTaskEvents(ctx context.Context, filter TaskEventFilter) ([]*schema.TaskEvent, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.TaskID != "" {
		where = append(where, "task_id = ?")
		args = append(args, filter.TaskID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Type != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.Type)
	}

	query := "SELECT event_id, task_id, workflow_id, event_type, payload, timestamp FROM task_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.TaskEvent
	for rows.Next() {
		e := &schema.TaskEvent{}
		var taskID, workflowID, payload sql.NullString
		if err := rows.Scan(&e.EventID, &taskID, &workflowID, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.TaskID = taskID.String
		e.WorkflowID = workflowID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}
