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

const approvalColumns = `envelope_id, workspace_id, task_id, workflow_id, signal_name, user_id, envelope, status, requested_at, expires_at_ms, response`

func (s *LibSQLStore) CreateApproval(ctx context.Context, req *schema.ApprovalRequest) error {
	env, err := json.Marshal(req.Envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	var expires any
	if req.ExpiresAt != nil {
		expires = millis(*req.ExpiresAt)
	}
	req.RequestedAt = timeOrNow(req.RequestedAt)
	if req.Status == "" {
		req.Status = schema.ApprovalPending
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (`+approvalColumns+`, audit_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.EnvelopeID, req.WorkspaceID, nullStr(req.TaskID), req.WorkflowID, req.SignalName, nullStr(req.UserID),
		string(env), string(req.Status), req.RequestedAt, expires, nil, req.Envelope.AuditHash,
	)
	if err != nil && isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval for envelope %q already exists", req.EnvelopeID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, envelopeID string) (*schema.ApprovalRequest, error) {
	req, err := scanApproval(s.db.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE envelope_id = ?`, envelopeID))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", envelopeID)
	}
	return req, err
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, envelopeID string, status schema.ApprovalStatus, resp *schema.ApprovalResponse) error {
	var respJSON any
	respondedAt := time.Now().UTC()
	if resp != nil {
		b, err := json.Marshal(resp)
		if err != nil {
			return fmt.Errorf("marshal approval response: %w", err)
		}
		respJSON = string(b)
		respondedAt = timeOrNow(resp.RespondedAt)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE approvals SET status = ?, response = ?, responded_at = ? WHERE envelope_id = ? AND status = ?`,
			string(status), respJSON, respondedAt, envelopeID, string(schema.ApprovalPending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}
		var current string
		err = tx.QueryRowContext(ctx, `SELECT status FROM approvals WHERE envelope_id = ?`, envelopeID).Scan(&current)
		if err == sql.ErrNoRows {
			return storeNotFound("approval", envelopeID)
		}
		if err != nil {
			return err
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already %s", envelopeID, current)
	})
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*schema.ApprovalRequest, error) {
	var where []string
	var args []any
	if filter.WorkspaceID != "" {
		where = append(where, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	query := "SELECT " + approvalColumns + " FROM approvals"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryApprovals(ctx, query, args...)
}

func (s *LibSQLStore) ListOverdueApprovals(ctx context.Context, now time.Time) ([]*schema.ApprovalRequest, error) {
	return s.queryApprovals(ctx,
		`SELECT `+approvalColumns+` FROM approvals
		 WHERE status = ? AND expires_at_ms IS NOT NULL AND expires_at_ms <= ? ORDER BY expires_at_ms ASC`,
		string(schema.ApprovalPending), millis(now))
}

func (s *LibSQLStore) queryApprovals(ctx context.Context, query string, args ...any) ([]*schema.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*schema.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func scanApproval(r rowScanner) (*schema.ApprovalRequest, error) {
	req := &schema.ApprovalRequest{}
	var (
		taskID, userID, response sql.NullString
		envelope, status         string
		expires                  sql.NullInt64
	)
	if err := r.Scan(&req.EnvelopeID, &req.WorkspaceID, &taskID, &req.WorkflowID, &req.SignalName, &userID,
		&envelope, &status, &req.RequestedAt, &expires, &response); err != nil {
		return nil, err
	}
	req.TaskID = taskID.String
	req.UserID = userID.String
	req.Status = schema.ApprovalStatus(status)
	if err := json.Unmarshal([]byte(envelope), &req.Envelope); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if expires.Valid {
		t := fromMillis(expires.Int64)
		req.ExpiresAt = &t
	}
	if response.Valid && response.String != "" {
		req.Response = &schema.ApprovalResponse{}
		if err := json.Unmarshal([]byte(response.String), req.Response); err != nil {
			return nil, fmt.Errorf("unmarshal approval response: %w", err)
		}
	}
	return req, nil
}
