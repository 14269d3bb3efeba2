package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rendis/homeos/pkg/schema"
)

// --- History ---

func (s *LibSQLStore) AppendHistory(ctx context.Context, ev *HistoryEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return appendHistoryTx(ctx, tx, ev)
	})
}

// appendHistoryTx assigns the next per-workflow sequence and inserts ev.
func appendHistoryTx(ctx context.Context, tx *sql.Tx, ev *HistoryEvent) error {
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM history WHERE workflow_id = ?`, ev.WorkflowID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	ev.Sequence = seq
	ev.Timestamp = timeOrNow(ev.Timestamp)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO history (workflow_id, sequence, command_id, event_type, name, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkflowID, seq, ev.CommandID, ev.Type, nullStr(ev.Name), nullRaw(ev.Payload), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert history event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *LibSQLStore) GetHistory(ctx context.Context, workflowID string) ([]*HistoryEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, sequence, command_id, event_type, name, payload, timestamp
		 FROM history WHERE workflow_id = ? ORDER BY sequence ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*HistoryEvent
	for rows.Next() {
		e := &HistoryEvent{}
		var name, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.Sequence, &e.CommandID, &e.Type, &name, &payload, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Name = name.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Signal inbox ---

func (s *LibSQLStore) EnqueueSignal(ctx context.Context, sig *InboxSignal) error {
	sig.ReceivedAt = timeOrNow(sig.ReceivedAt)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO signal_inbox (workflow_id, name, payload, received_at) VALUES (?, ?, ?, ?)`,
		sig.WorkflowID, sig.Name, nullRaw(sig.Payload), sig.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue signal: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		sig.ID = id
	}
	return nil
}

func (s *LibSQLStore) PendingSignals(ctx context.Context, workflowID string) ([]*InboxSignal, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, name, payload, received_at FROM signal_inbox
		 WHERE workflow_id = ? AND consumed_at IS NULL ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InboxSignal
	for rows.Next() {
		sig := &InboxSignal{}
		var payload sql.NullString
		if err := rows.Scan(&sig.ID, &sig.WorkflowID, &sig.Name, &payload, &sig.ReceivedAt); err != nil {
			return nil, err
		}
		sig.Payload = rawOrNil(payload)
		out = append(out, sig)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) ConsumeSignal(ctx context.Context, signalID int64, ev *HistoryEvent) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE signal_inbox SET consumed_at = ? WHERE id = ? AND consumed_at IS NULL`,
			time.Now().UTC(), signalID)
		if err != nil {
			return fmt.Errorf("consume signal: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return schema.NewErrorf(schema.ErrCodeConflict, "signal %d already consumed", signalID)
		}
		return appendHistoryTx(ctx, tx, ev)
	})
}

// --- Timers ---

func (s *LibSQLStore) StartTimer(ctx context.Context, ev *HistoryEvent, fireAt time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := appendHistoryTx(ctx, tx, ev); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO timers (workflow_id, command_id, fire_at_ms) VALUES (?, ?, ?)
			 ON CONFLICT(workflow_id, command_id) DO UPDATE SET fire_at_ms = excluded.fire_at_ms`,
			ev.WorkflowID, ev.CommandID, millis(fireAt))
		return err
	})
}

func (s *LibSQLStore) DeleteTimer(ctx context.Context, workflowID string, commandID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE workflow_id = ? AND command_id = ?`, workflowID, commandID)
	return err
}

// ListDueTimers returns timers at or past now whose workflow is still live.
func (s *LibSQLStore) ListDueTimers(ctx context.Context, now time.Time, limit int) ([]*Timer, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.workflow_id, t.command_id, t.fire_at_ms FROM timers t
		 JOIN workflows w ON w.id = t.workflow_id
		 WHERE t.fire_at_ms <= ? AND w.status IN (?, ?, ?)
		 ORDER BY t.fire_at_ms ASC LIMIT ?`,
		millis(now), string(schema.WorkflowStatusPending), string(schema.WorkflowStatusRunning),
		string(schema.WorkflowStatusWaiting), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Timer
	for rows.Next() {
		t := &Timer{}
		var ms int64
		if err := rows.Scan(&t.WorkflowID, &t.CommandID, &ms); err != nil {
			return nil, err
		}
		t.FireAt = fromMillis(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
