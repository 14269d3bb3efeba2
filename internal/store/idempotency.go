package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

func (s *LibSQLStore) GetIdempotency(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec := &IdempotencyRecord{}
	var (
		status         string
		result, errMsg sql.NullString
		completedAt    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, scope, name, input_hash, status, result, error, created_at, completed_at
		 FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&rec.Key, &rec.Scope, &rec.Name, &rec.InputHash, &status, &result, &errMsg, &rec.CreatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("idempotency key", key)
	}
	if err != nil {
		return nil, err
	}
	rec.Status = IdempotencyStatus(status)
	rec.Result = rawOrNil(result)
	rec.Error = errMsg.String
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ClaimIdempotency(ctx context.Context, rec *IdempotencyRecord) (bool, error) {
	rec.CreatedAt = timeOrNow(rec.CreatedAt)
	if rec.Status == "" {
		rec.Status = IdempotencyPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, scope, name, input_hash, status, created_at, claimed_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		rec.Key, rec.Scope, rec.Name, rec.InputHash, string(rec.Status), rec.CreatedAt, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) ReclaimIdempotency(ctx context.Context, key string, staleBefore time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys
		 SET status = ?, result = NULL, error = NULL, completed_at = NULL, claimed_at_ms = ?
		 WHERE key = ? AND (status = ? OR (status = ? AND claimed_at_ms < ?))`,
		string(IdempotencyPending), time.Now().UnixMilli(), key,
		string(IdempotencyFailed), string(IdempotencyPending), staleBefore.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReleaseIdempotency fails every pending claim taken before claimedBefore.
// It is for startup, when no caller from an earlier process is still alive.
func (s *LibSQLStore) ReleaseIdempotency(ctx context.Context, claimedBefore time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = ?, error = ?, completed_at = ?
		 WHERE status = ? AND claimed_at_ms < ?`,
		string(IdempotencyFailed), "released after restart", time.Now().UTC(),
		string(IdempotencyPending), claimedBefore.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *LibSQLStore) CompleteIdempotency(ctx context.Context, key string, status IdempotencyStatus, result json.RawMessage, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET status = ?, result = ?, error = ?, completed_at = ? WHERE key = ?`,
		string(status), nullRaw(result), nullStr(errMsg), time.Now().UTC(), key,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "idempotency key", key)
}
