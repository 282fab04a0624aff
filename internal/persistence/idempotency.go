package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// IdempotencyRecord caches the outcome of one keyed action for one agent.
type IdempotencyRecord struct {
	AgentID    string
	Key        string
	ResultBody []byte
	ExpiresAt  time.Time
	CreatedAt  time.Time
}

// Expired reports whether the record is inert at now.
func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// GetIdempotency returns the record for (agentID, key), expired or not, or
// nil when there is none.
func (s *Store) GetIdempotency(ctx context.Context, agentID, key string) (*IdempotencyRecord, error) {
	rec := IdempotencyRecord{AgentID: agentID, Key: key}
	var body string
	err := s.db.QueryRowContext(ctx, `
		SELECT result_body, expires_at, created_at
		FROM idempotency_records
		WHERE agent_id = ? AND key = ?;
	`, agentID, key).Scan(&body, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get idempotency record", err)
	}
	rec.ResultBody = []byte(body)
	return &rec, nil
}

// PutIdempotency stores rec. A live record under the same key is left in
// place; only an expired one is overwritten.
func (s *Store) PutIdempotency(ctx context.Context, rec IdempotencyRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO idempotency_records (agent_id, key, result_body, expires_at, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, key) DO UPDATE SET
				result_body = excluded.result_body,
				expires_at = excluded.expires_at,
				created_at = excluded.created_at
			WHERE idempotency_records.expires_at <= excluded.created_at;
		`, rec.AgentID, rec.Key, string(rec.ResultBody), rec.ExpiresAt.UTC(), rec.CreatedAt.UTC())
		return err
	})
	if err != nil {
		return storageErr("put idempotency record", err)
	}
	return nil
}

// DeleteExpiredIdempotency removes (agentID, key) if it expired before now.
func (s *Store) DeleteExpiredIdempotency(ctx context.Context, agentID, key string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE agent_id = ? AND key = ? AND expires_at <= ?;
	`, agentID, key, now.UTC())
	if err != nil {
		return storageErr("delete idempotency record", err)
	}
	return nil
}

// PurgeExpiredIdempotency removes every record expired at now.
func (s *Store) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE expires_at <= ?;`, now.UTC())
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, storageErr("purge idempotency records", err)
	}
	return n, nil
}
