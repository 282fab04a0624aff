package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFail    AuditStatus = "FAIL"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// AuditEntry is one append-only audit row. Bodies hold JSON text.
type AuditEntry struct {
	ID             int64             `json:"id"`
	AgentID        string            `json:"agent_id"`
	Action         string            `json:"action"`
	TargetType     string            `json:"target_type,omitempty"`
	TargetID       string            `json:"target_id,omitempty"`
	RequestBody    json.RawMessage   `json:"request_body,omitempty"`
	ResultBody     json.RawMessage   `json:"result_body,omitempty"`
	Status         AuditStatus       `json:"status"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	TraceID        string            `json:"trace_id,omitempty"`
	CreatedAt      time.Time         `json:"timestamp"`
}

// AuditFilter narrows QueryAudit. Empty fields match everything.
type AuditFilter struct {
	AgentID string
	Action  string
	Status  AuditStatus
	Limit   int
	Offset  int
}

// InsertAudit appends e and sets its ID.
func (s *Store) InsertAudit(ctx context.Context, e *AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	metadata := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = string(b)
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO audit_log (agent_id, action, target_type, target_id, request_body, result_body,
				status, idempotency_key, metadata, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, e.AgentID, e.Action, nullString(e.TargetType), nullString(e.TargetID),
			nullString(string(e.RequestBody)), nullString(string(e.ResultBody)),
			string(e.Status), nullString(e.IdempotencyKey), metadata, nullString(e.TraceID), e.CreatedAt)
		if err != nil {
			return err
		}
		e.ID, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return storageErr("insert audit entry", err)
	}
	return nil
}

// QueryAudit returns matching entries newest first.
func (s *Store) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var (
		clauses []string
		args    []any
	)
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	query := `SELECT audit_id, agent_id, action, COALESCE(target_type, ''), COALESCE(target_id, ''),
		COALESCE(request_body, ''), COALESCE(result_body, ''), status, COALESCE(idempotency_key, ''),
		metadata, COALESCE(trace_id, ''), created_at
		FROM audit_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY audit_id DESC LIMIT ? OFFSET ?;"
	args = append(args, clampLimit(f.Limit, defaultAuditLimit, maxAuditLimit), offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query audit", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e               AuditEntry
			request, result string
			metadata        string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Action, &e.TargetType, &e.TargetID,
			&request, &result, &e.Status, &e.IdempotencyKey, &metadata, &e.TraceID, &e.CreatedAt); err != nil {
			return nil, storageErr("scan audit entry", err)
		}
		if request != "" {
			e.RequestBody = json.RawMessage(request)
		}
		if result != "" {
			e.ResultBody = json.RawMessage(result)
		}
		if metadata != "" && metadata != "{}" {
			_ = json.Unmarshal([]byte(metadata), &e.Metadata)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate audit", err)
	}
	return out, nil
}
