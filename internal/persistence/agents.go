package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/leadops/internal/roles"
)

// AgentRecord is a row in the agents table. CredentialHash is never
// serialized.
type AgentRecord struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Role           roles.Role        `json:"role"`
	CredentialHash string            `json:"-"`
	IsActive       bool              `json:"is_active"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

const agentColumns = `id, name, role, credential_hash, is_active, metadata, created_at, updated_at`

func scanAgent(scanFn func(dest ...any) error, rec *AgentRecord) error {
	var (
		active   int
		metadata string
	)
	if err := scanFn(&rec.ID, &rec.Name, &rec.Role, &rec.CredentialHash, &active, &metadata, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return err
	}
	rec.IsActive = active != 0
	rec.Metadata = nil
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return fmt.Errorf("decode agent metadata: %w", err)
		}
	}
	return nil
}

// CreateAgent inserts rec. Timestamps are filled in when zero.
func (s *Store) CreateAgent(ctx context.Context, rec *AgentRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = rec.CreatedAt
	metadata := "{}"
	if len(rec.Metadata) > 0 {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("encode agent metadata: %w", err)
		}
		metadata = string(b)
	}
	err := retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (id, name, role, credential_hash, is_active, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, rec.ID, rec.Name, string(rec.Role), rec.CredentialHash, boolToInt(rec.IsActive), metadata, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	if err != nil {
		return storageErr("insert agent", err)
	}
	return nil
}

// GetAgent returns the agent with id, or nil when unknown.
func (s *Store) GetAgent(ctx context.Context, id string) (*AgentRecord, error) {
	return s.getAgentWhere(ctx, "id = ?", id)
}

// GetAgentByCredentialHash returns the agent owning hash, active or not.
func (s *Store) GetAgentByCredentialHash(ctx context.Context, hash string) (*AgentRecord, error) {
	return s.getAgentWhere(ctx, "credential_hash = ?", hash)
}

func (s *Store) getAgentWhere(ctx context.Context, where string, arg any) (*AgentRecord, error) {
	var rec AgentRecord
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where+`;`, arg)
	if err := scanAgent(row.Scan, &rec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get agent", err)
	}
	return &rec, nil
}

// ListAgents returns agents ordered by creation time.
func (s *Store) ListAgents(ctx context.Context, includeInactive bool) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+agentColumns+`
		FROM agents
		WHERE ? OR is_active = 1
		ORDER BY created_at ASC, id ASC;
	`, includeInactive)
	if err != nil {
		return nil, storageErr("list agents", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var rec AgentRecord
		if err := scanAgent(rows.Scan, &rec); err != nil {
			return nil, storageErr("scan agent", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate agents", err)
	}
	return out, nil
}

// DeactivateAgent clears is_active. It reports false for unknown ids.
func (s *Store) DeactivateAgent(ctx context.Context, id string) (bool, error) {
	return s.updateAgent(ctx, "deactivate agent", `is_active = 0`, false, id)
}

// UpdateAgentCredential replaces the stored hash of an active agent.
func (s *Store) UpdateAgentCredential(ctx context.Context, id, hash string) (bool, error) {
	return s.updateAgent(ctx, "rotate agent credential", `credential_hash = ?`, true, id, hash)
}

func (s *Store) updateAgent(ctx context.Context, op, set string, activeOnly bool, id string, setArgs ...any) (bool, error) {
	args := append(setArgs, time.Now().UTC(), id)
	where := "id = ?"
	if activeOnly {
		where += " AND is_active = 1"
	}
	var affected int64
	err := retryOnBusy(ctx, busyRetries, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET `+set+`, updated_at = ? WHERE `+where+`;`, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return false, storageErr(op, err)
	}
	return affected == 1, nil
}
