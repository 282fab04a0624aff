// Package audit appends a durable record of every attempted action.
//
// Writes never fail the caller: storage errors are logged and counted. Each
// entry is also mirrored to logs/audit.jsonl when a mirror is open.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/shared"
)

// Store is the slice of persistence.Store the logger needs.
type Store interface {
	InsertAudit(ctx context.Context, e *persistence.AuditEntry) error
	QueryAudit(ctx context.Context, f persistence.AuditFilter) ([]persistence.AuditEntry, error)
}

// Entry describes one attempted action. Request and Result are marshaled to
// JSON and redacted before they are stored.
type Entry struct {
	AgentID        string
	Action         string
	TargetType     string
	TargetID       string
	Request        any
	Result         any
	IdempotencyKey string
	Metadata       map[string]string
}

type mirrorLine struct {
	Timestamp      string `json:"timestamp"`
	AgentID        string `json:"agent_id"`
	Action         string `json:"action"`
	Status         string `json:"status"`
	TargetType     string `json:"target_type,omitempty"`
	TargetID       string `json:"target_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	TraceID        string `json:"trace_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

type Logger struct {
	store    Store
	logger   *slog.Logger
	failures atomic.Int64

	mu   sync.Mutex
	file *os.File
}

func New(store Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{store: store, logger: logger}
}

// OpenMirror starts appending entries to <homeDir>/logs/audit.jsonl.
func (l *Logger) OpenMirror(homeDir string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// WriteFailures is the number of entries that could not be stored.
func (l *Logger) WriteFailures() int64 {
	return l.failures.Load()
}

func (l *Logger) LogSuccess(ctx context.Context, e Entry) {
	l.record(ctx, e, persistence.AuditSuccess, "")
}

// LogFailure records a failed attempt. cause is stored as the result body
// when e.Result is nil.
func (l *Logger) LogFailure(ctx context.Context, e Entry, cause string) {
	if e.Result == nil && cause != "" {
		e.Result = map[string]string{"error": cause}
	}
	l.record(ctx, e, persistence.AuditFail, cause)
}

func (l *Logger) record(ctx context.Context, e Entry, status persistence.AuditStatus, cause string) {
	if e.AgentID == "" {
		e.AgentID = shared.SystemAgentID
	}
	row := &persistence.AuditEntry{
		AgentID:        e.AgentID,
		Action:         e.Action,
		TargetType:     e.TargetType,
		TargetID:       e.TargetID,
		RequestBody:    redactedJSON(e.Request),
		ResultBody:     redactedJSON(e.Result),
		Status:         status,
		IdempotencyKey: e.IdempotencyKey,
		Metadata:       e.Metadata,
		TraceID:        traceOf(ctx),
		CreatedAt:      time.Now().UTC(),
	}
	if err := l.store.InsertAudit(ctx, row); err != nil {
		l.failures.Add(1)
		l.logger.Error("audit write failed",
			"action", e.Action, "agent_id", e.AgentID, "target_id", e.TargetID, "error", err)
	}
	l.mirror(row, cause)
}

func (l *Logger) mirror(row *persistence.AuditEntry, cause string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	b, err := json.Marshal(mirrorLine{
		Timestamp:      row.CreatedAt.Format(time.RFC3339Nano),
		AgentID:        row.AgentID,
		Action:         row.Action,
		Status:         string(row.Status),
		TargetType:     row.TargetType,
		TargetID:       row.TargetID,
		IdempotencyKey: row.IdempotencyKey,
		TraceID:        row.TraceID,
		Error:          shared.Redact(cause),
	})
	if err == nil {
		_, _ = l.file.Write(append(b, '\n'))
	}
}

// Query returns entries newest first; see persistence.AuditFilter for the
// bounds.
func (l *Logger) Query(ctx context.Context, f persistence.AuditFilter) ([]persistence.AuditEntry, error) {
	return l.store.QueryAudit(ctx, f)
}

func redactedJSON(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	var raw []byte
	switch t := v.(type) {
	case json.RawMessage:
		raw = t
	case []byte:
		raw = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		raw = b
	}
	if len(raw) == 0 {
		return nil
	}
	redacted := shared.Redact(string(raw))
	if !json.Valid([]byte(redacted)) {
		b, _ := json.Marshal(redacted)
		return b
	}
	return json.RawMessage(redacted)
}

func traceOf(ctx context.Context) string {
	if id := shared.TraceID(ctx); id != "-" {
		return id
	}
	return ""
}
