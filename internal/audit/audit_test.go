package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/shared"
)

func openStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "leadops.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestLogger_WritesRowsAndMirror(t *testing.T) {
	home := t.TempDir()
	l := New(openStore(t), nil)
	if err := l.OpenMirror(home); err != nil {
		t.Fatalf("open mirror: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	ctx := shared.WithTraceID(context.Background(), "trace-1")

	l.LogSuccess(ctx, Entry{
		Action:     "task:finance",
		TargetType: "task",
		TargetID:   "t-1",
		Request:    map[string]any{"amount": 50},
		Result:     json.RawMessage(`{"refunded":true}`),
	})
	l.LogFailure(ctx, Entry{AgentID: "agent-7", Action: "leads:create"}, "token Bearer abcdefghijklmnop1234 rejected")

	rows, err := l.Query(context.Background(), persistence.AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	fail, ok := rows[0], rows[1]
	if ok.AgentID != shared.SystemAgentID || ok.Status != persistence.AuditSuccess || ok.TraceID != "trace-1" {
		t.Fatalf("unexpected success row %+v", ok)
	}
	if string(ok.RequestBody) != `{"amount":50}` {
		t.Fatalf("request body = %s", ok.RequestBody)
	}
	if fail.Status != persistence.AuditFail {
		t.Fatalf("unexpected failure row %+v", fail)
	}
	if strings.Contains(string(fail.ResultBody), "abcdefghijklmnop1234") {
		t.Fatalf("secret leaked into audit row: %s", fail.ResultBody)
	}

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read mirror: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("mirror lines = %d, want 2", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal mirror line: %v", err)
	}
	if first["action"] != "task:finance" || first["status"] != "SUCCESS" {
		t.Fatalf("unexpected mirror line %v", first)
	}
	if strings.Contains(string(raw), "abcdefghijklmnop1234") {
		t.Fatal("secret leaked into mirror")
	}
}

type failingStore struct{}

func (failingStore) InsertAudit(context.Context, *persistence.AuditEntry) error {
	return errors.New("disk full")
}

func (failingStore) QueryAudit(context.Context, persistence.AuditFilter) ([]persistence.AuditEntry, error) {
	return nil, nil
}

func TestLogger_StoreFailureIsSwallowed(t *testing.T) {
	l := New(failingStore{}, nil)
	l.LogSuccess(context.Background(), Entry{Action: "task:support"})
	l.LogFailure(context.Background(), Entry{Action: "task:support"}, "boom")
	if got := l.WriteFailures(); got != 2 {
		t.Fatalf("write failures = %d, want 2", got)
	}
}
