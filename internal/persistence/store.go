package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "lo-v1-2026-09-02-task-queue"

	// v2 adds task_events for the transition history view.
	schemaVersionV2  = 2
	schemaChecksumV2 = "lo-v2-2026-09-20-task-events"

	// v3 records who signed off a high-risk task.
	schemaVersionV3  = 3
	schemaChecksumV3 = "lo-v3-2026-10-15-task-approval"

	schemaVersionLatest  = schemaVersionV3
	schemaChecksumLatest = schemaChecksumV3

	// busyRetries bounds retryOnBusy; with the 5s driver busy_timeout this
	// gives roughly 8s of total wait before a store error surfaces.
	busyRetries = 5
)

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".leadops", "leadops.db")
}

// Open opens (or creates) the sqlite database at path and applies the schema.
// Several processes may open the same file; claims stay exclusive because
// every write transaction takes the database write lock up front.
func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the backing database answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping store", err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		// 50ms, 100ms, 200ms, 400ms, 500ms (capped), ±25% jitter.
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

// storageErr tags err as StorageUnavailable unless it is a context error
// or already carries a taxonomy kind.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var tagged *shared.Error
	if errors.As(err, &tagged) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return shared.WrapError(shared.KindStorageUnavailable, err, "%s", op)
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	versionChecksums := map[int]string{
		schemaVersionV1: schemaChecksumV1,
		schemaVersionV2: schemaChecksumV2,
		schemaVersionV3: schemaChecksumV3,
	}
	if maxVersion > 0 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, maxVersion).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if want := versionChecksums[maxVersion]; existingChecksum != want {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", maxVersion, existingChecksum, want)
		}
	}
	if maxVersion == schemaVersionLatest {
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			assigned_to_role TEXT NOT NULL,
			input TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 5,
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'RUNNING', 'DONE', 'FAILED')),
			retry_count INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			completed_at DATETIME,
			created_by_agent_id TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(assigned_to_role, status, priority, created_at, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, created_at);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			role TEXT NOT NULL,
			credential_hash TEXT NOT NULL UNIQUE,
			is_active INTEGER NOT NULL DEFAULT 1,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			agent_id TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT,
			target_id TEXT,
			request_body TEXT,
			result_body TEXT,
			status TEXT NOT NULL CHECK(status IN ('SUCCESS', 'FAIL')),
			idempotency_key TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			trace_id TEXT,
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_log(agent_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, created_at);`,
		`CREATE TABLE IF NOT EXISTS idempotency_records (
			agent_id TEXT NOT NULL,
			key TEXT NOT NULL,
			result_body TEXT NOT NULL,
			expires_at DATETIME NOT NULL,
			created_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, key)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_records(expires_at);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			trace_id TEXT,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
	}
	if maxVersion < schemaVersionV3 {
		statements = append(statements, `ALTER TABLE tasks ADD COLUMN approved_by TEXT;`)
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement: %w", err)
		}
	}

	for version := maxVersion + 1; version <= schemaVersionLatest; version++ {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, version, versionChecksums[version]); err != nil {
			return fmt.Errorf("record schema migration %d: %w", version, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, string, error) {
	var (
		version  int
		checksum string
	)
	if err := s.db.QueryRowContext(ctx, `
		SELECT version, checksum FROM schema_migrations ORDER BY version DESC LIMIT 1;
	`).Scan(&version, &checksum); err != nil {
		return 0, "", fmt.Errorf("read schema version: %w", err)
	}
	return version, checksum, nil
}

func nullString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// clampLimit bounds read query sizes.
func clampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
