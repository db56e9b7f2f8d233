// Package persistence stores durable engine state in SQLite: session
// snapshots, artifacts and captured outputs, and the append-only audit
// trails (events, policy violations, escalations).
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/policy"
)

// Session kinds. One snapshot row exists per kind.
const (
	KindBuild  = "build"
	KindDeploy = "deploy"
)

// ErrNoSnapshot is returned when no session snapshot exists for a kind.
var ErrNoSnapshot = errors.New("no session snapshot")

// Snapshot is one persisted session state record.
type Snapshot struct {
	Kind      string
	SessionID string
	Version   int
	State     []byte
}

// AuditEntry is one row of a session's running event log.
type AuditEntry struct {
	Session string
	Kind    string
	Stage   int
	Detail  string
}

// Store is the durable state interface.
type Store interface {
	// Session snapshots
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	LoadSnapshot(ctx context.Context, kind string) (Snapshot, error)
	Reset(ctx context.Context, kind string) error

	// Artifact write-through (satisfies artifact.Recorder)
	RecordArtifact(ctx context.Context, a artifact.Artifact) error
	RecordOutput(ctx context.Context, stage int, key, value string) error
	LoadArtifacts(ctx context.Context) ([]artifact.Artifact, error)
	LoadOutputs(ctx context.Context) (map[int]map[string]string, error)

	// Audit trails (satisfies policy.Auditor)
	AppendViolation(ctx context.Context, v policy.Violation) error
	LoadViolations(ctx context.Context) ([]policy.Violation, error)
	AppendEvent(ctx context.Context, e AuditEntry) error
	LoadEvents(ctx context.Context, session string) ([]AuditEntry, error)

	// Escalation records
	SaveEscalation(ctx context.Context, rec escalate.Record) error
	LoadEscalations(ctx context.Context) ([]escalate.Record, error)

	// Lifecycle
	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed store at the given path. Creates
// parent directories if needed. Enables WAL mode, foreign keys, and a busy
// timeout.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	// modernc.org/sqlite doesn't support _foreign_keys in the connection string
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return initStore(ctx, db)
}

// NewMemoryStore creates an in-memory SQLite store for testing. Uses a
// shared cache so multiple connections see the same database.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open memory database: %w", err)
	}
	return initStore(ctx, db)
}

func initStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// One connection for primary queries, one for subqueries.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
