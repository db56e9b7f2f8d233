package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveSnapshot upserts the snapshot for a session kind. The session state
// machine persists after every transition, so a crash loses at most one
// step.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (kind, session_id, version, state, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(kind) DO UPDATE SET
			session_id = excluded.session_id,
			version = excluded.version,
			state = excluded.state,
			updated_at = CURRENT_TIMESTAMP
	`, snap.Kind, snap.SessionID, snap.Version, string(snap.State))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot for a session kind, or ErrNoSnapshot.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, kind string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	snap := Snapshot{Kind: kind}
	var state string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, version, state
		FROM sessions
		WHERE kind = ?
	`, kind).Scan(&snap.SessionID, &snap.Version, &state)

	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, fmt.Errorf("kind %q: %w", kind, ErrNoSnapshot)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	snap.State = []byte(state)
	return snap, nil
}

// Reset irreversibly clears a session kind's snapshot and event log. A
// build reset additionally clears everything the build produced: artifacts,
// captured outputs, violations, and escalation records.
func (s *SQLiteStore) Reset(ctx context.Context, kind string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	type stmt struct {
		query string
		args  []any
	}
	stmts := []stmt{
		{"DELETE FROM sessions WHERE kind = ?", []any{kind}},
		{"DELETE FROM history WHERE session = ?", []any{kind}},
	}
	if kind == KindBuild {
		stmts = append(stmts,
			stmt{query: "DELETE FROM artifacts"},
			stmt{query: "DELETE FROM outputs"},
			stmt{query: "DELETE FROM violations"},
			stmt{query: "DELETE FROM escalations"},
		)
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("failed to reset %q: %w", kind, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
