package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/policy"
)

// AppendViolation records one violation or resolution row. The trail is
// append-only: a resolution is a new row, never an update of the finding.
func (s *SQLiteStore) AppendViolation(ctx context.Context, v policy.Violation) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var resolvedAt any
	if !v.ResolvedAt.IsZero() {
		resolvedAt = v.ResolvedAt
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO violations (rule_id, severity, stage, artifact_key, message, resolution, justification, found_at, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.RuleID, string(v.Severity), v.Stage, v.ArtifactKey, v.Message, string(v.Resolution), v.Justification, v.FoundAt, resolvedAt)
	if err != nil {
		return fmt.Errorf("failed to append violation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadViolations returns the full violation trail in append order.
func (s *SQLiteStore) LoadViolations(ctx context.Context) ([]policy.Violation, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_id, severity, stage, artifact_key, message, resolution, justification, found_at, resolved_at
		FROM violations
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query violations: %w", err)
	}
	defer rows.Close()

	violations := []policy.Violation{}
	for rows.Next() {
		var v policy.Violation
		var severity, resolution string
		var resolvedAt sql.NullTime
		if err := rows.Scan(&v.RuleID, &severity, &v.Stage, &v.ArtifactKey, &v.Message, &resolution, &v.Justification, &v.FoundAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Severity = policy.Severity(severity)
		v.Resolution = policy.Resolution(resolution)
		if resolvedAt.Valid {
			v.ResolvedAt = resolvedAt.Time
		}
		violations = append(violations, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating violations: %w", err)
	}
	return violations, nil
}

// AppendEvent records one entry in a session's running event log.
func (s *SQLiteStore) AppendEvent(ctx context.Context, e AuditEntry) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO history (session, kind, stage, detail)
		VALUES (?, ?, ?, ?)
	`, e.Session, e.Kind, e.Stage, e.Detail)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadEvents returns a session's event log in chronological order. The id
// tiebreak keeps same-second entries ordered.
func (s *SQLiteStore) LoadEvents(ctx context.Context, session string) ([]AuditEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT session, kind, stage, detail
		FROM history
		WHERE session = ?
		ORDER BY timestamp ASC, id ASC
	`, session)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	entries := []AuditEntry{}
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.Session, &e.Kind, &e.Stage, &e.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return entries, nil
}

// SaveEscalation upserts one escalation record.
func (s *SQLiteStore) SaveEscalation(ctx context.Context, rec escalate.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalations (issue_id, stage, summary, level, opened_at, last_activity, resolved)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			level = excluded.level,
			last_activity = excluded.last_activity,
			resolved = excluded.resolved
	`, rec.IssueID, rec.Stage, rec.Summary, int(rec.Level), rec.OpenedAt, rec.LastActivity, boolToInt(rec.Resolved))
	if err != nil {
		return fmt.Errorf("failed to save escalation %q: %w", rec.IssueID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadEscalations returns every escalation record ordered by opening time.
func (s *SQLiteStore) LoadEscalations(ctx context.Context) ([]escalate.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT issue_id, stage, summary, level, opened_at, last_activity, resolved
		FROM escalations
		ORDER BY opened_at ASC, issue_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	records := []escalate.Record{}
	for rows.Next() {
		var rec escalate.Record
		var level, resolved int
		if err := rows.Scan(&rec.IssueID, &rec.Stage, &rec.Summary, &level, &rec.OpenedAt, &rec.LastActivity, &resolved); err != nil {
			return nil, fmt.Errorf("failed to scan escalation: %w", err)
		}
		rec.Level = escalate.Level(level)
		rec.Resolved = resolved != 0
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating escalations: %w", err)
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
