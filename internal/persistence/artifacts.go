package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/aristath/stagehand/internal/artifact"
)

// RecordArtifact upserts one artifact row. The in-memory store performs the
// compare-and-set before calling through, so by the time a write lands here
// it is authoritative. Fingerprints are stored as text because SQLite
// integers are signed.
func (s *SQLiteStore) RecordArtifact(ctx context.Context, a artifact.Artifact) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO artifacts (key, type, stage, producer, content, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			content = excluded.content,
			fingerprint = excluded.fingerprint,
			producer = excluded.producer
	`, a.Key, a.Type, a.Stage, a.Producer, a.Content, strconv.FormatUint(a.Fingerprint, 10), a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record artifact %q: %w", a.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecordOutput upserts one captured output value for a stage.
func (s *SQLiteStore) RecordOutput(ctx context.Context, stage int, key, value string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outputs (stage, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(stage, key) DO UPDATE SET value = excluded.value
	`, stage, key, value)
	if err != nil {
		return fmt.Errorf("failed to record output %d/%q: %w", stage, key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LoadArtifacts returns every persisted artifact in insertion order.
func (s *SQLiteStore) LoadArtifacts(ctx context.Context) ([]artifact.Artifact, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT key, type, stage, producer, content, fingerprint, created_at
		FROM artifacts
		ORDER BY rowid ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %w", err)
	}
	defer rows.Close()

	artifacts := []artifact.Artifact{}
	for rows.Next() {
		var a artifact.Artifact
		var fp string
		if err := rows.Scan(&a.Key, &a.Type, &a.Stage, &a.Producer, &a.Content, &fp, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		a.Fingerprint, err = strconv.ParseUint(fp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt fingerprint for %q: %w", a.Key, err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating artifacts: %w", err)
	}
	return artifacts, nil
}

// LoadOutputs returns all captured outputs keyed by stage.
func (s *SQLiteStore) LoadOutputs(ctx context.Context) (map[int]map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, key, value
		FROM outputs
		ORDER BY stage ASC, key ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query outputs: %w", err)
	}
	defer rows.Close()

	outputs := make(map[int]map[string]string)
	for rows.Next() {
		var stage int
		var key, value string
		if err := rows.Scan(&stage, &key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan output: %w", err)
		}
		if outputs[stage] == nil {
			outputs[stage] = make(map[string]string)
		}
		outputs[stage][key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outputs: %w", err)
	}
	return outputs, nil
}
