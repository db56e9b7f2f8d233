// Package artifact provides the append-only store for named outputs
// produced by stages: generated artifacts and captured resource outputs.
//
// Writes are compare-and-set per artifact key. Re-writing identical content
// is an idempotent no-op, so a crashed stage can be replayed safely; a
// conflicting write without the expected fingerprint is refused.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
)

// ErrConflict is returned when a Put would overwrite an existing artifact
// whose fingerprint does not match the caller's expectation.
var ErrConflict = errors.New("artifact key already holds different content")

// Artifact is one named output of a generation task.
type Artifact struct {
	Key         string    `json:"key"`  // unique store key
	Type        string    `json:"type"` // contract artifact type
	Stage       int       `json:"stage"`
	Producer    string    `json:"producer"` // role that generated it
	Content     string    `json:"content"`
	Fingerprint uint64    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Fingerprint computes the content fingerprint for an artifact.
func Fingerprint(a Artifact) (uint64, error) {
	return hashstructure.Hash(struct {
		Type    string
		Content string
	}{a.Type, a.Content}, hashstructure.FormatV2, nil)
}

// Recorder receives every successful store mutation, so artifacts survive a
// process crash. A nil Recorder keeps the store purely in memory.
type Recorder interface {
	RecordArtifact(ctx context.Context, a Artifact) error
	RecordOutput(ctx context.Context, stage int, key, value string) error
}

// Store is the in-memory artifact store with write-through persistence.
type Store struct {
	mu      sync.RWMutex
	byKey   map[string]Artifact
	byType  map[string][]string // type -> keys, insertion order
	outputs map[int]map[string]string
	rec     Recorder
}

// NewStore creates an empty store. rec may be nil.
func NewStore(rec Recorder) *Store {
	return &Store{
		byKey:   make(map[string]Artifact),
		byType:  make(map[string][]string),
		outputs: make(map[int]map[string]string),
		rec:     rec,
	}
}

// Put appends a new artifact. Writing the same key with identical content
// is a no-op; writing different content under an existing key returns
// ErrConflict. Use Swap to replace content deliberately.
func (s *Store) Put(ctx context.Context, a Artifact) error {
	fp, err := Fingerprint(a)
	if err != nil {
		return fmt.Errorf("fingerprint artifact %q: %w", a.Key, err)
	}
	a.Fingerprint = fp

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[a.Key]; ok {
		if existing.Fingerprint == fp {
			return nil // idempotent replay
		}
		return fmt.Errorf("put %q: %w", a.Key, ErrConflict)
	}
	return s.commitLocked(ctx, a, false)
}

// Swap replaces the artifact under a.Key, but only if the stored
// fingerprint still equals expected. A zero expected value means the key
// must not exist yet. Lost updates between concurrent writers surface as
// ErrConflict.
func (s *Store) Swap(ctx context.Context, a Artifact, expected uint64) error {
	fp, err := Fingerprint(a)
	if err != nil {
		return fmt.Errorf("fingerprint artifact %q: %w", a.Key, err)
	}
	a.Fingerprint = fp

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.byKey[a.Key]
	if !ok {
		if expected != 0 {
			return fmt.Errorf("swap %q: %w", a.Key, ErrConflict)
		}
		return s.commitLocked(ctx, a, false)
	}
	if existing.Fingerprint != expected {
		return fmt.Errorf("swap %q: %w", a.Key, ErrConflict)
	}
	return s.commitLocked(ctx, a, true)
}

func (s *Store) commitLocked(ctx context.Context, a Artifact, replace bool) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	if s.rec != nil {
		if err := s.rec.RecordArtifact(ctx, a); err != nil {
			return fmt.Errorf("record artifact %q: %w", a.Key, err)
		}
	}
	if !replace {
		s.byType[a.Type] = append(s.byType[a.Type], a.Key)
	}
	s.byKey[a.Key] = a
	return nil
}

// Get returns the artifact stored under key.
func (s *Store) Get(key string) (Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byKey[key]
	return a, ok
}

// HasType reports whether at least one artifact of the given type exists.
func (s *Store) HasType(artifactType string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byType[artifactType]) > 0
}

// ByType returns all artifacts of the given type in insertion order.
func (s *Store) ByType(artifactType string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := s.byType[artifactType]
	out := make([]Artifact, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.byKey[k])
	}
	return out
}

// ByStage returns all artifacts produced by the given stage, ordered by key.
func (s *Store) ByStage(stage int) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Artifact
	for _, a := range s.byKey {
		if a.Stage == stage {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// CaptureOutput records one key/value output of a deployed stage.
// Capturing the same value twice is idempotent.
func (s *Store) CaptureOutput(ctx context.Context, stage int, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.outputs[stage][key]; ok && existing == value {
		return nil
	}
	if s.rec != nil {
		if err := s.rec.RecordOutput(ctx, stage, key, value); err != nil {
			return fmt.Errorf("record output %d/%q: %w", stage, key, err)
		}
	}
	if s.outputs[stage] == nil {
		s.outputs[stage] = make(map[string]string)
	}
	s.outputs[stage][key] = value
	return nil
}

// Outputs returns a copy of the captured outputs for a stage.
func (s *Store) Outputs(stage int) map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.outputs[stage]))
	for k, v := range s.outputs[stage] {
		out[k] = v
	}
	return out
}

// Restore rehydrates the store from persisted state on session resume.
// It bypasses the recorder: the rows are already durable.
func (s *Store) Restore(artifacts []Artifact, outputs map[int]map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range artifacts {
		if _, ok := s.byKey[a.Key]; !ok {
			s.byType[a.Type] = append(s.byType[a.Type], a.Key)
		}
		s.byKey[a.Key] = a
	}
	for stage, kv := range outputs {
		if s.outputs[stage] == nil {
			s.outputs[stage] = make(map[string]string, len(kv))
		}
		for k, v := range kv {
			s.outputs[stage][k] = v
		}
	}
}
