package policy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aristath/stagehand/internal/logger"
)

func TestLoadCachesUntilReload(t *testing.T) {
	dir := writeRules(t, testRules)
	l := NewLoader(dir, logger.Discard())

	rules, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("got %d rules, want 2", len(rules))
	}

	// A disk change without Reload is invisible: the cache serves.
	extra := `id: extra
severity: optional
message: extra
predicate:
  operator: contains
  value: x
`
	if err := os.WriteFile(filepath.Join(dir, "extra.yaml"), []byte(extra), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	rules, _ = l.Load()
	if len(rules) != 2 {
		t.Fatalf("cache bypassed: got %d rules", len(rules))
	}

	l.Reload()
	rules, err = l.Load()
	if err != nil {
		t.Fatalf("Load after Reload: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules after reload, want 3", len(rules))
	}
}

func TestWatchInvalidatesCache(t *testing.T) {
	dir := writeRules(t, testRules)
	l := NewLoader(dir, logger.Discard())
	if err := l.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer l.Close()

	if _, err := l.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	extra := `id: watched
severity: optional
message: watched
predicate:
  operator: contains
  value: x
`
	if err := os.WriteFile(filepath.Join(dir, "watched.yaml"), []byte(extra), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The watcher delivers asynchronously; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		rules, err := l.Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if len(rules) == 3 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cache was not invalidated by file change")
}

func TestLoadMissingDirIsEmpty(t *testing.T) {
	l := NewLoader(filepath.Join(t.TempDir(), "absent"), logger.Discard())
	rules, err := l.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rules) != 0 {
		t.Errorf("got %d rules, want 0", len(rules))
	}
}

func TestLoadRejectsBadRule(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad severity", "id: x\nseverity: blocking\npredicate:\n  operator: contains\n  value: y\n"},
		{"bad operator", "id: x\nseverity: required\npredicate:\n  operator: equals\n  value: y\n"},
		{"bad regex", "id: x\nseverity: required\npredicate:\n  operator: matches\n  value: '('\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader(writeRules(t, tt.content), logger.Discard())
			if _, err := l.Load(); err == nil {
				t.Error("Load should fail")
			}
		})
	}
}

func TestLoadRejectsDuplicateIDs(t *testing.T) {
	dir := t.TempDir()
	doc := "id: dup\nseverity: optional\npredicate:\n  operator: contains\n  value: x\n"
	for _, name := range []string{"a.yaml", "b.yaml"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(doc), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	l := NewLoader(dir, logger.Discard())
	if _, err := l.Load(); err == nil {
		t.Error("duplicate rule ids must fail")
	}
}
