package policy

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Loader reads rule documents from a directory, caches the compiled set
// for the session, and invalidates the cache when a rule file changes or
// Reload is called.
type Loader struct {
	dir     string
	log     *slog.Logger
	mu      sync.Mutex
	cached  []Rule
	loaded  bool
	watcher *fsnotify.Watcher
}

// ruleDocument is the on-disk YAML shape: one file may carry one rule or a
// list under "rules".
type ruleDocument struct {
	Rule  `yaml:",inline"`
	Rules []Rule `yaml:"rules"`
}

// NewLoader creates a loader for the given rules directory.
func NewLoader(dir string, log *slog.Logger) *Loader {
	return &Loader{dir: dir, log: log}
}

// Load returns the rule set, reading from disk on first use and from the
// cache afterwards. A missing directory yields an empty set.
func (l *Loader) Load() ([]Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return l.cached, nil
	}

	rules, err := l.read()
	if err != nil {
		return nil, err
	}
	l.cached = rules
	l.loaded = true
	return rules, nil
}

// Reload drops the cache; the next Load re-reads from disk.
func (l *Loader) Reload() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.loaded = false
	l.cached = nil
}

// Watch starts invalidating the cache whenever a file in the rules
// directory is written, created, renamed or removed. Close stops it.
func (l *Loader) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("rules watcher: %w", err)
	}
	if err := watcher.Add(l.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", l.dir, err)
	}

	l.mu.Lock()
	l.watcher = watcher
	l.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if l.log != nil {
						l.log.Info("policy rules changed, invalidating cache", "file", ev.Name)
					}
					l.Reload()
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if started.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher != nil {
		err := l.watcher.Close()
		l.watcher = nil
		return err
	}
	return nil
}

func (l *Loader) read() ([]Rule, error) {
	if _, err := os.Stat(l.dir); os.IsNotExist(err) {
		return nil, nil
	}

	var rules []Rule
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		var doc ruleDocument
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		fileRules := doc.Rules
		if len(fileRules) == 0 && doc.ID != "" {
			fileRules = []Rule{doc.Rule}
		}
		for i := range fileRules {
			if err := fileRules[i].compile(); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
		}
		rules = append(rules, fileRules...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rules))
	for _, r := range rules {
		if seen[r.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", r.ID)
		}
		seen[r.ID] = true
	}
	return rules, nil
}
