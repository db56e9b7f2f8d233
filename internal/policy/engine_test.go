package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/logger"
)

const testRules = `rules:
  - id: no-plaintext-password
    severity: required
    roles: [infra-generator]
    message: generated config must not embed passwords
    predicate:
      operator: not_matches
      value: '(?i)password\s*='
  - id: tag-owner
    severity: recommended
    message: resources should carry an owner tag
    predicate:
      operator: contains
      value: 'owner:'
`

func writeRules(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write rules: %v", err)
	}
	return dir
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	loader := NewLoader(writeRules(t, testRules), logger.Discard())
	return NewEngine(loader, cfg, nil, nil, logger.Discard())
}

func TestEvaluateFindsViolations(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()

	violations, err := e.Evaluate(ctx, 1, []artifact.Artifact{
		{Key: "net.tf", Producer: "infra-generator", Content: "password = hunter2\nowner: platform"},
		{Key: "db.sql", Producer: "db-generator", Content: "create table t ()"},
	})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	// net.tf violates the password rule; db.sql misses the owner tag
	// (tag-owner applies to all roles). The password rule is scoped to
	// infra-generator, so db.sql escapes it.
	got := map[string]string{}
	for _, v := range violations {
		got[v.RuleID+"/"+v.ArtifactKey] = string(v.Severity)
	}
	if got["no-plaintext-password/net.tf"] != "required" {
		t.Errorf("missing required violation on net.tf: %v", got)
	}
	if got["tag-owner/db.sql"] != "recommended" {
		t.Errorf("missing recommended violation on db.sql: %v", got)
	}
	if _, ok := got["no-plaintext-password/db.sql"]; ok {
		t.Error("role-scoped rule leaked to db-generator artifact")
	}
}

// TestRequiredCannotBeAccepted pins the core invariant: a required
// violation reaches accepted-compliant only through a passing rewrite or
// an explicit justified override.
func TestRequiredCannotBeAccepted(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	v := &Violation{RuleID: "no-plaintext-password", Severity: SeverityRequired, Stage: 1}

	if err := e.Accept(ctx, v); err == nil {
		t.Fatal("Accept must refuse a required violation")
	}
	if !v.Open() {
		t.Fatal("violation must stay open after refused Accept")
	}

	if err := e.Override(ctx, v, ""); err == nil {
		t.Fatal("Override without justification must fail")
	}

	if err := e.Override(ctx, v, "air-gapped lab, approved by security"); err != nil {
		t.Fatalf("justified Override: %v", err)
	}
	if v.Resolution != ResolutionOverridden || v.Justification == "" {
		t.Errorf("violation = %+v, want overridden with justification", v)
	}
}

func TestMarkRegeneratedRequiresPassingContent(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	v := &Violation{RuleID: "no-plaintext-password", Severity: SeverityRequired, Stage: 1}

	still := artifact.Artifact{Key: "net.tf", Content: "password = hunter2"}
	if err := e.MarkRegenerated(ctx, v, still); err == nil {
		t.Fatal("MarkRegenerated must refuse content that still violates")
	}

	fixed := artifact.Artifact{Key: "net.tf", Content: "identity_auth = true"}
	if err := e.MarkRegenerated(ctx, v, fixed); err != nil {
		t.Fatalf("MarkRegenerated: %v", err)
	}
	if v.Resolution != ResolutionRegenerated {
		t.Errorf("resolution = %q, want regenerated", v.Resolution)
	}
}

func TestRecommendedAcceptPath(t *testing.T) {
	e := newTestEngine(t, Config{})
	ctx := context.Background()
	v := &Violation{RuleID: "tag-owner", Severity: SeverityRecommended, Stage: 1}

	if err := e.Accept(ctx, v); err != nil {
		t.Fatalf("Accept recommended: %v", err)
	}
	if v.Resolution != ResolutionAccepted {
		t.Errorf("resolution = %q", v.Resolution)
	}
	// Resolving twice is an error: the audit trail is append-only.
	if err := e.Accept(ctx, v); err == nil {
		t.Error("second resolution must fail")
	}
}

func TestStageClearedHonorsConfig(t *testing.T) {
	open := []*Violation{{RuleID: "tag-owner", Severity: SeverityRecommended}}

	soft := newTestEngine(t, Config{})
	if !soft.StageCleared(open) {
		t.Error("open recommended violation must not block by default")
	}

	strict := newTestEngine(t, Config{BlockOnRecommended: true})
	if strict.StageCleared(open) {
		t.Error("BlockOnRecommended must block on open recommended violation")
	}

	required := []*Violation{{RuleID: "no-plaintext-password", Severity: SeverityRequired}}
	if soft.StageCleared(required) {
		t.Error("open required violation must always block")
	}
}
