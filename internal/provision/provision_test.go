package provision

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aristath/stagehand/internal/artifact"
)

func TestParseOutputs(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
		want   map[string]string
	}{
		{
			name:   "declared outputs on final line",
			stdout: "applying...\ndone\n{\"outputs\":{\"vnet_id\":\"vnet-123\",\"subnet\":\"10.0.1.0/24\"}}\n",
			want:   map[string]string{"vnet_id": "vnet-123", "subnet": "10.0.1.0/24"},
		},
		{
			name:   "no outputs declared",
			stdout: "applying...\ndone\n",
			want:   map[string]string{},
		},
		{
			name:   "empty stdout",
			stdout: "",
			want:   map[string]string{},
		},
		{
			name:   "json without outputs key",
			stdout: "{\"status\":\"ok\"}\n",
			want:   map[string]string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutputs([]byte(tt.stdout))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("outputs[%q] = %q, want %q", k, got[k], v)
				}
			}
		})
	}
}

func TestExecInvokerStagesArtifactsAndCapturesOutputs(t *testing.T) {
	workDir := t.TempDir()

	// The tool verifies its staged input exists, then declares one output.
	script := filepath.Join(workDir, "tool.sh")
	content := `#!/bin/sh
test -f stage2_database-schema || { echo "missing artifact" >&2; exit 1; }
echo "mode: $1"
echo '{"outputs":{"db_host":"db.internal"}}'
`
	if err := os.WriteFile(script, []byte(content), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	inv, err := NewExecInvoker(ExecConfig{Command: script, WorkDir: workDir}, nil)
	if err != nil {
		t.Fatalf("NewExecInvoker: %v", err)
	}

	res, err := inv.Invoke(context.Background(), 2, []artifact.Artifact{
		{Key: "stage2/database-schema", Type: "database-schema", Stage: 2, Content: "CREATE TABLE t (id INT);"},
	}, ModeApply)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if !res.Success {
		t.Fatalf("tool failed: %s", res.RawLog)
	}
	if res.Outputs["db_host"] != "db.internal" {
		t.Errorf("outputs = %v", res.Outputs)
	}
	if !strings.Contains(res.RawLog, "mode: apply") {
		t.Errorf("raw log missing mode: %s", res.RawLog)
	}
}

func TestExecInvokerReportsToolFailureAsResult(t *testing.T) {
	workDir := t.TempDir()
	script := filepath.Join(workDir, "tool.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'plan invalid' >&2\nexit 3\n"), 0755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	inv, err := NewExecInvoker(ExecConfig{Command: script, WorkDir: workDir}, nil)
	if err != nil {
		t.Fatalf("NewExecInvoker: %v", err)
	}

	res, err := inv.Invoke(context.Background(), 1, nil, ModeDryRun)
	if err != nil {
		t.Fatalf("tool failure must not be an invocation error: %v", err)
	}
	if res.Success {
		t.Error("non-zero exit must fail the result")
	}
	if !strings.Contains(res.RawLog, "plan invalid") {
		t.Errorf("raw log missing tool stderr: %s", res.RawLog)
	}
}

func TestExecInvokerRequiresCommand(t *testing.T) {
	if _, err := NewExecInvoker(ExecConfig{}, nil); err == nil {
		t.Error("empty command must be rejected")
	}
}
