// Package provision wraps the provisioning tool behind an opaque
// pass/fail/output contract. The engine stages a stage's artifacts into a
// working directory, invokes the tool as a subprocess, and locates declared
// outputs in its final JSON line; it never parses tool-specific syntax.
package provision

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/subproc"
)

// Mode selects the provisioning action.
type Mode string

const (
	ModeDryRun  Mode = "dry-run"
	ModeApply   Mode = "apply"
	ModeDestroy Mode = "destroy"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Success bool
	Outputs map[string]string
	RawLog  string
}

// Invoker runs the provisioning tool over one stage's artifacts.
type Invoker interface {
	Invoke(ctx context.Context, stage int, artifacts []artifact.Artifact, mode Mode) (Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, stage int, artifacts []artifact.Artifact, mode Mode) (Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, stage int, artifacts []artifact.Artifact, mode Mode) (Result, error) {
	return f(ctx, stage, artifacts, mode)
}

// ExecConfig configures the subprocess-backed invoker.
type ExecConfig struct {
	Command string
	Args    []string
	WorkDir string        // parent for per-stage staging directories
	Timeout time.Duration // per-invocation; <= 0 means no timeout
}

// ExecInvoker stages artifacts to disk and shells out to the tool. The
// mode is appended as the final argument and the staging directory is the
// subprocess working directory.
type ExecInvoker struct {
	cfg     ExecConfig
	procMgr *subproc.Manager
}

// NewExecInvoker creates a subprocess-backed invoker. procMgr may be nil.
func NewExecInvoker(cfg ExecConfig, procMgr *subproc.Manager) (*ExecInvoker, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("provisioning invoker requires a command")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &ExecInvoker{cfg: cfg, procMgr: procMgr}, nil
}

// Invoke writes the stage's artifacts into a staging directory and runs
// the tool. A non-zero exit is a failed Result, not an invocation error;
// the raw log is preserved either way so failures are diagnosable.
func (e *ExecInvoker) Invoke(ctx context.Context, stage int, artifacts []artifact.Artifact, mode Mode) (Result, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	dir, err := e.stageArtifacts(stage, artifacts)
	if err != nil {
		return Result{}, err
	}

	args := append(append([]string{}, e.cfg.Args...), string(mode))
	cmd := subproc.Command(ctx, e.cfg.Command, args...)
	cmd.Dir = dir

	stdout, stderr, runErr := subproc.RunTracked(cmd, e.procMgr)
	rawLog := string(stdout)
	if len(stderr) > 0 {
		rawLog += "\n" + string(stderr)
	}

	if runErr != nil {
		if ctx.Err() != nil {
			return Result{RawLog: rawLog}, fmt.Errorf("provisioning %s for stage %d: %w", mode, stage, ctx.Err())
		}
		return Result{Success: false, RawLog: rawLog}, nil
	}

	return Result{
		Success: true,
		Outputs: parseOutputs(stdout),
		RawLog:  rawLog,
	}, nil
}

// stageArtifacts writes each artifact to the staging directory, flattening
// key separators into the file name.
func (e *ExecInvoker) stageArtifacts(stage int, artifacts []artifact.Artifact) (string, error) {
	dir := filepath.Join(e.cfg.WorkDir, fmt.Sprintf("stage-%d", stage))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create staging directory: %w", err)
	}
	for _, a := range artifacts {
		name := strings.ReplaceAll(a.Key, "/", "_")
		if err := os.WriteFile(filepath.Join(dir, name), []byte(a.Content), 0644); err != nil {
			return "", fmt.Errorf("stage artifact %q: %w", a.Key, err)
		}
	}
	return dir, nil
}

// parseOutputs locates the declared outputs in the tool's final non-empty
// stdout line. Tools that declare no outputs produce an empty map.
func parseOutputs(stdout []byte) map[string]string {
	lines := strings.Split(strings.TrimSpace(string(stdout)), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		var envelope struct {
			Outputs map[string]string `json:"outputs"`
		}
		if err := json.Unmarshal([]byte(line), &envelope); err == nil && envelope.Outputs != nil {
			return envelope.Outputs
		}
		break
	}
	return map[string]string{}
}
