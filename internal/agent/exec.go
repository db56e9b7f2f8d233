package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aristath/stagehand/internal/subproc"
)

// ExecConfig configures a CLI-backed generator.
type ExecConfig struct {
	Command string
	Args    []string
	WorkDir string
	Timeout time.Duration // per-call; <= 0 means no timeout
}

// ExecGenerator invokes an agent as a subprocess per call: the request
// envelope goes to stdin as JSON, the response envelope comes back on
// stdout.
type ExecGenerator struct {
	cfg     ExecConfig
	procMgr *subproc.Manager
}

// NewExecGenerator creates a subprocess-backed generator. procMgr may be
// nil, in which case calls are not tracked for shutdown.
func NewExecGenerator(cfg ExecConfig, procMgr *subproc.Manager) (*ExecGenerator, error) {
	if cfg.Command == "" {
		return nil, errors.New("exec generator requires a command")
	}
	return &ExecGenerator{cfg: cfg, procMgr: procMgr}, nil
}

// Generate runs one subprocess invocation for the request.
func (g *ExecGenerator) Generate(ctx context.Context, req Request) (Response, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("encode request for role %q: %w", req.Role, err)
	}

	cmd := subproc.Command(ctx, g.cfg.Command, g.cfg.Args...)
	cmd.Dir = g.cfg.WorkDir
	cmd.Stdin = bytes.NewReader(payload)

	stdout, stderr, err := subproc.RunTracked(cmd, g.procMgr)
	if err != nil {
		return Response{}, fmt.Errorf("agent %q (role %q): %w", g.cfg.Command, req.Role, err)
	}

	var resp Response
	if err := json.Unmarshal(stdout, &resp); err != nil {
		return Response{}, fmt.Errorf("parse agent response for role %q: %w (stderr: %s)", req.Role, err, stderr)
	}
	if resp.Error != "" {
		return resp, fmt.Errorf("agent reported error for role %q: %s", req.Role, resp.Error)
	}
	return resp, nil
}
