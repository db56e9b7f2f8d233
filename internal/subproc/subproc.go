// Package subproc runs external tool subprocesses with process-group
// isolation, so an entire subprocess tree can be terminated cleanly.
package subproc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
)

// Command creates an exec.Cmd in its own process group, so killing it
// takes the whole subprocess tree with it.
func Command(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// Run starts cmd and returns its stdout and stderr. Both pipes are drained
// concurrently before Wait, so output larger than the pipe buffer cannot
// deadlock the subprocess.
func Run(cmd *exec.Cmd) (stdout, stderr []byte, err error) {
	return run(cmd, nil)
}

// RunTracked runs cmd like Run while registering it with m for the
// duration of the call, so a shutdown can kill it.
func RunTracked(cmd *exec.Cmd, m *Manager) (stdout, stderr []byte, err error) {
	return run(cmd, m)
}

func run(cmd *exec.Cmd, m *Manager) (stdout, stderr []byte, err error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start %s: %w", cmd.Path, err)
	}
	if m != nil {
		m.Track(cmd)
		defer m.Untrack(cmd)
	}

	var wg sync.WaitGroup
	var outBuf, errBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&errBuf, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	stdout, stderr = outBuf.Bytes(), errBuf.Bytes()
	if waitErr != nil {
		if len(stderr) > 0 {
			return stdout, stderr, fmt.Errorf("command failed: %w (stderr: %s)", waitErr, stderr)
		}
		return stdout, stderr, fmt.Errorf("command failed: %w", waitErr)
	}
	return stdout, stderr, nil
}

// KillGroup sends SIGKILL to the command's process group.
func KillGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("kill process group %d: %w", cmd.Process.Pid, err)
	}
	return nil
}

// Manager tracks live subprocesses so shutdown can terminate them all.
type Manager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{procs: make(map[int]*exec.Cmd)}
}

// Track registers a started subprocess.
func (m *Manager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a finished subprocess.
func (m *Manager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked subprocess tree.
func (m *Manager) KillAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for pid, cmd := range m.procs {
		if err := KillGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("killing subprocesses: %v", errs)
	}
	return nil
}

// Count returns the number of tracked subprocesses.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.procs)
}
