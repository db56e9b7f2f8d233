package session

import (
	"context"
	"fmt"
)

// Verbs accepted by the interactive loops. Each phase accepts a subset.
const (
	VerbAccept      = "accept"
	VerbAbort       = "abort"
	VerbRevise      = "revise"
	VerbRetry       = "retry"
	VerbSkip        = "skip"
	VerbRedeploy    = "redeploy"
	VerbRollback    = "rollback"
	VerbRollbackAll = "rollback-all"
	VerbDone        = "done"
	VerbResolve     = "resolve"
)

// Command is one instruction from the interactive surface. Stages targets
// specific stage indices where the verb takes them; Feedback carries
// free-form revision guidance.
type Command struct {
	Verb     string
	Stages   []int
	Feedback string
	IssueID  string // for resolve
}

// CommandSource supplies the next command for a session phase. Next blocks
// until a command arrives, the source is exhausted, or ctx is done;
// suspension is this blocking read, nothing more.
type CommandSource interface {
	Next(ctx context.Context, phase Phase) (Command, error)
}

// ErrNoMoreCommands signals an exhausted source; sessions treat it like an
// orderly end of the interactive loop.
var ErrNoMoreCommands = fmt.Errorf("command source exhausted")

// ChannelSource feeds commands through a channel. The CLI pushes parsed
// stdin lines into it; tests push scripted commands.
type ChannelSource struct {
	ch chan Command
}

// NewChannelSource creates a source with a small buffer.
func NewChannelSource() *ChannelSource {
	return &ChannelSource{ch: make(chan Command, 16)}
}

// Send queues a command.
func (s *ChannelSource) Send(cmd Command) {
	s.ch <- cmd
}

// Close marks the source exhausted.
func (s *ChannelSource) Close() {
	close(s.ch)
}

// Next blocks for the next command.
func (s *ChannelSource) Next(ctx context.Context, phase Phase) (Command, error) {
	select {
	case <-ctx.Done():
		return Command{}, ctx.Err()
	case cmd, ok := <-s.ch:
		if !ok {
			return Command{}, ErrNoMoreCommands
		}
		return cmd, nil
	}
}
