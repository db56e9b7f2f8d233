package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/aristath/stagehand/internal/session"
)

// stdinSource adapts line-based interactive input to a command source. A
// background goroutine parses lines and feeds the channel; closing stdin
// exhausts the source.
type stdinSource struct {
	inner *session.ChannelSource
	mu    sync.Mutex // serializes prompt and error output
	out   io.Writer
}

func (s *stdinSource) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintf(s.out, format, args...)
}

func newStdinSource(ctx context.Context, in io.Reader, out io.Writer) *stdinSource {
	s := &stdinSource{inner: session.NewChannelSource(), out: out}
	go s.readLoop(ctx, in)
	return s
}

func (s *stdinSource) readLoop(ctx context.Context, in io.Reader) {
	defer s.inner.Close()
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, err := parseCommand(line)
		if err != nil {
			s.printf("? %v\n", err)
			continue
		}
		s.inner.Send(cmd)
	}
}

func (s *stdinSource) Next(ctx context.Context, phase session.Phase) (session.Command, error) {
	s.printf("[%s] > ", phase)
	return s.inner.Next(ctx, phase)
}

// Close is a no-op hook for symmetry; the read loop owns the channel.
func (s *stdinSource) Close() {}

// parseCommand turns one input line into a session command. Accepted
// forms:
//
//	accept | abort | done | rollback-all
//	retry 2 3 | skip 2 | redeploy 1 | rollback 3
//	revise 2: use a smaller instance size
//	resolve ISSUE-ID
func parseCommand(line string) (session.Command, error) {
	verb, rest, _ := strings.Cut(line, " ")
	verb = strings.ToLower(verb)
	rest = strings.TrimSpace(rest)

	switch verb {
	case session.VerbAccept, session.VerbAbort, session.VerbDone, session.VerbRollbackAll:
		if rest != "" {
			return session.Command{}, fmt.Errorf("%s takes no arguments", verb)
		}
		return session.Command{Verb: verb}, nil

	case session.VerbRetry, session.VerbSkip, session.VerbRedeploy, session.VerbRollback:
		stages, err := parseStages(rest)
		if err != nil {
			return session.Command{}, fmt.Errorf("%s: %w", verb, err)
		}
		return session.Command{Verb: verb, Stages: stages}, nil

	case session.VerbRevise:
		spec, feedback, _ := strings.Cut(rest, ":")
		stages, err := parseStages(strings.TrimSpace(spec))
		if err != nil {
			return session.Command{}, fmt.Errorf("revise: %w", err)
		}
		return session.Command{
			Verb:     session.VerbRevise,
			Stages:   stages,
			Feedback: strings.TrimSpace(feedback),
		}, nil

	case session.VerbResolve:
		if rest == "" {
			return session.Command{}, fmt.Errorf("resolve needs an issue id")
		}
		return session.Command{Verb: session.VerbResolve, IssueID: rest}, nil
	}
	return session.Command{}, fmt.Errorf("unknown command %q", verb)
}

func parseStages(spec string) ([]int, error) {
	if spec == "" {
		return nil, fmt.Errorf("needs at least one stage index")
	}
	var stages []int
	for _, field := range strings.Fields(spec) {
		n, err := strconv.Atoi(field)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("bad stage index %q", field)
		}
		stages = append(stages, n)
	}
	return stages, nil
}
