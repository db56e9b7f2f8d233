package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aristath/stagehand/internal/session"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    session.Command
		wantErr bool
	}{
		{line: "accept", want: session.Command{Verb: session.VerbAccept}},
		{line: "ABORT", want: session.Command{Verb: session.VerbAbort}},
		{line: "done", want: session.Command{Verb: session.VerbDone}},
		{line: "rollback-all", want: session.Command{Verb: session.VerbRollbackAll}},
		{line: "retry 2 3", want: session.Command{Verb: session.VerbRetry, Stages: []int{2, 3}}},
		{line: "rollback 3", want: session.Command{Verb: session.VerbRollback, Stages: []int{3}}},
		{line: "revise 2: use a smaller instance", want: session.Command{
			Verb: session.VerbRevise, Stages: []int{2}, Feedback: "use a smaller instance",
		}},
		{line: "resolve ESC-7", want: session.Command{Verb: session.VerbResolve, IssueID: "ESC-7"}},
		{line: "accept 2", wantErr: true},
		{line: "retry", wantErr: true},
		{line: "retry zero", wantErr: true},
		{line: "retry 0", wantErr: true},
		{line: "launch", wantErr: true},
	}

	for _, tt := range tests {
		got, err := parseCommand(tt.line)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseCommand(%q) = %+v, want error", tt.line, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseCommand(%q): %v", tt.line, err)
			continue
		}
		if got.Verb != tt.want.Verb || got.Feedback != tt.want.Feedback || got.IssueID != tt.want.IssueID {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.line, got, tt.want)
		}
		if len(got.Stages) != len(tt.want.Stages) {
			t.Errorf("parseCommand(%q) stages = %v, want %v", tt.line, got.Stages, tt.want.Stages)
			continue
		}
		for i := range got.Stages {
			if got.Stages[i] != tt.want.Stages[i] {
				t.Errorf("parseCommand(%q) stages = %v, want %v", tt.line, got.Stages, tt.want.Stages)
			}
		}
	}
}

func TestStdinSourceFeedsCommands(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	in := strings.NewReader("nonsense\naccept\n")
	var out strings.Builder
	src := newStdinSource(ctx, in, &out)

	cmd, err := src.Next(ctx, session.PhaseInteractiveReview)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if cmd.Verb != session.VerbAccept {
		t.Errorf("verb = %s, want accept", cmd.Verb)
	}

	// stdin closed, so the source is exhausted
	if _, err := src.Next(ctx, session.PhaseInteractiveReview); err != session.ErrNoMoreCommands {
		t.Errorf("err = %v, want ErrNoMoreCommands", err)
	}

	if !strings.Contains(out.String(), "unknown command") {
		t.Errorf("bad input not reported: %q", out.String())
	}
}
