package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aristath/stagehand/internal/agent"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/gateway"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
	"github.com/aristath/stagehand/internal/policy"
)

// StageLine is one stage's row in the status view.
type StageLine struct {
	Index   int
	Name    string
	Kind    planner.StageKind
	Status  planner.StageStatus
	Outputs int
}

// StatusView is a read-only summary assembled from persisted state. It
// works against the store alone, so it reflects crashed or suspended
// sessions too.
type StatusView struct {
	BuildSession   string
	BuildPhase     Phase
	Accepted       bool
	DeploySession  string
	DeployPhase    Phase
	Stages         []StageLine
	OpenViolations []policy.Violation
	Escalations    []escalate.Record
	Breakers       map[string]string
	TokenUsage     agent.TokenUsage
}

// Status loads the persisted build and deploy snapshots and summarizes
// them. providers names the gateway providers whose breaker state should
// be included; gw may be nil.
func Status(ctx context.Context, store persistence.Store, gw *gateway.Gateway, providers []string) (StatusView, error) {
	var view StatusView

	build, err := loadState(ctx, store, persistence.KindBuild)
	switch {
	case err == nil:
		view.BuildSession = build.SessionID
		view.BuildPhase = build.Phase
		view.Accepted = build.Accepted
		view.Stages = stageLines(build.Stages)
		view.TokenUsage = build.TokenUsage
	case errors.Is(err, persistence.ErrNoSnapshot):
	default:
		return view, err
	}

	deploy, err := loadState(ctx, store, persistence.KindDeploy)
	switch {
	case err == nil:
		view.DeploySession = deploy.SessionID
		view.DeployPhase = deploy.Phase
		// deploy statuses supersede the build's view of the same stages
		view.Stages = stageLines(deploy.Stages)
	case errors.Is(err, persistence.ErrNoSnapshot):
	default:
		return view, err
	}

	viols, err := store.LoadViolations(ctx)
	if err != nil {
		return view, err
	}
	view.OpenViolations = openViolations(viols)

	recs, err := store.LoadEscalations(ctx)
	if err != nil {
		return view, err
	}
	for _, rec := range recs {
		if !rec.Resolved {
			view.Escalations = append(view.Escalations, rec)
		}
	}

	if gw != nil {
		view.Breakers = make(map[string]string, len(providers))
		for _, p := range providers {
			state, err := gw.State(p)
			if err != nil {
				continue
			}
			view.Breakers[p] = state.String()
		}
	}
	return view, nil
}

// openViolations reduces the append-only trail to entries whose latest
// record is still unresolved.
func openViolations(trail []policy.Violation) []policy.Violation {
	latest := make(map[string]policy.Violation, len(trail))
	var order []string
	for _, v := range trail {
		key := v.RuleID + "|" + v.ArtifactKey
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = v
	}
	var open []policy.Violation
	for _, key := range order {
		if v := latest[key]; v.Open() {
			open = append(open, v)
		}
	}
	return open
}

func stageLines(stages []planner.Stage) []StageLine {
	lines := make([]StageLine, 0, len(stages))
	for _, st := range stages {
		lines = append(lines, StageLine{
			Index:   st.Index,
			Name:    st.Name,
			Kind:    st.Kind,
			Status:  st.Status,
			Outputs: len(st.Outputs),
		})
	}
	return lines
}

// Render writes a plain-text rendering of the view.
func (v StatusView) Render(w io.Writer) {
	if v.BuildSession == "" && v.DeploySession == "" {
		fmt.Fprintln(w, "no sessions recorded")
		return
	}
	if v.BuildSession != "" {
		accepted := "pending review"
		if v.Accepted {
			accepted = "accepted"
		}
		fmt.Fprintf(w, "build   %s  phase=%s  %s\n", v.BuildSession, v.BuildPhase, accepted)
	}
	if v.DeploySession != "" {
		fmt.Fprintf(w, "deploy  %s  phase=%s\n", v.DeploySession, v.DeployPhase)
	}

	if len(v.Stages) > 0 {
		fmt.Fprintln(w, "\nstages:")
		for _, line := range v.Stages {
			extra := ""
			if line.Outputs > 0 {
				extra = fmt.Sprintf("  (%d outputs)", line.Outputs)
			}
			fmt.Fprintf(w, "  %2d  %-20s %-14s %s%s\n", line.Index, line.Name, line.Kind, line.Status, extra)
		}
	}

	if len(v.OpenViolations) > 0 {
		fmt.Fprintln(w, "\nopen violations:")
		for _, viol := range v.OpenViolations {
			fmt.Fprintf(w, "  [%s] %s on %s: %s\n", viol.Severity, viol.RuleID, viol.ArtifactKey, viol.Message)
		}
	}

	if len(v.Escalations) > 0 {
		fmt.Fprintln(w, "\nopen escalations:")
		for _, rec := range v.Escalations {
			fmt.Fprintf(w, "  %s  stage %d  level %d  %s\n", rec.IssueID, rec.Stage, rec.Level, rec.Summary)
		}
	}

	if len(v.Breakers) > 0 {
		var parts []string
		for name, state := range v.Breakers {
			parts = append(parts, name+"="+state)
		}
		fmt.Fprintf(w, "\nbreakers: %s\n", strings.Join(parts, " "))
	}

	if total := v.TokenUsage.Total(); total > 0 {
		fmt.Fprintf(w, "\ntokens: %d prompt, %d completion\n", v.TokenUsage.PromptTokens, v.TokenUsage.CompletionTokens)
	}
}
