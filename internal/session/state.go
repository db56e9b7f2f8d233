// Package session implements the build and deploy state machines. A
// session is a single-threaded control loop over a persisted, versioned
// state record: load, apply one transition, persist. Parallelism exists
// only inside per-stage task dispatch.
package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aristath/stagehand/internal/agent"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
)

// SchemaVersion guards persisted state against incompatible readers. Bump
// it when the State shape changes.
const SchemaVersion = 1

// Phase names one state-machine position. Each session kind has its own
// vocabulary.
type Phase string

// Build session phases.
const (
	PhaseLoadState         Phase = "load_state"
	PhasePlan              Phase = "plan"
	PhaseGenerate          Phase = "generate"
	PhasePolicyCheck       Phase = "policy_check"
	PhaseAdvisoryReview    Phase = "advisory_review"
	PhaseReportReady       Phase = "report_ready"
	PhaseInteractiveReview Phase = "interactive_review"
	PhaseAccepted          Phase = "accepted"
	PhaseAborted           Phase = "aborted"
)

// Deploy session phases.
const (
	PhaseLoadBuildState Phase = "load_build_state"
	PhasePlanOverview   Phase = "plan_overview"
	PhasePreflight      Phase = "preflight"
	PhaseDeploy         Phase = "deploy"
	PhaseReport         Phase = "report"
	PhaseInteractive    Phase = "interactive"
	PhaseDone           Phase = "done"
)

// State is the persisted session record. It is mutated only by the owning
// session's state machine and survives process restarts.
type State struct {
	SchemaVersion int              `json:"schema_version"`
	SessionID     string           `json:"session_id"`
	Kind          string           `json:"kind"`
	Phase         Phase            `json:"phase"`
	Stages        []planner.Stage  `json:"stages"`
	TokenUsage    agent.TokenUsage `json:"token_usage"`
	Accepted      bool             `json:"accepted"`
}

// saveState marshals and upserts the snapshot. Called after every
// transition so a crash loses at most one step.
func saveState(ctx context.Context, store persistence.Store, st *State) error {
	st.SchemaVersion = SchemaVersion
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode %s state: %w", st.Kind, err)
	}
	return store.SaveSnapshot(ctx, persistence.Snapshot{
		Kind:      st.Kind,
		SessionID: st.SessionID,
		Version:   st.SchemaVersion,
		State:     raw,
	})
}

// loadState returns the stored state for a kind, or persistence.ErrNoSnapshot.
func loadState(ctx context.Context, store persistence.Store, kind string) (State, error) {
	snap, err := store.LoadSnapshot(ctx, kind)
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(snap.State, &st); err != nil {
		return State{}, fmt.Errorf("decode %s state: %w", kind, err)
	}
	if st.SchemaVersion != SchemaVersion {
		return State{}, fmt.Errorf("%s state schema version %d, this engine reads %d; reset the session or migrate",
			kind, st.SchemaVersion, SchemaVersion)
	}
	return st, nil
}

// stagePtrs exposes the state's stages as pointers so controllers can
// transition statuses in place.
func stagePtrs(stages []planner.Stage) []*planner.Stage {
	out := make([]*planner.Stage, len(stages))
	for i := range stages {
		out[i] = &stages[i]
	}
	return out
}

// findStage returns the stage with the given 1-based index.
func findStage(stages []planner.Stage, n int) *planner.Stage {
	for i := range stages {
		if stages[i].Index == n {
			return &stages[i]
		}
	}
	return nil
}
