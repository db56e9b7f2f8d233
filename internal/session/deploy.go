package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/events"
	"github.com/aristath/stagehand/internal/gateway"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
	"github.com/aristath/stagehand/internal/provision"
	"github.com/aristath/stagehand/internal/remediate"
	"github.com/aristath/stagehand/internal/rollback"
)

// PreflightItem is one unmet deployment precondition with its fix.
type PreflightItem struct {
	Check   string
	Problem string
	Fix     string
}

// PreflightError reports every unmet precondition at once so the operator
// can fix them in a single pass.
type PreflightError struct {
	Items []PreflightItem
}

func (e *PreflightError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "preflight failed with %d unmet precondition(s):", len(e.Items))
	for _, item := range e.Items {
		fmt.Fprintf(&b, "\n  %s: %s (fix: %s)", item.Check, item.Problem, item.Fix)
	}
	return b.String()
}

// DeployConfig holds the deploy session's tunables.
type DeployConfig struct {
	Remediation  remediate.Config
	ToolProvider string // gateway provider for provisioning calls; empty bypasses the gateway
}

// DeployDeps wires the deploy session's collaborators.
type DeployDeps struct {
	Store     persistence.Store
	Artifacts *artifact.Store
	Invoker   provision.Invoker
	Gateway   *gateway.Gateway
	Tracker   *escalate.Tracker
	Commands  CommandSource
	Bus       *events.Bus
	Log       *slog.Logger
}

// DeploySession applies an accepted design stage by stage, remediating
// failures within a bounded budget and offering retry, skip, and rollback
// controls afterwards.
type DeploySession struct {
	cfg      DeployConfig
	store    persistence.Store
	artifact *artifact.Store
	invoker  provision.Invoker
	gw       *gateway.Gateway
	tracker  *escalate.Tracker
	commands CommandSource
	bus      *events.Bus
	log      *slog.Logger
	remed    *remediate.Controller
	rollback *rollback.Controller

	state *State
	last  map[int]provision.Result // most recent apply result per stage
}

// NewDeploySession creates a deploy session.
func NewDeploySession(cfg DeployConfig, deps DeployDeps) *DeploySession {
	s := &DeploySession{
		cfg:      cfg,
		store:    deps.Store,
		artifact: deps.Artifacts,
		invoker:  deps.Invoker,
		gw:       deps.Gateway,
		tracker:  deps.Tracker,
		commands: deps.Commands,
		bus:      deps.Bus,
		log:      deps.Log,
		last:     make(map[int]provision.Result),
	}
	s.remed = remediate.New(cfg.Remediation, s.reapply, s.checkApplied, deps.Tracker, deps.Log)
	s.rollback = rollback.New(s.destroyStage, s.recordRollback, deps.Bus, deps.Log)
	return s
}

// State returns the session's current state. Valid after Run returns.
func (s *DeploySession) State() *State { return s.state }

// Run executes the deploy state machine. It refuses to start without an
// accepted build, reports every unmet preflight precondition at once, and
// only hands back a terminal state once the operator is done.
func (s *DeploySession) Run(ctx context.Context) (*State, error) {
	if err := s.load(ctx); err != nil {
		return s.state, err
	}

	if err := s.transition(ctx, PhasePlanOverview); err != nil {
		return s.state, err
	}
	s.audit(ctx, "plan", 0, s.overview())

	if err := s.transition(ctx, PhasePreflight); err != nil {
		return s.state, err
	}
	if err := s.preflight(ctx); err != nil {
		return s.state, err
	}

	if err := s.transition(ctx, PhaseDeploy); err != nil {
		return s.state, err
	}
	for i := range s.state.Stages {
		stage := &s.state.Stages[i]
		// cancellation takes effect at stage boundaries, never mid-apply
		if err := ctx.Err(); err != nil {
			return s.state, err
		}
		switch stage.Status {
		case planner.StageDeployed, planner.StageRolledBack:
			continue
		case planner.StageFailed:
			// failed stages wait for an explicit retry
			continue
		}
		if !planner.PredecessorsDeployed(s.state.Stages, stage.Index) {
			s.audit(ctx, "deploy", stage.Index,
				fmt.Sprintf("stage %d blocked: predecessors not deployed", stage.Index))
			continue
		}
		if err := s.deployStage(ctx, stage); err != nil {
			return s.state, err
		}
	}

	if err := s.transition(ctx, PhaseReport); err != nil {
		return s.state, err
	}
	s.audit(ctx, "report", 0, s.summary())

	return s.state, s.interactive(ctx)
}

// RunInteractive reopens the session's interactive loop without walking
// the deploy pass. Teardown entries use it so a rollback command never
// applies stages still waiting to deploy.
func (s *DeploySession) RunInteractive(ctx context.Context) (*State, error) {
	if err := s.load(ctx); err != nil {
		return s.state, err
	}

	if err := s.transition(ctx, PhasePreflight); err != nil {
		return s.state, err
	}
	if err := s.preflight(ctx); err != nil {
		return s.state, err
	}

	if err := s.transition(ctx, PhaseReport); err != nil {
		return s.state, err
	}
	s.audit(ctx, "report", 0, s.summary())

	return s.state, s.interactive(ctx)
}

// load requires an accepted build snapshot and restores or starts the
// deploy session's own snapshot on top of it.
func (s *DeploySession) load(ctx context.Context) error {
	build, err := loadState(ctx, s.store, persistence.KindBuild)
	if err != nil {
		if errors.Is(err, persistence.ErrNoSnapshot) {
			return fmt.Errorf("no build session found; run a build first")
		}
		return err
	}
	if !build.Accepted {
		return fmt.Errorf("build session %s was not accepted; deployment requires an accepted design", build.SessionID)
	}

	st, err := loadState(ctx, s.store, persistence.KindDeploy)
	switch {
	case err == nil:
		s.log.Info("resuming deploy session", "session", st.SessionID, "phase", st.Phase)
	case errors.Is(err, persistence.ErrNoSnapshot):
		st = State{
			SessionID: uuid.NewString(),
			Kind:      persistence.KindDeploy,
			Phase:     PhaseLoadBuildState,
			Stages:    build.Stages,
		}
		s.log.Info("starting deploy session", "session", st.SessionID, "build", build.SessionID)
	default:
		return err
	}

	arts, err := s.store.LoadArtifacts(ctx)
	if err != nil {
		return err
	}
	outs, err := s.store.LoadOutputs(ctx)
	if err != nil {
		return err
	}
	s.artifact.Restore(arts, outs)
	recs, err := s.store.LoadEscalations(ctx)
	if err != nil {
		return err
	}
	s.tracker.Restore(recs)

	s.state = &st
	return nil
}

// preflight collects every unmet precondition instead of stopping at the
// first, so one pass over the report fixes the environment.
func (s *DeploySession) preflight(ctx context.Context) error {
	var items []PreflightItem

	if s.invoker == nil {
		items = append(items, PreflightItem{
			Check:   "provisioner",
			Problem: "no provisioning tool configured",
			Fix:     "set provisioner.command in the configuration",
		})
	}
	if s.gw != nil && s.cfg.ToolProvider != "" {
		if _, err := s.gw.State(s.cfg.ToolProvider); err != nil {
			items = append(items, PreflightItem{
				Check:   "tool gateway",
				Problem: fmt.Sprintf("provider %q is not registered", s.cfg.ToolProvider),
				Fix:     fmt.Sprintf("register provider %q or clear the tool provider setting", s.cfg.ToolProvider),
			})
		}
	}
	for i := range s.state.Stages {
		stage := &s.state.Stages[i]
		if stage.Status == planner.StageDeployed || stage.Status == planner.StageRolledBack {
			continue
		}
		if len(s.artifact.ByStage(stage.Index)) == 0 {
			items = append(items, PreflightItem{
				Check:   "artifacts",
				Problem: fmt.Sprintf("stage %d (%s) has no generated artifacts", stage.Index, stage.Name),
				Fix:     "re-run the build session",
			})
		}
	}

	if len(items) == 0 {
		s.audit(ctx, "preflight", 0, "preflight passed")
		return nil
	}
	err := &PreflightError{Items: items}
	for _, item := range items {
		s.audit(ctx, "preflight", 0, fmt.Sprintf("%s: %s", item.Check, item.Problem))
	}
	return err
}

// deployStage applies one stage. Outputs are captured and persisted before
// the status flips to deployed, so a crash in between re-attempts the apply
// on resume instead of losing the outputs.
func (s *DeploySession) deployStage(ctx context.Context, stage *planner.Stage) error {
	s.audit(ctx, "deploy", stage.Index, fmt.Sprintf("applying stage %d (%s)", stage.Index, stage.Name))

	res, err := s.apply(ctx, stage.Index, provision.ModeApply)
	if err != nil {
		return err
	}
	s.last[stage.Index] = res

	if !res.Success {
		findings := []remediate.Finding{{
			ID:      fmt.Sprintf("stage-%d/apply", stage.Index),
			Message: firstLine(res.RawLog),
		}}
		if rerr := s.remed.Remediate(ctx, stage.Index, findings); rerr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.failStage(ctx, stage, rerr)
			return nil
		}
		res = s.last[stage.Index]
	}

	if len(res.Outputs) > 0 && stage.Outputs == nil {
		stage.Outputs = make(map[string]string, len(res.Outputs))
	}
	for k, v := range res.Outputs {
		if err := s.artifact.CaptureOutput(ctx, stage.Index, k, v); err != nil {
			return fmt.Errorf("capture output %q for stage %d: %w", k, stage.Index, err)
		}
		stage.Outputs[k] = v
	}
	if err := saveState(ctx, s.store, s.state); err != nil {
		return err
	}

	stage.Status = planner.StageDeployed
	if err := saveState(ctx, s.store, s.state); err != nil {
		return err
	}
	s.publishStage(events.EventStageDeployed, stage, "")
	s.audit(ctx, "deploy", stage.Index, fmt.Sprintf("stage %d (%s) deployed", stage.Index, stage.Name))
	return nil
}

// reapply is the remediation controller's regenerate callback: another
// apply of the same artifacts. Only invocation errors consume the error
// path; a failed tool run is reported by checkApplied.
func (s *DeploySession) reapply(ctx context.Context, stageIdx int, feedback []string) error {
	res, err := s.apply(ctx, stageIdx, provision.ModeApply)
	if err != nil {
		return err
	}
	s.last[stageIdx] = res
	return nil
}

// checkApplied is the remediation controller's validate callback.
func (s *DeploySession) checkApplied(ctx context.Context, stageIdx int) ([]remediate.Finding, error) {
	res := s.last[stageIdx]
	if res.Success {
		return nil, nil
	}
	return []remediate.Finding{{
		ID:      fmt.Sprintf("stage-%d/apply", stageIdx),
		Message: firstLine(res.RawLog),
	}}, nil
}

// apply invokes the provisioning tool over the stage's artifacts, through
// the gateway when one is configured so tool failures feed the provider's
// breaker.
func (s *DeploySession) apply(ctx context.Context, stageIdx int, mode provision.Mode) (provision.Result, error) {
	arts := s.artifact.ByStage(stageIdx)
	if s.gw == nil || s.cfg.ToolProvider == "" {
		return s.invoker.Invoke(ctx, stageIdx, arts, mode)
	}
	kind := ""
	if st := findStage(s.state.Stages, stageIdx); st != nil {
		kind = string(st.Kind)
	}
	res, err := s.gw.Execute(ctx, s.cfg.ToolProvider, "provisioner", kind, func(ctx context.Context) (any, error) {
		return s.invoker.Invoke(ctx, stageIdx, arts, mode)
	})
	if err != nil {
		return provision.Result{}, err
	}
	return res.(provision.Result), nil
}

// destroyStage backs the rollback controller.
func (s *DeploySession) destroyStage(ctx context.Context, stage *planner.Stage) error {
	res, err := s.apply(ctx, stage.Index, provision.ModeDestroy)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("destroy of stage %d failed: %s", stage.Index, firstLine(res.RawLog))
	}
	return nil
}

func (s *DeploySession) recordRollback(ctx context.Context, stage int, detail string) error {
	return s.store.AppendEvent(ctx, persistence.AuditEntry{
		Session: persistence.KindDeploy,
		Kind:    "rollback",
		Stage:   stage,
		Detail:  detail,
	})
}

// interactive processes post-deploy commands until the operator is done.
func (s *DeploySession) interactive(ctx context.Context) error {
	if err := s.transition(ctx, PhaseInteractive); err != nil {
		return err
	}

	for {
		cmd, err := s.commands.Next(ctx, PhaseInteractive)
		if errors.Is(err, ErrNoMoreCommands) {
			return s.finish(ctx)
		}
		if err != nil {
			return err
		}
		// idle escalations advance one level per timeout window
		if advanced := s.tracker.Sweep(); len(advanced) > 0 {
			s.persistEscalations(ctx)
		}

		switch cmd.Verb {
		case VerbDone:
			return s.finish(ctx)
		case VerbRetry:
			s.retry(ctx, cmd.Stages)
		case VerbSkip:
			for _, n := range cmd.Stages {
				s.audit(ctx, "deploy", n, fmt.Sprintf("stage %d skipped by operator", n))
			}
		case VerbRedeploy:
			s.redeploy(ctx, cmd.Stages)
		case VerbRollback:
			for _, n := range cmd.Stages {
				if err := s.rollback.Rollback(ctx, stagePtrs(s.state.Stages), n); err != nil {
					s.log.Warn("rollback refused", "stage", n, "error", err)
					s.audit(ctx, "rollback", n, fmt.Sprintf("rollback of stage %d refused: %v", n, err))
					continue
				}
				if err := saveState(ctx, s.store, s.state); err != nil {
					s.log.Error("persist rollback", "stage", n, "error", err)
				}
			}
		case VerbRollbackAll:
			done, err := s.rollback.RollbackAll(ctx, stagePtrs(s.state.Stages))
			if err != nil {
				s.log.Error("rollback-all stopped", "done", done, "error", err)
				s.audit(ctx, "rollback", 0, fmt.Sprintf("rollback-all stopped after %v: %v", done, err))
			}
			if err := saveState(ctx, s.store, s.state); err != nil {
				s.log.Error("persist rollback-all", "error", err)
			}
		case VerbResolve:
			if err := s.tracker.Resolve(cmd.IssueID); err != nil {
				s.log.Warn("resolve escalation", "issue", cmd.IssueID, "error", err)
			} else {
				s.persistEscalations(ctx)
			}
		default:
			s.log.Warn("unknown deploy command", "verb", cmd.Verb)
		}
	}
}

// retry re-attempts failed stages, honoring predecessor gating.
func (s *DeploySession) retry(ctx context.Context, stages []int) {
	for _, n := range stages {
		stage := findStage(s.state.Stages, n)
		if stage == nil || stage.Status != planner.StageFailed {
			s.log.Warn("retry refused", "stage", n)
			continue
		}
		if !planner.PredecessorsDeployed(s.state.Stages, n) {
			s.audit(ctx, "deploy", n, fmt.Sprintf("retry of stage %d blocked: predecessors not deployed", n))
			continue
		}
		stage.Status = planner.StagePending
		if err := s.deployStage(ctx, stage); err != nil {
			s.log.Error("retry failed", "stage", n, "error", err)
		}
	}
}

// redeploy tears one deployed stage down and applies it again. The
// destroy targets only this stage, so dependents keep running against the
// replacement.
func (s *DeploySession) redeploy(ctx context.Context, stages []int) {
	for _, n := range stages {
		stage := findStage(s.state.Stages, n)
		if stage == nil || stage.Status != planner.StageDeployed {
			s.log.Warn("redeploy refused", "stage", n)
			continue
		}
		s.audit(ctx, "deploy", n, fmt.Sprintf("redeploying stage %d", n))
		if err := s.destroyStage(ctx, stage); err != nil {
			s.failStage(ctx, stage, fmt.Errorf("redeploy teardown: %w", err))
			continue
		}
		stage.Status = planner.StagePending
		if err := s.deployStage(ctx, stage); err != nil {
			s.log.Error("redeploy failed", "stage", n, "error", err)
		}
	}
}

func (s *DeploySession) finish(ctx context.Context) error {
	if err := s.transition(ctx, PhaseDone); err != nil {
		return err
	}
	s.audit(ctx, "report", 0, "deploy session closed")
	return nil
}

func (s *DeploySession) failStage(ctx context.Context, stage *planner.Stage, cause error) {
	stage.Status = planner.StageFailed
	if err := saveState(ctx, s.store, s.state); err != nil {
		s.log.Error("persist failed stage", "stage", stage.Index, "error", err)
	}
	s.publishStage(events.EventStageFailed, stage, cause.Error())
	s.audit(ctx, "deploy", stage.Index, fmt.Sprintf("stage %d (%s) failed: %v", stage.Index, stage.Name, cause))
	s.persistEscalations(ctx)
	s.log.Error("stage deployment failed", "stage", stage.Index, "name", stage.Name, "error", cause)
}

func (s *DeploySession) transition(ctx context.Context, phase Phase) error {
	s.state.Phase = phase
	return saveState(ctx, s.store, s.state)
}

func (s *DeploySession) publishStage(eventType string, stage *planner.Stage, detail string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.TopicStage, events.StageEvent{
		Type:      eventType,
		Stage:     stage.Index,
		Name:      stage.Name,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	})
}

func (s *DeploySession) audit(ctx context.Context, kind string, stage int, detail string) {
	err := s.store.AppendEvent(ctx, persistence.AuditEntry{
		Session: persistence.KindDeploy,
		Kind:    kind,
		Stage:   stage,
		Detail:  detail,
	})
	if err != nil {
		s.log.Error("append audit event", "error", err)
	}
}

func (s *DeploySession) persistEscalations(ctx context.Context) {
	for _, rec := range s.tracker.Records() {
		if err := s.store.SaveEscalation(ctx, rec); err != nil {
			s.log.Error("persist escalation", "issue", rec.IssueID, "error", err)
		}
	}
}

func (s *DeploySession) overview() string {
	var names []string
	for _, st := range s.state.Stages {
		names = append(names, fmt.Sprintf("%d:%s", st.Index, st.Name))
	}
	return "deployment order: " + strings.Join(names, " -> ")
}

func (s *DeploySession) summary() string {
	deployed, failed, pending := 0, 0, 0
	for _, st := range s.state.Stages {
		switch st.Status {
		case planner.StageDeployed:
			deployed++
		case planner.StageFailed:
			failed++
		default:
			pending++
		}
	}
	return fmt.Sprintf("deploy report: %d deployed, %d failed, %d not attempted", deployed, failed, pending)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	if s == "" {
		return "provisioning tool reported failure"
	}
	return s
}
