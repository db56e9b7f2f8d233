package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/stagehand/internal/agent"
	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/contract"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/events"
	"github.com/aristath/stagehand/internal/gateway"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
	"github.com/aristath/stagehand/internal/policy"
	"github.com/aristath/stagehand/internal/remediate"
	"github.com/aristath/stagehand/internal/scheduler"
)

// BuildConfig holds the build session's tunables.
type BuildConfig struct {
	SchedulerPool int
	Remediation   remediate.Config
	AgentProvider string // gateway provider for generator calls; empty bypasses the gateway
}

// BuildDeps wires the build session's collaborators.
type BuildDeps struct {
	Store     persistence.Store
	Artifacts *artifact.Store
	Contracts *contract.Registry
	Agents    *agent.Registry
	Gateway   *gateway.Gateway
	Policy    *policy.Engine
	Tracker   *escalate.Tracker
	Commands  CommandSource
	Bus       *events.Bus
	Log       *slog.Logger
}

// BuildSession drives planning, per-stage generation, policy checking, and
// interactive review up to a terminal accepted or aborted state.
type BuildSession struct {
	cfg        BuildConfig
	store      persistence.Store
	artifacts  *artifact.Store
	contracts  *contract.Registry
	agents     *agent.Registry
	gw         *gateway.Gateway
	policy     *policy.Engine
	tracker    *escalate.Tracker
	commands   CommandSource
	bus        *events.Bus
	log        *slog.Logger
	dispatcher scheduler.Dispatcher
	remed      *remediate.Controller

	state *State
	mu    sync.Mutex                  // guards TokenUsage across concurrent tasks
	open  map[int][]*policy.Violation // open violations per stage
}

// NewBuildSession creates a build session.
func NewBuildSession(cfg BuildConfig, deps BuildDeps) *BuildSession {
	s := &BuildSession{
		cfg:       cfg,
		store:     deps.Store,
		artifacts: deps.Artifacts,
		contracts: deps.Contracts,
		agents:    deps.Agents,
		gw:        deps.Gateway,
		policy:    deps.Policy,
		tracker:   deps.Tracker,
		commands:  deps.Commands,
		bus:       deps.Bus,
		log:       deps.Log,
		open:      make(map[int][]*policy.Violation),
	}
	s.dispatcher = scheduler.New(scheduler.Config{PoolSize: cfg.SchedulerPool}, s.runTask, deps.Artifacts, deps.Bus, deps.Log)
	s.remed = remediate.New(cfg.Remediation, s.regenerateStage, s.validateStage, deps.Tracker, deps.Log)
	return s
}

// State returns the session's current state. Valid after Run returns.
func (s *BuildSession) State() *State { return s.state }

// Run executes the build state machine over the given components. Planning
// failures are fatal and block everything; stage failures are absorbed,
// escalated, and reported. The returned state is terminal (accepted or
// aborted) unless an error interrupted the session.
func (s *BuildSession) Run(ctx context.Context, components []planner.Component) (*State, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	if err := s.plan(ctx, components); err != nil {
		return s.state, err
	}

	for i := range s.state.Stages {
		stage := &s.state.Stages[i]
		if stage.Status == planner.StagePolicyChecked || stage.Status == planner.StageDeployed {
			continue
		}
		if err := ctx.Err(); err != nil {
			return s.state, err
		}
		s.buildStage(ctx, stage)
	}

	if err := s.advisoryReview(ctx); err != nil {
		return s.state, err
	}
	if err := s.transition(ctx, PhaseReportReady); err != nil {
		return s.state, err
	}
	s.audit(ctx, "report", 0, s.summary())

	return s.state, s.interactiveReview(ctx)
}

func (s *BuildSession) load(ctx context.Context) error {
	st, err := loadState(ctx, s.store, persistence.KindBuild)
	switch {
	case err == nil:
		s.log.Info("resuming build session", "session", st.SessionID, "phase", st.Phase)
		arts, err := s.store.LoadArtifacts(ctx)
		if err != nil {
			return err
		}
		outs, err := s.store.LoadOutputs(ctx)
		if err != nil {
			return err
		}
		s.artifacts.Restore(arts, outs)
		recs, err := s.store.LoadEscalations(ctx)
		if err != nil {
			return err
		}
		s.tracker.Restore(recs)
		trail, err := s.store.LoadViolations(ctx)
		if err != nil {
			return err
		}
		// stages already policy-checked are not re-evaluated on resume, so
		// their open violations must come from the persisted trail
		for _, v := range openViolations(trail) {
			v := v
			s.open[v.Stage] = append(s.open[v.Stage], &v)
		}
	case errors.Is(err, persistence.ErrNoSnapshot):
		st = State{
			SessionID: uuid.NewString(),
			Kind:      persistence.KindBuild,
			Phase:     PhaseLoadState,
		}
		s.log.Info("starting build session", "session", st.SessionID)
	default:
		return err
	}
	s.state = &st
	return nil
}

// plan computes stage order. On resume it re-plans against the prior
// stages, so the relative order of anything already deployed is preserved
// or the re-plan is refused.
func (s *BuildSession) plan(ctx context.Context, components []planner.Component) error {
	var stages []planner.Stage
	var err error
	if len(s.state.Stages) > 0 {
		stages, err = planner.Replan(components, s.state.Stages)
	} else {
		stages, err = planner.Plan(components)
	}
	if err != nil {
		return err
	}
	s.state.Stages = stages
	if err := s.transition(ctx, PhasePlan); err != nil {
		return err
	}
	s.audit(ctx, "plan", 0, fmt.Sprintf("planned %d stages", len(stages)))
	return nil
}

// buildStage generates and policy-checks one stage. Failures are absorbed:
// the stage is marked failed and later stages that depend on its artifacts
// fail their input gates instead of running.
func (s *BuildSession) buildStage(ctx context.Context, stage *planner.Stage) {
	if err := s.transition(ctx, PhaseGenerate); err != nil {
		s.failStage(ctx, stage, err)
		return
	}
	if err := s.generateStage(ctx, stage, nil); err != nil {
		s.failStage(ctx, stage, err)
		return
	}

	if err := s.transition(ctx, PhasePolicyCheck); err != nil {
		s.failStage(ctx, stage, err)
		return
	}
	if err := s.policyCheck(ctx, stage); err != nil {
		s.failStage(ctx, stage, err)
		return
	}

	stage.Status = planner.StagePolicyChecked
	if err := saveState(ctx, s.store, s.state); err != nil {
		s.log.Error("persist stage status", "stage", stage.Index, "error", err)
	}
	s.publishStage(events.EventStagePolicyOK, stage, "")
	s.audit(ctx, "stage", stage.Index, fmt.Sprintf("stage %d (%s) policy-checked", stage.Index, stage.Name))
}

// generateStage dispatches the stage's task set and records the produced
// artifact keys on the stage.
func (s *BuildSession) generateStage(ctx context.Context, stage *planner.Stage, feedback []string) error {
	tasks, err := s.stageTasks(stage, feedback)
	if err != nil {
		return err
	}
	res, err := s.dispatcher.Dispatch(ctx, tasks)
	if err != nil {
		return err
	}
	if !res.OK() {
		return res.Err()
	}

	stage.Artifacts = stage.Artifacts[:0]
	for _, a := range s.artifacts.ByStage(stage.Index) {
		stage.Artifacts = append(stage.Artifacts, a.Key)
	}
	stage.Status = planner.StageGenerated
	s.publishStage(events.EventStageGenerated, stage, "")
	s.audit(ctx, "stage", stage.Index, fmt.Sprintf("stage %d (%s) generated", stage.Index, stage.Name))
	return nil
}

// stageTasks derives the stage's task set from the contract registry. A
// role that delegates to the reviewer gets a second, advisory task in a
// later wave.
func (s *BuildSession) stageTasks(stage *planner.Stage, feedback []string) ([]*scheduler.Task, error) {
	role := roleForKind(stage.Kind)
	c, err := s.contracts.Resolve(role)
	if err != nil {
		return nil, err
	}
	tasks := []*scheduler.Task{{
		ID:          fmt.Sprintf("stage-%d/%s", stage.Index, role),
		Stage:       stage.Index,
		Role:        role,
		Capability:  c.Capability,
		Description: fmt.Sprintf("generate %s artifacts for %q", stage.Kind, stage.Name),
		Consumes:    c.Inputs,
		Produces:    c.Outputs,
		Feedback:    feedback,
	}}
	return tasks, nil
}

// runTask resolves the role's generator and invokes it, through the tool
// gateway when one is configured, so agent failures count toward the
// provider's breaker.
func (s *BuildSession) runTask(ctx context.Context, t *scheduler.Task) ([]artifact.Artifact, error) {
	gen, err := s.agents.Resolve(t.Role)
	if err != nil {
		return nil, err
	}

	req := agent.Request{
		Role:        t.Role,
		Capability:  t.Capability,
		Description: t.Description,
		Constraints: t.Feedback,
	}
	for _, typ := range t.Consumes {
		req.Artifacts = append(req.Artifacts, s.artifacts.ByType(typ)...)
	}

	var resp agent.Response
	if s.gw != nil && s.cfg.AgentProvider != "" {
		kind := ""
		if st := findStage(s.state.Stages, t.Stage); st != nil {
			kind = string(st.Kind)
		}
		res, err := s.gw.Execute(ctx, s.cfg.AgentProvider, t.Role, kind, func(ctx context.Context) (any, error) {
			return gen.Generate(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		resp = res.(agent.Response)
	} else {
		resp, err = gen.Generate(ctx, req)
		if err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	s.state.TokenUsage.Add(resp.TokenUsage)
	s.mu.Unlock()

	out := resp.Artifacts
	for i := range out {
		if out[i].Key == "" {
			out[i].Key = fmt.Sprintf("stage%d/%s", t.Stage, out[i].Type)
		}
	}
	return out, nil
}

// policyCheck evaluates the stage and, when blocking violations remain,
// hands the stage to the remediation controller.
func (s *BuildSession) policyCheck(ctx context.Context, stage *planner.Stage) error {
	viols, err := s.policy.Evaluate(ctx, stage.Index, s.artifacts.ByStage(stage.Index))
	if err != nil {
		return err
	}
	s.open[stage.Index] = viols

	findings := blockingFindings(viols, s.policy)
	if len(findings) == 0 {
		return nil
	}
	return s.remed.Remediate(ctx, stage.Index, findings)
}

// regenerateStage is the remediation controller's regenerate callback.
func (s *BuildSession) regenerateStage(ctx context.Context, stageIdx int, feedback []string) error {
	stage := findStage(s.state.Stages, stageIdx)
	if stage == nil {
		return fmt.Errorf("no stage with index %d", stageIdx)
	}
	return s.generateStage(ctx, stage, feedback)
}

// validateStage is the remediation controller's validate callback: it
// re-evaluates the stage, resolves previously open violations that no
// longer fire, and reports only what is still blocking.
func (s *BuildSession) validateStage(ctx context.Context, stageIdx int) ([]remediate.Finding, error) {
	current, err := s.policy.Evaluate(ctx, stageIdx, s.artifacts.ByStage(stageIdx))
	if err != nil {
		return nil, err
	}

	still := make(map[string]bool, len(current))
	for _, v := range current {
		still[violationKey(v)] = true
	}
	for _, prior := range s.open[stageIdx] {
		if !prior.Open() || still[violationKey(prior)] {
			continue
		}
		if rewritten, ok := s.artifacts.Get(prior.ArtifactKey); ok {
			if err := s.policy.MarkRegenerated(ctx, prior, rewritten); err != nil {
				s.log.Warn("resolve regenerated violation", "rule", prior.RuleID, "error", err)
			}
		}
	}
	s.open[stageIdx] = current

	return blockingFindings(current, s.policy), nil
}

// advisoryReview runs the reviewer role over the generated application
// manifest. It is informational only: failures are logged, never blocking.
func (s *BuildSession) advisoryReview(ctx context.Context) error {
	if err := s.transition(ctx, PhaseAdvisoryReview); err != nil {
		return err
	}

	c, err := s.contracts.Resolve("reviewer")
	if err != nil || !s.artifacts.HasType("app-manifest") {
		s.audit(ctx, "review", 0, "advisory review skipped")
		return nil
	}

	last := len(s.state.Stages)
	tasks := []*scheduler.Task{{
		ID:          "advisory/reviewer",
		Stage:       last,
		Role:        "reviewer",
		Capability:  c.Capability,
		Description: "advisory review of the generated design",
		Consumes:    c.Inputs,
		Produces:    c.Outputs,
	}}
	if res, err := s.dispatcher.Dispatch(ctx, tasks); err != nil || !res.OK() {
		s.log.Warn("advisory review failed", "error", err)
		s.audit(ctx, "review", 0, "advisory review failed; acceptance not blocked")
		return nil
	}
	s.audit(ctx, "review", 0, "advisory review complete")
	return nil
}

// interactiveReview processes review commands until the session reaches a
// terminal state. An exhausted command source aborts, preserving the audit
// trail.
func (s *BuildSession) interactiveReview(ctx context.Context) error {
	if err := s.transition(ctx, PhaseInteractiveReview); err != nil {
		return err
	}

	for {
		cmd, err := s.commands.Next(ctx, PhaseInteractiveReview)
		if errors.Is(err, ErrNoMoreCommands) {
			return s.abort(ctx)
		}
		if err != nil {
			return err
		}
		// idle escalations advance one level per timeout window
		if advanced := s.tracker.Sweep(); len(advanced) > 0 {
			s.persistEscalations(ctx)
		}

		switch cmd.Verb {
		case VerbAccept:
			done, err := s.accept(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		case VerbAbort:
			return s.abort(ctx)
		case VerbRevise:
			s.revise(ctx, cmd)
		case VerbResolve:
			if err := s.tracker.Resolve(cmd.IssueID); err != nil {
				s.log.Warn("resolve escalation", "issue", cmd.IssueID, "error", err)
			} else {
				s.persistEscalations(ctx)
			}
		default:
			s.log.Warn("unknown review command", "verb", cmd.Verb)
		}
	}
}

// accept freezes the stage list for deployment. Open recommended/optional
// violations are accepted as compliant; an unresolved required violation
// or an unchecked stage refuses acceptance.
func (s *BuildSession) accept(ctx context.Context) (bool, error) {
	for _, viols := range s.open {
		for _, v := range viols {
			if v.Open() && v.Severity != policy.SeverityRequired {
				if err := s.policy.Accept(ctx, v); err != nil {
					s.log.Warn("accept violation", "rule", v.RuleID, "error", err)
				}
			}
		}
	}

	for i := range s.state.Stages {
		stage := &s.state.Stages[i]
		if stage.Status != planner.StagePolicyChecked && stage.Status != planner.StageDeployed {
			s.log.Warn("acceptance refused", "stage", stage.Index, "status", stage.Status)
			s.audit(ctx, "review", stage.Index,
				fmt.Sprintf("acceptance refused: stage %d is %s; revise or abort", stage.Index, stage.Status))
			return false, nil
		}
		if !s.policy.StageCleared(s.open[stage.Index]) {
			s.audit(ctx, "review", stage.Index,
				fmt.Sprintf("acceptance refused: stage %d has unresolved blocking violations", stage.Index))
			return false, nil
		}
	}

	s.state.Accepted = true
	if err := s.transition(ctx, PhaseAccepted); err != nil {
		return false, err
	}
	s.audit(ctx, "review", 0, "design accepted; stage list frozen for deployment")
	return true, nil
}

func (s *BuildSession) abort(ctx context.Context) error {
	s.state.Accepted = false
	if err := s.transition(ctx, PhaseAborted); err != nil {
		return err
	}
	s.audit(ctx, "review", 0, "build aborted; audit trail preserved")
	return nil
}

// revise re-enters generation for just the targeted stages.
func (s *BuildSession) revise(ctx context.Context, cmd Command) {
	var feedback []string
	if cmd.Feedback != "" {
		feedback = []string{cmd.Feedback}
	}
	for _, n := range cmd.Stages {
		stage := findStage(s.state.Stages, n)
		if stage == nil {
			s.log.Warn("revise unknown stage", "stage", n)
			continue
		}
		s.audit(ctx, "review", n, fmt.Sprintf("revising stage %d: %s", n, cmd.Feedback))
		stage.Status = planner.StagePending
		if err := s.generateStage(ctx, stage, feedback); err != nil {
			s.failStage(ctx, stage, err)
			continue
		}
		if err := s.policyCheck(ctx, stage); err != nil {
			s.failStage(ctx, stage, err)
			continue
		}
		stage.Status = planner.StagePolicyChecked
		if err := saveState(ctx, s.store, s.state); err != nil {
			s.log.Error("persist revised stage", "stage", n, "error", err)
		}
		s.publishStage(events.EventStagePolicyOK, stage, "revised")
	}
}

func (s *BuildSession) failStage(ctx context.Context, stage *planner.Stage, cause error) {
	stage.Status = planner.StageFailed
	if err := saveState(ctx, s.store, s.state); err != nil {
		s.log.Error("persist failed stage", "stage", stage.Index, "error", err)
	}
	s.publishStage(events.EventStageFailed, stage, cause.Error())
	s.audit(ctx, "stage", stage.Index, fmt.Sprintf("stage %d (%s) failed: %v", stage.Index, stage.Name, cause))
	s.persistEscalations(ctx)
	s.log.Error("stage failed", "stage", stage.Index, "name", stage.Name, "error", cause)
}

func (s *BuildSession) transition(ctx context.Context, phase Phase) error {
	s.state.Phase = phase
	return saveState(ctx, s.store, s.state)
}

func (s *BuildSession) publishStage(eventType string, stage *planner.Stage, detail string) {
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

func (s *BuildSession) audit(ctx context.Context, kind string, stage int, detail string) {
	err := s.store.AppendEvent(ctx, persistence.AuditEntry{
		Session: persistence.KindBuild,
		Kind:    kind,
		Stage:   stage,
		Detail:  detail,
	})
	if err != nil {
		s.log.Error("append audit event", "error", err)
	}
}

func (s *BuildSession) persistEscalations(ctx context.Context) {
	for _, rec := range s.tracker.Records() {
		if err := s.store.SaveEscalation(ctx, rec); err != nil {
			s.log.Error("persist escalation", "issue", rec.IssueID, "error", err)
		}
	}
}

func (s *BuildSession) summary() string {
	checked, failed := 0, 0
	for _, st := range s.state.Stages {
		switch st.Status {
		case planner.StagePolicyChecked, planner.StageDeployed:
			checked++
		case planner.StageFailed:
			failed++
		}
	}
	return fmt.Sprintf("build report: %d/%d stages policy-checked, %d failed, %d tokens used",
		checked, len(s.state.Stages), failed, s.state.TokenUsage.Total())
}

// blockingFindings converts open blocking violations into remediation
// findings.
func blockingFindings(viols []*policy.Violation, eng *policy.Engine) []remediate.Finding {
	var findings []remediate.Finding
	for _, v := range viols {
		if v.Open() && eng.Blocking(v) {
			findings = append(findings, remediate.Finding{
				ID:      violationKey(v),
				Message: fmt.Sprintf("rule %s on %s: %s", v.RuleID, v.ArtifactKey, v.Message),
			})
		}
	}
	return findings
}

func violationKey(v *policy.Violation) string {
	return v.RuleID + "|" + v.ArtifactKey
}

// roleForKind maps a stage kind to its generator role.
func roleForKind(kind planner.StageKind) string {
	switch kind {
	case planner.KindInfrastructure:
		return "infra-generator"
	case planner.KindDatabase:
		return "db-generator"
	case planner.KindIntegration:
		return "integration-generator"
	case planner.KindApplication:
		return "app-generator"
	default:
		return string(kind)
	}
}
