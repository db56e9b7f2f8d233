package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/logger"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
	"github.com/aristath/stagehand/internal/provision"
	"github.com/aristath/stagehand/internal/remediate"
)

type toolCall struct {
	Stage int
	Mode  provision.Mode
}

// fakeInvoker simulates the provisioning tool. failing maps a stage to the
// number of apply calls that fail before the tool recovers; a negative
// count fails forever.
type fakeInvoker struct {
	mu      sync.Mutex
	calls   []toolCall
	failing map[int]int
	outputs map[int]map[string]string
}

func (f *fakeInvoker) Invoke(ctx context.Context, stage int, arts []artifact.Artifact, mode provision.Mode) (provision.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, toolCall{Stage: stage, Mode: mode})

	if mode == provision.ModeApply {
		if n, ok := f.failing[stage]; ok && n != 0 {
			if n > 0 {
				f.failing[stage] = n - 1
			}
			return provision.Result{Success: false, RawLog: fmt.Sprintf("apply failed for stage %d", stage)}, nil
		}
	}
	res := provision.Result{Success: true, Outputs: map[string]string{}}
	if out, ok := f.outputs[stage]; ok && mode == provision.ModeApply {
		res.Outputs = out
	}
	return res, nil
}

func (f *fakeInvoker) callLog(mode provision.Mode) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stages []int
	for _, c := range f.calls {
		if c.Mode == mode {
			stages = append(stages, c.Stage)
		}
	}
	return stages
}

// acceptedBuild runs a happy-path build over the store so a deploy session
// has something to work with.
func acceptedBuild(t *testing.T, store persistence.Store) {
	t.Helper()
	_, agents := happyAgents()
	f := newBuildFixture(t, store, agents, emptyRulesDir(t), scripted(Command{Verb: VerbAccept}))
	st, err := f.session.Run(context.Background(), webShopComponents())
	if err != nil || !st.Accepted {
		t.Fatalf("build for deploy fixture failed: accepted=%v err=%v", st != nil && st.Accepted, err)
	}
}

type deployFixture struct {
	session *DeploySession
	store   persistence.Store
	invoker provision.Invoker
	tracker *escalate.Tracker
}

func newDeployFixture(t *testing.T, store persistence.Store, invoker provision.Invoker, src CommandSource) *deployFixture {
	t.Helper()
	log := logger.Discard()
	tracker := escalate.NewTracker(time.Minute, nil, log)
	s := NewDeploySession(DeployConfig{
		Remediation: remediate.Config{MaxAttempts: 2},
	}, DeployDeps{
		Store:     store,
		Artifacts: artifact.NewStore(store),
		Invoker:   invoker,
		Tracker:   tracker,
		Commands:  src,
		Log:       log,
	})
	return &deployFixture{session: s, store: store, invoker: invoker, tracker: tracker}
}

func TestDeployAppliesStagesInOrder(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	inv := &fakeInvoker{outputs: map[int]map[string]string{
		1: {"vpc_id": "vpc-1"},
		2: {"db_host": "orders.internal"},
	}}
	f := newDeployFixture(t, store, inv, scripted(Command{Verb: VerbDone}))

	st, err := f.session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseDone {
		t.Fatalf("phase = %s, want done", st.Phase)
	}

	applies := inv.callLog(provision.ModeApply)
	if len(applies) != 3 || applies[0] != 1 || applies[1] != 2 || applies[2] != 3 {
		t.Fatalf("apply order = %v, want [1 2 3]", applies)
	}
	for _, stage := range st.Stages {
		if stage.Status != planner.StageDeployed {
			t.Errorf("stage %d status = %s, want deployed", stage.Index, stage.Status)
		}
	}
	if st.Stages[0].Outputs["vpc_id"] != "vpc-1" {
		t.Errorf("stage 1 outputs = %v", st.Stages[0].Outputs)
	}

	outs, err := store.LoadOutputs(context.Background())
	if err != nil {
		t.Fatalf("LoadOutputs: %v", err)
	}
	if outs[2]["db_host"] != "orders.internal" {
		t.Errorf("persisted outputs = %v", outs)
	}
}

func TestDeployFailureEscalatesAndBlocksDependents(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	inv := &fakeInvoker{failing: map[int]int{2: -1}}
	f := newDeployFixture(t, store, inv, scripted(Command{Verb: VerbDone}))

	st, err := f.session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if st.Stages[0].Status != planner.StageDeployed {
		t.Errorf("stage 1 status = %s, want deployed", st.Stages[0].Status)
	}
	if st.Stages[1].Status != planner.StageFailed {
		t.Errorf("stage 2 status = %s, want failed", st.Stages[1].Status)
	}
	if st.Stages[2].Status != planner.StagePolicyChecked {
		t.Errorf("stage 3 status = %s, want policy-checked (never attempted)", st.Stages[2].Status)
	}

	// initial apply plus two remediation re-applies, and stage 3 never ran
	applies := inv.callLog(provision.ModeApply)
	want := []int{1, 2, 2, 2}
	if len(applies) != len(want) {
		t.Fatalf("apply log = %v, want %v", applies, want)
	}
	for i := range want {
		if applies[i] != want[i] {
			t.Fatalf("apply log = %v, want %v", applies, want)
		}
	}

	recs := f.tracker.OpenRecords()
	if len(recs) != 1 || recs[0].Stage != 2 || recs[0].Level != escalate.LevelDocumentedFix {
		t.Fatalf("open escalations = %+v, want one level-1 record for stage 2", recs)
	}
	persisted, err := store.LoadEscalations(context.Background())
	if err != nil {
		t.Fatalf("LoadEscalations: %v", err)
	}
	if len(persisted) != 1 {
		t.Errorf("persisted escalations = %+v", persisted)
	}
}

func TestDeployRetryAfterToolRecovers(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	// fails the initial apply and both remediation attempts, then recovers
	inv := &fakeInvoker{failing: map[int]int{2: 3}}
	f := newDeployFixture(t, store, inv, scripted(
		Command{Verb: VerbRetry, Stages: []int{2}},
		Command{Verb: VerbDone},
	))

	st, err := f.session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Stages[1].Status != planner.StageDeployed {
		t.Errorf("stage 2 status = %s, want deployed after retry", st.Stages[1].Status)
	}
	// stage 3 stays unattempted; the main pass is over
	if st.Stages[2].Status != planner.StagePolicyChecked {
		t.Errorf("stage 3 status = %s, want policy-checked", st.Stages[2].Status)
	}
}

func TestDeployRollbackAllReversesOrder(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	inv := &fakeInvoker{}
	f := newDeployFixture(t, store, inv, scripted(
		Command{Verb: VerbRollbackAll},
		Command{Verb: VerbDone},
	))

	st, err := f.session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	destroys := inv.callLog(provision.ModeDestroy)
	if len(destroys) != 3 || destroys[0] != 3 || destroys[1] != 2 || destroys[2] != 1 {
		t.Fatalf("destroy order = %v, want [3 2 1]", destroys)
	}
	for _, stage := range st.Stages {
		if stage.Status != planner.StageRolledBack {
			t.Errorf("stage %d status = %s, want rolled-back", stage.Index, stage.Status)
		}
	}

	entries, err := store.LoadEvents(context.Background(), persistence.KindDeploy)
	if err != nil {
		t.Fatalf("LoadEvents: %v", err)
	}
	rollbacks := 0
	for _, e := range entries {
		if e.Kind == "rollback" {
			rollbacks++
		}
	}
	if rollbacks != 3 {
		t.Errorf("rollback audit entries = %d, want 3", rollbacks)
	}
}

func TestDeployRedeployTearsDownThenReapplies(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	inv := &fakeInvoker{outputs: map[int]map[string]string{
		2: {"db_host": "orders.internal"},
	}}
	f := newDeployFixture(t, store, inv, scripted(
		Command{Verb: VerbRedeploy, Stages: []int{2}},
		Command{Verb: VerbDone},
	))

	st, err := f.session.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	destroys := inv.callLog(provision.ModeDestroy)
	if len(destroys) != 1 || destroys[0] != 2 {
		t.Fatalf("destroy log = %v, want [2]", destroys)
	}
	applies := inv.callLog(provision.ModeApply)
	if len(applies) != 4 || applies[3] != 2 {
		t.Fatalf("apply log = %v, want the main pass then stage 2 again", applies)
	}
	if st.Stages[1].Status != planner.StageDeployed {
		t.Errorf("stage 2 status = %s, want deployed", st.Stages[1].Status)
	}
	if st.Stages[1].Outputs["db_host"] != "orders.internal" {
		t.Errorf("stage 2 outputs = %v", st.Stages[1].Outputs)
	}
}

func TestRollbackEntrySkipsPendingStages(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	// interrupt the first deploy with stage 1 deployed and 2, 3 pending
	ctx, cancel := context.WithCancel(context.Background())
	first := &fakeInvoker{}
	tripping := &cancellingInvoker{inner: first, cancelAtStage: 2, cancel: cancel}
	f := newDeployFixture(t, store, tripping, scripted())
	if _, err := f.session.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("interrupted run err = %v, want context.Canceled", err)
	}

	inv := &fakeInvoker{}
	f = newDeployFixture(t, store, inv, scripted(
		Command{Verb: VerbRollbackAll},
		Command{Verb: VerbDone},
	))

	st, err := f.session.RunInteractive(context.Background())
	if err != nil {
		t.Fatalf("RunInteractive: %v", err)
	}

	if applies := inv.callLog(provision.ModeApply); len(applies) != 0 {
		t.Fatalf("teardown entry applied stages %v, want none", applies)
	}
	destroys := inv.callLog(provision.ModeDestroy)
	if len(destroys) != 1 || destroys[0] != 1 {
		t.Fatalf("destroy log = %v, want [1]", destroys)
	}
	if st.Stages[0].Status != planner.StageRolledBack {
		t.Errorf("stage 1 status = %s, want rolled-back", st.Stages[0].Status)
	}
	for _, n := range []int{1, 2} {
		if got := st.Stages[n].Status; got != planner.StagePolicyChecked {
			t.Errorf("stage %d status = %s, want policy-checked (untouched)", n+1, got)
		}
	}
}

func TestDeployResumeReattemptsInterruptedStage(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)
	ctx := context.Background()

	// Simulate a crash between output capture and the deployed flip:
	// stage 1's outputs are persisted but its status never advanced.
	build, err := loadState(ctx, store, persistence.KindBuild)
	if err != nil {
		t.Fatalf("load build state: %v", err)
	}
	interrupted := State{
		SessionID: "deploy-crashed",
		Kind:      persistence.KindDeploy,
		Phase:     PhaseDeploy,
		Stages:    build.Stages,
	}
	interrupted.Stages[0].Outputs = map[string]string{"vpc_id": "vpc-1"}
	if err := saveState(ctx, store, &interrupted); err != nil {
		t.Fatalf("save interrupted state: %v", err)
	}
	if err := store.RecordOutput(ctx, 1, "vpc_id", "vpc-1"); err != nil {
		t.Fatalf("record output: %v", err)
	}

	inv := &fakeInvoker{outputs: map[int]map[string]string{1: {"vpc_id": "vpc-1"}}}
	f := newDeployFixture(t, store, inv, scripted(Command{Verb: VerbDone}))

	st, err := f.session.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.SessionID != "deploy-crashed" {
		t.Fatalf("resumed session id = %s", st.SessionID)
	}

	// the interrupted stage was re-applied exactly once and completed
	applies := inv.callLog(provision.ModeApply)
	if len(applies) != 3 || applies[0] != 1 {
		t.Fatalf("apply log = %v, want stage 1 first then 2, 3", applies)
	}
	if st.Stages[0].Status != planner.StageDeployed {
		t.Errorf("stage 1 status = %s, want deployed", st.Stages[0].Status)
	}
	if st.Stages[0].Outputs["vpc_id"] != "vpc-1" {
		t.Errorf("stage 1 outputs = %v", st.Stages[0].Outputs)
	}

	outs, err := store.LoadOutputs(ctx)
	if err != nil {
		t.Fatalf("LoadOutputs: %v", err)
	}
	if outs[1]["vpc_id"] != "vpc-1" {
		t.Errorf("persisted outputs = %v, want idempotent replay", outs)
	}
}

func TestDeployRequiresAcceptedBuild(t *testing.T) {
	store := testPersistence(t)

	f := newDeployFixture(t, store, &fakeInvoker{}, scripted())
	if _, err := f.session.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "no build session") {
		t.Fatalf("err = %v, want missing build refusal", err)
	}

	// an aborted build must be refused too
	_, agents := happyAgents()
	bf := newBuildFixture(t, store, agents, emptyRulesDir(t), scripted(Command{Verb: VerbAbort}))
	if _, err := bf.session.Run(context.Background(), webShopComponents()); err != nil {
		t.Fatalf("build: %v", err)
	}
	f = newDeployFixture(t, store, &fakeInvoker{}, scripted())
	if _, err := f.session.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "not accepted") {
		t.Fatalf("err = %v, want unaccepted build refusal", err)
	}
}

func TestDeployPreflightReportsEveryProblem(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	f := newDeployFixture(t, store, &fakeInvoker{}, scripted())
	f.session.invoker = nil // no provisioning tool configured

	_, err := f.session.Run(context.Background())
	var pf *PreflightError
	if !errors.As(err, &pf) {
		t.Fatalf("err = %v, want PreflightError", err)
	}
	if len(pf.Items) == 0 {
		t.Fatal("want at least one preflight item")
	}
	found := false
	for _, item := range pf.Items {
		if item.Check == "provisioner" && item.Fix != "" {
			found = true
		}
	}
	if !found {
		t.Errorf("preflight items = %+v, want provisioner check with a fix", pf.Items)
	}
}

func TestDeployCancellationStopsAtStageBoundary(t *testing.T) {
	store := testPersistence(t)
	acceptedBuild(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	inv := &fakeInvoker{}
	tripping := &cancellingInvoker{inner: inv, cancelAtStage: 2, cancel: cancel}
	f := newDeployFixture(t, store, tripping, scripted())

	st, err := f.session.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if st.Stages[0].Status != planner.StageDeployed {
		t.Errorf("stage 1 status = %s, want deployed", st.Stages[0].Status)
	}
	if st.Stages[2].Status != planner.StagePolicyChecked {
		t.Errorf("stage 3 status = %s, want untouched", st.Stages[2].Status)
	}
	applies := inv.callLog(provision.ModeApply)
	if len(applies) != 1 || applies[0] != 1 {
		t.Errorf("apply log = %v, want the first stage only", applies)
	}
}

// cancellingInvoker simulates an operator interrupt arriving while a
// later stage's apply starts.
type cancellingInvoker struct {
	inner         *fakeInvoker
	cancelAtStage int
	cancel        context.CancelFunc
}

func (c *cancellingInvoker) Invoke(ctx context.Context, stage int, arts []artifact.Artifact, mode provision.Mode) (provision.Result, error) {
	if stage == c.cancelAtStage {
		c.cancel()
		return provision.Result{}, ctx.Err()
	}
	return c.inner.Invoke(ctx, stage, arts, mode)
}
