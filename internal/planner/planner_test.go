package planner

import (
	"errors"
	"testing"
)

func comp(name string, kind StageKind, deps ...string) Component {
	return Component{Name: name, Kind: kind, DependsOn: deps}
}

// TestPlanOrdering verifies that every stage's predecessors receive a
// strictly smaller index, and that ties fall back to declaration order.
func TestPlanOrdering(t *testing.T) {
	tests := []struct {
		name       string
		components []Component
		wantOrder  []string
	}{
		{
			name: "linear chain",
			components: []Component{
				comp("net", KindInfrastructure),
				comp("db", KindDatabase, "net"),
				comp("app", KindApplication, "db"),
			},
			wantOrder: []string{"net", "db", "app"},
		},
		{
			name: "diamond keeps declaration order for ties",
			components: []Component{
				comp("net", KindInfrastructure),
				comp("db", KindDatabase, "net"),
				comp("queue", KindIntegration, "net"),
				comp("app", KindApplication, "db", "queue"),
			},
			wantOrder: []string{"net", "db", "queue", "app"},
		},
		{
			name: "independents keep declaration order",
			components: []Component{
				comp("b", KindDatabase),
				comp("a", KindInfrastructure),
			},
			wantOrder: []string{"b", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stages, err := Plan(tt.components)
			if err != nil {
				t.Fatalf("Plan() error: %v", err)
			}
			if len(stages) != len(tt.wantOrder) {
				t.Fatalf("got %d stages, want %d", len(stages), len(tt.wantOrder))
			}
			for i, s := range stages {
				if s.Name != tt.wantOrder[i] {
					t.Errorf("stage %d = %q, want %q", i+1, s.Name, tt.wantOrder[i])
				}
				if s.Index != i+1 {
					t.Errorf("stage %q index = %d, want %d", s.Name, s.Index, i+1)
				}
				for _, p := range s.Predecessors {
					if p >= s.Index {
						t.Errorf("stage %q has predecessor %d >= own index %d", s.Name, p, s.Index)
					}
				}
			}
		})
	}
}

// TestPlanScenarioFanOut covers the A / {B, C} fan-out: A lands first, and
// both B and C become eligible as soon as A alone is deployed.
func TestPlanScenarioFanOut(t *testing.T) {
	stages, err := Plan([]Component{
		comp("A", KindInfrastructure),
		comp("B", KindDatabase, "A"),
		comp("C", KindApplication, "A"),
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}

	if stages[0].Name != "A" || stages[0].Index != 1 {
		t.Fatalf("stage 1 = %+v, want A at index 1", stages[0])
	}

	stages[0].Status = StageDeployed
	for _, idx := range []int{2, 3} {
		if !PredecessorsDeployed(stages, idx) {
			t.Errorf("stage %d should be eligible once A is deployed", idx)
		}
	}
}

func TestPlanCycleDetection(t *testing.T) {
	tests := []struct {
		name       string
		components []Component
		wantCycle  []string
	}{
		{
			name: "direct cycle",
			components: []Component{
				comp("a", KindInfrastructure, "b"),
				comp("b", KindDatabase, "a"),
			},
			wantCycle: []string{"a", "b"},
		},
		{
			name: "cycle with unrelated nodes excluded",
			components: []Component{
				comp("root", KindInfrastructure),
				comp("x", KindDatabase, "z", "root"),
				comp("y", KindIntegration, "x"),
				comp("z", KindApplication, "y"),
				comp("leaf", KindApplication, "root"),
			},
			wantCycle: []string{"x", "y", "z"},
		},
		{
			name: "self loop",
			components: []Component{
				comp("a", KindInfrastructure, "a"),
			},
			wantCycle: []string{"a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Plan(tt.components)
			var cyc *CyclicDependencyError
			if !errors.As(err, &cyc) {
				t.Fatalf("Plan() error = %v, want CyclicDependencyError", err)
			}
			if len(cyc.Components) != len(tt.wantCycle) {
				t.Fatalf("cycle members = %v, want %v", cyc.Components, tt.wantCycle)
			}
			for i, name := range tt.wantCycle {
				if cyc.Components[i] != name {
					t.Errorf("cycle members = %v, want %v", cyc.Components, tt.wantCycle)
					break
				}
			}
		})
	}
}

// TestDerivedIdentityConstraint verifies that disabling key-based auth pulls
// in a dependency on the identity component.
func TestDerivedIdentityConstraint(t *testing.T) {
	stages, err := Plan([]Component{
		{Name: "storage", Kind: KindInfrastructure, DisablesKeyAuth: true},
		{Name: "identity", Kind: KindInfrastructure, ProvidesIdentity: true},
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	if stages[0].Name != "identity" {
		t.Fatalf("identity must land before the component disabling key auth, got order %q, %q", stages[0].Name, stages[1].Name)
	}
	if len(stages[1].Predecessors) != 1 || stages[1].Predecessors[0] != 1 {
		t.Errorf("storage predecessors = %v, want [1]", stages[1].Predecessors)
	}
}

func TestDerivedIdentityConstraintUnsatisfiable(t *testing.T) {
	_, err := Plan([]Component{
		{Name: "storage", Kind: KindInfrastructure, DisablesKeyAuth: true},
	})
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Plan() error = %v, want MissingDependencyError", err)
	}
}

func TestUnknownDependency(t *testing.T) {
	_, err := Plan([]Component{comp("a", KindInfrastructure, "ghost")})
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Plan() error = %v, want MissingDependencyError", err)
	}
}

func TestReplanPreservesDeployedOrder(t *testing.T) {
	components := []Component{
		comp("net", KindInfrastructure),
		comp("db", KindDatabase, "net"),
	}
	prior, err := Plan(components)
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	prior[0].Status = StageDeployed
	prior[1].Status = StageDeployed

	// Adding a new trailing component is fine.
	next, err := Replan(append(components, comp("app", KindApplication, "db")), prior)
	if err != nil {
		t.Fatalf("Replan() error: %v", err)
	}
	if next[0].Status != StageDeployed || next[1].Status != StageDeployed {
		t.Errorf("deployed statuses must carry over, got %q and %q", next[0].Status, next[1].Status)
	}
	if next[2].Name != "app" || next[2].Status != StagePending {
		t.Errorf("new stage = %+v, want pending app at 3", next[2])
	}
}

func TestReplanConflictOnReorder(t *testing.T) {
	prior, err := Plan([]Component{
		comp("net", KindInfrastructure),
		comp("db", KindDatabase, "net"),
	})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	prior[0].Status = StageDeployed
	prior[1].Status = StageDeployed

	// Reversing the dependency would flip the deployed order.
	_, err = Replan([]Component{
		comp("net", KindInfrastructure, "db"),
		comp("db", KindDatabase),
	}, prior)
	var conflict *PlanConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Replan() error = %v, want PlanConflictError", err)
	}
}

func TestReplanConflictOnDroppedDeployedStage(t *testing.T) {
	prior, err := Plan([]Component{comp("net", KindInfrastructure)})
	if err != nil {
		t.Fatalf("Plan() error: %v", err)
	}
	prior[0].Status = StageDeployed

	_, err = Replan([]Component{comp("db", KindDatabase)}, prior)
	var conflict *PlanConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("Replan() error = %v, want PlanConflictError", err)
	}
}
