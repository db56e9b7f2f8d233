// Package planner builds a dependency graph from a component list and turns
// it into a deterministic, totally ordered stage plan.
package planner

import (
	"sort"

	"github.com/gammazero/toposort"
)

// Graph is a directed acyclic graph of components. Edges point from a
// dependency to the components that require it.
type Graph struct {
	components []Component         // declaration order preserved
	index      map[string]int      // name -> declaration position
	dependsOn  map[string][]string // name -> dependency names (explicit + derived)
	dependents map[string][]string // name -> names that depend on it
}

// BuildGraph constructs the graph from the component list, adding the
// derived constraint: a component that disables key-based auth depends on
// an identity-and-role-assignment component unless it already declares one.
func BuildGraph(components []Component) (*Graph, error) {
	g := &Graph{
		components: append([]Component(nil), components...),
		index:      make(map[string]int, len(components)),
		dependsOn:  make(map[string][]string, len(components)),
		dependents: make(map[string][]string),
	}

	for i, c := range components {
		g.index[c.Name] = i
	}

	var identity string
	for _, c := range components {
		if c.ProvidesIdentity {
			identity = c.Name
			break
		}
	}

	for _, c := range components {
		deps := append([]string(nil), c.DependsOn...)
		for _, d := range deps {
			if _, ok := g.index[d]; !ok {
				return nil, &MissingDependencyError{Component: c.Name, Wants: "component " + d}
			}
		}

		if c.DisablesKeyAuth && !dependsOnIdentity(components, g.index, c) {
			if identity == "" {
				return nil, &MissingDependencyError{Component: c.Name, Wants: "an identity-and-role-assignment component"}
			}
			if identity != c.Name {
				deps = append(deps, identity)
			}
		}

		g.dependsOn[c.Name] = deps
		for _, d := range deps {
			g.dependents[d] = append(g.dependents[d], c.Name)
		}
	}

	return g, nil
}

// dependsOnIdentity reports whether c already declares a dependency
// (directly) on some identity-providing component.
func dependsOnIdentity(components []Component, index map[string]int, c Component) bool {
	if c.ProvidesIdentity {
		return true
	}
	for _, d := range c.DependsOn {
		if i, ok := index[d]; ok && components[i].ProvidesIdentity {
			return true
		}
	}
	return false
}

// Validate checks the graph for cycles using a topological sort over the
// edge set. The returned order is not guaranteed to be deterministic; use
// Plan for stage ordering.
func (g *Graph) Validate() error {
	var edges []toposort.Edge
	for _, c := range g.components {
		deps := g.dependsOn[c.Name]
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, c.Name})
			continue
		}
		for _, d := range deps {
			edges = append(edges, toposort.Edge{d, c.Name})
		}
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return &CyclicDependencyError{Components: g.cycleMembers()}
	}
	return nil
}

// Plan produces the ordered stage list: a stable topological sort with ties
// broken by declaration order, giving 1-based stage indices.
func (g *Graph) Plan() ([]Stage, error) {
	if err := g.Validate(); err != nil {
		return nil, err
	}

	remaining := make(map[string]int, len(g.components)) // unsatisfied dep count
	for _, c := range g.components {
		remaining[c.Name] = len(g.dependsOn[c.Name])
	}

	var order []string
	placed := make(map[string]int) // name -> stage index
	for len(order) < len(g.components) {
		// Pick the first declared component whose deps are all placed.
		picked := ""
		for _, c := range g.components {
			if _, done := placed[c.Name]; done {
				continue
			}
			if remaining[c.Name] == 0 {
				picked = c.Name
				break
			}
		}
		if picked == "" {
			// Validate passed, so this cannot happen on acyclic input.
			return nil, &CyclicDependencyError{Components: g.cycleMembers()}
		}

		order = append(order, picked)
		placed[picked] = len(order)
		for _, dep := range g.dependents[picked] {
			remaining[dep]--
		}
	}

	stages := make([]Stage, 0, len(order))
	for _, name := range order {
		c := g.components[g.index[name]]
		preds := make([]int, 0, len(g.dependsOn[name]))
		for _, d := range g.dependsOn[name] {
			preds = append(preds, placed[d])
		}
		sort.Ints(preds)
		stages = append(stages, Stage{
			Index:        placed[name],
			Name:         name,
			Kind:         c.Kind,
			Predecessors: preds,
			Status:       StagePending,
			Outputs:      map[string]string{},
		})
	}
	return stages, nil
}

// cycleMembers isolates the components that actually sit on a cycle.
// Nodes that merely feed into or hang off a cycle are pruned away by
// repeatedly removing nodes with no in-edges or no out-edges within the
// surviving set.
func (g *Graph) cycleMembers() []string {
	alive := make(map[string]bool, len(g.components))
	for _, c := range g.components {
		alive[c.Name] = true
	}

	for changed := true; changed; {
		changed = false
		for _, c := range g.components {
			if !alive[c.Name] {
				continue
			}
			in, out := 0, 0
			for _, d := range g.dependsOn[c.Name] {
				if alive[d] {
					in++
				}
			}
			for _, d := range g.dependents[c.Name] {
				if alive[d] {
					out++
				}
			}
			if in == 0 || out == 0 {
				alive[c.Name] = false
				changed = true
			}
		}
	}

	var members []string
	for _, c := range g.components {
		if alive[c.Name] {
			members = append(members, c.Name)
		}
	}
	return members
}

// Plan is the convenience entry point: build the graph and order it.
func Plan(components []Component) ([]Stage, error) {
	g, err := BuildGraph(components)
	if err != nil {
		return nil, err
	}
	return g.Plan()
}

// Replan recomputes the stage plan for a changed component list while an
// earlier plan is partially deployed. Statuses, artifacts and outputs of
// surviving stages carry over. It fails with PlanConflictError when the new
// plan would reorder two already-deployed stages or drop a deployed stage.
func Replan(components []Component, prior []Stage) ([]Stage, error) {
	next, err := Plan(components)
	if err != nil {
		return nil, err
	}

	newIndex := make(map[string]int, len(next))
	for _, s := range next {
		newIndex[s.Name] = s.Index
	}

	var deployed []Stage
	for _, s := range prior {
		if s.Status == StageDeployed {
			deployed = append(deployed, s)
		}
	}
	for _, s := range deployed {
		if _, ok := newIndex[s.Name]; !ok {
			return nil, &PlanConflictError{Stage: s.Name, Detail: "stage was removed by the re-plan"}
		}
	}
	for i := 0; i < len(deployed); i++ {
		for j := i + 1; j < len(deployed); j++ {
			a, b := deployed[i], deployed[j]
			before := a.Index < b.Index
			after := newIndex[a.Name] < newIndex[b.Name]
			if before != after {
				return nil, &PlanConflictError{
					Stage:  b.Name,
					Detail: "re-plan would reorder it relative to deployed stage " + a.Name,
				}
			}
		}
	}

	priorByName := make(map[string]Stage, len(prior))
	for _, s := range prior {
		priorByName[s.Name] = s
	}
	for i := range next {
		if old, ok := priorByName[next[i].Name]; ok {
			next[i].Status = old.Status
			next[i].Artifacts = old.Artifacts
			next[i].Outputs = old.Outputs
		}
	}
	return next, nil
}
