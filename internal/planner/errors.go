package planner

import (
	"fmt"
	"strings"
)

// CyclicDependencyError is returned when the component graph contains a
// cycle. Components lists every component participating in a cycle, in
// declaration order.
type CyclicDependencyError struct {
	Components []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between components: %s", strings.Join(e.Components, ", "))
}

// PlanConflictError is returned when re-planning would reorder a stage that
// is already deployed. The existing plan is left untouched.
type PlanConflictError struct {
	Stage  string
	Detail string
}

func (e *PlanConflictError) Error() string {
	return fmt.Sprintf("plan conflict on deployed stage %q: %s", e.Stage, e.Detail)
}

// MissingDependencyError is returned when a component names a dependency
// that is not part of the input set, or when a derived constraint cannot be
// satisfied by any component.
type MissingDependencyError struct {
	Component string
	Wants     string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("component %q depends on %s, which no component provides", e.Component, e.Wants)
}
