// Package contract declares, per generator role, the artifact types it
// consumes and produces and the roles it may delegate to. The registry is a
// layered lookup: an ordered list of named contract maps consulted in fixed
// priority order (project overrides, then user config, then built-ins).
package contract

import (
	"fmt"
)

// Contract describes one generator role.
type Contract struct {
	Role        string
	Capability  string
	Inputs      []string // artifact types that must exist before a task runs
	Outputs     []string // artifact types the role produces
	DelegatesTo []string // roles it may hand sub-tasks to
}

// Layer is one named source of contracts.
type Layer struct {
	Name      string
	Contracts map[string]Contract
}

// Registry resolves roles through its layers in order.
type Registry struct {
	layers []Layer
}

// NewRegistry builds a registry. Layers are consulted front to back; the
// first layer defining a role wins.
func NewRegistry(layers ...Layer) *Registry {
	return &Registry{layers: layers}
}

// Resolve returns the contract for a role.
func (r *Registry) Resolve(role string) (Contract, error) {
	for _, layer := range r.layers {
		if c, ok := layer.Contracts[role]; ok {
			return c, nil
		}
	}
	return Contract{}, fmt.Errorf("no contract registered for role %q", role)
}

// MissingInputs returns the declared input artifact types of c that the
// have predicate does not satisfy. An empty result means the task may run.
func (r *Registry) MissingInputs(c Contract, have func(artifactType string) bool) []string {
	var missing []string
	for _, in := range c.Inputs {
		if !have(in) {
			missing = append(missing, in)
		}
	}
	return missing
}

// MayDelegate reports whether from may hand sub-tasks to to.
func (r *Registry) MayDelegate(from, to string) bool {
	c, err := r.Resolve(from)
	if err != nil {
		return false
	}
	for _, d := range c.DelegatesTo {
		if d == to {
			return true
		}
	}
	return false
}

// Roles returns every role visible through the layers, respecting
// precedence (each role reported once).
func (r *Registry) Roles() []string {
	seen := make(map[string]bool)
	var roles []string
	for _, layer := range r.layers {
		for role := range layer.Contracts {
			if !seen[role] {
				seen[role] = true
				roles = append(roles, role)
			}
		}
	}
	return roles
}

// Builtin returns the built-in contract layer for the fixed domain roles.
func Builtin() Layer {
	return Layer{
		Name: "builtin",
		Contracts: map[string]Contract{
			"infra-generator": {
				Role:        "infra-generator",
				Capability:  "generate-infrastructure",
				Outputs:     []string{"network-config", "identity-config"},
				DelegatesTo: []string{"reviewer"},
			},
			"db-generator": {
				Role:       "db-generator",
				Capability: "generate-database",
				Inputs:     []string{"network-config"},
				Outputs:    []string{"database-schema"},
			},
			"integration-generator": {
				Role:       "integration-generator",
				Capability: "generate-integration",
				Inputs:     []string{"network-config"},
				Outputs:    []string{"integration-map"},
			},
			"app-generator": {
				Role:       "app-generator",
				Capability: "generate-application",
				Inputs:     []string{"network-config", "database-schema"},
				Outputs:    []string{"app-manifest"},
			},
			"reviewer": {
				Role:       "reviewer",
				Capability: "review",
				Inputs:     []string{"app-manifest"},
				Outputs:    []string{"review-notes"},
			},
		},
	}
}
