package planner

// StageStatus represents the lifecycle state of a stage.
type StageStatus string

const (
	StagePending       StageStatus = "pending"
	StageGenerated     StageStatus = "generated"
	StagePolicyChecked StageStatus = "policy-checked"
	StageDeployed      StageStatus = "deployed"
	StageFailed        StageStatus = "failed"
	StageRolledBack    StageStatus = "rolled-back"
)

// StageKind classifies what a stage produces.
type StageKind string

const (
	KindInfrastructure StageKind = "infrastructure"
	KindDatabase       StageKind = "database"
	KindIntegration    StageKind = "integration"
	KindApplication    StageKind = "application"
)

// Component is one planning input: a named unit of the target system with
// explicit dependencies on other components.
type Component struct {
	Name      string    `json:"name"`
	Kind      StageKind `json:"kind"`
	DependsOn []string  `json:"depends_on,omitempty"`

	// DisablesKeyAuth marks a component that turns off shared-key or
	// password authentication on the resource it provisions. Such a
	// component implicitly requires an identity component at the same or
	// an earlier stage.
	DisablesKeyAuth bool `json:"disables_key_auth,omitempty"`

	// ProvidesIdentity marks an identity-and-role-assignment component.
	ProvidesIdentity bool `json:"provides_identity,omitempty"`
}

// Stage is one ordered unit of generation/deployment work.
// Index is 1-based and defines both deploy and rollback order.
type Stage struct {
	Index        int               `json:"index"`
	Name         string            `json:"name"`
	Kind         StageKind         `json:"kind"`
	Predecessors []int             `json:"predecessors,omitempty"`
	Status       StageStatus       `json:"status"`
	Artifacts    []string          `json:"artifacts,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// PredecessorsDeployed reports whether every predecessor of the stage with
// the given index is in status deployed. Indices in stages must match the
// slice position + 1.
func PredecessorsDeployed(stages []Stage, index int) bool {
	if index < 1 || index > len(stages) {
		return false
	}
	for _, p := range stages[index-1].Predecessors {
		if p < 1 || p > len(stages) {
			return false
		}
		if stages[p-1].Status != StageDeployed {
			return false
		}
	}
	return true
}
