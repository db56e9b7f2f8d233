package config

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// SchedulerConfig bounds per-stage task dispatch.
type SchedulerConfig struct {
	PoolSize int `json:"pool_size"`
}

// RemediationConfig bounds regenerate-and-revalidate rounds.
type RemediationConfig struct {
	MaxAttempts int `json:"max_attempts"`
}

// EscalationConfig controls auto-escalation of unresolved issues.
type EscalationConfig struct {
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
}

// BreakerConfig controls the tool gateway's circuit breakers.
type BreakerConfig struct {
	FailureThreshold int `json:"failure_threshold"`
	CooldownSeconds  int `json:"cooldown_seconds"`
	HalfOpenProbes   int `json:"half_open_probes"`
}

// PolicyConfig locates the governance rules and sets resolution defaults.
type PolicyConfig struct {
	RulesDir           string `json:"rules_dir"`
	BlockOnRecommended bool   `json:"block_on_recommended"`
}

// StateConfig locates durable session state.
type StateConfig struct {
	DBPath string `json:"db_path"`
}

// ProviderConfig declares one external tool provider behind the gateway:
// its transport and the scope allowed to call it.
type ProviderConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	Roles          []string `json:"roles,omitempty"` // empty means any role
	Kinds          []string `json:"kinds,omitempty"` // empty means any stage kind
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	RetryLimit     int      `json:"retry_limit,omitempty"`
}

// AgentConfig binds a generator role to a CLI-backed agent.
type AgentConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// ProvisionerConfig locates the provisioning tool.
type ProvisionerConfig struct {
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	WorkDir        string   `json:"work_dir,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// ContractOverride redeclares one role's artifact contract, shadowing the
// built-in registry layer.
type ContractOverride struct {
	Capability  string   `json:"capability,omitempty"`
	Inputs      []string `json:"inputs,omitempty"`
	Outputs     []string `json:"outputs,omitempty"`
	DelegatesTo []string `json:"delegates_to,omitempty"`
}

// EngineConfig is the top-level configuration.
type EngineConfig struct {
	Logging     LoggingConfig               `json:"logging"`
	Scheduler   SchedulerConfig             `json:"scheduler"`
	Remediation RemediationConfig           `json:"remediation"`
	Escalation  EscalationConfig            `json:"escalation"`
	Breaker     BreakerConfig               `json:"breaker"`
	Policy      PolicyConfig                `json:"policy"`
	State       StateConfig                 `json:"state"`
	Providers   map[string]ProviderConfig   `json:"providers"`
	Agents      map[string]AgentConfig      `json:"agents"`
	Provisioner ProvisionerConfig           `json:"provisioner"`
	Contracts   map[string]ContractOverride `json:"contracts"`
}
