package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// DefaultConfig returns the default configuration with built-in agent
// bindings and tunables.
func DefaultConfig() *EngineConfig {
	return &EngineConfig{
		Logging: LoggingConfig{Level: "info"},
		Scheduler: SchedulerConfig{
			PoolSize: 4,
		},
		Remediation: RemediationConfig{
			MaxAttempts: 2,
		},
		Escalation: EscalationConfig{
			IdleTimeoutSeconds: 120,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			CooldownSeconds:  30,
			HalfOpenProbes:   1,
		},
		Policy: PolicyConfig{
			RulesDir: filepath.Join(xdg.ConfigHome, "stagehand", "rules"),
		},
		State: StateConfig{
			DBPath: filepath.Join(xdg.StateHome, "stagehand", "state.db"),
		},
		Providers: map[string]ProviderConfig{},
		Agents: map[string]AgentConfig{
			"infra-generator":       {Command: "stagehand-agent", Args: []string{"--role", "infra-generator"}},
			"db-generator":          {Command: "stagehand-agent", Args: []string{"--role", "db-generator"}},
			"integration-generator": {Command: "stagehand-agent", Args: []string{"--role", "integration-generator"}},
			"app-generator":         {Command: "stagehand-agent", Args: []string{"--role", "app-generator"}},
			"reviewer":              {Command: "stagehand-agent", Args: []string{"--role", "reviewer"}},
		},
		Provisioner: ProvisionerConfig{
			Command: "stagehand-provision",
		},
		Contracts: map[string]ContractOverride{},
	}
}
