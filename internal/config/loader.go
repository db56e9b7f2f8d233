package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed JSON returns an error.
func Load(globalPath, projectPath string) (*EngineConfig, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}
	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: $XDG_CONFIG_HOME/stagehand/config.json
// Project: .stagehand/config.json (relative to cwd)
func LoadDefault() (*EngineConfig, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "stagehand", "config.json")
	projectPath := filepath.Join(".stagehand", "config.json")
	return Load(globalPath, projectPath)
}

// mergeConfigFile reads a JSON config file and merges it into the base
// config. Missing files are silently skipped. Malformed JSON returns an
// error.
func mergeConfigFile(base *EngineConfig, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var loaded EngineConfig
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	mergeInto(base, &loaded)
	return nil
}

// mergeInto overlays every value the loaded file actually set onto base.
// Map entries merge per key; zero-valued scalars leave the base untouched.
func mergeInto(base, loaded *EngineConfig) {
	if loaded.Logging.Level != "" {
		base.Logging.Level = loaded.Logging.Level
	}
	if loaded.Scheduler.PoolSize > 0 {
		base.Scheduler.PoolSize = loaded.Scheduler.PoolSize
	}
	if loaded.Remediation.MaxAttempts > 0 {
		base.Remediation.MaxAttempts = loaded.Remediation.MaxAttempts
	}
	if loaded.Escalation.IdleTimeoutSeconds > 0 {
		base.Escalation.IdleTimeoutSeconds = loaded.Escalation.IdleTimeoutSeconds
	}
	if loaded.Breaker.FailureThreshold > 0 {
		base.Breaker.FailureThreshold = loaded.Breaker.FailureThreshold
	}
	if loaded.Breaker.CooldownSeconds > 0 {
		base.Breaker.CooldownSeconds = loaded.Breaker.CooldownSeconds
	}
	if loaded.Breaker.HalfOpenProbes > 0 {
		base.Breaker.HalfOpenProbes = loaded.Breaker.HalfOpenProbes
	}
	if loaded.Policy.RulesDir != "" {
		base.Policy.RulesDir = loaded.Policy.RulesDir
	}
	if loaded.Policy.BlockOnRecommended {
		base.Policy.BlockOnRecommended = true
	}
	if loaded.State.DBPath != "" {
		base.State.DBPath = loaded.State.DBPath
	}
	if loaded.Provisioner.Command != "" {
		base.Provisioner = loaded.Provisioner
	}

	for key, provider := range loaded.Providers {
		base.Providers[key] = provider
	}
	for key, agent := range loaded.Agents {
		base.Agents[key] = agent
	}
	for key, override := range loaded.Contracts {
		base.Contracts[key] = override
	}
}
