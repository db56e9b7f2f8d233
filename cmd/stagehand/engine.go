package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aristath/stagehand/internal/agent"
	"github.com/aristath/stagehand/internal/artifact"
	"github.com/aristath/stagehand/internal/cache"
	"github.com/aristath/stagehand/internal/config"
	"github.com/aristath/stagehand/internal/contract"
	"github.com/aristath/stagehand/internal/escalate"
	"github.com/aristath/stagehand/internal/events"
	"github.com/aristath/stagehand/internal/gateway"
	"github.com/aristath/stagehand/internal/logger"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/policy"
	"github.com/aristath/stagehand/internal/provision"
	"github.com/aristath/stagehand/internal/subproc"
)

// Gateway provider names used when the configuration does not declare its
// own scoping.
const (
	agentProvider = "agents"
	toolProvider  = "provisioner"
)

const agentCacheBytes = 64 << 20

// engine bundles every wired component behind the CLI commands.
type engine struct {
	cfg       *config.EngineConfig
	log       *slog.Logger
	store     *persistence.SQLiteStore
	bus       *events.Bus
	gw        *gateway.Gateway
	procs     *subproc.Manager
	tracker   *escalate.Tracker
	artifacts *artifact.Store
	loader    *policy.Loader
	policy    *policy.Engine
	agents    *agent.Registry
	contracts *contract.Registry
	invoker   provision.Invoker
	memo      *cache.TTLCache
}

// newEngine assembles the engine from configuration.
func newEngine(ctx context.Context, cfg *config.EngineConfig) (*engine, error) {
	log := logger.New(cfg.Logging.Level)

	store, err := persistence.NewSQLiteStore(ctx, cfg.State.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	bus := events.NewBus()
	procs := subproc.NewManager()

	gw := gateway.New(gateway.Config{
		FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
		Cooldown:         time.Duration(cfg.Breaker.CooldownSeconds) * time.Second,
		HalfOpenProbes:   uint32(cfg.Breaker.HalfOpenProbes),
	}, bus, log)
	for name, p := range cfg.Providers {
		err := gw.Register(gateway.ProviderSpec{
			Name:        name,
			Roles:       p.Roles,
			Kinds:       p.Kinds,
			CallTimeout: time.Duration(p.TimeoutSeconds) * time.Second,
			RetryLimit:  p.RetryLimit,
		})
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("register provider %q: %w", name, err)
		}
	}
	// implicit providers so sessions always have a breaker in front of
	// agents and the provisioning tool
	for _, name := range []string{agentProvider, toolProvider} {
		if _, ok := cfg.Providers[name]; !ok {
			if err := gw.Register(gateway.ProviderSpec{Name: name}); err != nil {
				store.Close()
				return nil, err
			}
		}
	}

	memo, err := cache.New(agentCacheBytes)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create agent cache: %w", err)
	}

	agents, err := buildAgents(cfg, memo, procs)
	if err != nil {
		memo.Close()
		store.Close()
		return nil, err
	}

	loader := policy.NewLoader(cfg.Policy.RulesDir, log)
	if err := loader.Watch(); err != nil {
		log.Warn("policy rules not watched; edits need a restart", "error", err)
	}
	policyEngine := policy.NewEngine(loader, policy.Config{
		BlockOnRecommended: cfg.Policy.BlockOnRecommended,
	}, store, bus, log)

	var invoker provision.Invoker
	if cfg.Provisioner.Command != "" {
		invoker, err = provision.NewExecInvoker(provision.ExecConfig{
			Command: cfg.Provisioner.Command,
			Args:    cfg.Provisioner.Args,
			WorkDir: cfg.Provisioner.WorkDir,
			Timeout: time.Duration(cfg.Provisioner.TimeoutSeconds) * time.Second,
		}, procs)
		if err != nil {
			memo.Close()
			store.Close()
			return nil, err
		}
	}

	return &engine{
		cfg:       cfg,
		log:       log,
		store:     store,
		bus:       bus,
		gw:        gw,
		procs:     procs,
		tracker:   escalate.NewTracker(time.Duration(cfg.Escalation.IdleTimeoutSeconds)*time.Second, bus, log),
		artifacts: artifact.NewStore(store),
		loader:    loader,
		policy:    policyEngine,
		agents:    agents,
		contracts: buildContracts(cfg),
		invoker:   invoker,
		memo:      memo,
	}, nil
}

// buildAgents binds each configured role to a subprocess generator with
// response memoization.
func buildAgents(cfg *config.EngineConfig, memo *cache.TTLCache, procs *subproc.Manager) (*agent.Registry, error) {
	gens := make(map[string]agent.Generator, len(cfg.Agents))
	for role, a := range cfg.Agents {
		exec, err := agent.NewExecGenerator(agent.ExecConfig{
			Command: a.Command,
			Args:    a.Args,
			WorkDir: a.WorkDir,
			Timeout: time.Duration(a.TimeoutSeconds) * time.Second,
		}, procs)
		if err != nil {
			return nil, fmt.Errorf("bind agent for role %q: %w", role, err)
		}
		gens[role] = agent.NewCachedGenerator(exec, memo, time.Hour)
	}
	return agent.NewRegistry(agent.Layer{Name: "configured", Generators: gens}), nil
}

// buildContracts layers config overrides over the built-in contracts.
func buildContracts(cfg *config.EngineConfig) *contract.Registry {
	if len(cfg.Contracts) == 0 {
		return contract.NewRegistry(contract.Builtin())
	}
	overrides := make(map[string]contract.Contract, len(cfg.Contracts))
	for role, o := range cfg.Contracts {
		base, err := contract.NewRegistry(contract.Builtin()).Resolve(role)
		if err != nil {
			base = contract.Contract{Role: role}
		}
		c := base
		if o.Capability != "" {
			c.Capability = o.Capability
		}
		if o.Inputs != nil {
			c.Inputs = o.Inputs
		}
		if o.Outputs != nil {
			c.Outputs = o.Outputs
		}
		if o.DelegatesTo != nil {
			c.DelegatesTo = o.DelegatesTo
		}
		overrides[role] = c
	}
	return contract.NewRegistry(
		contract.Layer{Name: "config", Contracts: overrides},
		contract.Builtin(),
	)
}

// Close releases everything the engine holds, terminating any tracked
// subprocesses first.
func (e *engine) Close() {
	if err := e.procs.KillAll(); err != nil {
		e.log.Warn("terminating subprocesses", "error", err)
	}
	e.loader.Close()
	e.memo.Close()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.log.Warn("closing state store", "error", err)
	}
}
