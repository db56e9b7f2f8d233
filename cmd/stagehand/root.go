package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aristath/stagehand/internal/config"
	"github.com/aristath/stagehand/internal/persistence"
	"github.com/aristath/stagehand/internal/planner"
	"github.com/aristath/stagehand/internal/remediate"
	"github.com/aristath/stagehand/internal/session"
)

const defaultProjectFile = "stagehand.json"

// projectFile is the on-disk planning input.
type projectFile struct {
	Components []planner.Component `json:"components"`
}

func loadProject(path string) ([]planner.Component, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read project file: %w", err)
	}
	var p projectFile
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse project file %s: %w", path, err)
	}
	if len(p.Components) == 0 {
		return nil, fmt.Errorf("project file %s declares no components", path)
	}
	return p.Components, nil
}

func newRootCmd() *cobra.Command {
	var projectPath string

	root := &cobra.Command{
		Use:           "stagehand",
		Short:         "Staged orchestration engine for generated system designs",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&projectPath, "project", "p", defaultProjectFile, "project component file")

	root.AddCommand(
		newBuildCmd(&projectPath),
		newDeployCmd(),
		newRollbackCmd(),
		newStatusCmd(),
		newResetCmd(),
	)
	return root
}

// withEngine loads configuration, wires the engine, runs fn, and tears the
// engine down afterwards.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine) error) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}
	e, err := newEngine(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(ctx, e)
}

func newBuildCmd(projectPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Plan stages, generate artifacts, and review the design",
		RunE: func(cmd *cobra.Command, args []string) error {
			components, err := loadProject(*projectPath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				src := newStdinSource(ctx, os.Stdin, os.Stdout)
				defer src.Close()

				s := session.NewBuildSession(session.BuildConfig{
					SchedulerPool: e.cfg.Scheduler.PoolSize,
					Remediation:   remediate.Config{MaxAttempts: e.cfg.Remediation.MaxAttempts},
					AgentProvider: agentProvider,
				}, session.BuildDeps{
					Store:     e.store,
					Artifacts: e.artifacts,
					Contracts: e.contracts,
					Agents:    e.agents,
					Gateway:   e.gw,
					Policy:    e.policy,
					Tracker:   e.tracker,
					Commands:  src,
					Bus:       e.bus,
					Log:       e.log,
				})
				st, err := s.Run(ctx, components)
				if err != nil {
					return err
				}
				fmt.Printf("build session %s finished: %s\n", st.SessionID, st.Phase)
				return nil
			})
		},
	}
}

// deploySession wires a deploy session against the engine.
func deploySession(e *engine, src session.CommandSource) *session.DeploySession {
	return session.NewDeploySession(session.DeployConfig{
		Remediation:  remediate.Config{MaxAttempts: e.cfg.Remediation.MaxAttempts},
		ToolProvider: toolProvider,
	}, session.DeployDeps{
		Store:     e.store,
		Artifacts: e.artifacts,
		Invoker:   e.invoker,
		Gateway:   e.gw,
		Tracker:   e.tracker,
		Commands:  src,
		Bus:       e.bus,
		Log:       e.log,
	})
}

func newDeployCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Apply an accepted design stage by stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				src := newStdinSource(ctx, os.Stdin, os.Stdout)
				defer src.Close()

				st, err := deploySession(e, src).Run(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deploy session %s finished: %s\n", st.SessionID, st.Phase)
				return nil
			})
		},
	}
}

func newRollbackCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "rollback [stage]",
		Short: "Destroy deployed stages in reverse order",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("name a stage index or pass --all")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				src := session.NewChannelSource()
				if all {
					src.Send(session.Command{Verb: session.VerbRollbackAll})
				} else {
					var n int
					if _, err := fmt.Sscanf(args[0], "%d", &n); err != nil {
						return fmt.Errorf("stage index %q: %w", args[0], err)
					}
					src.Send(session.Command{Verb: session.VerbRollback, Stages: []int{n}})
				}
				src.Send(session.Command{Verb: session.VerbDone})
				src.Close()

				_, err := deploySession(e, src).RunInteractive(ctx)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "roll back every deployed stage, newest first")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarize persisted session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				providers := []string{agentProvider, toolProvider}
				for name := range e.cfg.Providers {
					providers = append(providers, name)
				}
				view, err := session.Status(ctx, e.store, e.gw, providers)
				if err != nil {
					return err
				}
				view.Render(os.Stdout)
				return nil
			})
		},
	}
}

func newResetCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard persisted session state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if kind != persistence.KindBuild && kind != persistence.KindDeploy {
				return fmt.Errorf("kind must be %q or %q", persistence.KindBuild, persistence.KindDeploy)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				if err := e.store.Reset(ctx, kind); err != nil {
					return err
				}
				fmt.Printf("%s session state discarded\n", kind)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", persistence.KindBuild, "session kind to reset")
	return cmd
}
