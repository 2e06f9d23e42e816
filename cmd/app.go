package cmd

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/arenahq/crucible/internal/agent"
	"github.com/arenahq/crucible/internal/config"
	"github.com/arenahq/crucible/internal/hub"
	"github.com/arenahq/crucible/internal/identity"
	"github.com/arenahq/crucible/internal/pricing"
	"github.com/arenahq/crucible/internal/sandbox"
	"github.com/arenahq/crucible/internal/session"
	"github.com/arenahq/crucible/internal/store"
	"github.com/arenahq/crucible/internal/trial"
	"github.com/arenahq/crucible/internal/workspace"
)

// app bundles the wired engine and its collaborators for the serve and run
// commands. list and report open the store directly instead; they must not
// require agent credentials.
type app struct {
	cfg            *config.Config
	db             *store.DB
	hub            *hub.Hub
	engine         *trial.Engine
	sessions       *session.Registry
	provider       identity.Provider
	sessionInvoker agent.Invoker
}

func buildApp(cfgPath string) (*app, func(), error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating data dir: %w", err)
	}
	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, nil, err
	}

	provider, err := identity.NewEnvProvider(cfg.Secrets.EnvFile)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	cred, err := provider.ScopedCredential(context.Background(), "agent-runtime", "local")
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var table *pricing.Table
	if cfg.Agents.PricingFile != "" {
		table, err = pricing.Load(cfg.Agents.PricingFile)
		if err != nil {
			log.Printf("warning: loading pricing table: %v", err)
		}
	}
	planner, err := agent.NewAPIInvoker(cred.Token, table)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	runner := &agent.CLIInvoker{IdleTimeout: cfg.AgentIdleTimeout()}

	var sandboxes *sandbox.Manager
	if cfg.Sandbox.Enabled {
		sandboxes = sandbox.NewManager(cfg.Sandbox.Image)
	}
	ws := workspace.NewManager(cfg.DataDir, cfg.Publish.Remote)

	var eng *trial.Engine
	h := hub.New(func(id string) hub.Event { return eng.Snapshot(id) })
	eng = trial.New(db, h, ws, sandboxes, provider, planner, runner, trial.Options{
		Workers:        cfg.Agents.Workers,
		Parallel:       cfg.Agents.Parallel,
		PlannerModel:   cfg.Agents.PlannerModel,
		WorkerModel:    cfg.Agents.WorkerModel,
		EvaluatorModel: cfg.Agents.EvaluatorModel,
		MaxTurns:       cfg.Agents.MaxTurns,
		Tools:          cfg.Agents.ToolAllowlist,
		BudgetUSD:      cfg.Agents.BudgetPerTrialUSD,
	})

	cleanup := func() {
		if sandboxes != nil {
			if err := sandboxes.Close(context.Background()); err != nil {
				log.Printf("warning: closing sandboxes: %v", err)
			}
		}
		db.Close()
	}
	return &app{
		cfg:            cfg,
		db:             db,
		hub:            h,
		engine:         eng,
		sessions:       session.NewRegistry(cfg.SessionIdleTimeout(), nil),
		provider:       provider,
		sessionInvoker: runner,
	}, cleanup, nil
}
