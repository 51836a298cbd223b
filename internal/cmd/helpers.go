package cmd

import (
	"github.com/franklinbaldo/cadence/internal/agent"
	"github.com/franklinbaldo/cadence/internal/branch"
	"github.com/franklinbaldo/cadence/internal/config"
	"github.com/franklinbaldo/cadence/internal/drift"
	"github.com/franklinbaldo/cadence/internal/engine"
	"github.com/franklinbaldo/cadence/internal/forge"
	"github.com/franklinbaldo/cadence/internal/pr"
	"github.com/franklinbaldo/cadence/internal/session"
	"github.com/franklinbaldo/cadence/internal/state"
)

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func openStore(cfg *config.Config) *state.Store {
	return state.NewStore(cfg.Settings.StateDir)
}

// buildEngine wires the production engine from the configuration.
func buildEngine(cfg *config.Config, store *state.Store) *engine.Engine {
	f := forge.New(cfg.Settings.RepoDir)
	client := agent.NewClient(agent.Options{
		BaseURL: cfg.Agent.BaseURL,
		Token:   cfg.Agent.Token(),
		Timeout: cfg.Agent.RequestTimeout.Std(),
	})
	orch := session.New(client, cfg)
	return engine.New(cfg,
		store,
		orch,
		pr.NewManager(f, store.LockDir()),
		branch.NewManager(f),
		drift.NewReconciler(f, orch),
	)
}
