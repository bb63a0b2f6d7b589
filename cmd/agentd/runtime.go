package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/term"

	"agentd/internal/factory"
	"agentd/pkg/agent"
	"agentd/pkg/config"
	"agentd/pkg/events"
	"agentd/pkg/exec"
	"agentd/pkg/logx"
	"agentd/pkg/metrics"
	"agentd/pkg/persistence"
	"agentd/pkg/skills"
	"agentd/pkg/workspace"
)

// runtime is the set of long-lived components shared by serve and run.
type runtime struct {
	cfg      *config.Config
	store    *persistence.Store
	bus      *events.Bus
	registry *agent.Registry
	prom     *prometheus.Registry
	skills   *skills.Provider
	logger   *logx.Logger
}

func newRuntime(ctx context.Context, cfg *config.Config, projectDir string) (*runtime, error) {
	logger := logx.NewLogger("agentd")

	if err := unlockSecrets(projectDir); err != nil {
		return nil, err
	}

	store, err := persistence.Open(ctx, cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(prom)

	executor := exec.NewLocalExec()
	workspaces, err := workspace.New(&cfg.Workspace, executor)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("workspace provider: %w", err)
	}

	skillProvider, err := skills.NewProvider(cfg.Skills.Dir, cfg.Skills.CacheMaxCost)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := events.NewBus()
	registry, err := agent.NewRegistry(agent.Options{
		Config:     cfg,
		Workspaces: workspaces,
		Clients:    factory.NewLLMClientFactory(cfg, recorder),
		Store:      store,
		Skills:     skillProvider,
		Events:     bus,
		Recorder:   recorder,
		Executor:   executor,
	})
	if err != nil {
		skillProvider.Close()
		_ = store.Close()
		return nil, err
	}

	if err := registry.Restore(ctx); err != nil {
		skillProvider.Close()
		_ = store.Close()
		return nil, fmt.Errorf("restore agents: %w", err)
	}

	return &runtime{
		cfg:      cfg,
		store:    store,
		bus:      bus,
		registry: registry,
		prom:     prom,
		skills:   skillProvider,
		logger:   logger,
	}, nil
}

// close stops every agent and releases resources in reverse order of creation.
func (rt *runtime) close(ctx context.Context) {
	rt.registry.Shutdown(ctx)
	rt.bus.Close()
	rt.skills.Close()
	if err := rt.store.Close(); err != nil {
		rt.logger.Warn("⚠️ database close failed: %v", err)
	}
}

// unlockSecrets decrypts the project's secrets file when present. The password comes
// from AGENTD_PASSWORD, or from a terminal prompt when stdin is interactive.
func unlockSecrets(projectDir string) error {
	if !config.SecretsFileExists(projectDir) {
		return nil
	}

	password := os.Getenv(envPassword)
	if password == "" {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return errors.New("secrets file is encrypted: set " + envPassword + " or run interactively")
		}
		p, err := readPassword("🔐 Secrets password: ")
		if err != nil {
			return err
		}
		password = p
	}

	if err := config.LoadSecrets(projectDir, password); err != nil {
		return fmt.Errorf("failed to decrypt secrets: %w", err)
	}
	return nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	s := string(b)
	for i := range b {
		b[i] = 0
	}
	return s, nil
}
