package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/opentalon/conductor/internal/answer"
	"github.com/opentalon/conductor/internal/config"
	"github.com/opentalon/conductor/internal/engine"
	"github.com/opentalon/conductor/internal/general"
	"github.com/opentalon/conductor/internal/history"
	"github.com/opentalon/conductor/internal/invoke"
	"github.com/opentalon/conductor/internal/localworker"
	"github.com/opentalon/conductor/internal/metrics"
	"github.com/opentalon/conductor/internal/orchestrator"
	"github.com/opentalon/conductor/internal/planner"
	"github.com/opentalon/conductor/internal/provider"
	"github.com/opentalon/conductor/internal/worker"
)

// app is the fully wired pipeline shared by serve and run.
type app struct {
	cfg     *config.Config
	source  worker.Source
	watcher *worker.Watcher
	host    *localworker.Host
	history history.Store
	metrics *metrics.Metrics
	orch    *orchestrator.Orchestrator
}

// build wires every component from cfg. A non-nil override replaces the
// configured planner.
func build(ctx context.Context, cfg *config.Config, override planner.Planner) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	src, err := a.workerSource(ctx)
	if err != nil {
		return nil, err
	}
	a.source = src

	a.host = localworker.NewHost()
	disp := dispatcher(cfg.Invoker, a.host)
	eng := engine.New(disp,
		engine.WithMaxConcurrency(cfg.Engine.MaxConcurrency),
		engine.WithEngineObserver(a.metrics),
	)

	llm, err := llmProvider(cfg.LLM)
	if err != nil {
		return nil, err
	}
	p := override
	if p == nil {
		if p, err = buildPlanner(cfg.Planner, llm); err != nil {
			return nil, err
		}
	}

	a.history, err = history.Open(ctx, history.Options{
		Backend:   cfg.History.Backend,
		DataDir:   cfg.History.DataDir,
		DSN:       cfg.History.DSN,
		RedisAddr: cfg.History.RedisAddr,
		MaxTurns:  cfg.History.MaxTurns,
		TTL:       config.Duration(cfg.History.TTL),
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}

	opts := []orchestrator.Option{
		orchestrator.WithHistory(a.history),
		orchestrator.WithMetrics(a.metrics),
	}
	if !cfg.General.Disabled {
		var gopts []general.Option
		if cfg.General.Script != "" {
			script, err := general.LoadScript(cfg.General.Script)
			if err != nil {
				return nil, err
			}
			gopts = append(gopts, general.WithScript(script))
		}
		opts = append(opts, orchestrator.WithGeneral(general.New(gopts...)))
	}

	a.orch = orchestrator.New(src, p, eng, answer.New(llm), opts...)
	ok = true
	return a, nil
}

func (a *app) workerSource(ctx context.Context) (worker.Source, error) {
	w := a.cfg.Workers
	switch {
	case w.File != "" && w.Watch:
		watcher, err := worker.NewWatcher(w.File)
		if err != nil {
			return nil, err
		}
		if err := watcher.Start(ctx); err != nil {
			watcher.Close()
			return nil, err
		}
		a.watcher = watcher
		return watcher, nil
	case w.File != "":
		dir, err := worker.LoadFile(w.File)
		if err != nil {
			return nil, err
		}
		return worker.Static{Dir: dir}, nil
	case len(w.Inline) > 0:
		dir, err := worker.NewDirectory(w.Inline)
		if err != nil {
			return nil, fmt.Errorf("workers.inline: %w", err)
		}
		return worker.Static{Dir: dir}, nil
	}
	return worker.Static{Dir: worker.DefaultDirectory()}, nil
}

func dispatcher(cfg config.InvokerConfig, host *localworker.Host) *invoke.Dispatcher {
	d := invoke.NewDispatcher()
	if cfg.RateLimit.PerSecond > 0 {
		d.HTTP = invoke.NewHTTPInvoker(invoke.WithRateLimit(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst))
	}
	if cfg.MaxResultBytes > 0 {
		d.MaxResultBytes = cfg.MaxResultBytes
	}
	if len(cfg.Fixtures) > 0 {
		fixtures := make(map[string]invoke.Output, len(cfg.Fixtures))
		for name, f := range cfg.Fixtures {
			fixtures[name] = invoke.Output{Result: f.Result, Confidence: f.Confidence, Details: f.Details}
		}
		d.Fixtures = invoke.NewFixtureInvoker(fixtures)
	}
	d.Process = host
	return d
}

// llmProvider returns nil when no model is configured. Configured fallbacks
// turn the primary into a failover chain.
func llmProvider(cfg config.LLMConfig) (provider.Provider, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client := &http.Client{Timeout: config.Duration(cfg.Timeout)}
	primary, err := newProvider(cfg, client)
	if err != nil {
		return nil, err
	}
	chain := []provider.Provider{primary}
	for _, fb := range cfg.Fallbacks {
		if !fb.Enabled() {
			continue
		}
		p, err := newProvider(fb, client)
		if err != nil {
			return nil, err
		}
		chain = append(chain, p)
	}
	if len(chain) == 1 {
		log.Printf("conductor: using %s model %q", primary.ID(), cfg.Model)
		return primary, nil
	}
	f := provider.NewFailover(chain, provider.DefaultCooldownConfig())
	log.Printf("conductor: using %s", f.ID())
	return f, nil
}

func newProvider(cfg config.LLMConfig, client *http.Client) (provider.Provider, error) {
	id := cfg.API
	if id == "" {
		id = provider.APIOpenAI
	}
	if cfg.Model != "" {
		id += "/" + cfg.Model
	}
	p, err := provider.FromConfig(provider.Config{
		ID:      id,
		API:     cfg.API,
		BaseURL: cfg.BaseURL,
		APIKey:  cfg.APIKey,
		Model:   cfg.Model,
	}, client)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	return p, nil
}

func buildPlanner(cfg config.PlannerConfig, llm provider.Provider) (planner.Planner, error) {
	rules, err := planner.NewRulePlanner(cfg.Rules)
	if err != nil {
		return nil, fmt.Errorf("planner rules: %w", err)
	}
	if cfg.Mode == config.PlannerRules || llm == nil {
		return rules, nil
	}
	return planner.NewLLMPlanner(llm, rules)
}

func (a *app) Close() {
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			log.Printf("conductor: closing history: %v", err)
		}
	}
	if a.host != nil {
		if err := a.host.Close(); err != nil {
			log.Printf("conductor: stopping local workers: %v", err)
		}
	}
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			log.Printf("conductor: closing workers watcher: %v", err)
		}
	}
}
