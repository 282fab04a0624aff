package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/leadops/internal/audit"
	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/executor"
	"github.com/basket/leadops/internal/idempotency"
	"github.com/basket/leadops/internal/identity"
	"github.com/basket/leadops/internal/notify"
	"github.com/basket/leadops/internal/otel"
	"github.com/basket/leadops/internal/persistence"
	"github.com/basket/leadops/internal/planner"
	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/runner"
	"github.com/basket/leadops/internal/telemetry"
)

// cliAgentID attributes audit rows written by local CLI commands.
const cliAgentID = "cli"

// app holds the components shared by serve and the one-shot commands.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	bus       *bus.Bus
	store     *persistence.Store
	policy    *policy.LivePolicy
	identity  *identity.Service
	idem      *idempotency.Cache
	audit     *audit.Logger
	notifier  *notify.Notifier
	planner   *planner.Planner
	runner    *runner.Runner
	telemetry *otel.Provider
	metrics   *otel.Metrics

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// loadApp reads config and wires every component. quiet keeps logs out of
// stdout for one-shot commands.
func loadApp(ctx context.Context, quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = logCloser.Close()
		return nil, err
	}
	a.closers = append(a.closers, logCloser)
	return a, nil
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger, bus: bus.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.telemetry, err = otel.Init(ctx, cfg.OTel)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}
	a.closers = append(a.closers, closerFunc(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.telemetry.Shutdown(sctx)
	}))
	a.metrics, err = otel.NewMetrics(a.telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	a.store, err = persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.closers = append(a.closers, a.store)

	pol, err := policy.Load(cfg.PolicyPath())
	if err != nil {
		return nil, fmt.Errorf("load policy: %w", err)
	}
	a.policy = policy.NewLivePolicy(pol)

	a.identity = identity.New(a.store, cfg.SuperuserSecret, logger)
	a.idem = idempotency.New(a.store,
		idempotency.WithTTL(cfg.IdempotencyTTL()),
		idempotency.WithLogger(logger),
	)
	a.audit = audit.New(a.store, logger)
	if err := a.audit.OpenMirror(cfg.HomeDir); err != nil {
		logger.Warn("audit mirror unavailable; database audit only", "error", err)
	}
	a.closers = append(a.closers, a.audit)

	a.notifier = notify.New(a.adminSender(),
		notify.WithLogger(logger),
		notify.WithBus(a.bus),
	)

	opts := []planner.Option{
		planner.WithLogger(logger),
		planner.WithBus(a.bus),
		planner.WithAdvisorTimeout(cfg.AdvisorTimeout()),
		planner.WithTracer(a.telemetry.Tracer),
	}
	if cfg.Advisor.Enabled {
		adv, advErr := planner.NewGenkitAdvisor(ctx, planner.GenkitConfig{
			Provider: cfg.Advisor.Provider,
			Model:    cfg.Advisor.Model,
			APIKey:   cfg.AdvisorAPIKey(),
			BaseURL:  cfg.Advisor.BaseURL,
		})
		if advErr != nil {
			logger.Warn("plan advisor unavailable; using rules only", "error", advErr)
		} else {
			logger.Info("plan advisor enabled", "model", adv.Model())
			opts = append(opts, planner.WithAdvisor(adv))
		}
	}
	a.planner, err = planner.New(a.store, opts...)
	if err != nil {
		return nil, err
	}

	a.runner, err = runner.New(runner.Config{
		Queue:     a.store,
		Executors: executor.Defaults(a.policy),
		Audit:     a.audit,
		Notifier:  a.notifier,
		Bus:       a.bus,
		Logger:    logger,
		Telemetry: a.telemetry,
		Metrics:   a.metrics,
		Interval:  cfg.RunnerInterval(),
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// adminSender picks Telegram when configured, else the log.
func (a *app) adminSender() notify.Sender {
	tg := a.cfg.Notify.Telegram
	if tg.Token == "" && tg.ChatID == 0 {
		return notify.NewLogSender(a.logger)
	}
	sender, err := notify.NewTelegramSender(tg.Token, tg.ChatID)
	if err != nil {
		a.logger.Warn("telegram sender unavailable; alerts go to the log", "error", err)
		return notify.NewLogSender(a.logger)
	}
	return sender
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && a.logger != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
	a.closers = nil
}

const defaultConfigYAML = `# leadops configuration
bind_addr: "127.0.0.1:18790"
log_level: info
idempotency_ttl_hours: 24
allow_origins: []

runner:
  interval_seconds: 30
  disabled: false

advisor:
  enabled: false
  provider: google
  timeout_seconds: 10

notify:
  telegram:
    token: ""
    chat_id: 0

maintenance:
  digest_spec: "0 8 * * *"
  purge_spec: "@hourly"

rate_limit:
  enabled: false
  requests_per_minute: 120
  burst_size: 20

otel:
  enabled: false
`

// bootstrapHome writes config.yaml and policy.yaml when they are missing.
func bootstrapHome(cfg config.Config, logger *slog.Logger) error {
	if cfg.FirstRun {
		if err := os.WriteFile(config.ConfigPath(cfg.HomeDir), []byte(defaultConfigYAML), 0o644); err != nil {
			return fmt.Errorf("write config.yaml: %w", err)
		}
		logger.Info("config.yaml written with defaults", "home", cfg.HomeDir)
	}
	path := cfg.PolicyPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	data, err := yaml.Marshal(policy.Default())
	if err != nil {
		return fmt.Errorf("encode default policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write policy.yaml: %w", err)
	}
	logger.Info("policy.yaml bootstrapped with defaults", "path", path)
	return nil
}
