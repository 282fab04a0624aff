package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/leadops/internal/config"
	"github.com/basket/leadops/internal/cron"
	"github.com/basket/leadops/internal/gateway"
	"github.com/basket/leadops/internal/policy"
	"github.com/basket/leadops/internal/telemetry"
)

func runServe(ctx context.Context, args []string) int {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "serve takes no arguments, got %v\n", args)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		return fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		return fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()

	if err := bootstrapHome(cfg, logger); err != nil {
		return fatalStartup(logger, "E_HOME_BOOTSTRAP", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return fatalStartup(logger, "E_APP_INIT", err)
	}
	defer a.Close()

	if !isLoopbackBind(cfg.BindAddr) && len(cfg.AllowOrigins) == 0 {
		logger.Warn("listening beyond loopback with no allow_origins; browser clients are limited to same-origin",
			"bind_addr", cfg.BindAddr)
	}
	if cfg.SuperuserSecret == "" {
		logger.Warn("LEADOPS_SUPERUSER_SECRET not set; only stored agent credentials can call the API")
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	policyPath := cfg.PolicyPath()
	watcher.OnChange(filepath.Base(policyPath), func(path string) {
		if err := policy.ReloadFromFile(a.policy, path); err != nil {
			logger.Error("policy reload failed; keeping previous policy", "path", path, "error", err)
			return
		}
		logger.Info("policy reloaded", "version", a.policy.PolicyVersion())
	})
	if err := watcher.Start(ctx); err != nil {
		return fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if filepath.Base(ev.Path) == "config.yaml" {
				logger.Warn("config.yaml changed; restart to apply", "op", ev.Op.String())
			}
		}
	}()

	if cfg.Runner.Disabled {
		logger.Info("runner loop disabled; ticks only via API or CLI")
	} else {
		a.runner.Start(ctx)
		defer a.runner.Stop()
		logger.Info("runner loop started", "interval", a.runner.Interval())
	}

	sched, err := cron.NewScheduler(cron.Config{
		Digest:     a.notifier,
		DigestSpec: cfg.Maintenance.DigestSpec,
		Purger:     a.idem,
		PurgeSpec:  cfg.Maintenance.PurgeSpec,
		Logger:     logger,
	})
	if err != nil {
		return fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv, err := gateway.New(gateway.Config{
		Store:             a.store,
		Identity:          a.identity,
		Policy:            a.policy,
		Planner:           a.planner,
		Runner:            a.runner,
		Notifier:          a.notifier,
		Idempotency:       a.idem,
		Audit:             a.audit,
		Bus:               a.bus,
		Logger:            logger,
		Telemetry:         a.telemetry,
		Metrics:           a.metrics,
		AllowOrigins:      cfg.AllowOrigins,
		RateLimit:         cfg.RateLimit,
		ConfigFingerprint: cfg.Fingerprint(),
	})
	if err != nil {
		return fatalStartup(logger, "E_GATEWAY_INIT", err)
	}
	srv.StartMaintenance(ctx)

	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		return fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	server := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()
	logger.Info("leadops started",
		"version", Version,
		"bind_addr", ln.Addr().String(),
		"home", cfg.HomeDir,
		"policy_version", a.policy.PolicyVersion(),
		"config_fingerprint", cfg.Fingerprint(),
	)

	exit := 0
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
		exit = 1
	}

	// Stop intake first; the deferred runner and scheduler stops then wait
	// for in-flight work before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	logger.Info("shutdown complete")
	return exit
}

// fatalStartup logs a structured startup failure with a reason code and
// returns the process exit code.
func fatalStartup(logger *slog.Logger, reasonCode string, err error) int {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"time":"%s","level":"ERROR","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
	}
	return 1
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
