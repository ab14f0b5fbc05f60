// Package main is the entrypoint for the agentdeploy API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"regexp"
	"syscall"
	"time"

	"github.com/kiranshivaraju/agentdeploy/internal/api"
	"github.com/kiranshivaraju/agentdeploy/internal/api/handler"
	mw "github.com/kiranshivaraju/agentdeploy/internal/api/middleware"
	"github.com/kiranshivaraju/agentdeploy/internal/api/response"
	"github.com/kiranshivaraju/agentdeploy/internal/apikey"
	"github.com/kiranshivaraju/agentdeploy/internal/cache"
	"github.com/kiranshivaraju/agentdeploy/internal/config"
	"github.com/kiranshivaraju/agentdeploy/internal/deploy"
	"github.com/kiranshivaraju/agentdeploy/internal/extract"
	"github.com/kiranshivaraju/agentdeploy/internal/gcloud"
	"github.com/kiranshivaraju/agentdeploy/internal/metrics"
	"github.com/kiranshivaraju/agentdeploy/internal/sshkey"
	"github.com/kiranshivaraju/agentdeploy/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

type options struct {
	configPath string
	createKey  string
	keyScopes  []string
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("agentdeploy", pflag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "path to YAML config file (default $"+config.ConfigFileEnv+")")
	fs.StringVar(&opts.createKey, "create-key", "", "create an operator API key with this name, print it and exit")
	fs.StringSliceVar(&opts.keyScopes, "key-scopes", []string{apikey.ScopeRead, apikey.ScopeAdmin},
		"scopes granted by --create-key")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return opts, nil
}

func run(args []string, stdout io.Writer) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	// 1. Load config, fail fast on invalid values
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg.Log, os.Stderr)
	slog.SetDefault(logger)
	slog.Info("config loaded", "env", cfg.Server.Env, "store", cfg.Store.Driver, "zone", cfg.GCloud.Zone)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Open store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.createKey != "" {
		return createKey(ctx, st, opts.createKey, opts.keyScopes, stdout)
	}

	// 3. Optional Redis cache
	var (
		c      cache.Cache
		leaser cache.Leaser
	)
	if cfg.Redis.URL != "" {
		redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("create redis cache: %w", err)
		}
		defer redisCache.Close()
		if err := redisCache.Ping(ctx); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		c, leaser = redisCache, redisCache
		slog.Info("redis connected")
	} else {
		slog.Warn("REDIS_URL not set, rate limiting and poller leases disabled")
	}

	// 4. Remote command layer and domain services
	runner := gcloud.NewExecRunner(cfg.GCloud.CommandTimeout)
	cmds := gcloud.Commands{
		Binary:       cfg.GCloud.Binary,
		LaunchScript: cfg.Deploy.LaunchScript,
		Zone:         cfg.GCloud.Zone,
		Project:      cfg.GCloud.Project,
		SSHUser:      cfg.SSH.User,
	}

	policy, err := buildPolicy(cfg.Deploy)
	if err != nil {
		return err
	}

	creds := sshkey.New(runner, cmds, sshkey.Config{
		Dir:     cfg.SSH.Dir,
		KeyName: cfg.SSH.KeyName,
		KeyBits: cfg.SSH.KeyBits,
	}, logger)

	orch := deploy.New(st, runner, cmds, deploy.Options{
		Policy: policy,
		Leaser: leaser,
		Logger: logger,
	})
	resumed, err := orch.Resume(ctx)
	if err != nil {
		return fmt.Errorf("resume deployments: %w", err)
	}
	slog.Info("deployments resumed", "count", resumed)

	extractor := extract.New(runner, cmds, creds, st, extract.Options{
		RemoteDBPath: cfg.Extract.RemoteDBPath,
		Cache:        c,
		InventoryTTL: cfg.Extract.InventoryTTL,
		Logger:       logger,
	})

	// 5. Metrics registry
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	// 6. Build router with dependencies
	deps := api.Dependencies{
		Auth:      mw.NewAuth(st),
		RateLimit: mw.NewRateLimit(c, cfg.Server.RateLimitPerMin),
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),

		HealthHandler: healthHandler(st, c),

		CreateDeployment: handler.NewCreateDeploymentHandler(orch),
		GetDeployment:    handler.NewGetDeploymentHandler(orch),
		ListDeployments:  handler.NewListDeploymentsHandler(orch),

		InstanceOverview: handler.NewInstanceOverviewHandler(extractor),
		ListTables:       handler.NewListTablesHandler(extractor),
		ExtractTable:     handler.NewExtractTableHandler(extractor),
		SSHCheck:         handler.NewSSHCheckHandler(creds),

		CreateKeyHandler: handler.NewCreateKeyHandler(st),
		ListKeysHandler:  handler.NewListKeysHandler(st),
		RevokeKeyHandler: handler.NewRevokeKeyHandler(st),
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	// 7. Serve until a signal or a fatal error
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return deploy.NewSweeper(orch, cfg.Deploy.RetentionInterval).Run(gctx)
	})

	g.Go(func() error {
		if err := creds.EnsureConfigured(gctx); err != nil {
			slog.Warn("ssh credential not ready, will retry on first use", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutdown signal received, draining connections...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if oerr := orch.Shutdown(shutdownCtx); oerr != nil {
			slog.Warn("background tasks did not stop in time", "error", oerr)
		}
		if err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	if cfg.Store.Driver == config.DriverMemory {
		slog.Warn("using in-memory store, deployments are lost on restart")
		return store.NewMemoryStore(), func() {}, nil
	}

	pgStore, pool, err := store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	slog.Info("database connected", "auto_migrate", cfg.Database.AutoMigrate)
	return pgStore, pool.Close, nil
}

func createKey(ctx context.Context, s store.APIKeyStore, name string, scopes []string, stdout io.Writer) error {
	raw, key, err := apikey.Generate(name, scopes, time.Now())
	if err != nil {
		return fmt.Errorf("generate api key: %w", err)
	}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("store api key: %w", err)
	}
	slog.Info("api key created", "id", key.ID, "prefix", key.KeyPrefix, "scopes", key.Scopes)
	_, err = fmt.Fprintln(stdout, raw)
	return err
}

func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, hopts))
	}
	return slog.New(slog.NewJSONHandler(w, hopts))
}

func buildPolicy(cfg config.DeployConfig) (deploy.Policy, error) {
	p := deploy.Policy{
		PollInterval:    cfg.PollInterval,
		MaxWait:         cfg.MaxWait,
		FallbackTimeout: cfg.FallbackTimeout,
		LaunchTimeout:   cfg.LaunchTimeout,
		RunningMarker:   cfg.RunningMarker,
		StartingMarker:  cfg.StartingMarker,
		RetentionAge:    cfg.RetentionAge,
	}
	if cfg.InstancePattern != "" {
		re, err := regexp.Compile(cfg.InstancePattern)
		if err != nil {
			return deploy.Policy{}, fmt.Errorf("compile instance pattern: %w", err)
		}
		p.InstancePattern = re
	}
	return p, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// healthHandler checks database and cache connectivity. A nil cache is
// reported as disabled.
func healthHandler(s pinger, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		if checks["database"] == "degraded" || checks["cache"] == "degraded" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
