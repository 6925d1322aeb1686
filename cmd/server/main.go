// Command server runs the model relay gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelrelay/modelrelay/internal/api"
	"github.com/modelrelay/modelrelay/internal/breaker"
	"github.com/modelrelay/modelrelay/internal/chain"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/forward"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/observability"
	"github.com/modelrelay/modelrelay/internal/provider"
	"github.com/modelrelay/modelrelay/internal/quota"
	"github.com/modelrelay/modelrelay/internal/rules"
	"github.com/modelrelay/modelrelay/internal/session"
	"github.com/modelrelay/modelrelay/internal/store"
	"github.com/modelrelay/modelrelay/internal/usage"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the gateway configuration file")
	flag.Parse()

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	mgr, err := config.NewManager(*configPath, bootLogger)
	if err != nil {
		bootLogger.Error("load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}
	defer mgr.Close()
	cfg := mgr.Get()

	logger := observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		Output:     os.Stdout,
		AddSource:  cfg.Logging.AddSource,
		JSONFormat: cfg.Logging.JSONFormat,
	})
	mgr.OnChange(func(c *config.Config) {
		logger.Info("configuration reloaded",
			"providers", len(c.Providers),
			"keys", len(c.Keys),
		)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var redisClient redis.UniversalClient
	if cfg.Redis.Enabled() {
		redisClient, err = store.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Error("connect redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		logger.Info("shared coordination store connected", "addrs", cfg.Redis.Addrs)
	} else {
		logger.Warn("no redis configured, running single-node with local fallbacks")
	}

	loc, err := time.LoadLocation(cfg.Quota.Timezone)
	if err != nil {
		logger.Error("load quota timezone", "timezone", cfg.Quota.Timezone, "error", err)
		os.Exit(1)
	}
	enforcer := quota.NewEnforcer(quota.Options{
		Client:    redisClient,
		Location:  loc,
		ResetHour: cfg.Quota.ResetHour,
		FailOpen:  cfg.Quota.FailOpen,
		Logger:    logger,
	})

	affinity := session.NewAffinityManager(redisClient, cfg.Session.TTL, logger)
	pool := session.NewIdentityPool(redisClient, cfg.Session.PoolSize, cfg.Session.PoolIdentityTTL, logger)

	var mirror breaker.Mirror = metrics.CircuitMirror{}
	if redisClient != nil {
		mirror = metrics.CircuitMirror{Next: breaker.NewRedisMirror(redisClient, logger)}
	}
	registry := breaker.NewRegistry(mirror, logger)
	mgr.OnChange(func(c *config.Config) {
		registry.Sync(breakerSettings(c.Providers))
	})
	builder := chain.NewBuilder(registry, enforcer, logger)

	engine := newRulesEngine(ctx, cfg.Rules, logger)

	scenarios := make([]usage.Scenario, 0, len(cfg.Usage.Scenarios))
	for _, s := range cfg.Usage.Scenarios {
		scenarios = append(scenarios, usage.Scenario{
			Weight:           s.Weight,
			CreationFraction: s.CreationFraction,
			ReadFraction:     s.ReadFraction,
			CacheTTL:         s.CacheTTL,
		})
	}
	normalizer := usage.NewNormalizer(cfg.Usage.EstimationEnabled, scenarios, nil)

	pricing := make(usage.PriceTable, len(cfg.Usage.ModelPricing))
	for family, p := range cfg.Usage.ModelPricing {
		pricing[family] = usage.Pricing{
			InputUSD:         p.InputUSD,
			OutputUSD:        p.OutputUSD,
			CacheCreationUSD: p.CacheCreationUSD,
			CacheReadUSD:     p.CacheReadUSD,
		}
	}

	forwarder := forward.NewForwarder(enforcer, normalizer, engine, pricing, logger)
	handler := api.NewHandler(mgr, enforcer, affinity, pool, mgr.ProviderRepository(), builder, forwarder, nil, logger)

	mux := http.NewServeMux()
	handler.Register(mux)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	root := observability.RequestIDMiddleware(api.CORSMiddleware(mgr.Get, mux))

	srv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		if err := mgr.Watch(ctx); err != nil {
			logger.Warn("configuration watch stopped", "error", err)
		}
	}()

	go func() {
		logger.Info("relay listening", "addr", cfg.Server.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}

// breakerSettings maps each configured provider to its breaker thresholds,
// in the same shape the chain builder hands to the registry.
func breakerSettings(providers []provider.Provider) map[string]breaker.Settings {
	out := make(map[string]breaker.Settings, len(providers))
	for _, p := range providers {
		out[p.ID] = breaker.Settings{
			FailureThreshold: p.Breaker.FailureThreshold,
			ProbeIntervalMin: p.Breaker.ProbeIntervalMin,
			ProbeIntervalMax: p.Breaker.ProbeIntervalMax,
		}
	}
	return out
}

// newRulesEngine builds the detection engine and, when an overrides file is
// configured, hot-reloads it on file changes the same way the main config
// watcher does.
func newRulesEngine(ctx context.Context, cfg config.RulesConfig, logger *slog.Logger) *rules.Engine {
	if cfg.OverridesPath == "" {
		return rules.NewEngine(rules.NewStaticRepository(nil), cfg.MaxOverrideBytes, logger)
	}

	engine := rules.NewEngine(rules.NewFileRepository(cfg.OverridesPath), cfg.MaxOverrideBytes, logger)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("rules watcher unavailable, overrides load once", "error", err)
		return engine
	}
	if err := watcher.Add(cfg.OverridesPath); err != nil {
		logger.Warn("watch rules file", "path", cfg.OverridesPath, "error", err)
		watcher.Close()
		return engine
	}

	updates := make(chan struct{}, 1)
	engine.Watch(ctx, updates)

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				// Editors fire bursts of events per save.
				if timer == nil {
					timer = time.AfterFunc(500*time.Millisecond, func() {
						select {
						case updates <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(500 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("rules watcher error", "error", err)
			}
		}
	}()
	return engine
}
