// Package main provides the entry point for the ThreatPipe server.
// ThreatPipe is a security telemetry pipeline: ingest, normalize,
// score, decide, and execute approved response actions.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/action"
	"github.com/lvonguyen/threatpipe/internal/api"
	"github.com/lvonguyen/threatpipe/internal/api/gateway"
	"github.com/lvonguyen/threatpipe/internal/config"
	"github.com/lvonguyen/threatpipe/internal/enrich"
	"github.com/lvonguyen/threatpipe/internal/mapping"
	"github.com/lvonguyen/threatpipe/internal/normalize"
	"github.com/lvonguyen/threatpipe/internal/observability"
	"github.com/lvonguyen/threatpipe/internal/pipeline"
	"github.com/lvonguyen/threatpipe/internal/policy"
	"github.com/lvonguyen/threatpipe/internal/routing"
	"github.com/lvonguyen/threatpipe/internal/score"
)

// Version information (injected at build time via ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ThreatPipe %s (commit: %s, built: %s)\n", Version, GitCommit, BuildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting ThreatPipe",
		zap.String("version", Version),
		zap.String("config", *configPath))

	// Redis is optional; without it the mapping store falls back to
	// files and the rate limiter is disabled.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:        cfg.Redis.Addr,
			Password:    os.Getenv(cfg.Redis.PasswordEnv),
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.Warn("Redis unreachable at startup", zap.Error(err))
		}
		cancel()
	}

	mappings, err := buildMappingStore(cfg, redisClient)
	if err != nil {
		logger.Fatal("Mapping store init failed", zap.Error(err))
	}

	signatures := routing.DefaultSignatures()
	if cfg.Signatures.Path != "" {
		signatures, err = routing.LoadSignatures(cfg.Signatures.Path)
		if err != nil {
			logger.Fatal("Source signatures load failed", zap.Error(err))
		}
	}
	router := routing.NewRouter(cfg.Router, signatures, logger)

	policies, err := policy.NewEngineFromFile(cfg.Policy.RulesPath, logger)
	if err != nil {
		logger.Fatal("Policy rules load failed", zap.Error(err))
	}

	oracle := score.NewOracleClient(cfg.Oracle)
	if oracle == nil {
		logger.Info("No scoring oracle configured, heuristic only")
	}

	// Connectors are optional; unresolved env vars disable them and
	// matching plan steps fail at execution time.
	var notifier action.Notifier
	if n, err := action.NewWebhookNotifier(cfg.Actions.Notifier); err != nil {
		logger.Warn("Notify connector disabled", zap.Error(err))
	} else {
		notifier = n
	}
	var ticketer action.Ticketer
	if t, err := action.NewHTTPTicketer(cfg.Actions.Ticketer); err != nil {
		logger.Warn("Ticket connector disabled", zap.Error(err))
	} else {
		ticketer = t
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	scorer := score.NewScorer(oracle, logger)

	orch := pipeline.NewOrchestrator(
		router,
		mappings,
		mapping.NewAutoMapper(logger),
		normalize.NewNormalizer(logger),
		enrich.NewEnricher(logger),
		scorer,
		policies,
		action.NewExecutor(notifier, ticketer, cfg.Actions.StepTimeout, logger),
		pipeline.NewRunStore(cfg.Runs.Capacity, logger),
		metrics,
		logger,
	)

	var limiter *gateway.RateLimiter
	if redisClient != nil {
		limiter = gateway.NewRateLimiter(redisClient, gateway.RateLimitConfig{IncludeHeaders: true}, logger)
	}

	srv := api.NewServer(api.ServerOptions{
		Orchestrator: orch,
		Router:       router,
		Mappings:     mappings,
		Scorer:       scorer,
		Policies:     policies,
		Limiter:      limiter,
		Ingest:       cfg.Ingest,
		PolicyPath:   cfg.Policy.RulesPath,
		Metrics:      promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Logger:       logger,
		Version:      Version,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("Server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error", zap.Error(err))
		}
	}()

	sig := <-sigChan
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown error", zap.Error(err))
	}
	if redisClient != nil {
		redisClient.Close()
	}

	logger.Info("Server stopped")
}

// buildMappingStore picks the configured mapping store backend.
func buildMappingStore(cfg *config.Config, redisClient *redis.Client) (mapping.Store, error) {
	if cfg.Mappings.Backend == "redis" {
		if redisClient == nil {
			return nil, fmt.Errorf("mapping backend is redis but no redis addr configured")
		}
		return mapping.NewRedisStore(redisClient), nil
	}
	return mapping.NewFileStore(cfg.Mappings.Dir)
}
