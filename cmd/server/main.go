package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Monthlyaway/short-link-relay/config"
	"github.com/Monthlyaway/short-link-relay/internal/cache"
	"github.com/Monthlyaway/short-link-relay/internal/codegen"
	"github.com/Monthlyaway/short-link-relay/internal/filter"
	"github.com/Monthlyaway/short-link-relay/internal/handler"
	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/metrics"
	"github.com/Monthlyaway/short-link-relay/internal/middleware"
	"github.com/Monthlyaway/short-link-relay/internal/proxy"
	"github.com/Monthlyaway/short-link-relay/internal/repository"
	"github.com/Monthlyaway/short-link-relay/internal/service"
	"github.com/Monthlyaway/short-link-relay/internal/utils"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

var configPath string

var root = &cobra.Command{
	Use:          "short-link-relay",
	Short:        "Short link service that redirects or relays destinations",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		serve(cfg)
		return nil
	},
}

var migrate = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the links table and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
		db, err := repository.OpenDB(cfg.Database, log)
		if err != nil {
			return err
		}
		defer func() { _ = repository.CloseDB(db) }()

		if _, err := repository.NewLinkRepository(db, nil); err != nil {
			return err
		}
		log.Info("links table migrated", logger.String("driver", cfg.Database.Driver))
		return nil
	},
}

func main() {
	defaultPath := "config/config.yaml"
	if p := os.Getenv("SHORTLINK_CONFIG"); p != "" {
		defaultPath = p
	}
	root.PersistentFlags().StringVar(&configPath, "config", defaultPath, "path to the YAML config file")
	root.AddCommand(migrate)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve(cfg *config.Config) {
	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	defer func() { _ = log.Sync() }()

	db, err := repository.OpenDB(cfg.Database, log)
	if err != nil {
		log.Fatal("failed to open database", logger.Error(err))
	}
	defer func() { _ = repository.CloseDB(db) }()
	if err := repository.Instrument(db, cfg.Database); err != nil {
		log.Fatal("failed to instrument database", logger.Error(err))
	}

	node, err := utils.NewSnowflakeNode(cfg.Snowflake.DatacenterID, cfg.Snowflake.WorkerID)
	if err != nil {
		log.Fatal("failed to initialize snowflake", logger.Error(err))
	}

	repo, err := repository.NewLinkRepository(db, node)
	if err != nil {
		log.Fatal("failed to initialize repository", logger.Error(err))
	}

	m := metrics.New()
	opts := []service.Option{service.WithMetrics(m)}
	genOpts := []codegen.Option{
		codegen.WithLength(cfg.ShortCode.Length),
		codegen.WithMaxAttempts(cfg.ShortCode.MaxAttempts),
	}

	health := []handler.Check{{Name: "database", Pinger: repo}}
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		redisCache, err := cache.NewRedisCache(ctx, cache.Options{
			Addr:     cfg.Redis.Addr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
			TTL:      cfg.Redis.TTL,
			Retries:  cfg.Redis.ConnectRetries,
		}, log)
		cancel()
		if err != nil {
			log.Fatal("failed to initialize redis cache", logger.Error(err))
		}
		defer func() { _ = redisCache.Close() }()

		redisClient = redisCache.Client()
		opts = append(opts, service.WithCache(redisCache))
		health = append(health, handler.Check{Name: "redis", Pinger: redisCache})
	}

	if cfg.BloomFilter.Enabled {
		codeFilter := filter.NewCodeFilter(cfg.BloomFilter.Capacity, cfg.BloomFilter.FalsePositiveRate)
		opts = append(opts, service.WithFilter(codeFilter))
		genOpts = append(genOpts, codegen.WithPrefilter(codeFilter))
	}

	generator := codegen.New(repo.Exists, genOpts...)
	executor := proxy.NewExecutor(
		proxy.WithTimeout(cfg.Proxy.Timeout),
		proxy.WithUserAgent(cfg.Proxy.UserAgent),
	)

	linkService := service.NewLinkService(repo, generator, log, opts...)
	resolver := service.NewResolver(repo, executor, log, opts...)

	// A filter missing existing codes would report them as not found.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = linkService.InitFilter(ctx)
	cancel()
	if err != nil {
		log.Fatal("failed to initialize bloom filter", logger.Error(err))
	}

	gin.SetMode(cfg.Server.Mode)

	routes := handler.Routes{
		Links:   handler.NewLinkHandler(linkService, cfg.Server.PublicURL(), log),
		Resolve: handler.NewResolveHandler(resolver, log),
		Metrics: m.Handler(),
		APIKey:  cfg.Admin.APIKey,
		Health:  health,
	}
	if cfg.RateLimit.Enabled {
		wireRateLimits(&routes, cfg.RateLimit, redisClient, log)
	}
	if cfg.Admin.APIKey == "" {
		log.Warn("admin API is unauthenticated, set admin.api_key or ADMIN_API_KEY")
	}

	srv := &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           handler.NewRouter(routes, log),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      executor.Timeout() + 30*time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		log.Info("server starting", logger.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("failed to start server", logger.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down server", logger.Duration("timeout", cfg.Server.ShutdownTimeout))

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", logger.Error(err))
	}

	log.Info("server exited")
}

// wireRateLimits attaches the global per-IP limit and the per-route overrides
func wireRateLimits(routes *handler.Routes, cfg config.RateLimitConfig, client *redis.Client, log logger.Logger) {
	strategy := middleware.ParseStrategy(cfg.Strategy)
	log.Info("rate limiting enabled", logger.String("strategy", string(strategy)))

	if cfg.Global.Limit > 0 {
		routes.GlobalLimit = middleware.NewRateLimiter(client, middleware.Policy{
			Strategy: strategy,
			Limit:    cfg.Global.Limit,
			Window:   time.Duration(cfg.Global.Window) * time.Second,
			KeyFunc:  middleware.IPKey,
			Skip:     middleware.SkipProbes,
		}, log).Middleware()
	}

	limiter := func(e config.EndpointRateLimit) gin.HandlerFunc {
		return middleware.NewRateLimiter(client, middleware.Policy{
			Strategy: strategy,
			Limit:    e.Limit,
			Window:   time.Duration(e.Window) * time.Second,
		}, log).Middleware()
	}
	if e, ok := cfg.Endpoint("/:short_code"); ok {
		routes.PublicLimit = limiter(e)
	}
	if e, ok := cfg.Endpoint("/api/v1/links"); ok {
		routes.AdminLimit = limiter(e)
	}
}
