package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"csec-tutor-engine/internal/cache"
	"csec-tutor-engine/internal/config"
	"csec-tutor-engine/internal/content"
	"csec-tutor-engine/internal/defense"
	"csec-tutor-engine/internal/handlers"
	"csec-tutor-engine/internal/httpserver"
	"csec-tutor-engine/internal/llm"
	"csec-tutor-engine/internal/metrics"
	"csec-tutor-engine/internal/ratelimit"
	"csec-tutor-engine/internal/store"
	"csec-tutor-engine/internal/study"
	"csec-tutor-engine/internal/tier"
	"csec-tutor-engine/pkg/logging/logging"
)

func serve(ctx context.Context, cfg *config.Config) error {
	// ----- Logger -----
	logger, err := logging.New(logging.Options{Env: cfg.Log.Env, Level: cfg.Log.Level, Service: "tutorengine"})
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	logging.SetDefault(logger)

	// ----- Metrics -----
	metrics.Register()

	logger.Info("loaded config",
		zap.String("addr", cfg.Server.Addr),
		zap.String("tiers", cfg.Tiers.String()),
		zap.String("prompt_version", cfg.Content.PromptVersion),
		zap.String("cache_backend", cfg.Cache.Backend),
		zap.String("rate_backend", cfg.RateLimit.Backend),
		zap.String("storage_primary", cfg.Storage.Primary),
		zap.String("storage_fallback", cfg.Storage.Fallback),
		zap.String("llm_base_url", cfg.LLM.BaseURL),
		zap.String("llm_flavor", cfg.LLM.Flavor),
	)

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, redisClient)

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established", zap.String("addr", cfg.Redis.Addr))
	}

	// ----- Storage -----
	primary, fallback, err := openBackends(ctx, cfg.Storage, logger, &closers)
	if err != nil {
		return err
	}
	dual := store.NewDual(primary, fallback, logger)

	// ----- Entry cache -----
	hot, err := cache.NewEntryCache(cache.Config{
		Backend:      cfg.Cache.Backend,
		TTL:          cfg.Cache.TTL,
		Prefix:       cfg.Cache.Prefix,
		MaxCostBytes: cfg.Cache.MaxCostBytes,
	}, redisClient)
	if err != nil {
		return err
	}
	if c, ok := hot.(io.Closer); ok {
		closers = append(closers, c)
	}
	hot = cache.NewLoggingEntryCache(hot)

	// ----- LLM client -----
	llmClient, err := llm.New(llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Flavor:          cfg.LLM.Flavor,
		UpstreamTimeout: cfg.LLM.Timeout,
	}, logger)
	if err != nil {
		return err
	}
	if c, ok := llmClient.(io.Closer); ok {
		closers = append(closers, c)
	}

	tiers := tier.NewResolver(cfg.Tiers, logger)
	if err := checkTiers(tiers, cfg, logger); err != nil {
		return err
	}

	// ----- Content resolver -----
	resolver := content.NewResolver(contentConfig(cfg), dual, tiers, content.LLMGenerator{
		Client: llmClient,
		Params: llm.Params{Temperature: cfg.Content.Temperature, MaxTokens: cfg.Content.MaxTokens},
	}, hot)

	// ----- Chat defense pipeline -----
	limiter, stopCleanup := newLimiter(cfg.RateLimit, redisClient, cfg.Cache.Prefix)
	defer stopCleanup()

	sanitizer, err := defense.NewSanitizer(defense.SanitizerConfig{
		MaxChars:      cfg.Chat.MaxChars,
		MinChars:      cfg.Chat.MinChars,
		ExtraPatterns: cfg.Chat.ExtraPatterns,
	})
	if err != nil {
		return fmt.Errorf("sanitizer: %w", err)
	}
	filter, err := defense.NewOutputFilter(cfg.Chat.Redirect, nil)
	if err != nil {
		return fmt.Errorf("output filter: %w", err)
	}
	pipeline := defense.NewPipeline(defense.Config{
		Tier:         cfg.Chat.Tier,
		HistoryTurns: cfg.Chat.HistoryTurns,
		TurnMaxChars: cfg.Chat.TurnMaxChars,
		SystemPrompt: cfg.Chat.SystemPrompt,
		Params:       llm.Params{MaxTokens: cfg.Chat.MaxTokens},
	}, limiter, sanitizer, filter, tiers, llmClient)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, httpserver.Handlers{
		Content: handlers.NewContentHandler(resolver),
		Chat:    handlers.NewChatHandler(pipeline),
		Study:   handlers.NewStudyHandler(study.NewService(dual)),
	}, httpserver.Options{
		RequestTimeout: cfg.Server.RequestTimeout,
		MaxBodyBytes:   cfg.Server.MaxBodyBytes,
	})

	// ----- HTTP server -----
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Server.RequestTimeout + 5*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting tutorengine", zap.String("addr", srv.Addr))

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return err
		}
		return nil
	case <-stop:
		logger.Info("shutdown signal received")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// openBackends builds the primary and fallback stores. Anything that needs
// closing is appended to closers.
func openBackends(ctx context.Context, cfg config.Storage, logger *zap.Logger, closers *[]io.Closer) (store.Backend, store.Backend, error) {
	var primary store.Backend
	switch cfg.Primary {
	case "postgres":
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, cfg.PostgresDSN); err != nil {
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		pool, err := store.NewPool(ctx, store.PostgresConfig{
			DSN:             cfg.PostgresDSN,
			MaxConns:        cfg.MaxConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		*closers = append(*closers, closerFunc(func() error { pool.Close(); return nil }))
		primary = store.NewPostgresBackend(pool)
	default:
		logger.Warn("primary storage is in-memory; data is lost on restart")
		primary = store.NewMemoryBackend()
	}

	var fallback store.Backend
	switch cfg.Fallback {
	case "sqlite":
		b, err := store.NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		*closers = append(*closers, b)
		fallback = b
	case "badger":
		b, err := store.NewBadgerBackend(cfg.BadgerDir)
		if err != nil {
			return nil, nil, fmt.Errorf("badger: %w", err)
		}
		*closers = append(*closers, b)
		fallback = b
	default:
		fallback = store.NewMemoryBackend()
	}
	return primary, fallback, nil
}

// newLimiter returns the chat limiter and a func that stops its background
// cleanup (a no-op for Redis, where keys expire on their own).
func newLimiter(cfg config.RateLimit, redisClient *redis.Client, prefix string) (*ratelimit.Limiter, func()) {
	rl := ratelimit.Config{Ceiling: cfg.Ceiling, Window: cfg.Window}
	if cfg.Backend == "redis" {
		return ratelimit.New(rl, ratelimit.NewRedisStore(redisClient, prefix+":rl")), func() {}
	}
	mem := ratelimit.NewMemoryStore()
	stop := func() {}
	if cfg.CleanupInterval > 0 {
		stop = mem.StartCleanup(cfg.CleanupInterval, cfg.Window)
	}
	return ratelimit.New(rl, mem), stop
}

// checkTiers fails fast when a tier that serves traffic has no usable
// candidates once blank model names are dropped.
func checkTiers(tiers *tier.Resolver, cfg *config.Config, logger *zap.Logger) error {
	used := map[string]bool{cfg.Chat.Tier: true}
	for _, name := range cfg.KindTiers {
		used[name] = true
	}
	for name := range used {
		models, ok := tiers.Candidates(name)
		if !ok || len(models) == 0 {
			return fmt.Errorf("tier %q has no usable models", name)
		}
		logger.Info("tier configured", zap.String("tier", name), zap.Strings("models", models))
	}
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// contentConfig maps the content section onto the resolver. Entry TTL is
// per entry; cache.ttl is only the backend default.
func contentConfig(cfg *config.Config) content.Config {
	kindTiers := make(map[content.Kind]string, len(cfg.KindTiers))
	for k, v := range cfg.KindTiers {
		kindTiers[content.Kind(k)] = v
	}
	return content.Config{
		PromptVersion: cfg.Content.PromptVersion,
		KindTiers:     kindTiers,
		EntryTTL:      cfg.Content.EntryTTL,
		DedupeMisses:  cfg.Content.DedupeMisses,
	}
}
