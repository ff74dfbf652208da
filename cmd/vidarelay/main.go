package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"vidarelay/cache"
	"vidarelay/config"
	"vidarelay/observability/logging"
	"vidarelay/ratelimit"
	"vidarelay/relay"
	"vidarelay/server"
	"vidarelay/strategies"
	"vidarelay/users"
	"vidarelay/webhooks"
)

func main() {
	env, err := config.FromEnv()
	if err != nil {
		slog.Error("config error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logging.Setup("vidarelay", env.LogEnvironment)

	store, err := config.NewStore(env.SettingsPath, log)
	if err != nil {
		log.Error("settings error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	db, err := gorm.Open(postgres.Open(env.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Error("database connection error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := users.AutoMigrate(db); err != nil {
		log.Error("users migration error", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := strategies.AutoMigrate(db); err != nil {
		log.Error("events migration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cacheClient cache.Client
	if env.RedisURL != "" {
		redisCache, err := cache.NewRedis(ctx, env.RedisURL)
		if err != nil {
			log.Error("redis connection error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisCache.Close()
		cacheClient = redisCache
	} else {
		log.Warn("REDIS_URL not set; using in-process cache")
		cacheClient = cache.NewMemory()
	}

	hooks := webhooks.NewClient(store.Current, webhooks.WithTimeout(env.WebhookTimeout))
	repo := users.NewRepository(db, cacheClient, hooks, store.Current, logging.Component(log, "users"))
	dispatcher := webhooks.NewDispatcher(hooks, logging.Component(log, "webhooks"))
	defer dispatcher.Close()

	eventStore := strategies.NewStore(db)
	pipeline := relay.NewPipeline(relay.PipelineConfig{
		Settings:  store.Current,
		Limiter:   ratelimit.NewLimiter(),
		Users:     repo,
		Checker:   hooks,
		Callbacks: dispatcher,
		Factory:   strategies.NewFactory(eventStore, logging.Component(log, "strategies")),
		Log:       logging.Component(log, "relay"),
	})

	go func() {
		if err := store.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("settings watcher stopped", slog.String("error", err.Error()))
		}
	}()
	go server.RunExpirySweep(ctx, eventStore, time.Minute, log)

	relayServer := server.New(pipeline, store.Current, logging.Component(log, "server"))
	admin := server.NewAdmin(env.RelayAPIKey, repo, logging.Component(log, "admin"))

	wsHTTP := &http.Server{Addr: env.ListenAddress, Handler: relayServer.Handler()}
	adminHTTP := &http.Server{Addr: env.AdminAddress, Handler: admin.Handler()}

	errCh := make(chan error, 2)
	go func() { errCh <- wsHTTP.ListenAndServe() }()
	go func() { errCh <- adminHTTP.ListenAndServe() }()
	log.Info("relay listening",
		slog.String("ws", env.ListenAddress),
		slog.String("admin", env.AdminAddress))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), env.ShutdownTimeout)
	defer cancel()
	_ = wsHTTP.Shutdown(shutdownCtx)
	_ = adminHTTP.Shutdown(shutdownCtx)
	log.Info("relay stopped")
}
