package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/coin-market-proxy/internal/config"
	"github.com/Sternrassler/coin-market-proxy/internal/server"
	"github.com/Sternrassler/coin-market-proxy/pkg/cache"
	"github.com/Sternrassler/coin-market-proxy/pkg/client"
	"github.com/Sternrassler/coin-market-proxy/pkg/coins"
	"github.com/Sternrassler/coin-market-proxy/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logging.Setup(cfg.Logging())
	logger := logging.NewLogger("coin-proxy")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}
}

// app is the wired proxy.
type app struct {
	handler http.Handler
	close   func() error
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	store, pinger, closeStore, err := newStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	upstream, err := client.New(cfg.Client())
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create coingecko client: %w", err)
	}

	svc, err := coins.NewService(upstream, store, cfg.Service())
	if err != nil {
		closeStore()
		return nil, fmt.Errorf("create service: %w", err)
	}

	handler := server.NewRouter(server.Deps{
		Service:    svc,
		Cache:      pinger,
		RateLimits: upstream,
		Logger:     logger,
	})

	return &app{handler: handler, close: closeStore}, nil
}

// newStore selects the cache backend: Redis when REDIS_URL is set, the
// in-process store otherwise. The returned Pinger is nil for the latter.
func newStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (cache.Store, server.Pinger, func() error, error) {
	if cfg.RedisURL == "" {
		mem := cache.NewMemory(cfg.Memory())
		logger.Info().
			Dur("ttl", cfg.CacheTTL).
			Dur("sweep_interval", cfg.CacheSweepInterval).
			Msg("Using in-memory cache")
		return mem, nil, mem.Close, nil
	}

	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	redisClient := redis.NewClient(opt)

	manager := cache.NewManager(redisClient, cfg.CacheTTL)
	if err := manager.Ping(ctx); err != nil {
		redisClient.Close()
		return nil, nil, nil, fmt.Errorf("connect to redis: %w", err)
	}

	logger.Info().Str("addr", opt.Addr).Dur("ttl", cfg.CacheTTL).Msg("Using Redis cache")
	return manager, manager, redisClient.Close, nil
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", srv.Addr).
			Str("upstream", cfg.APIURL).
			Bool("collapse_misses", cfg.CollapseMisses).
			Msg("Starting coin market proxy")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
