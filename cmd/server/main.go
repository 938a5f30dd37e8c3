package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/config"
	"github.com/croshq/meetpoint/internal/coordinator"
	"github.com/croshq/meetpoint/internal/engine/local"
	"github.com/croshq/meetpoint/internal/fanout"
	"github.com/croshq/meetpoint/internal/history"
	"github.com/croshq/meetpoint/internal/registry"
	"github.com/croshq/meetpoint/internal/signalws"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if cfg.Mode == "debug" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	store, bus := buildBackend(ctx, cfg)
	defer store.Close()
	defer bus.Close()

	eng := local.New()
	defer eng.Close()
	coordinator.WatchEngine(ctx, eng, func(err error) {
		log.Fatal().Err(err).Msg("media engine worker died")
	})

	ctl := &signalws.Controller{
		Hub: signalws.NewHub(),
		Deps: coordinator.Deps{
			Router:    eng.Router(),
			Registry:  store,
			History:   history.NewMemStore(),
			Bus:       bus,
			Directory: coordinator.NewProducerDirectory(),
		},
		Limiter:    signalws.NewJoinRateLimiter(cfg.JoinLimit, cfg.JoinInterval),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	if err := ctl.RunRelay(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start event relay")
	}

	router := signalws.SetupRouter(ctx, signalws.RouterConfig{Mode: cfg.Mode, Secret: cfg.Secret}, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	go func() {
		log.Info().Str("addr", addr).Str("store", cfg.Store).Msg("meetpoint server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	ctl.Hub.CloseAll()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}

// buildBackend selects redis-backed roster and fanout when configured, with
// the in-memory pair as the single-process fallback.
func buildBackend(ctx context.Context, cfg *config.Config) (registry.Store, fanout.Bus) {
	if cfg.Store != "redis" {
		log.Info().Str("module", "main").Msg("using in-memory roster and local fanout")
		return registry.NewMemStore(), fanout.NewLocalBus()
	}
	opt := &redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	store, err := registry.NewRedisStore(ctx, opt)
	if err != nil {
		log.Fatal().Err(err).Msg("redis roster unavailable")
	}
	bus, err := fanout.NewRedisBus(ctx, opt)
	if err != nil {
		log.Fatal().Err(err).Msg("redis fanout unavailable")
	}
	log.Info().Str("module", "main").Str("addr", cfg.Redis.Addr).Msg("using redis roster and fanout")
	return store, bus
}
