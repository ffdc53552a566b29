package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/Siddid-Soni/rust-websocket/internal/auth"
	"github.com/Siddid-Soni/rust-websocket/internal/bus"
	"github.com/Siddid-Soni/rust-websocket/internal/config"
	"github.com/Siddid-Soni/rust-websocket/internal/market"
	"github.com/Siddid-Soni/rust-websocket/internal/metrics"
	"github.com/Siddid-Soni/rust-websocket/internal/server"
	"github.com/Siddid-Soni/rust-websocket/internal/trading"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := config.NewLogger(cfg.LogLevel, cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	log.Info().
		Str("ws_address", cfg.BindAddress).
		Str("api_address", cfg.APIBindAddress).
		Str("data_dir", cfg.DataDir).
		Str("data_file", cfg.DataFile).
		Msg("starting server")

	m := metrics.New()

	authority := auth.NewTokenAuthority(cfg.JWTSecret)
	registry := auth.NewRegistry(authority, log)

	tickBus := bus.NewBus(log)
	loader := market.NewLoader(log)
	controller := market.NewController(tickBus, loader, cfg.DataDir, cfg.DataFile, m, log)

	adminEvents := trading.NewEventBus()
	orders := trading.NewStore(adminEvents, log)

	wsServer := server.NewWSServer(registry, tickBus, adminEvents, m, log)
	apiServer := server.NewAPIServer(authority, registry, orders, controller, tickBus, m, cfg.AdminUsers, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go m.Collect(ctx, log)
	go sweepLoop(ctx, registry, m, log)

	wsHTTP := &http.Server{
		Addr:    cfg.BindAddress,
		Handler: wsServer.Handler(),
	}
	apiHTTP := &http.Server{
		Addr:         cfg.APIBindAddress,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Str("address", cfg.BindAddress).Msg("websocket server listening")
		errCh <- wsHTTP.ListenAndServe()
	}()
	go func() {
		log.Info().Str("address", cfg.APIBindAddress).Msg("api server listening")
		errCh <- apiHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		log.Error().Err(err).Msg("server failed")
	}

	cancel()
	controller.Stop()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer drainCancel()
	if err := apiHTTP.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("api shutdown")
	}
	if err := wsHTTP.Shutdown(drainCtx); err != nil {
		log.Warn().Err(err).Msg("websocket shutdown")
	}

	log.Info().Msg("server stopped")
}

// sweepLoop reclaims sessions whose connections died without releasing.
func sweepLoop(ctx context.Context, registry *auth.Registry, m *metrics.Metrics, log zerolog.Logger) {
	ticker := time.NewTicker(auth.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := registry.SweepStale(); removed > 0 {
				log.Info().Int("removed", removed).Msg("swept stale sessions")
			}
			m.SessionsActive.Set(float64(registry.Count()))
		}
	}
}
