package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-bazaar/backend/internal/auth"
	"github.com/zhouzirui/z-bazaar/backend/internal/config"
	"github.com/zhouzirui/z-bazaar/backend/internal/handler"
	"github.com/zhouzirui/z-bazaar/backend/internal/logger"
	"github.com/zhouzirui/z-bazaar/backend/internal/service/relay"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(cfg)
	zlog.Logger = log
	if envErr != nil {
		log.Debug().Err(envErr).Msg("no .env file, continuing with system environment variables only")
	}

	verifier := auth.NewVerifier(cfg.Auth.JWTSecret)
	if verifier.DevMode() {
		log.Warn().Msg("AUTH_JWT_SECRET not set, bearer tokens are taken as viewer ids")
	}

	store := relay.NewStore(relay.NewDirectory(relay.Seed()))
	hub := relay.NewHub(store, log)
	router := handler.NewRouter(store, hub, verifier, log)

	startServer(ctx, cfg.Server, router, log)
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, log zerolog.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("z-bazaar relay listening")
	if err := runServer(ctx, srv); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
