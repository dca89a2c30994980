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

	"recobox/backend/internal/app"
	"recobox/backend/internal/config"
	"recobox/backend/internal/httpapi"
	"recobox/backend/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Caller: cfg.Logging.Caller})
	if err := validateSecurityConfig(cfg); err != nil {
		logging.Fatal().Err(err).Msg("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to start")
	}

	auth := httpapi.NewAuthManager(cfg.Auth.Secret, cfg.Auth.TokenTTL, a.Repo)
	api := httpapi.New(a.Service, auth, httpapi.Config{
		AllowedOrigin:   cfg.Server.AllowedOrigin,
		MaxUploadBytes:  cfg.Server.MaxUploadBytes,
		OperatorTenants: cfg.Auth.OperatorTenants,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       2 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logging.Info().Str("addr", cfg.Address()).Msg("recommendation backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("shutdown error")
	}
	if err := a.Close(); err != nil {
		logging.Error().Err(err).Msg("close error")
	}

	logging.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.Auth.Secret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.Auth.TokenTTL > 24*time.Hour {
		return fmt.Errorf("ACCESS_TOKEN_TTL must not exceed 24h")
	}
	return nil
}
