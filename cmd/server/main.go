package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/npezzotti/chatrooms/internal/api"
	"github.com/npezzotti/chatrooms/internal/auth"
	"github.com/npezzotti/chatrooms/internal/config"
	"github.com/npezzotti/chatrooms/internal/database"
	"github.com/npezzotti/chatrooms/internal/logging"
	"github.com/npezzotti/chatrooms/internal/server"
	"github.com/npezzotti/chatrooms/internal/stats"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

// parseFlags layers command-line flags over the environment.
func parseFlags(env config.Env) config.Env {
	var allowedOrigins stringSliceFlag

	flag.StringVar(&env.ServerAddr, "addr", env.ServerAddr, "server address")
	flag.StringVar(&env.DatabaseDSN, "dsn", env.DatabaseDSN, "database connection string")
	flag.StringVar(&env.SigningKey, "signing-key", env.SigningKey, "base64 encoded signing key")
	flag.StringVar(&env.RefreshKey, "refresh-signing-key", env.RefreshKey, "base64 encoded refresh token signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.StringVar(&env.LogLevel, "log-level", env.LogLevel, "log level (debug, info, warn, error)")
	flag.StringVar(&env.LogFormat, "log-format", env.LogFormat, "log format (text, json)")
	flag.DurationVar(&env.TokenTTL, "token-ttl", env.TokenTTL, "lifetime of issued access tokens")
	flag.DurationVar(&env.RefreshTokenTTL, "refresh-token-ttl", env.RefreshTokenTTL, "lifetime of issued refresh tokens")
	flag.DurationVar(&env.IdleRoomTimeout, "idle-room-timeout", env.IdleRoomTimeout, "how long an idle room worker stays loaded")
	flag.IntVar(&env.MaxRoomWorkers, "max-room-workers", env.MaxRoomWorkers, "maximum number of loaded room workers")
	flag.BoolVar(&env.Migrate, "migrate", env.Migrate, "apply database migrations at startup")
	flag.Parse()

	if len(allowedOrigins) > 0 {
		env.AllowedOrigins = allowedOrigins
	}

	return env
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	env, err := config.LoadEnv()
	if err != nil {
		return fmt.Errorf("load env: %w", err)
	}

	cfg, err := config.NewConfig(parseFlags(env))
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	repo, err := database.NewPgGoChatRepository(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	if cfg.Migrate {
		if err := repo.Migrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		logger.Info("database migrations applied")
	}

	mux := http.NewServeMux()
	statsUpdater := stats.NewStatsUpdater(mux)
	gateway := database.NewGateway(repo, logger.With("component", "gateway"), database.DefaultGatewaySettings())
	clock := clockwork.NewRealClock()
	tokens := auth.NewTokenManager(cfg.SigningKey, cfg.TokenTTL, clock)
	refreshTokens := auth.NewTokenManager(cfg.RefreshKey, cfg.RefreshTokenTTL, clock)

	chatServer, err := server.NewChatServer(logger.With("component", "chat"), gateway, tokens, statsUpdater, cfg.IdleRoomTimeout)
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}
	chatServer.SetMaxRoomWorkers(cfg.MaxRoomWorkers)

	srv := api.NewGoChatApp(mux, logger.With("component", "http"), chatServer, repo, tokens, refreshTokens, cfg)

	go chatServer.Run()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	if err := chatServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("chat server shutdown: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
