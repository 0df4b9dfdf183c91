// Command portsmith runs the update detection and auto-upgrade server.
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

	"github.com/chis/portsmith/internal/api"
	"github.com/chis/portsmith/internal/bootstrap"
	"github.com/chis/portsmith/internal/config"
	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/storage"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "portsmith: %v\n", err)
		os.Exit(1)
	}
	log := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("fatal")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log zerolog.Logger) error {
	svc, cleanup, err := bootstrap.Init(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := bootstrap.EnsureAdminSession(ctx, svc.Store, log); err != nil {
		return fmt.Errorf("bootstrap admin session: %w", err)
	}

	go svc.Dispatcher.Run(ctx)
	go sessionCleanupLoop(ctx, svc.Store, log)
	svc.Scheduler.Start(ctx)

	server := api.NewServer(api.Config{
		Port:      cfg.Port,
		Store:     svc.Store,
		Cache:     svc.Cache,
		Scheduler: svc.Scheduler,
		Upgrader:  svc.Upgrader,
		Log:       logging.Component("api"),
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	// Stop scheduling first so no new batch runs start, then drain the
	// HTTP server. In-flight batch runs finish inside Scheduler.Stop.
	cancel()
	svc.Scheduler.Stop()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	return server.Shutdown(shutdownCtx)
}

// sessionCleanupLoop sweeps expired sessions and OAuth states hourly.
func sessionCleanupLoop(ctx context.Context, store storage.Store, log zerolog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := store.DeleteExpiredSessions(ctx); err != nil {
				log.Warn().Err(err).Msg("session cleanup failed")
			} else if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired sessions removed")
			}
		}
	}
}
