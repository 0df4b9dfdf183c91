// Package bootstrap wires the service graph: storage, registry
// resolvers, the container cache, the update detector, the intent
// engine, notifications, and the batch scheduler.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chis/portsmith/internal/apperr"
	"github.com/chis/portsmith/internal/batch"
	"github.com/chis/portsmith/internal/cache"
	"github.com/chis/portsmith/internal/config"
	"github.com/chis/portsmith/internal/detector"
	"github.com/chis/portsmith/internal/intent"
	"github.com/chis/portsmith/internal/logging"
	"github.com/chis/portsmith/internal/notify"
	"github.com/chis/portsmith/internal/portainer"
	"github.com/chis/portsmith/internal/registry"
	"github.com/chis/portsmith/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Services holds the initialized service graph.
type Services struct {
	Store      storage.Store
	Registry   *registry.Manager
	Bus        *notify.Bus
	Dispatcher *notify.Dispatcher
	Cache      *cache.Cache
	Detector   *detector.Detector
	Engine     *intent.Engine
	Upgrader   intent.Upgrader
	Scheduler  *batch.Scheduler
}

// Init builds the full service graph. The returned cleanup closes the
// store and must be deferred by the caller.
func Init(cfg *config.Config, log zerolog.Logger) (*Services, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	store, err := storage.NewSQLiteStore(cfg.DatabasePath(), logging.Component("storage"))
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing store")
		}
	}

	bus := notify.NewBus()
	reg := registry.NewManager(logging.Component("registry"))

	scanners := func(inst *storage.PortainerInstance) cache.ContainerScanner {
		return portainer.NewScanner(portainer.NewClient(inst), logging.Component("scanner"))
	}

	upgrader := intent.NewPortainerUpgrader(logging.Component("upgrader"))
	svc := &Services{
		Store:      store,
		Registry:   reg,
		Bus:        bus,
		Dispatcher: notify.NewDispatcher(store, bus, logging.Component("notify")),
		Cache:      cache.New(store, scanners, cfg.CacheTTL, logging.Component("cache")),
		Detector:   detector.New(store, reg, bus, cfg.CheckWorkers, logging.Component("detector")),
		Engine:     intent.NewEngine(store, upgrader, bus, logging.Component("intent")),
		Upgrader:   upgrader,
		Scheduler:  batch.NewScheduler(store, logging.Component("batch")),
	}

	batch.RegisterDefaults(svc.Scheduler, batch.HandlerDeps{
		Store:    store,
		Cache:    svc.Cache,
		Detector: svc.Detector,
		Engine:   svc.Engine,
		Log:      logging.Component("batch"),
	})

	return svc, cleanup, nil
}

// sessionLifetime is how long a bootstrap session stays valid.
const sessionLifetime = 365 * 24 * time.Hour

// EnsureAdminSession makes sure the seeded admin user has a usable
// session token. BOOTSTRAP_SESSION_TOKEN pins it; otherwise a token is
// generated and logged once so single-user deployments can log in.
func EnsureAdminSession(ctx context.Context, store storage.Store, log zerolog.Logger) (string, error) {
	token := os.Getenv("BOOTSTRAP_SESSION_TOKEN")
	generated := false
	if token == "" {
		token = uuid.NewString()
		generated = true
	}

	if _, err := store.GetSession(ctx, token); err == nil {
		return token, nil
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return "", err
	}

	now := time.Now().UTC()
	err := store.CreateSession(ctx, &storage.Session{
		Token:     token,
		UserID:    1,
		CreatedAt: now,
		ExpiresAt: now.Add(sessionLifetime),
	})
	if err != nil {
		return "", err
	}

	if generated {
		log.Info().Str("token", token).Msg("generated admin session token")
	}
	return token, nil
}
