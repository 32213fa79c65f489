package app

import (
	"context"
	"errors"
	"fmt"
	stdhttp "net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/vovakirdan/wirebridge/internal/activity"
	"github.com/vovakirdan/wirebridge/internal/bridge"
	"github.com/vovakirdan/wirebridge/internal/config"
	"github.com/vovakirdan/wirebridge/internal/core"
	"github.com/vovakirdan/wirebridge/internal/local/matrix"
	"github.com/vovakirdan/wirebridge/internal/membership"
	"github.com/vovakirdan/wirebridge/internal/pool"
	"github.com/vovakirdan/wirebridge/internal/remote/wsirc"
	"github.com/vovakirdan/wirebridge/internal/store"
	"github.com/vovakirdan/wirebridge/internal/store/postgres"
	"github.com/vovakirdan/wirebridge/internal/store/sqlite"
	"github.com/vovakirdan/wirebridge/internal/store/sqlstore"
	transporthttp "github.com/vovakirdan/wirebridge/internal/transport/http"
	"github.com/vovakirdan/wirebridge/internal/visibility"
)

// App wires together the engine, adapters and transport layers.
type App struct {
	server          *stdhttp.Server
	shutdownTimeout time.Duration
	store           store.Store
	pool            *pool.Pool
	queue           *membership.Queue
	bridge          *bridge.Bridge
	cancel          context.CancelFunc
	log             *zerolog.Logger
}

// New constructs the application with provided configuration.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	st, err := openStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	logger.Info().Str("driver", cfg.Database.Driver).Msg("database initialized")

	intent, err := matrix.New(matrix.Config{
		HomeserverURL: cfg.Local.HomeserverURL,
		Token:         cfg.Local.AppserviceToken,
		BotUserID:     cfg.Local.BotUserID,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("init local intent: %w", err)
	}

	// engine tasks outlive the run context so shutdown can drain them
	engineCtx, cancel := context.WithCancel(context.Background())

	mq := cfg.MembershipQueue
	queue, err := membership.NewQueue(engineCtx, intent, membership.QueueOptions{
		Concurrency:   mq.Concurrency,
		BaseDelay:     mq.BaseDelay,
		MaxDelay:      mq.MaxDelay,
		Jitter:        mq.Jitter,
		MaxAttempts:   mq.MaxAttempts,
		RoomCacheSize: mq.RoomCacheSize,
		Logger:        logger,
	})
	if err != nil {
		cancel()
		st.Close()
		return nil, fmt.Errorf("init membership queue: %w", err)
	}

	p := pool.New(engineCtx, pool.Options{
		Dialer:  &wsirc.Dialer{Logger: logger},
		Ejector: bridge.NewEjector(st, queue, cfg.Local.BotUserID, logger),
		Logger:  logger,
	})
	for _, n := range cfg.Networks {
		if err := p.AddNetwork(n.Network()); err != nil {
			p.Close()
			queue.Close()
			cancel()
			st.Close()
			return nil, fmt.Errorf("add network %s: %w", n.Domain, err)
		}
	}

	resolver := visibility.New(st, intent, logger)
	b := bridge.New(bridge.Options{
		Pool:     p,
		Store:    st,
		Members:  intent,
		Queue:    queue,
		Resolver: resolver,
		Activity: activity.NewTracker(cfg.Sync.IdleAfter, nil),
		Namer: core.Namer{
			Prefix: cfg.Local.GhostPrefix,
			Domain: cfg.Local.Domain,
		},
		BotUserID:   cfg.Local.BotUserID,
		JoinTimeout: cfg.Sync.JoinTimeout,
		LeaveTTL:    mq.LeaveTTL,
		Logger:      logger,
	})

	server := transporthttp.NewServer(engineCtx, transporthttp.Deps{
		Sessions:   p,
		Control:    b,
		Visibility: resolver,
		Backlog:    queue,
	}, cfg.Debug, logger)

	return &App{
		server:          server,
		shutdownTimeout: cfg.ShutdownTimeout,
		store:           st,
		pool:            p,
		queue:           queue,
		bridge:          b,
		cancel:          cancel,
		log:             logger,
	}, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	var (
		st  *sqlstore.Store
		err error
	)
	switch cfg.Driver {
	case "sqlite3":
		st, err = sqlite.New(ctx, cfg.DSN)
	case "postgres":
		st, err = postgres.New(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Run starts the bridge and the debug server and blocks until context
// cancellation or fatal error.
func (a *App) Run(ctx context.Context) error {
	serverErr := make(chan error, 1)

	go func() {
		if err := a.bridge.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Error().Err(err).Msg("bridge start failed")
		}
	}()

	go func() {
		a.log.Info().Str("addr", a.server.Addr).Msg("debug server listening")
		if err := a.server.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	select {
	case err := <-serverErr:
		a.cleanup()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()

		a.log.Info().Msg("shutting down http server")
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.cleanup()
			return err
		}

		a.cleanup()
		return <-serverErr
	}
}

// cleanup disconnects sessions, stops the queues and closes the store.
func (a *App) cleanup() {
	a.pool.Close()
	a.queue.Close()
	a.cancel()
	a.log.Info().Msg("engine stopped")

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close store")
		} else {
			a.log.Info().Msg("store closed")
		}
	}
}
