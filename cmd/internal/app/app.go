// Package app wires the Courier server runtime: config, logging, storage, HTTP routes
// and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"courier/cmd/identity"
	"courier/cmd/internal/auth"
	"courier/cmd/internal/chatapi"
	"courier/cmd/internal/messaging"
	"courier/cmd/internal/realtime"
	"courier/cmd/internal/telemetry"
)

// App is the Courier server runtime: it owns the stores, the session manager and HTTP wiring.
type App struct {
	cfg Config
	log Logger

	store storage

	metrics  *telemetry.Metrics
	sessions *realtime.SessionManager
	ws       *realtime.WSGateway
	chat     *chatapi.Handler
}

// storage is the selected persistence backend and its lifecycle hooks.
type storage struct {
	kind     string
	messages messaging.Store
	profiles identity.Directory
	durable  bool
	ping     func(ctx context.Context) error
	close    func()
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	authCfg, err := auth.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	verifier, err := auth.NewVerifier(authCfg)
	if err != nil {
		return nil, err
	}

	st, err := newStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	svc, err := messaging.NewService(st.messages, st.profiles, messaging.WithLogger(log))
	if err != nil {
		st.close()
		return nil, err
	}

	var metrics *telemetry.Metrics
	if cfg.MetricsEnabled {
		metrics = telemetry.New()
	}

	sessions := realtime.NewSessionManager(log, svc, realtime.NewPresence(), metrics)

	chat, err := chatapi.NewHandler(log, svc, verifier)
	if err != nil {
		st.close()
		return nil, err
	}

	log.Info("auth.configured", "mode", string(authCfg.Mode))

	return &App{
		cfg:      cfg,
		log:      log,
		store:    st,
		metrics:  metrics,
		sessions: sessions,
		ws:       realtime.NewWSGateway(log, sessions, verifier, metrics),
		chat:     chat,
	}, nil
}

// Handler returns the fully wrapped HTTP handler.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, httpDeps{
		log:     a.log,
		cfg:     a.cfg,
		durable: a.store.durable,
		ping:    a.store.ping,
		metrics: a.metrics,
		ws:      a.ws,
		chat:    a.chat,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
// On shutdown it stops accepting requests, closes live sessions, then releases the store.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"http_url", base,
		"ws_url", wsBaseURL(base)+"/ws",
		"store", a.store.kind,
		"metrics", a.metrics != nil,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
		}

		// Upgraded connections are not tracked by Shutdown.
		a.sessions.CloseAll()
		a.waitSessionsDrained(shutdownCtx)

		a.store.close()
		return err
	})

	if err := g.Wait(); err != nil {
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

func (a *App) waitSessionsDrained(ctx context.Context) {
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()

	for a.sessions.Connections() > 0 {
		select {
		case <-ctx.Done():
			a.log.Warn("sessions.drain.timeout", "remaining", a.sessions.Connections())
			return
		case <-t.C:
		}
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStorage selects Postgres, SQLite or the in-memory dev store.
func newStorage(ctx context.Context, cfg Config, log Logger) (storage, error) {
	switch {
	case cfg.DatabaseURL != "":
		return newPostgresStorage(ctx, cfg, log)

	case cfg.SQLitePath != "":
		st, err := messaging.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return storage{}, err
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return storage{
			kind:     "sqlite",
			messages: st,
			profiles: identity.NewMemoryDirectory(),
			durable:  true,
			ping:     st.Ping,
			close: func() {
				if err := st.Close(); err != nil {
					log.Error("store.close.fail", "err", err)
				}
			},
		}, nil

	default:
		log.Info("db.disabled.inmemory_store")
		st := messaging.NewMemoryStore()
		return storage{
			kind:     "memory",
			messages: st,
			profiles: identity.NewMemoryDirectory(),
			close:    func() { _ = st.Close() },
		}, nil
	}
}

func newPostgresStorage(ctx context.Context, cfg Config, log Logger) (storage, error) {
	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return storage{}, err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	msgs, err := messaging.NewPostgresStore(pool, messaging.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return storage{}, err
	}
	if cfg.DBAutoMigrate {
		if err := msgs.EnsureSchema(ctx); err != nil {
			pool.Close()
			return storage{}, err
		}
		log.Info("db.migrate.ok", "schema", cfg.DBSchema)
	}

	profiles, err := identity.NewPostgresDirectory(pool, identity.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return storage{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	return storage{
		kind:     "postgres",
		messages: msgs,
		profiles: profiles,
		durable:  true,
		ping: func(ctx context.Context) error {
			return PingDB(ctx, pool, 2*time.Second)
		},
		close: func() {
			_ = msgs.Close()
			pool.Close()
		},
	}, nil
}
