package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rendis/tokaysec/internal/api"
	"github.com/rendis/tokaysec/internal/audit"
	"github.com/rendis/tokaysec/internal/authz"
	"github.com/rendis/tokaysec/internal/catalog"
	"github.com/rendis/tokaysec/internal/keys"
	"github.com/rendis/tokaysec/internal/retention"
	"github.com/rendis/tokaysec/internal/secrets"
	"github.com/rendis/tokaysec/internal/service"
	"github.com/rendis/tokaysec/internal/store"
	"github.com/rendis/tokaysec/internal/streaming"
)

// app holds the wired components of a running instance.
type app struct {
	cfg    *Config
	logger *slog.Logger

	store     *store.SQLStore
	keys      *keys.Manager
	engine    *secrets.Engine
	recorder  *audit.Recorder
	svc       *service.Service
	scheduler *retention.Scheduler
}

// newApp opens storage, applies migrations, builds the key provider and the
// service, and runs the one-time bootstrap.
func newApp(ctx context.Context, cfg *Config, logger *slog.Logger) (*app, error) {
	s, err := store.Open(cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: s}
	if err := a.build(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger

	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	provider, err := newProvider(ctx, cfg, a.store, logger)
	if err != nil {
		return err
	}
	a.keys, err = keys.NewManager(keys.ManagerConfig{
		Provider: provider,
		Store:    a.store,
		Policy:   keys.ScopePolicy(cfg.Keys.ScopePolicy),
		CacheTTL: cfg.Keys.CacheTTL,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gate, err := authz.NewGate(authz.Config{Store: a.store, CacheTTL: cfg.Authz.CacheTTL, Logger: logger})
	if err != nil {
		return err
	}

	a.engine = secrets.New(secrets.Config{Store: a.store, Keys: a.keys, Logger: logger})
	a.recorder = audit.NewRecorder(a.store, streaming.NewMemoryHub(), logger)
	a.svc, err = service.New(service.Config{
		Catalog:  catalog.New(a.store, logger),
		Engine:   a.engine,
		Keys:     a.keys,
		Gate:     gate,
		Audit:    a.recorder,
		Settings: a.store,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	_, err = a.svc.Bootstrap(ctx, service.BootstrapConfig{
		Admin:            cfg.Bootstrap.Admin,
		DefaultNamespace: cfg.Bootstrap.DefaultNamespace,
		DefaultProject:   cfg.Bootstrap.DefaultProject,
	})
	return err
}

// newProvider builds the KEK provider named by keys.provider.
func newProvider(ctx context.Context, cfg *Config, s keys.Store, logger *slog.Logger) (keys.KEKProvider, error) {
	switch cfg.Keys.Provider {
	case "local":
		key, err := keys.ParseMasterKey(cfg.Keys.MasterKey)
		if err != nil {
			return nil, err
		}
		return keys.NewLocalProvider(key)
	case "passphrase":
		return keys.NewPassphraseProvider(cfg.Keys.Passphrase, []byte(cfg.Keys.Salt))
	case "keyring":
		return keys.NewKeyringProvider(cfg.Keys.KeyringUser, true)
	case "remote":
		if local, _ := isLocalURL(cfg.Keys.RemoteURL); local {
			logger.Warn("KMS is co-located with tokaysec; only do this in a tightly secured environment or for testing",
				slog.String("remote_url", cfg.Keys.RemoteURL))
		}
		p, err := keys.NewRemoteProvider(keys.RemoteConfig{
			BaseURL: cfg.Keys.RemoteURL,
			KEKID:   cfg.Keys.RemoteKEKID,
			Timeout: cfg.Keys.RemoteTimeout,
		})
		if err != nil {
			return nil, err
		}
		created, err := keys.EnsureKEK(ctx, p, s)
		if err != nil {
			return nil, fmt.Errorf("keys.remote_kek_id: %w", err)
		}
		if created {
			logger.Warn("initialized a new KEK on the remote KMS; set keys.remote_kek_id to keep using it",
				slog.String("kek_id", p.KEKID()))
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown key provider %q", cfg.Keys.Provider)
}

// startRetention registers the purge and rewrap jobs and starts the scheduler.
func (a *app) startRetention(ctx context.Context) error {
	if !a.cfg.Retention.Enabled {
		a.logger.Info("retention jobs disabled")
		return nil
	}

	purger, err := retention.NewPurger(a.store, a.engine, a.recorder, a.cfg.retentionPolicy(), a.logger)
	if err != nil {
		return err
	}
	rewrapper := retention.NewRewrapper(a.store, a.engine, a.keys, a.logger)

	sched := retention.NewScheduler(a.store, 0, a.logger)
	if err := sched.Add(ctx, "purge", a.cfg.Retention.Schedule, purger.Run); err != nil {
		return err
	}
	if err := sched.Add(ctx, "rewrap", a.cfg.Retention.RewrapSchedule, rewrapper.Run); err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	a.scheduler = sched
	a.logger.Info("retention jobs scheduled",
		slog.String("purge", a.cfg.Retention.Schedule), slog.String("rewrap", a.cfg.Retention.RewrapSchedule),
		slog.String("policy", purger.Policy()))
	return nil
}

// httpHandler builds the API handler with the configured authenticator.
func (a *app) httpHandler(ctx context.Context) (http.Handler, error) {
	var auth api.Authenticator = api.HeaderAuthenticator{}
	if a.cfg.Auth.Mode == "jwt" {
		jwtAuth, err := api.NewJWTAuthenticator(ctx, api.JWTConfig{
			Secret:  []byte(a.cfg.Auth.JWTSecret),
			JWKSURL: a.cfg.Auth.JWKSURL,
			Issuer:  a.cfg.Auth.Issuer,
		})
		if err != nil {
			return nil, err
		}
		auth = jwtAuth
	}
	return api.NewServer(api.Deps{
		Service:       a.svc,
		Auth:          auth,
		Health:        a.store,
		EnableMetrics: a.cfg.Metrics.Enabled,
		Logger:        a.logger,
	}).Handler(), nil
}

func (a *app) close() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(); err != nil {
			a.logger.Warn("stop retention scheduler", slog.String("error", err.Error()))
		}
	}
	a.keys.Purge()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("close store", slog.String("error", err.Error()))
	}
}
