package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	oauth "github.com/giantswarm/oauth2-server"
	"github.com/giantswarm/oauth2-server/application"
	"github.com/giantswarm/oauth2-server/instrumentation"
	"github.com/giantswarm/oauth2-server/security"
	"github.com/giantswarm/oauth2-server/server"
	"github.com/giantswarm/oauth2-server/storage"
	"github.com/giantswarm/oauth2-server/storage/memory"
	"github.com/giantswarm/oauth2-server/storage/postgres"
	"github.com/giantswarm/oauth2-server/storage/valkey"
	"github.com/giantswarm/oauth2-server/token"
)

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverWriteTimeout     = 15 * time.Second
	serverIdleTimeout      = 60 * time.Second
	requestTimeout         = 10 * time.Second

	userInfoPath = "/userinfo"
)

func serve(ctx context.Context, cfg *config) error {
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceVersion:  version,
		Enabled:         cfg.Metrics.Enabled,
		MetricsExporter: instrumentation.MetricsExporterPrometheus,
		LogClientIPs:    cfg.Metrics.LogClientIPs,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := inst.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Failed to shut down instrumentation", "error", err)
		}
	}()

	store, closeStore, err := openStore(ctx, cfg, logger, inst)
	if err != nil {
		return err
	}
	defer closeStore()

	keys, err := loadKeys(cfg.SigningKey)
	if err != nil {
		return err
	}
	codec, err := token.NewJWTCodec(keys, token.JWTConfig{Issuer: cfg.Issuer, Leeway: cfg.TokenLeeway})
	if err != nil {
		return fmt.Errorf("failed to create token codec: %w", err)
	}
	logger.Info("Signing key loaded", "kid", keys.SigningKey().ID)

	srv, err := server.New(store, codec, cfg.serverConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	auditor := security.NewAuditor(logger, cfg.Audit)
	auditor.SetInstrumentation(inst)
	srv.SetAuditor(auditor)
	srv.SetInstrumentation(inst)

	if err := bootstrap(ctx, store, cfg.Bootstrap); err != nil {
		return err
	}

	h := oauth.NewHandler(srv, logger)
	h.SetInstrumentation(inst)
	h.SetClientIPResolver(security.ClientIPResolver{
		TrustProxy:        cfg.RateLimit.TrustProxy,
		TrustedProxyCount: cfg.RateLimit.TrustedProxyCount,
	})
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := security.NewRateLimiter(security.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		}, logger)
		defer limiter.Stop()
		h.SetTokenRateLimiter(limiter)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(requestTimeout))

	h.RegisterRoutes(r, oauth.RoutesConfig{
		Authorize: oauth.AuthorizeConfig{Principal: h.UserCredentialsPrincipal(store)},
		Keys:      keys,
	})
	r.With(h.Authenticate(oauth.AuthenticateConfig{})).
		Get(userInfoPath, userInfoHandler(application.NewRegistry(store, logger), application.NewSessionResolver(store, store), logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Metrics.Enabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      r,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting OAuth2 server",
			"address", cfg.ListenAddress,
			"issuer", cfg.Issuer,
			"storage", cfg.Storage.Backend,
			"version", version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

// openStore builds the configured backend. The returned func releases it.
func openStore(ctx context.Context, cfg *config, logger *slog.Logger, inst *instrumentation.Instrumentation) (storage.Store, func(), error) {
	switch cfg.Storage.Backend {
	case backendValkey:
		store, err := valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to valkey: %w", err)
		}
		return store, store.Close, nil

	case backendPostgres:
		store, err := postgres.Open(ctx, cfg.Storage.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		store.SetLogger(logger)

		cleanupCtx, cancel := context.WithCancel(ctx)
		go cleanupExpired(cleanupCtx, store, cfg.Storage.Postgres.CleanupInterval, logger)
		return store, func() {
			cancel()
			if err := store.Close(); err != nil {
				logger.Warn("Failed to close postgres store", "error", err)
			}
		}, nil

	default:
		store := memory.New()
		store.SetLogger(logger)
		store.SetInstrumentation(inst)
		return store, store.Stop, nil
	}
}

// cleanupExpired periodically deletes expired codes and tokens. The memory
// and valkey backends expire entries on their own.
func cleanupExpired(ctx context.Context, store *postgres.Store, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("Failed to delete expired entries", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("Deleted expired entries", "count", n)
			}
		}
	}
}

func loadKeys(cfg signingKeyConfig) (*token.KeySet, error) {
	var (
		signing *token.Key
		err     error
	)
	if cfg.File != "" {
		signing, err = token.LoadKeyFile(cfg.File, cfg.ID)
	} else {
		slog.Warn("No signing key configured, generating an ephemeral key; tokens will not survive a restart")
		signing, err = token.GenerateECDSAKey()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signing key: %w", err)
	}

	previous := make([]*token.Key, 0, len(cfg.PreviousFiles))
	for _, path := range cfg.PreviousFiles {
		k, err := token.LoadKeyFile(path, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load previous key %s: %w", path, err)
		}
		previous = append(previous, k)
	}
	return token.NewKeySet(signing, previous...)
}

func bootstrap(ctx context.Context, store storage.Store, cfg bootstrapConfig) error {
	if cfg.ClientID != "" {
		client := &storage.Client{
			ClientID:     cfg.ClientID,
			ClientType:   storage.ClientTypePublic,
			RedirectURIs: []string{cfg.RedirectURI},
			GrantTypes: []string{
				storage.GrantTypeAuthorizationCode,
				storage.GrantTypeRefreshToken,
			},
			AccountID: cfg.AccountID,
			Name:      cfg.ClientID,
			CreatedAt: time.Now(),
		}
		if cfg.ClientSecret != "" {
			hash, err := storage.HashSecret(cfg.ClientSecret)
			if err != nil {
				return err
			}
			client.ClientType = storage.ClientTypeConfidential
			client.ClientSecretHash = hash
			client.GrantTypes = append(client.GrantTypes, storage.GrantTypeClientCredentials, storage.GrantTypePassword)
		}
		if err := store.SaveClient(ctx, client); err != nil {
			return fmt.Errorf("failed to save bootstrap client: %w", err)
		}
	}

	if cfg.Username != "" {
		hash, err := storage.HashSecret(cfg.Password)
		if err != nil {
			return err
		}
		userID := cfg.UserID
		if userID == "" {
			userID = cfg.Username
		}
		user := &storage.User{
			ID:           userID,
			AccountID:    cfg.AccountID,
			Username:     cfg.Username,
			PasswordHash: hash,
		}
		if err := store.SaveUser(ctx, user); err != nil {
			return fmt.Errorf("failed to save bootstrap user: %w", err)
		}
	}
	return nil
}

type userInfoResponse struct {
	Subject       string    `json:"sub,omitempty"`
	ClientID      string    `json:"client_id"`
	Scope         string    `json:"scope,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
	ApplicationID string    `json:"application_id,omitempty"`
	Application   string    `json:"application,omitempty"`
	AccountID     string    `json:"account_id,omitempty"`
	CallbackURL   string    `json:"callback_url,omitempty"`
}

// userInfoHandler describes the authenticated caller. Owner-only application
// fields are filled only when the caller's account owns the application.
func userInfoHandler(registry *application.Registry, sessions *application.SessionResolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := oauth.PrincipalFromContext(r.Context())
		if !ok {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		resp := userInfoResponse{
			Subject:   p.UserID,
			ClientID:  p.ClientID,
			Scope:     p.Scope,
			ExpiresAt: p.ExpiresAt,
		}

		if app, err := registry.Get(r.Context(), p.ClientID); err == nil {
			resp.ApplicationID = app.ID
			resp.Application = app.Name
			if session, err := sessions.Session(r.Context(), app, p.UserID); err == nil {
				resp.AccountID = session.AccountID
				resp.CallbackURL = app.CallbackURL(session.AccountID)
			} else if !errors.Is(err, application.ErrNoSession) {
				logger.WarnContext(r.Context(), "Failed to resolve session", "error", err)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		security.SetNoStore(w.Header())
		_ = json.NewEncoder(w).Encode(resp)
	}
}
