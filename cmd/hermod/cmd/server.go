package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/hermod/api"
	"github.com/jmcleod/hermod/broker"
	"github.com/jmcleod/hermod/discovery"
	"github.com/jmcleod/hermod/internal/config"
	"github.com/jmcleod/hermod/keys"
	keybolt "github.com/jmcleod/hermod/keys/bolt"
	"github.com/jmcleod/hermod/mail"
	"github.com/jmcleod/hermod/ratelimit"
	"github.com/jmcleod/hermod/store"
	memorystore "github.com/jmcleod/hermod/store/memory"
	redisstore "github.com/jmcleod/hermod/store/redis"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the broker server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		logger := newLogger(cfg.LogLevel)

		alg, err := keys.ParseAlgorithm(cfg.Algorithm)
		if err != nil {
			return err
		}

		keyStore, err := keybolt.NewStoreFromFile(cfg.KeyDBPath, nil)
		if err != nil {
			return fmt.Errorf("opening key store: %w", err)
		}
		defer keyStore.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		km, err := keys.NewManager(ctx, keyStore, keys.ManagerConfig{
			Algorithm:        alg,
			RotationInterval: cfg.RotationInterval,
			Retention:        cfg.KeyRetention,
		}, keys.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("initializing signing keys: %w", err)
		}
		go km.Run(ctx)

		sessions, err := newSessionStore(cfg)
		if err != nil {
			return err
		}
		defer sessions.Close()

		limiter := ratelimit.New(sessions, ratelimit.Config{
			PerAddress: cfg.RatePerAddress,
			PerIP:      cfg.RatePerIP,
			Window:     cfg.RateWindow,
		})

		resolver := discovery.New(
			discovery.WithTimeout(cfg.DiscoveryTimeout),
			discovery.WithCacheTTL(cfg.DiscoveryCache),
			discovery.WithLogger(logger),
		)

		sender := newSender(cfg, logger)

		b := broker.New(broker.Config{
			PublicURL:            cfg.PublicURL,
			SessionTTL:           cfg.SessionTTL,
			TokenTTL:             cfg.TokenTTL,
			CodeLength:           cfg.CodeLength,
			AllowedOrigins:       cfg.AllowedOrigins,
			AllowInsecureOrigins: cfg.AllowInsecureOrigins,
		}, sessions, km, resolver, limiter, sender, broker.WithLogger(logger))

		proxies, err := cfg.ParsedTrustedProxies()
		if err != nil {
			return err
		}
		a := api.New(b, km, api.Config{
			PublicURL:   cfg.PublicURL,
			Algorithm:   alg,
			DocumentTTL: time.Hour,
			// Verifier caches must refresh well before a retired key is
			// purged from the set.
			KeysTTL:        cfg.KeyRetention / 4,
			TrustedProxies: proxies,
		}, api.WithLogger(logger))

		server := &http.Server{
			Addr:              cfg.Listen,
			Handler:           newRouter(a.Router()),
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		logger.Info("server started",
			"addr", cfg.Listen, "public_url", cfg.PublicURL,
			"store", cfg.Store, "algorithm", string(alg))

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			logger.Info("shutting down", "signal", sig.String())
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// newRouter wraps the API handler with the server middleware chain.
// RemoteAddr must reach the handlers untouched: the trusted-proxy
// policy in the api package decides whether forwarded headers are
// believed, so nothing here may rewrite the peer address from them.
func newRouter(h http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Mount("/", h)
	return r
}

// sessionStore is the subset of backends the server can close on exit.
type sessionStore interface {
	store.Store
	Close() error
}

type memoryAdapter struct{ *memorystore.Store }

func (m memoryAdapter) Close() error {
	m.Store.Close()
	return nil
}

func newSessionStore(cfg config.Config) (sessionStore, error) {
	switch cfg.Store {
	case "redis":
		s, err := redisstore.NewFromURL(cfg.RedisURL, "hermod:")
		if err != nil {
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		return s, nil
	default:
		return memoryAdapter{memorystore.New()}, nil
	}
}

func newSender(cfg config.Config, logger *slog.Logger) mail.Sender {
	if cfg.SMTPAddr == "" {
		logger.Warn("no SMTP relay configured; confirmation emails go to the log")
		return &mail.LogSender{Logger: logger}
	}
	return &mail.SMTPSender{Addr: cfg.SMTPAddr, From: cfg.SMTPFrom}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
