package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/soaringjerry/homophily/internal/api"
	"github.com/soaringjerry/homophily/internal/config"
	dbstore "github.com/soaringjerry/homophily/internal/db"
	"github.com/soaringjerry/homophily/internal/logger"
	"github.com/soaringjerry/homophily/internal/middleware"
	"github.com/soaringjerry/homophily/internal/provider"
	"github.com/soaringjerry/homophily/internal/services"
)

type studyStore interface {
	services.Store
	services.Importer
}

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("HOMOPHILY_CONFIG"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	store, ping, closeStore, fresh, err := openStore(ctx, cfg.Storage, log)
	if err != nil {
		return err
	}
	defer closeStore()

	if dir := cfg.Storage.LegacyCSVDir; dir != "" && fresh {
		if _, err := ImportLegacyCSV(ctx, dir, store, cfg.Study, log); err != nil {
			return fmt.Errorf("legacy import: %w", err)
		}
	}

	handler, err := newHandler(cfg, store, ping, log)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("homophily server listening", "addr", cfg.Server.Addr, "commit", cfg.Server.Commit)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		log.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newHandler builds the services on top of store and returns the fully wrapped HTTP handler.
func newHandler(cfg *config.Config, store studyStore, ping func(context.Context) error, log *logger.Logger) (http.Handler, error) {
	session, err := services.NewSessionService(store, cfg.Study, log)
	if err != nil {
		return nil, err
	}
	completions := provider.NewOpenAI(provider.Options{
		BaseURL:       cfg.Provider.BaseURL,
		APIKey:        cfg.Provider.APIKey,
		StreamTimeout: cfg.Provider.StreamTimeout.Duration,
	})
	relay := services.NewRelayService(store, completions, cfg.Study, services.RelayOptions{
		Model:       cfg.Provider.Model,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	}, log)
	admin, err := services.NewAdminAuth(cfg.Auth.AdminSecret)
	if err != nil {
		return nil, err
	}
	if !admin.Enabled() {
		log.Warn("ADMIN_SECRET not set, data export is disabled")
	}
	if cfg.Provider.APIKey == "" {
		log.Warn("OPENAI_API_KEY not set, chat requests will fail upstream")
	}

	router := api.NewRouter(api.Options{
		Session:   session,
		Relay:     relay,
		Export:    services.NewExportService(store, cfg.Study),
		Admin:     admin,
		Auth:      middleware.NewAuth(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL.Duration),
		Limiter:   middleware.NewChatLimiter(cfg.Server.ChatPerMinute),
		Log:       log,
		Ping:      ping,
		Commit:    cfg.Server.Commit,
		BuildTime: cfg.Server.BuildTime,
	})
	mux := http.NewServeMux()
	router.Register(mux)
	if fe := api.Frontend(cfg.Server.StaticDir, cfg.Server.DevFrontendURL, log); fe != nil {
		mux.Handle("/", fe)
	}
	return router.Handler(mux, cfg.Server.AllowedOrigins), nil
}

// openStore picks SQLite when a path is configured and memory otherwise.
// fresh reports that the store started empty, which gates the one-time legacy import.
func openStore(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (studyStore, func(context.Context) error, func(), bool, error) {
	if cfg.SQLitePath == "" {
		log.Warn("HOMOPHILY_SQLITE_PATH not set, data is kept in memory only")
		return api.NewMemoryStore(), nil, func() {}, true, nil
	}
	_, statErr := os.Stat(cfg.SQLitePath)
	if statErr != nil && !errors.Is(statErr, os.ErrNotExist) {
		return nil, nil, nil, false, fmt.Errorf("check sqlite file: %w", statErr)
	}
	fresh := errors.Is(statErr, os.ErrNotExist)
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return nil, nil, nil, false, fmt.Errorf("create sqlite dir: %w", err)
	}

	conn, err := dbstore.Open(cfg.SQLitePath)
	if err != nil {
		return nil, nil, nil, false, err
	}
	ran, err := dbstore.RunMigrations(ctx, conn, cfg.MigrationsDir)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, false, fmt.Errorf("run migrations: %w", err)
	}
	if len(ran) > 0 {
		log.Info("applied migrations", "files", ran)
	}
	s, err := dbstore.NewSQLiteStore(conn)
	if err != nil {
		_ = conn.Close()
		return nil, nil, nil, false, err
	}
	closeFn := func() {
		if err := s.Close(); err != nil {
			log.Warn("close sqlite", "error", err)
		}
	}
	return s, s.Ping, closeFn, fresh, nil
}
