package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.io/infrasutra/inboxsort/internal/api"
	"github.io/infrasutra/inboxsort/internal/auth"
	"github.io/infrasutra/inboxsort/internal/backend"
	"github.io/infrasutra/inboxsort/internal/config"
	"github.io/infrasutra/inboxsort/internal/metrics"
	"github.io/infrasutra/inboxsort/internal/sse"
	"github.io/infrasutra/inboxsort/internal/store"
)

// version is set at build time.
var version = "dev"

const sweepInterval = 5 * time.Minute

func main() {
	_ = godotenv.Load()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	cmd := &cobra.Command{
		Use:           "inboxsort",
		Short:         "Web front end that sorts a Gmail inbox into AI-assigned categories",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	cmd.SetVersionTemplate(`{{printf "inboxsort version %s\n" .Version}}`)
	cmd.Flags().IntVar(&cfg.HTTPPort, "port", cfg.HTTPPort, "HTTP port to listen on (HTTP_PORT)")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path, empty for in-memory (DB_PATH)")
	cmd.Flags().StringVar(&cfg.APIURL, "api-url", cfg.APIURL, "Base URL of the classification backend (API_URL)")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "inboxsort version %s\n", version)
		},
	})
	return cmd
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}

func run(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	db, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open database", "error", err)
		return err
	}
	defer db.Close()

	if err := db.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema", "error", err)
		return err
	}

	authManager, err := auth.New(cfg.AuthSecret, cfg.SessionMaxAge)
	if err != nil {
		logger.Error("init auth", "error", err)
		return err
	}
	var csrfKey []byte
	if cfg.AuthSecret == "" {
		logger.Warn("AUTH_SECRET not set; sessions reset on restart")
	} else {
		sum := sha256.Sum256([]byte("csrf:" + cfg.AuthSecret))
		csrfKey = sum[:]
	}
	if cfg.DBPath == "" {
		logger.Warn("DB_PATH not set; credentials are kept in memory only")
	}

	m := metrics.New()
	apiServer, err := api.NewServer(api.Options{
		Config:  cfg,
		Store:   db,
		Auth:    authManager,
		Hub:     sse.NewHub(),
		Backend: backend.NewClient(cfg.APIURL, cfg.BackendTimeout, m),
		Metrics: m,
		Logger:  logger,
		CSRFKey: csrfKey,
	})
	if err != nil {
		logger.Error("init http server", "error", err)
		return err
	}

	// Event streams never go idle on their own; their context ends when
	// shutdown begins.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	httpAddr := fmt.Sprintf(":%d", cfg.HTTPPort)
	httpSrv := &http.Server{
		Addr:              httpAddr,
		Handler:           apiServer,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	httpSrv.RegisterOnShutdown(cancelRequests)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-ticker.C:
				apiServer.Sweep(sweepCtx, now)
			}
		}
	}()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpAddr, "api_url", cfg.APIURL, "version", version)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-shutdown:
	case err, ok := <-serveErr:
		if ok {
			logger.Error("http server stopped", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown http", "error", err)
	}
	stopSweep()

	done := make(chan struct{})
	go func() {
		apiServer.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("pipelines still running at shutdown")
	}
	return nil
}
