package cli

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"cable-service/internal/config"
	"cable-service/pkg/logger"

	"github.com/spf13/cobra"
)

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the cable server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *cfgFile)
		},
	}
}

func runServe(ctx context.Context, cfgFile string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log, level := logger.New(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	slog.SetDefault(log)

	slog.Info("Starting cable server", "adapter", cfg.PubSub.Adapter, "mount_path", cfg.Cable.MountPath)

	app, err := newApp(cfg, log, level)
	if err != nil {
		return err
	}

	if cfg.File != "" {
		go func() {
			if err := config.Watch(ctx, cfg.File, app.reload); err != nil {
				slog.Error("Config watcher stopped", "error", err)
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      app.handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			slog.Error("Server failed to start", "error", err)
			_ = app.shutdown(context.Background())
			return err
		}
	}

	slog.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Cable connections are hijacked, so the HTTP server does not wait for
	// them. Close them first so clients receive a disconnect message.
	if err := app.shutdown(shutdownCtx); err != nil {
		slog.Error("Cable shutdown incomplete", "error", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
	return nil
}
