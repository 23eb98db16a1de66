package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alanyoungcy/capitalbot/internal/app"
	"github.com/alanyoungcy/capitalbot/internal/config"
)

var runMode string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine in the configured mode",
	Example: `  capitalbot run --config config.toml
  capitalbot run --mode engine`,
	RunE: runApp,
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runMode, "mode", "", "override mode: full, engine or server")
}

func runApp(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if runMode != "" {
		cfg.Mode = runMode
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("capitalbot starting",
		slog.String("mode", cfg.Mode),
		slog.String("config", configPath),
		slog.Any("settings", config.RedactedConfig(cfg)),
	)

	application := app.New(cfg, logger)
	defer application.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("capitalbot exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("capitalbot stopped")
	return nil
}
