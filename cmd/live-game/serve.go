package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/cheese-live/internal/app"
	"github.com/park285/cheese-live/internal/config"
	"github.com/park285/cheese-live/internal/obslog"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the game API, sockets and background workers",
	Long: `Serve the HTTP and WebSocket API, consume MatchFound events, expire
clocks through the timeout sweep and relay GameFinished facts.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := obslog.InitFromEnv(); err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logger := obslog.L()
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if err := deps.Run(ctx); err != nil {
		logger.Error("live_game_stopped", zap.Error(err))
		return err
	}
	logger.Info("live_game_stopped")
	return nil
}
