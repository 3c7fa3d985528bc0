package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/verygreen/lustretester/internal/config"
	"github.com/verygreen/lustretester/internal/orchestrator"
)

var runDevLogging bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load configuration and run the orchestrator until signalled",
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&runDevLogging, "dev-logging", false, "use zap's human-readable development logger instead of JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFSConfig(configPath)
	if err != nil {
		return fmt.Errorf("loading config from %s: %w", configPath, err)
	}

	logger, err := newLogger(runDevLogging)
	if err != nil {
		return fmt.Errorf("constructing logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	orch, err := orchestrator.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("constructing orchestrator: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("orchestrator starting", zap.String("api_listen_addr", cfg.APIListenAddr))
	if err := orch.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("orchestrator exited: %w", err)
	}
	logger.Info("orchestrator stopped")
	return nil
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
