package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openbrain/openbrain/internal/bridge"
	"github.com/openbrain/openbrain/internal/config"
	"github.com/openbrain/openbrain/internal/replica"
)

func newAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent [config-file]",
		Short: "Run the workspace agent push loop",
		Long: "Reads the local data replica and pushes it to the dashboard's /sync\n" +
			"endpoint on an interval, folding the server's merged arrays back into\n" +
			"the local files.",
		Args: cobra.MaximumNArgs(1),
		RunE: runAgent,
	}
	cmd.Flags().Bool("once", false, "push a single time and exit")
	return cmd
}

func runAgent(cmd *cobra.Command, args []string) error {
	configPath := resolveConfigPath(cmd, args, "openbrain.json")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("error: %w", err)
	}

	logger := newLogger(cfg.Logging)

	rep, err := replica.Open(cfg.Sync.DataDir)
	if err != nil {
		return err
	}
	b, err := bridge.New(cfg.Sync, rep, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	if once, _ := cmd.Flags().GetBool("once"); once {
		return b.PushOnce(ctx)
	}

	logger.Info("agent starting", "version", version, "interval", cfg.Sync.Interval)
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
