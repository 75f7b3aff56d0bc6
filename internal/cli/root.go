package cli

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwizi/agent-gate/internal/app"
	"github.com/dwizi/agent-gate/internal/config"
	"github.com/dwizi/agent-gate/internal/replay"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
)

const version = "0.1.0"

func NewRoot(logger *slog.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:   "agent-gate",
		Short: "Agent Gate is a safety gate for autonomous agent actions",
	}

	root.AddCommand(newServeCommand(logger))
	root.AddCommand(newReplayCommand(logger))
	root.AddCommand(newVersionCommand())

	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gate service: decision API, approvals, audit and replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			runtime, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runtime.Run(ctx)
		},
	}
}

// newReplayCommand runs one replay pass against the episode store and prints
// the resulting policy, without starting the service.
func newReplayCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Run one experience replay pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			sqlStore, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer sqlStore.Close()
			if err := sqlStore.AutoMigrate(cmd.Context()); err != nil {
				return err
			}

			thresholds := threshold.NewManager(logger.With("component", "thresholds"))
			job := replay.NewJob(replay.Config{
				LearningRate: cfg.ReplayLearningRate,
				BatchLimit:   cfg.ReplayBatchLimit,
				Lookback:     time.Duration(cfg.ReplayLookbackHrs) * time.Hour,
			}, sqlStore, sqlStore, thresholds, nil, logger.With("component", "replay"))

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			result, err := job.Run(ctx)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(result)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Println(version)
		},
	}
}
