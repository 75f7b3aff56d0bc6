package main

import (
	"log/slog"
	"os"

	"github.com/dwizi/agent-gate/internal/cli"
	"github.com/dwizi/agent-gate/internal/config"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.LogLevelFromEnv(),
	}))
	if err := cli.NewRoot(logger).Execute(); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}
