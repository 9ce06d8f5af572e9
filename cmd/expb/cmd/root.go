// Package cmd wires the expb command tree: payload generation and
// compression, scenario execution, and sequential replay.
package cmd

import (
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/logging"
)

// RootCmd is the root command all subcommands register on.
func RootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "expb",
		Short:         "expb benchmarks Ethereum execution clients by replaying Engine API payloads.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.New(logLevel)
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	cmd.AddCommand(
		generatePayloadsCmd(),
		compressPayloadsCmd(),
		executeScenarioCmd(),
		executeScenariosCmd(),
		sendPayloadsCmd(),
	)
	return cmd
}

// signalContext cancels the command context on SIGINT/SIGTERM so scenario
// cleanup still runs on an interrupted run.
func signalContext(cmd *cobra.Command) (stop func()) {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	cmd.SetContext(ctx)
	return cancel
}

// fail logs the failure with context before the non-zero exit.
func fail(msg string, err error) error {
	slog.Error(msg, slog.String("error", err.Error()))
	return err
}

// mustAbs resolves a path for docker bind mounts, which require absolute
// host paths.
func mustAbs(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
