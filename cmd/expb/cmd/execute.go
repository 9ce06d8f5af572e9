package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/config"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/executor"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/metrics"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/results"
)

const defaultConfigFile = "scenarios.yaml"

type runDeps struct {
	runtime *docker.Orchestrator
	metrics *metrics.Metrics
	store   *results.Store
	logger  *slog.Logger
}

func newRunDeps(resultsDB string, logger *slog.Logger) (runDeps, error) {
	runtime, err := docker.NewOrchestrator(logger)
	if err != nil {
		return runDeps{}, err
	}
	deps := runDeps{runtime: runtime, metrics: metrics.New(), logger: logger}
	if resultsDB != "" {
		store, err := results.Open(resultsDB)
		if err != nil {
			return runDeps{}, err
		}
		deps.store = store
	}
	return deps, nil
}

func (d runDeps) close() {
	if d.store != nil {
		d.store.Close() //nolint:errcheck
	}
}

// executeScenario runs one scenario with fresh snapshot service and executor.
func executeScenario(ctx context.Context, f *config.File, name string, deps runDeps) error {
	opts := []executor.Option{executor.WithMetrics(deps.metrics)}
	if deps.store != nil {
		opts = append(opts, executor.WithResults(deps.store))
	}
	return executor.RunScenario(ctx, f, name, deps.runtime, deps.logger, opts...)
}

func executeScenarioCmd() *cobra.Command {
	var (
		configFile   string
		scenarioName string
		resultsDB    string
	)

	cmd := &cobra.Command{
		Use:   "execute-scenario",
		Short: "Execute one benchmark scenario from the config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer signalContext(cmd)()
			logger := slog.Default()

			f, err := config.Load(configFile)
			if err != nil {
				return fail("failed to load config", err)
			}
			if _, ok := f.Scenarios[scenarioName]; !ok {
				return fail("unknown scenario", fmt.Errorf("scenario %s not found (configured: %s)",
					scenarioName, strings.Join(f.Names(), ", ")))
			}
			deps, err := newRunDeps(resultsDB, logger)
			if err != nil {
				return fail("failed to prepare scenario execution", err)
			}
			defer deps.close()

			if err := executeScenario(cmd.Context(), f, scenarioName, deps); err != nil {
				return fail("scenario execution failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", defaultConfigFile, "scenario config file")
	cmd.Flags().StringVar(&scenarioName, "scenario-name", "", "scenario to execute")
	cmd.Flags().StringVar(&resultsDB, "results-db", "", "sqlite file recording run results (empty disables)")
	cmd.MarkFlagRequired("scenario-name") //nolint:errcheck
	return cmd
}

func executeScenariosCmd() *cobra.Command {
	var (
		configFile  string
		filter      string
		loop        bool
		metricsAddr string
		resultsDB   string
	)

	cmd := &cobra.Command{
		Use:   "execute-scenarios",
		Short: "Execute all configured scenarios, optionally filtered and in a loop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer signalContext(cmd)()
			ctx := cmd.Context()
			logger := slog.Default()

			f, err := config.Load(configFile)
			if err != nil {
				return fail("failed to load config", err)
			}
			names, err := f.Filter(filter)
			if err != nil {
				return fail("invalid scenario filter", err)
			}
			if len(names) == 0 {
				logger.Warn("no scenarios match the filter", slog.String("filter", filter))
				return nil
			}
			deps, err := newRunDeps(resultsDB, logger)
			if err != nil {
				return fail("failed to prepare scenario execution", err)
			}
			defer deps.close()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr, deps.metrics, logger)
			}

			for {
				for _, name := range names {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					// A failed scenario must not stop the batch; its outcome
					// is recorded in metrics and the results store.
					if err := executeScenario(ctx, f, name, deps); err != nil {
						logger.Error("scenario execution failed",
							slog.String("scenario", name),
							slog.String("error", err.Error()),
						)
					}
				}
				if !loop || ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Info("all scenarios executed, looping")
			}
		},
	}

	cmd.Flags().StringVar(&configFile, "config-file", defaultConfigFile, "scenario config file")
	cmd.Flags().StringVar(&filter, "filter", "", "regular expression selecting scenarios by name")
	cmd.Flags().BoolVar(&loop, "loop", false, "run the scenario set repeatedly")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address serving harness /metrics (empty disables)")
	cmd.Flags().StringVar(&resultsDB, "results-db", "", "sqlite file recording run results (empty disables)")
	return cmd
}

func serveMetrics(addr string, m *metrics.Metrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("metrics listening", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server failed", slog.String("error", err.Error()))
	}
}
