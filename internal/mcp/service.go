// Package mcp exposes the benchmark scenarios and recorded results over the
// Model Context Protocol.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/config"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/executor"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/metrics"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/results"
)

// Service backs the MCP tools with direct access to the scenario config file
// and the results store. The store may be nil when no results database has
// been configured; tools that need it report that instead of failing the
// server.
type Service struct {
	configFile string
	store      *results.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger

	newRuntime func(*slog.Logger) (scenarioRuntime, error)
	run        func(ctx context.Context, f *config.File, name string, rt executor.Runtime, logger *slog.Logger, opts ...executor.Option) error

	mu      sync.Mutex
	running string // scenario currently executing, "" when idle
}

// scenarioRuntime is a per-run container runtime that must be released when
// the run finishes.
type scenarioRuntime interface {
	executor.Runtime
	Close() error
}

// NewService creates a service over a scenario config file and an optional
// results store. The logger must not write to stdout, which carries the MCP
// stdio transport.
func NewService(configFile string, store *results.Store, logger *slog.Logger) *Service {
	return &Service{
		configFile: configFile,
		store:      store,
		metrics:    metrics.New(),
		logger:     logger,
		newRuntime: func(logger *slog.Logger) (scenarioRuntime, error) {
			return docker.NewOrchestrator(logger)
		},
		run: executor.RunScenario,
	}
}

// loadConfig re-reads the config file on every call so edits made while the
// server is running are picked up.
func (s *Service) loadConfig() (*config.File, error) {
	return config.Load(s.configFile)
}

// executeScenario starts one scenario in the background. Only one scenario
// may execute at a time; progress lands in the results store.
func (s *Service) executeScenario(name string) error {
	f, err := s.loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}
	if _, ok := f.Scenarios[name]; !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}

	s.mu.Lock()
	if s.running != "" {
		running := s.running
		s.mu.Unlock()
		return fmt.Errorf("scenario %s is already executing", running)
	}
	s.running = name
	s.mu.Unlock()

	rt, err := s.newRuntime(s.logger)
	if err != nil {
		s.clearRunning()
		return fmt.Errorf("failed to connect to docker: %w", err)
	}

	opts := []executor.Option{executor.WithMetrics(s.metrics)}
	if s.store != nil {
		opts = append(opts, executor.WithResults(s.store))
	}

	// Detached from the tool request so the run outlives it. The runtime is
	// per-run and must be released, the server itself is long-lived.
	go func() {
		defer s.clearRunning()
		defer rt.Close() //nolint:errcheck
		if err := s.run(context.Background(), f, name, rt, s.logger, opts...); err != nil {
			s.logger.Error("scenario execution failed",
				slog.String("scenario", name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return nil
}

func (s *Service) clearRunning() {
	s.mu.Lock()
	s.running = ""
	s.mu.Unlock()
}

func (s *Service) listRuns(ctx context.Context, scenario string, limit int) ([]results.Run, error) {
	if s.store == nil {
		return nil, errNoStore
	}
	return s.store.ListRuns(ctx, scenario, limit)
}

func (s *Service) getRun(ctx context.Context, id string) (*results.Run, error) {
	if s.store == nil {
		return nil, errNoStore
	}
	return s.store.GetRun(ctx, id)
}

func (s *Service) getPayloadMetrics(ctx context.Context, runID string) ([]results.PayloadMetric, error) {
	if s.store == nil {
		return nil, errNoStore
	}
	return s.store.GetPayloadMetrics(ctx, runID)
}

var errNoStore = fmt.Errorf("no results database configured (set EXPB_RESULTS_DB)")
