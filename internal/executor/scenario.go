package executor

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/clients"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/config"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/k6"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/snapshots"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/telemetry"
)

// ConfigFromScenario assembles the executor configuration for one named
// scenario of a loaded config file. Paths are made absolute because they end
// up as docker bind mount sources.
func ConfigFromScenario(f *config.File, name string) (Config, snapshots.Backend, error) {
	sc := f.Scenarios[name]

	network, err := networks.Lookup(f.Network)
	if err != nil {
		return Config{}, "", err
	}
	client, err := clients.Get(sc.Client)
	if err != nil {
		return Config{}, "", err
	}
	memBytes, err := f.Resources.MemBytes()
	if err != nil {
		return Config{}, "", err
	}
	backend, err := snapshots.ParseBackend(sc.Snapshot.Backend)
	if err != nil {
		return Config{}, "", err
	}

	cfg := Config{
		ScenarioName: name,
		Network:      network,
		Client:       client,
		ClientImage:  sc.Image,

		PayloadsFile: absPath(f.Paths.Payloads),
		FCUsFile:     absPath(f.Paths.FCUs),
		WorkDir:      absPath(f.Paths.Work),
		OutputsBase:  absPath(f.Paths.Outputs),

		SnapshotBackend: backend,
		SnapshotSource:  absPath(sc.Snapshot.Source),

		Amount:     sc.Amount,
		Skip:       sc.Skip,
		Warmup:     sc.Warmup,
		Rate:       sc.Rate,
		Duration:   sc.Duration,
		CheckValid: true,

		CPUs:           f.Resources.CPU,
		MemBytes:       memBytes,
		DownloadSpeed:  f.Resources.DownloadSpeed,
		UploadSpeed:    f.Resources.UploadSpeed,
		LimitBandwidth: f.LimitBandwidth,
		PullImages:     f.PullImages,

		K6Image:    f.Image("k6", k6.DefaultImage),
		AlloyImage: f.Image("alloy", telemetry.DefaultAlloyImage),

		ExtraFlags:    sc.ExtraFlags,
		ExtraEnv:      sc.ExtraEnv,
		ExtraCommands: sc.ExtraCommands,

		ReadinessWait: engine.DefaultWaitConfig(),
		PerPayload:    true,
	}
	if f.Exports != nil {
		cfg.PrometheusRW = f.Exports.PrometheusRemoteWrite
		cfg.Pyroscope = f.Exports.Pyroscope
	}
	cfg.User, cfg.GroupAdd = CurrentUser()
	return cfg, backend, nil
}

// RunScenario builds and executes one named scenario of a loaded config file
// with a fresh snapshot service.
func RunScenario(ctx context.Context, f *config.File, name string, runtime Runtime, logger *slog.Logger, opts ...Option) error {
	cfg, backend, err := ConfigFromScenario(f, name)
	if err != nil {
		return err
	}
	snapSvc := snapshots.NewService(backend, cfg.WorkDir, logger)
	return New(cfg, runtime, snapSvc, logger, opts...).Execute(ctx)
}

// remoteWriteSpec converts the config shape into the k6 run spec shape.
func remoteWriteSpec(prw *telemetry.PrometheusRemoteWrite) *k6.PrometheusRemoteWrite {
	if prw == nil {
		return nil
	}
	out := &k6.PrometheusRemoteWrite{
		Endpoint: prw.Endpoint,
		Tags:     prw.Tags,
	}
	if prw.BasicAuth != nil {
		out.Username = prw.BasicAuth.Username
		out.Password = prw.BasicAuth.Password
	}
	return out
}

func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}
