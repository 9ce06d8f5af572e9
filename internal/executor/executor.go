// Package executor sequences one benchmark scenario end to end: provision the
// chain-state snapshot and JWT secret, bring up the container network with the
// optional telemetry sidecar and the execution client, wait for JSON-RPC,
// launch extra commands and the load generator, and tear everything down
// unconditionally in a fixed priority order.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/clients"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/commands"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/jwt"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/k6"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/metrics"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/results"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/snapshots"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/telemetry"
)

// Runtime is the container-runtime surface the executor needs. Implemented by
// *docker.Orchestrator; faked in tests.
type Runtime interface {
	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, ref string) error
	StartContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	RunContainer(ctx context.Context, spec docker.ContainerSpec) (int64, error)
	ContainerIP(ctx context.Context, name, network string) (string, error)
	SaveLogs(ctx context.Context, name, path string) error
	StopAndRemove(ctx context.Context, name string, volumeCount int) error
	LimitBandwidth(ctx context.Context, containerName, download, upload string) error
	Exec(ctx context.Context, containerName, command, user string, w io.Writer) (int, error)
}

// Config describes one scenario execution. It is assembled by the CLI from
// the scenario file and read-only afterwards.
type Config struct {
	ScenarioName string
	Network      networks.Network
	Client       *clients.Definition
	ClientImage  string // empty means the client's default image

	PayloadsFile string
	FCUsFile     string
	WorkDir      string
	OutputsBase  string

	SnapshotBackend snapshots.Backend
	SnapshotSource  string

	Amount     int
	Skip       int
	Warmup     int
	Rate       int
	Duration   string
	CheckValid bool

	CPUs           int
	MemBytes       int64
	DownloadSpeed  string
	UploadSpeed    string
	LimitBandwidth bool
	PullImages     bool

	K6Image    string
	AlloyImage string

	ExtraFlags    []string
	ExtraEnv      map[string]string
	ExtraCommands []string

	PrometheusRW *telemetry.PrometheusRemoteWrite
	Pyroscope    *telemetry.Pyroscope

	// UID/GIDs the client and k6 containers run as, so output files on the
	// bind mounts stay owned by the invoking user.
	User     string
	GroupAdd []string

	ReadinessWait engine.WaitConfig
	PerPayload    bool
}

// ExecutorName is the prefix of every resource owned by this scenario.
func (c *Config) ExecutorName() string {
	return "expb-executor-" + c.ScenarioName
}

func (c *Config) containerName(service string) string {
	return c.ExecutorName() + "-" + service
}

func (c *Config) networkName() string {
	return c.containerName("network")
}

func (c *Config) clientContainerName() string {
	return c.containerName(c.Client.Name)
}

func (c *Config) clientImage() string {
	if c.ClientImage != "" {
		return c.ClientImage
	}
	return c.Client.DefaultImage
}

// Executor runs one scenario. Not reusable across runs: TestID and the output
// directory are fixed at construction.
type Executor struct {
	cfg       Config
	runtime   Runtime
	snapshots snapshots.Service
	cmds      *commands.Runner
	logger    *slog.Logger

	metrics *metrics.Metrics // optional
	store   *results.Store   // optional

	testID     string
	outputsDir string
	exports    bool // any telemetry export configured

	waitRPC func(ctx context.Context, url string, cfg engine.WaitConfig) (uint64, error)
}

// Option customizes an Executor.
type Option func(*Executor)

// WithMetrics attaches harness self-metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Executor) { e.metrics = m }
}

// WithResults attaches a results store receiving the run record and, when
// per-payload metrics are enabled, the parsed payload measurements.
func WithResults(s *results.Store) Option {
	return func(e *Executor) { e.store = s }
}

// New creates an executor for one scenario run.
func New(cfg Config, runtime Runtime, snapSvc snapshots.Service, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("scenario", cfg.ScenarioName))

	timestamp := time.Now().Format("20060102-150405")
	e := &Executor{
		cfg:        cfg,
		runtime:    runtime,
		snapshots:  snapSvc,
		cmds:       commands.NewRunner(runtime, logger),
		logger:     logger,
		testID:     cfg.ScenarioName + "-" + timestamp,
		outputsDir: filepath.Join(cfg.OutputsBase, cfg.ExecutorName()+"-"+timestamp),
		exports:    cfg.PrometheusRW != nil || cfg.Pyroscope != nil,
		waitRPC:    engine.WaitForJSONRPC,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TestID identifies this run in exported metrics and the results store.
func (e *Executor) TestID() string { return e.testID }

// OutputsDir is the per-run directory receiving logs and artifacts.
func (e *Executor) OutputsDir() string { return e.outputsDir }

// Execute runs the scenario. Whatever happens after setup begins, cleanup
// runs before Execute returns.
func (e *Executor) Execute(ctx context.Context) (err error) {
	start := time.Now()
	e.logger.Info("preparing scenario",
		slog.String("execution_client", e.cfg.Client.Name),
		slog.String("test_id", e.testID),
	)

	runID := e.recordStart(ctx)

	defer func() {
		e.cleanup()
		e.recordCompletion(runID, err)
		if e.metrics != nil {
			e.metrics.ObserveScenario(e.cfg.ScenarioName, e.cfg.Client.Name, time.Since(start).Seconds(), err)
		}
	}()

	if err := os.MkdirAll(e.outputsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create outputs directory: %w", err)
	}

	dataDir, err := e.snapshots.Create(ctx, e.cfg.ExecutorName(), e.cfg.SnapshotSource)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}

	jwtSecretFile, err := e.prepareJWTSecret()
	if err != nil {
		return err
	}

	if e.cfg.PullImages {
		if err := e.pullImages(ctx); err != nil {
			return err
		}
	}

	e.logger.Info("creating docker network")
	if _, err := e.runtime.CreateNetwork(ctx, e.cfg.networkName()); err != nil {
		return err
	}

	pyroscope, err := e.startTelemetry(ctx)
	if err != nil {
		return err
	}

	if err := e.startExecutionClient(ctx, dataDir, pyroscope); err != nil {
		return err
	}

	if e.cfg.LimitBandwidth {
		e.logger.Info("limiting container bandwidth",
			slog.String("download_speed", e.cfg.DownloadSpeed),
			slog.String("upload_speed", e.cfg.UploadSpeed),
		)
		if err := e.runtime.LimitBandwidth(ctx, e.cfg.clientContainerName(), e.cfg.DownloadSpeed, e.cfg.UploadSpeed); err != nil {
			return err
		}
	}

	clientIP, err := e.runtime.ContainerIP(ctx, e.cfg.clientContainerName(), e.cfg.networkName())
	if err != nil {
		return err
	}

	e.logger.Info("waiting for client json rpc to be available")
	readinessStart := time.Now()
	rpcURL := fmt.Sprintf("http://%s:%d", clientIP, clients.RPCPort)
	latest, err := e.waitRPC(ctx, rpcURL, e.cfg.ReadinessWait)
	if err != nil {
		return fmt.Errorf("client json rpc is not available: %w", err)
	}
	if e.metrics != nil {
		e.metrics.ObserveReadiness(e.cfg.Client.Name, time.Since(readinessStart).Seconds())
	}
	e.logger.Info("client json rpc is available", slog.Uint64("latest_block", latest))

	if err := e.startExtraCommands(ctx); err != nil {
		return err
	}

	engineURL := fmt.Sprintf("http://%s:%d", clientIP, clients.EnginePort)
	if err := e.runLoadGeneration(ctx, jwtSecretFile, engineURL); err != nil {
		return err
	}

	e.logger.Info("payloads execution completed")
	return nil
}

func (e *Executor) prepareJWTSecret() (string, error) {
	dir := filepath.Join(e.cfg.WorkDir, "jwt-secret")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return "", fmt.Errorf("failed to create jwt secret directory: %w", err)
	}
	file := filepath.Join(dir, "jwtsecret.hex")
	if _, err := jwt.WriteSecretFile(file); err != nil {
		return "", err
	}
	return file, nil
}

func (e *Executor) pullImages(ctx context.Context) error {
	e.logger.Info("updating docker images")
	images := []string{e.cfg.clientImage(), e.cfg.K6Image}
	if e.exports {
		images = append(images, e.cfg.AlloyImage)
	}
	for _, image := range images {
		if err := e.runtime.PullImage(ctx, image); err != nil {
			return err
		}
	}
	e.logger.Info("docker images updated")
	return nil
}

// startTelemetry starts the Alloy sidecar when any export is configured and
// returns the in-network pyroscope relay endpoint, if profiling is on. The
// sidecar starts before the execution client so its scrape address and relay
// endpoint exist by the time the client environment is assembled.
func (e *Executor) startTelemetry(ctx context.Context) (*telemetry.Pyroscope, error) {
	if !e.exports {
		return nil, nil
	}

	alloyCfg := telemetry.AlloyConfig{
		ScenarioName:   e.testID,
		ClientType:     e.cfg.Client.Name,
		MetricsAddress: fmt.Sprintf("%s:%d", e.cfg.clientContainerName(), clients.MetricsPort),
		MetricsPath:    e.cfg.Client.MetricsPath,
		PrometheusRW:   e.cfg.PrometheusRW,
		Pyroscope:      e.cfg.Pyroscope,
	}
	rendered, err := alloyCfg.Render()
	if err != nil {
		return nil, err
	}
	configFile := filepath.Join(e.outputsDir, "config.alloy")
	if err := os.WriteFile(configFile, rendered, 0o666); err != nil {
		return nil, fmt.Errorf("failed to write alloy config: %w", err)
	}
	e.logger.Info("alloy config prepared", slog.String("alloy_config_file", configFile))

	name := e.cfg.containerName("alloy")
	e.logger.Info("starting grafana alloy", slog.String("image", e.cfg.AlloyImage))
	_, err = e.runtime.StartContainer(ctx, docker.ContainerSpec{
		Name:    name,
		Image:   e.cfg.AlloyImage,
		Command: telemetry.AlloyCommand(),
		Network: e.cfg.networkName(),
		Volumes: []docker.VolumeMount{
			{Source: configFile, Target: telemetry.AlloyConfigPath, Options: "rw"},
		},
	})
	if err != nil {
		return nil, err
	}

	if e.cfg.Pyroscope == nil {
		return nil, nil
	}
	ip, err := e.runtime.ContainerIP(ctx, name, e.cfg.networkName())
	if err != nil {
		return nil, err
	}
	return &telemetry.Pyroscope{
		Endpoint: fmt.Sprintf("http://%s:%d", ip, telemetry.PyroscopePort),
		Tags:     e.cfg.Pyroscope.Tags,
	}, nil
}

func (e *Executor) startExecutionClient(ctx context.Context, dataDir string, pyroscope *telemetry.Pyroscope) error {
	env := make(map[string]string, len(e.cfg.ExtraEnv))
	for k, v := range e.cfg.ExtraEnv {
		env[k] = v
	}
	telemetry.InjectPyroscopeEnv(env, e.cfg.Client.Name, e.cfg.ExecutorName(), e.testID, e.cfg.Client.Name, pyroscope)

	e.logger.Info("starting execution client",
		slog.String("execution_client", e.cfg.Client.Name),
		slog.String("execution_client_image", e.cfg.clientImage()),
		slog.Int("docker_container_cpus", e.cfg.CPUs),
		slog.Int64("docker_container_mem_limit", e.cfg.MemBytes),
	)
	_, err := e.runtime.StartContainer(ctx, docker.ContainerSpec{
		Name:    e.cfg.clientContainerName(),
		Image:   e.cfg.clientImage(),
		Command: e.cfg.Client.BuildCommand(e.cfg.ScenarioName, e.cfg.Network, e.cfg.ExtraFlags),
		Env:     env,
		Network: e.cfg.networkName(),
		Ports:   []int{clients.RPCPort, clients.EnginePort, clients.MetricsPort},
		Volumes: []docker.VolumeMount{
			{Source: dataDir, Target: clients.DataDir, Options: "rw,dirsync,noatime"},
			{Source: filepath.Join(e.cfg.WorkDir, "jwt-secret"), Target: clients.JWTSecretDir, Options: "rw"},
		},
		NanoCPUs:    int64(e.cfg.CPUs) * 1e9,
		MemoryBytes: e.cfg.MemBytes,
		User:        e.cfg.User,
		GroupAdd:    e.cfg.GroupAdd,
	})
	return err
}

func (e *Executor) startExtraCommands(ctx context.Context) error {
	if len(e.cfg.ExtraCommands) == 0 {
		return nil
	}
	outputs := filepath.Join(e.outputsDir, "commands")
	if err := os.MkdirAll(outputs, 0o755); err != nil {
		return fmt.Errorf("failed to create extra commands outputs directory: %w", err)
	}
	return e.cmds.Start(ctx, e.cfg.clientContainerName(), e.cfg.User, e.cfg.ExtraCommands, outputs)
}

func (e *Executor) runLoadGeneration(ctx context.Context, jwtSecretFile, engineURL string) error {
	runCfg, err := k6.BuildConfig(k6.ScenarioOptions{
		Name:       e.cfg.ScenarioName,
		ClientType: e.cfg.Client.Name,
		Iterations: e.cfg.Amount,
		Rate:       e.cfg.Rate,
		Duration:   e.cfg.Duration,
	})
	if err != nil {
		return err
	}

	spec := k6.RunSpec{
		TestID:          e.testID,
		PayloadsFile:    e.cfg.PayloadsFile,
		FCUsFile:        e.cfg.FCUsFile,
		JWTSecretFile:   jwtSecretFile,
		OutputsDir:      e.outputsDir,
		PayloadsSkip:    e.cfg.Skip,
		PayloadsWarmup:  e.cfg.Warmup,
		EngineURL:       engineURL,
		PerPayloadStats: e.cfg.PerPayload,
		CheckValid:      e.cfg.CheckValid,
		PrometheusRW:    remoteWriteSpec(e.cfg.PrometheusRW),
	}
	if err := spec.Validate(); err != nil {
		return err
	}

	if err := os.WriteFile(spec.HostScriptFile(), []byte(k6.Script), 0o666); err != nil {
		return fmt.Errorf("failed to write k6 script: %w", err)
	}
	if err := os.WriteFile(spec.HostConfigFile(), runCfg, 0o666); err != nil {
		return fmt.Errorf("failed to write k6 config: %w", err)
	}
	e.logger.Info("k6 script prepared",
		slog.String("k6_script_file", spec.HostScriptFile()),
		slog.String("k6_config_file", spec.HostConfigFile()),
	)

	e.logger.Info("running k6", slog.String("k6_docker_image", e.cfg.K6Image))
	exitCode, err := e.runtime.RunContainer(ctx, docker.ContainerSpec{
		Name:     e.cfg.containerName("k6"),
		Image:    e.cfg.K6Image,
		Command:  spec.Command(),
		Env:      spec.Environment(),
		Network:  e.cfg.networkName(),
		Volumes:  spec.Volumes(),
		User:     e.cfg.User,
		GroupAdd: e.cfg.GroupAdd,
	})
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("k6 exited with code %d", exitCode)
	}
	return nil
}

func (e *Executor) recordStart(ctx context.Context) string {
	if e.store == nil {
		return ""
	}
	runID, err := e.store.StartRun(ctx, results.Run{
		TestID:   e.testID,
		Scenario: e.cfg.ScenarioName,
		Client:   e.cfg.Client.Name,
		Image:    e.cfg.clientImage(),
		Network:  e.cfg.Network.Name,
	})
	if err != nil {
		e.logger.Warn("failed to record run start", slog.String("error", err.Error()))
		return ""
	}
	return runID
}

// recordCompletion persists the run outcome, the summary aggregates, and the
// per-payload metrics parsed from the archived k6 log. Runs after cleanup so
// the artifacts exist.
func (e *Executor) recordCompletion(runID string, execErr error) {
	if e.store == nil || runID == "" {
		return
	}
	ctx := context.Background()

	run := results.Run{Status: results.StatusCompleted}
	if execErr != nil {
		run.Status = results.StatusFailed
		run.Error = execErr.Error()
	}
	if data, err := os.ReadFile(filepath.Join(e.outputsDir, "k6-summary.json")); err == nil {
		if parsed, err := results.ParseSummary(data); err == nil {
			run.Iterations = parsed.Iterations
			run.ChecksPassed = parsed.ChecksPassed
			run.ChecksFailed = parsed.ChecksFailed
			run.RequestAvgMS = parsed.RequestAvgMS
			run.RequestP95MS = parsed.RequestP95MS
			run.NewPayloadP95MS = parsed.NewPayloadP95MS
		}
	}
	if err := e.store.CompleteRun(ctx, runID, run); err != nil {
		e.logger.Warn("failed to record run completion", slog.String("error", err.Error()))
	}

	if !e.cfg.PerPayload {
		return
	}
	f, err := os.Open(filepath.Join(e.outputsDir, "k6.log"))
	if err != nil {
		return
	}
	defer f.Close()
	payloadMetrics, err := results.ParsePayloadMetrics(f)
	if err != nil {
		e.logger.Warn("failed to parse per-payload metrics", slog.String("error", err.Error()))
		return
	}
	if err := e.store.AddPayloadMetrics(ctx, runID, payloadMetrics); err != nil {
		e.logger.Warn("failed to store per-payload metrics", slog.String("error", err.Error()))
	}
}

// cleanup releases everything the scenario may have acquired, in priority
// order, each step guarded independently. It runs on a fresh context so a
// cancelled scenario still tears down.
func (e *Executor) cleanup() {
	ctx := context.Background()
	e.logger.Info("cleaning up scenario")

	e.step("k6", func() error {
		name := e.cfg.containerName("k6")
		if err := e.runtime.SaveLogs(ctx, name, filepath.Join(e.outputsDir, "k6.log")); err != nil {
			e.logger.Warn("failed to save k6 logs", slog.String("error", err.Error()))
		}
		return e.runtime.StopAndRemove(ctx, name, 4)
	})

	e.step("execution-client", func() error {
		name := e.cfg.clientContainerName()
		logFile := filepath.Join(e.outputsDir, e.cfg.Client.Name+".log")
		e.logger.Info("saving execution client logs", slog.String("logs_file", logFile))
		if err := e.runtime.SaveLogs(ctx, name, logFile); err != nil {
			e.logger.Warn("failed to save execution client logs", slog.String("error", err.Error()))
		}
		return e.runtime.StopAndRemove(ctx, name, 2)
	})

	e.step("extra-commands", func() error {
		e.cmds.Stop()
		return nil
	})

	e.step("alloy", func() error {
		if !e.exports {
			return nil
		}
		return e.runtime.StopAndRemove(ctx, e.cfg.containerName("alloy"), 1)
	})

	e.step("network", func() error {
		return e.runtime.RemoveNetwork(ctx, e.cfg.networkName())
	})

	e.step("snapshot", func() error {
		return e.snapshots.Delete(ctx, e.cfg.ExecutorName(), e.cfg.SnapshotSource)
	})

	e.logger.Info("cleanup completed")
}

// step runs one cleanup action; a failure is logged and counted, never
// propagated, so the remaining steps always run.
func (e *Executor) step(name string, fn func() error) {
	if err := fn(); err != nil {
		e.logger.Error("cleanup step failed",
			slog.String("step", name),
			slog.String("error", err.Error()),
		)
		if e.metrics != nil {
			e.metrics.RecordCleanupFailure(name)
		}
	}
}

// CurrentUser returns the uid/gid strings for container user mapping.
func CurrentUser() (user string, groupAdd []string) {
	return strconv.Itoa(os.Getuid()), []string{strconv.Itoa(os.Getgid())}
}
