package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/clients"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/telemetry"
)

// fakeRuntime records every call and lets tests fail specific operations.
type fakeRuntime struct {
	mu    sync.Mutex
	calls []string
	specs map[string]docker.ContainerSpec

	ips               map[string]string
	k6ExitCode        int64
	failClientStart   bool
	failRemoveNetwork bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		specs: map[string]docker.ContainerSpec{},
		ips:   map[string]string{},
	}
}

func (f *fakeRuntime) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeRuntime) CreateNetwork(_ context.Context, name string) (string, error) {
	f.record("CreateNetwork %s", name)
	return "net-id", nil
}

func (f *fakeRuntime) RemoveNetwork(_ context.Context, name string) error {
	f.record("RemoveNetwork %s", name)
	if f.failRemoveNetwork {
		return errors.New("network busy")
	}
	return nil
}

func (f *fakeRuntime) PullImage(_ context.Context, ref string) error {
	f.record("PullImage %s", ref)
	return nil
}

func (f *fakeRuntime) StartContainer(_ context.Context, spec docker.ContainerSpec) (string, error) {
	f.record("StartContainer %s", spec.Name)
	f.mu.Lock()
	f.specs[spec.Name] = spec
	f.mu.Unlock()
	if f.failClientStart && strings.Contains(spec.Name, "geth") {
		return "", errors.New("image not found")
	}
	return "id-" + spec.Name, nil
}

func (f *fakeRuntime) RunContainer(_ context.Context, spec docker.ContainerSpec) (int64, error) {
	f.record("RunContainer %s", spec.Name)
	f.mu.Lock()
	f.specs[spec.Name] = spec
	f.mu.Unlock()
	return f.k6ExitCode, nil
}

func (f *fakeRuntime) ContainerIP(_ context.Context, name, _ string) (string, error) {
	f.record("ContainerIP %s", name)
	if ip, ok := f.ips[name]; ok {
		return ip, nil
	}
	return "10.0.0.9", nil
}

func (f *fakeRuntime) SaveLogs(_ context.Context, name, path string) error {
	f.record("SaveLogs %s", name)
	return os.WriteFile(path, []byte("logs of "+name+"\n"), 0o666)
}

func (f *fakeRuntime) StopAndRemove(_ context.Context, name string, volumeCount int) error {
	f.record("StopAndRemove %s vols=%d", name, volumeCount)
	return nil
}

func (f *fakeRuntime) LimitBandwidth(_ context.Context, containerName, download, upload string) error {
	f.record("LimitBandwidth %s %s %s", containerName, download, upload)
	return nil
}

func (f *fakeRuntime) Exec(ctx context.Context, containerName, command, _ string, w io.Writer) (int, error) {
	f.record("Exec %s %s", containerName, command)
	fmt.Fprintln(w, "running", command)
	<-ctx.Done()
	return 0, nil
}

// callIndex returns the position of the first call starting with prefix.
func (f *fakeRuntime) callIndex(t *testing.T, prefix string) int {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return i
		}
	}
	t.Fatalf("call %q missing in:\n%s", prefix, strings.Join(f.calls, "\n"))
	return -1
}

func (f *fakeRuntime) hasCall(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, call := range f.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

type fakeSnapshots struct {
	dir     string
	created []string
	deleted []string
}

func (s *fakeSnapshots) Create(_ context.Context, name, _ string) (string, error) {
	s.created = append(s.created, name)
	return s.dir, nil
}

func (s *fakeSnapshots) Get(_ context.Context, _, _ string) (string, error) {
	return s.dir, nil
}

func (s *fakeSnapshots) Delete(_ context.Context, name, _ string) error {
	s.deleted = append(s.deleted, name)
	return nil
}

func testConfig(t *testing.T, clientName string) Config {
	t.Helper()
	def, err := clients.Get(clientName)
	if err != nil {
		t.Fatal(err)
	}
	return Config{
		ScenarioName:   "test",
		Network:        networks.Mainnet,
		Client:         def,
		PayloadsFile:   filepath.Join(t.TempDir(), "payloads.jsonl"),
		FCUsFile:       filepath.Join(t.TempDir(), "fcus.jsonl"),
		WorkDir:        t.TempDir(),
		OutputsBase:    t.TempDir(),
		SnapshotSource: "/snapshots/mainnet",
		Amount:         10,
		CPUs:           4,
		MemBytes:       32 << 30,
		DownloadSpeed:  "50mbit",
		UploadSpeed:    "15mbit",
		K6Image:        "grafana/k6:latest",
		AlloyImage:     "grafana/alloy:latest",
		CheckValid:     true,
	}
}

func newTestExecutor(t *testing.T, cfg Config, rt *fakeRuntime, snaps *fakeSnapshots) *Executor {
	t.Helper()
	e := New(cfg, rt, snaps, nil)
	e.waitRPC = func(context.Context, string, engine.WaitConfig) (uint64, error) {
		rt.record("WaitRPC")
		return 21000000, nil
	}
	return e
}

func TestExecuteHappyPathOrdering(t *testing.T) {
	rt := newFakeRuntime()
	snaps := &fakeSnapshots{dir: t.TempDir()}
	e := newTestExecutor(t, testConfig(t, "geth"), rt, snaps)

	if err := e.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Setup order: network, client, readiness, load generation.
	order := []string{
		"CreateNetwork expb-executor-test-network",
		"StartContainer expb-executor-test-geth",
		"ContainerIP expb-executor-test-geth",
		"WaitRPC",
		"RunContainer expb-executor-test-k6",
	}
	last := -1
	for _, prefix := range order {
		idx := rt.callIndex(t, prefix)
		if idx <= last {
			t.Errorf("%q at %d, expected after %d:\n%s", prefix, idx, last, strings.Join(rt.calls, "\n"))
		}
		last = idx
	}

	// Cleanup order: k6, client, network, snapshot.
	k6Stop := rt.callIndex(t, "StopAndRemove expb-executor-test-k6 vols=4")
	clientStop := rt.callIndex(t, "StopAndRemove expb-executor-test-geth vols=2")
	netRemove := rt.callIndex(t, "RemoveNetwork expb-executor-test-network")
	if !(k6Stop < clientStop && clientStop < netRemove) {
		t.Errorf("cleanup order wrong:\n%s", strings.Join(rt.calls, "\n"))
	}
	if len(snaps.deleted) != 1 || snaps.deleted[0] != "expb-executor-test" {
		t.Errorf("snapshot deletions = %v", snaps.deleted)
	}

	// No telemetry configured: no alloy container, no bandwidth limit.
	if rt.hasCall("StartContainer expb-executor-test-alloy") {
		t.Error("alloy started without any export configured")
	}
	if rt.hasCall("LimitBandwidth") {
		t.Error("bandwidth limited without the flag set")
	}

	// The run artifacts must exist where cleanup archived them.
	for _, file := range []string{"k6-script.js", "k6-config.json", "k6.log", "geth.log"} {
		if _, err := os.Stat(filepath.Join(e.OutputsDir(), file)); err != nil {
			t.Errorf("missing artifact %s: %v", file, err)
		}
	}
}

func TestExecuteCleanupRunsOnSetupFailure(t *testing.T) {
	rt := newFakeRuntime()
	rt.failClientStart = true
	snaps := &fakeSnapshots{dir: t.TempDir()}
	e := newTestExecutor(t, testConfig(t, "geth"), rt, snaps)

	if err := e.Execute(context.Background()); err == nil {
		t.Fatal("expected client start failure")
	}

	if !rt.hasCall("RemoveNetwork expb-executor-test-network") {
		t.Error("network not removed after setup failure")
	}
	if len(snaps.deleted) != 1 {
		t.Errorf("snapshot deletions = %v", snaps.deleted)
	}
	if rt.hasCall("RunContainer expb-executor-test-k6") {
		t.Error("k6 ran despite client failure")
	}
}

func TestCleanupContinuesPastFailingStep(t *testing.T) {
	rt := newFakeRuntime()
	rt.failRemoveNetwork = true
	snaps := &fakeSnapshots{dir: t.TempDir()}
	e := newTestExecutor(t, testConfig(t, "geth"), rt, snaps)

	if err := e.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(snaps.deleted) != 1 {
		t.Error("snapshot not released after network removal failed")
	}
}

func TestExecuteFailsOnNonZeroK6Exit(t *testing.T) {
	rt := newFakeRuntime()
	rt.k6ExitCode = 99
	snaps := &fakeSnapshots{dir: t.TempDir()}
	e := newTestExecutor(t, testConfig(t, "geth"), rt, snaps)

	err := e.Execute(context.Background())
	if err == nil || !strings.Contains(err.Error(), "exited with code 99") {
		t.Fatalf("err = %v", err)
	}
	if !rt.hasCall("StopAndRemove expb-executor-test-k6") {
		t.Error("k6 container not cleaned up")
	}
}

func TestExecuteTelemetryAndBandwidth(t *testing.T) {
	rt := newFakeRuntime()
	rt.ips["expb-executor-test-alloy"] = "10.0.0.7"
	snaps := &fakeSnapshots{dir: t.TempDir()}

	cfg := testConfig(t, "nethermind")
	cfg.LimitBandwidth = true
	cfg.PullImages = true
	cfg.PrometheusRW = &telemetry.PrometheusRemoteWrite{Endpoint: "https://prom.example/api/v1/write"}
	cfg.Pyroscope = &telemetry.Pyroscope{Endpoint: "https://pyro.example"}
	e := newTestExecutor(t, cfg, rt, snaps)

	if err := e.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Sidecar starts before the client so the relay endpoint can be injected.
	alloyStart := rt.callIndex(t, "StartContainer expb-executor-test-alloy")
	clientStart := rt.callIndex(t, "StartContainer expb-executor-test-nethermind")
	if alloyStart >= clientStart {
		t.Error("alloy must start before the execution client")
	}

	clientSpec := rt.specs["expb-executor-test-nethermind"]
	if got := clientSpec.Env["PYROSCOPE_SERVER_ADDRESS"]; got != "http://10.0.0.7:9999" {
		t.Errorf("pyroscope endpoint = %q", got)
	}

	limit := rt.callIndex(t, "LimitBandwidth expb-executor-test-nethermind 50mbit 15mbit")
	if limit <= clientStart {
		t.Error("bandwidth limit must follow client start")
	}

	if !rt.hasCall("PullImage grafana/alloy:latest") {
		t.Error("alloy image not pulled")
	}
	if !rt.hasCall("StopAndRemove expb-executor-test-alloy vols=1") {
		t.Error("alloy not cleaned up")
	}

	if _, err := os.Stat(filepath.Join(e.OutputsDir(), "config.alloy")); err != nil {
		t.Errorf("missing alloy config artifact: %v", err)
	}
}

func TestExecuteRunsExtraCommands(t *testing.T) {
	rt := newFakeRuntime()
	snaps := &fakeSnapshots{dir: t.TempDir()}

	cfg := testConfig(t, "geth")
	cfg.ExtraCommands = []string{"top -b", "vmstat 1"}
	e := newTestExecutor(t, cfg, rt, snaps)

	if err := e.Execute(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := range cfg.ExtraCommands {
		logFile := filepath.Join(e.OutputsDir(), "commands", fmt.Sprintf("cmd-%d.log", i))
		if _, err := os.Stat(logFile); err != nil {
			t.Errorf("missing extra command log %d: %v", i, err)
		}
	}
	if !rt.hasCall("Exec expb-executor-test-geth top -b") {
		t.Error("first extra command not executed in the client container")
	}
	// Commands launch only after the client answers JSON-RPC.
	if rt.callIndex(t, "Exec expb-executor-test-geth") < rt.callIndex(t, "WaitRPC") {
		t.Errorf("extra command ran before the client was ready:\n%s", strings.Join(rt.calls, "\n"))
	}
}
