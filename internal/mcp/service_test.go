package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/config"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/executor"
)

// fakeRuntime only needs Close; the fake run func never touches the embedded
// interface.
type fakeRuntime struct {
	executor.Runtime
	closed chan struct{}
}

func (f *fakeRuntime) Close() error {
	close(f.closed)
	return nil
}

func writeTestConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	data := `
scenarios:
  bench:
    client: geth
    amount: 100
    snapshot:
      source: /snapshots/geth
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testService(t *testing.T) *Service {
	t.Helper()
	return NewService(writeTestConfig(t), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestExecuteScenarioClosesRuntime(t *testing.T) {
	svc := testService(t)

	rt := &fakeRuntime{closed: make(chan struct{})}
	svc.newRuntime = func(*slog.Logger) (scenarioRuntime, error) { return rt, nil }
	svc.run = func(context.Context, *config.File, string, executor.Runtime, *slog.Logger, ...executor.Option) error {
		return nil
	}

	if err := svc.executeScenario("bench"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-rt.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("runtime not closed after the run finished")
	}
}

func TestExecuteScenarioRejectsConcurrentRuns(t *testing.T) {
	svc := testService(t)

	release := make(chan struct{})
	started := make(chan struct{})
	rt := &fakeRuntime{closed: make(chan struct{})}
	svc.newRuntime = func(*slog.Logger) (scenarioRuntime, error) { return rt, nil }
	svc.run = func(context.Context, *config.File, string, executor.Runtime, *slog.Logger, ...executor.Option) error {
		close(started)
		<-release
		return nil
	}

	if err := svc.executeScenario("bench"); err != nil {
		t.Fatal(err)
	}
	<-started

	err := svc.executeScenario("bench")
	if err == nil || !strings.Contains(err.Error(), "already executing") {
		t.Fatalf("err = %v, want rejection while a scenario is executing", err)
	}

	close(release)
	<-rt.closed
	// The guard clears after the runtime is released.
	deadline := time.Now().Add(5 * time.Second)
	for {
		svc.mu.Lock()
		running := svc.running
		svc.mu.Unlock()
		if running == "" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("running guard never cleared")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExecuteScenarioUnknownName(t *testing.T) {
	svc := testService(t)
	if err := svc.executeScenario("missing"); err == nil {
		t.Fatal("expected error for unknown scenario")
	}
}
