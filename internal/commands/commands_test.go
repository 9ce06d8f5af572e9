package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeExecer mimics long-running container commands: each Exec writes its
// command string to w, then blocks until the context is cancelled.
type fakeExecer struct {
	mu    sync.Mutex
	calls []string
	block bool
}

func (f *fakeExecer) Exec(ctx context.Context, _, command, _ string, w io.Writer) (int, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	f.mu.Unlock()
	fmt.Fprintln(w, command)
	if f.block {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return 0, nil
}

func (f *fakeExecer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestRunnerStartAndStop(t *testing.T) {
	execer := &fakeExecer{block: true}
	runner := NewRunner(execer, nil)
	outputs := t.TempDir()

	cmds := []string{"iostat -x 1", "vmstat 1"}
	if err := runner.Start(context.Background(), "expb-executor-bench-execution-client", "1000", cmds, outputs); err != nil {
		t.Fatal(err)
	}

	// Both commands launch in parallel.
	deadline := time.After(2 * time.Second)
	for execer.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("only %d of 2 commands launched", execer.callCount())
		case <-time.After(10 * time.Millisecond):
		}
	}

	runner.Stop()

	for i, cmd := range cmds {
		data, err := os.ReadFile(filepath.Join(outputs, fmt.Sprintf("cmd-%d.log", i)))
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != cmd+"\n" {
			t.Errorf("cmd-%d.log = %q, want %q", i, data, cmd+"\n")
		}
	}
}

func TestRunnerStopWithoutStart(t *testing.T) {
	runner := NewRunner(&fakeExecer{}, nil)
	runner.Stop() // must not panic
}

func TestRunnerStartNoCommands(t *testing.T) {
	runner := NewRunner(&fakeExecer{}, nil)
	if err := runner.Start(context.Background(), "c", "0", nil, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	runner.Stop()
}

func TestRunnerRejectsDoubleStart(t *testing.T) {
	execer := &fakeExecer{block: true}
	runner := NewRunner(execer, nil)
	defer runner.Stop()

	if err := runner.Start(context.Background(), "c", "0", []string{"top"}, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	if err := runner.Start(context.Background(), "c", "0", []string{"top"}, t.TempDir()); err == nil {
		t.Fatal("second Start should fail while commands are running")
	}
}

func TestRunnerCommandFailureDoesNotAbort(t *testing.T) {
	execer := &fakeExecer{} // commands exit immediately with code 0
	runner := NewRunner(execer, nil)
	if err := runner.Start(context.Background(), "c", "0", []string{"true", "false"}, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	runner.Stop()
	// Stop after self-terminated commands is still clean; restart allowed.
	if err := runner.Start(context.Background(), "c", "0", []string{"true"}, t.TempDir()); err != nil {
		t.Fatal(err)
	}
	runner.Stop()
}
