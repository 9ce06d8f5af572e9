package results

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "results.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.StartRun(ctx, Run{
		TestID:   "mainnet-geth-1000-20260823-120000",
		Scenario: "mainnet-geth-1000",
		Client:   "geth",
		Image:    "ethereum/client-go:v1.14.12",
		Network:  "mainnet",
	})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("StartRun returned an empty id")
	}

	run, err := store.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusRunning {
		t.Errorf("status = %q, want running", run.Status)
	}

	if err := store.CompleteRun(ctx, id, Run{
		Status:       StatusCompleted,
		Iterations:   1000,
		ChecksPassed: 2000,
		RequestAvgMS: 42.5,
		RequestP95MS: 98.7,
	}); err != nil {
		t.Fatal(err)
	}

	run, err = store.GetRun(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted || run.Iterations != 1000 || run.RequestP95MS != 98.7 {
		t.Errorf("completed run = %+v", run)
	}
}

func TestCompleteRunUnknownID(t *testing.T) {
	store := openTestStore(t)
	if err := store.CompleteRun(context.Background(), "nope", Run{}); err == nil {
		t.Fatal("expected error for unknown run id")
	}
}

func TestListRunsFiltersByScenario(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	for _, scenario := range []string{"mainnet-geth", "mainnet-reth", "mainnet-geth"} {
		if _, err := store.StartRun(ctx, Run{TestID: "t", Scenario: scenario, Client: "c", Network: "mainnet"}); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := store.ListRuns(ctx, "mainnet-geth", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("filtered runs = %d, want 2", len(runs))
	}

	runs, err = store.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 3 {
		t.Errorf("all runs = %d, want 3", len(runs))
	}
}

func TestPayloadMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	id, err := store.StartRun(ctx, Run{TestID: "t", Scenario: "s", Client: "c", Network: "mainnet"})
	if err != nil {
		t.Fatal(err)
	}

	want := []PayloadMetric{
		{Index: 0, Block: 21000000, GasUsed: 14_500_000, NewPayloadMS: 120.5, FCUMS: 8.2},
		{Index: 1, Block: 21000001, GasUsed: 29_900_000, NewPayloadMS: 240.1, FCUMS: 9.9},
	}
	if err := store.AddPayloadMetrics(ctx, id, want); err != nil {
		t.Fatal(err)
	}

	got, err := store.GetPayloadMetrics(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("metric count = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("metric %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestParsePayloadMetrics(t *testing.T) {
	log := strings.Join([]string{
		`time="2026-08-23T12:00:01Z" level=info msg="running"`,
		`EXPB_PAYLOAD_METRIC {"index":0,"block":21000000,"gas_used":14500000,"new_payload_ms":120.5,"fcu_ms":8.2}`,
		`some unrelated noise`,
		`INFO[0042] EXPB_PAYLOAD_METRIC {"index":1,"block":21000001,"gas_used":29900000,"new_payload_ms":240.1,"fcu_ms":9.9}  source=console`,
	}, "\n")

	metrics, err := ParsePayloadMetrics(strings.NewReader(log))
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 2 {
		t.Fatalf("metric count = %d, want 2", len(metrics))
	}
	if metrics[0].Block != 21000000 || metrics[0].NewPayloadMS != 120.5 {
		t.Errorf("metric 0 = %+v", metrics[0])
	}
	if metrics[1].Index != 1 || metrics[1].GasUsed != 29900000 {
		t.Errorf("metric 1 = %+v", metrics[1])
	}
}

func TestParsePayloadMetricsRejectsMalformedMarkerLine(t *testing.T) {
	_, err := ParsePayloadMetrics(strings.NewReader("EXPB_PAYLOAD_METRIC {not json"))
	if err == nil {
		t.Fatal("expected error for malformed metric line")
	}
}

func TestParseSummary(t *testing.T) {
	data := []byte(`{
		"metrics": {
			"iterations": {"count": 1000, "rate": 3.1},
			"checks": {"passes": 1990, "fails": 10},
			"http_req_duration": {"avg": 42.5, "p(95)": 98.7},
			"http_req_duration{group:::engine_newPayload}": {"p(95)": 150.2}
		}
	}`)
	run, err := ParseSummary(data)
	if err != nil {
		t.Fatal(err)
	}
	if run.Iterations != 1000 || run.ChecksPassed != 1990 || run.ChecksFailed != 10 {
		t.Errorf("counts = %+v", run)
	}
	if run.RequestAvgMS != 42.5 || run.RequestP95MS != 98.7 || run.NewPayloadP95MS != 150.2 {
		t.Errorf("durations = %+v", run)
	}
}

func TestParseSummaryMissingMetrics(t *testing.T) {
	run, err := ParseSummary([]byte(`{"metrics": {}}`))
	if err != nil {
		t.Fatal(err)
	}
	if run.Iterations != 0 || run.RequestAvgMS != 0 {
		t.Errorf("zero summary = %+v", run)
	}
}

func TestMgasPerSec(t *testing.T) {
	m := PayloadMetric{GasUsed: 15_000_000, NewPayloadMS: 500}
	if got := m.MgasPerSec(); got != 30 {
		t.Errorf("MgasPerSec = %v, want 30", got)
	}
	if (PayloadMetric{GasUsed: 1}).MgasPerSec() != 0 {
		t.Error("zero duration should yield zero throughput")
	}
}
