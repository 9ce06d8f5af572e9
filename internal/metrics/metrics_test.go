package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestObserveScenarioOutcomes(t *testing.T) {
	m := New()
	m.ObserveScenario("mainnet-geth", "geth", 120, nil)
	m.ObserveScenario("mainnet-geth", "geth", 60, errors.New("boom"))

	body := scrape(t, m)
	if !strings.Contains(body, `expb_scenarios_total{client="geth",outcome="completed",scenario="mainnet-geth"} 1`) {
		t.Errorf("completed counter missing:\n%s", body)
	}
	if !strings.Contains(body, `expb_scenarios_total{client="geth",outcome="failed",scenario="mainnet-geth"} 1`) {
		t.Errorf("failed counter missing:\n%s", body)
	}
	if !strings.Contains(body, `expb_scenario_duration_seconds_count{client="geth",scenario="mainnet-geth"} 2`) {
		t.Errorf("duration histogram missing:\n%s", body)
	}
}

func TestReadinessAndCleanupMetrics(t *testing.T) {
	m := New()
	m.ObserveReadiness("reth", 42)
	m.RecordCleanupFailure("remove-network")
	m.RecordCleanupFailure("remove-network")

	body := scrape(t, m)
	if !strings.Contains(body, `expb_client_readiness_wait_seconds_count{client="reth"} 1`) {
		t.Errorf("readiness histogram missing:\n%s", body)
	}
	if !strings.Contains(body, `expb_cleanup_failures_total{step="remove-network"} 2`) {
		t.Errorf("cleanup counter missing:\n%s", body)
	}
}
