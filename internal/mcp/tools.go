package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/config"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/results"
)

// RegisterTools registers all benchmark harness tools on the MCP server.
func RegisterTools(s *server.MCPServer, svc *Service) {
	registerListScenarios(s, svc)
	registerScenarioDetail(s, svc)
	registerExecuteScenario(s, svc)
	registerListRuns(s, svc)
	registerRunDetail(s, svc)
	registerPayloadMetrics(s, svc)
}

func registerListScenarios(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_list_scenarios",
		gomcp.WithDescription("List the benchmark scenarios configured in the scenario file: client, payload amount and replay rate per scenario."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		f, err := svc.loadConfig()
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to load config file: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatScenarioList(svc.configFile, f)), nil
	})
}

func registerScenarioDetail(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_scenario",
		gomcp.WithDescription("Show the full configuration of one benchmark scenario."),
		gomcp.WithString("scenario_name",
			gomcp.Required(),
			gomcp.Description("Name of the scenario as listed by expb_list_scenarios"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		name, err := req.RequireString("scenario_name")
		if err != nil {
			return gomcp.NewToolResultError("scenario_name is required"), nil
		}
		f, err := svc.loadConfig()
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to load config file: %v", err)), nil
		}
		sc, ok := f.Scenarios[name]
		if !ok {
			return gomcp.NewToolResultError(fmt.Sprintf("Unknown scenario %q (configured: %s)",
				name, strings.Join(f.Names(), ", "))), nil
		}
		return gomcp.NewToolResultText(formatScenario(name, f, sc)), nil
	})
}

func registerExecuteScenario(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_execute_scenario",
		gomcp.WithDescription("Execute a benchmark scenario. This is a MUTATING operation: it provisions a chain-state snapshot, starts containers and replays payloads. Runs in the background; track progress with expb_list_runs."),
		gomcp.WithString("scenario_name",
			gomcp.Required(),
			gomcp.Description("Name of the scenario as listed by expb_list_scenarios"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		name, err := req.RequireString("scenario_name")
		if err != nil {
			return gomcp.NewToolResultError("scenario_name is required"), nil
		}
		if err := svc.executeScenario(name); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to start scenario: %v", err)), nil
		}
		return gomcp.NewToolResultText(fmt.Sprintf(
			"Scenario %s execution started in the background. Track progress with expb_list_runs.", name)), nil
	})
}

func registerListRuns(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_list_runs",
		gomcp.WithDescription("List recorded benchmark runs, most recent first. Optionally filtered by scenario name."),
		gomcp.WithString("scenario",
			gomcp.Description("Only list runs of this scenario"),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Maximum number of runs to return (default 20)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		scenario := req.GetString("scenario", "")
		limit := req.GetInt("limit", 20)

		runs, err := svc.listRuns(ctx, scenario, limit)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to list runs: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRunList(scenario, runs)), nil
	})
}

func registerRunDetail(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_run",
		gomcp.WithDescription("Show one recorded benchmark run: status, timing and the load-generator summary aggregates."),
		gomcp.WithString("run_id",
			gomcp.Required(),
			gomcp.Description("Run ID as listed by expb_list_runs"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return gomcp.NewToolResultError("run_id is required"), nil
		}
		run, err := svc.getRun(ctx, id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get run: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRun(run)), nil
	})
}

func registerPayloadMetrics(s *server.MCPServer, svc *Service) {
	tool := gomcp.NewTool("expb_payload_metrics",
		gomcp.WithDescription("Summarize the per-payload measurements of a run: throughput in Mgas/s and the slowest payloads."),
		gomcp.WithString("run_id",
			gomcp.Required(),
			gomcp.Description("Run ID as listed by expb_list_runs"),
		),
		gomcp.WithNumber("slowest",
			gomcp.Description("Number of slowest payloads to list (default 5)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("run_id")
		if err != nil {
			return gomcp.NewToolResultError("run_id is required"), nil
		}
		slowest := req.GetInt("slowest", 5)

		metrics, err := svc.getPayloadMetrics(ctx, id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Failed to get payload metrics: %v", err)), nil
		}
		if len(metrics) == 0 {
			return gomcp.NewToolResultError(fmt.Sprintf("No payload metrics recorded for run %s", id)), nil
		}
		return gomcp.NewToolResultText(formatPayloadMetrics(id, metrics, slowest)), nil
	})
}

func formatScenarioList(configFile string, f *config.File) string {
	lines := []string{
		section("Scenarios"),
		kv("Config file", configFile),
		kv("Network", f.Network),
	}
	for _, name := range f.Names() {
		sc := f.Scenarios[name]
		rate := "unbounded"
		if sc.Rate > 0 {
			rate = fmt.Sprintf("%d/s", sc.Rate)
		}
		lines = append(lines, fmt.Sprintf("- %s: client=%s amount=%s rate=%s",
			name, sc.Client, formatNumber(sc.Amount), rate))
	}
	return joinLines(lines...)
}

func formatScenario(name string, f *config.File, sc config.Scenario) string {
	lines := []string{
		section("Scenario " + name),
		kv("Client", sc.Client),
		kv("Network", f.Network),
	}
	if sc.Image != "" {
		lines = append(lines, kv("Image", sc.Image))
	}
	lines = append(lines,
		kv("Payloads", formatNumber(sc.Amount)),
		kv("Skip", formatNumber(sc.Skip)),
		kv("Warmup", formatNumber(sc.Warmup)),
	)
	if sc.Rate > 0 {
		lines = append(lines, kv("Rate", fmt.Sprintf("%d payloads/s", sc.Rate)))
	} else {
		lines = append(lines, kv("Rate", "unbounded (back to back)"))
	}
	if sc.Duration != "" {
		lines = append(lines, kv("Duration", sc.Duration))
	}
	lines = append(lines,
		kv("Snapshot backend", sc.Snapshot.Backend),
		kv("Snapshot source", sc.Snapshot.Source),
	)
	if len(sc.ExtraFlags) > 0 {
		lines = append(lines, kv("Extra flags", strings.Join(sc.ExtraFlags, " ")))
	}
	if len(sc.ExtraCommands) > 0 {
		lines = append(lines, kv("Extra commands", formatNumber(len(sc.ExtraCommands))))
	}
	return joinLines(lines...)
}

func formatRunList(scenario string, runs []results.Run) string {
	title := "Runs"
	if scenario != "" {
		title = "Runs of " + scenario
	}
	if len(runs) == 0 {
		return joinLines(section(title), "No runs recorded.")
	}
	lines := []string{section(title)}
	for _, run := range runs {
		lines = append(lines, fmt.Sprintf("- %s  %s  %s/%s  %s  iterations=%s",
			run.ID, run.StartedAt.Format("2006-01-02 15:04:05"),
			run.Scenario, run.Client, run.Status, formatNumber(run.Iterations)))
	}
	return joinLines(lines...)
}

func formatRun(run *results.Run) string {
	lines := []string{
		section("Run " + run.ID),
		kv("Test ID", run.TestID),
		kv("Scenario", run.Scenario),
		kv("Client", run.Client),
		kv("Image", run.Image),
		kv("Network", run.Network),
		kv("Status", run.Status),
		kv("Started", run.StartedAt.Format("2006-01-02 15:04:05")),
	}
	if run.Status != results.StatusRunning {
		lines = append(lines,
			kv("Completed", run.CompletedAt.Format("2006-01-02 15:04:05")),
			kv("Duration", run.CompletedAt.Sub(run.StartedAt).Round(time.Second).String()),
		)
	}
	if run.Error != "" {
		lines = append(lines, kv("Error", run.Error))
	}

	checks := run.ChecksPassed + run.ChecksFailed
	lines = append(lines,
		section("Summary"),
		kv("Iterations", formatNumber(run.Iterations)),
	)
	if checks > 0 {
		lines = append(lines, kv("Checks passed", fmt.Sprintf("%s/%s (%s)",
			formatNumber(run.ChecksPassed), formatNumber(checks),
			formatPct(100*float64(run.ChecksPassed)/float64(checks)))))
	}
	lines = append(lines,
		kv("Request avg", formatMs(run.RequestAvgMS)),
		kv("Request p95", formatMs(run.RequestP95MS)),
		kv("newPayload p95", formatMs(run.NewPayloadP95MS)),
	)
	return joinLines(lines...)
}

func formatPayloadMetrics(runID string, metrics []results.PayloadMetric, slowest int) string {
	var totalGas int64
	var totalNewPayloadMS, totalFCUMS float64
	for _, m := range metrics {
		totalGas += m.GasUsed
		totalNewPayloadMS += m.NewPayloadMS
		totalFCUMS += m.FCUMS
	}
	n := float64(len(metrics))
	throughput := 0.0
	if totalNewPayloadMS > 0 {
		throughput = float64(totalGas) / 1e6 / (totalNewPayloadMS / 1000)
	}

	lines := []string{
		section("Payload metrics of run " + runID),
		kv("Payloads", formatNumber(len(metrics))),
		kv("Total gas", formatNumber(totalGas)),
		kv("Throughput", formatMgas(throughput)),
		kv("newPayload avg", formatMs(totalNewPayloadMS / n)),
		kv("fcu avg", formatMs(totalFCUMS / n)),
	}

	if slowest > len(metrics) {
		slowest = len(metrics)
	}
	if slowest > 0 {
		ranked := make([]results.PayloadMetric, len(metrics))
		copy(ranked, metrics)
		sort.Slice(ranked, func(i, j int) bool {
			return ranked[i].NewPayloadMS > ranked[j].NewPayloadMS
		})
		lines = append(lines, section(fmt.Sprintf("Slowest %d payloads", slowest)))
		for _, m := range ranked[:slowest] {
			lines = append(lines, fmt.Sprintf("- block %s: newPayload %s, fcu %s, gas %s (%s)",
				formatNumber(m.Block), formatMs(m.NewPayloadMS), formatMs(m.FCUMS),
				formatNumber(m.GasUsed), formatMgas(m.MgasPerSec())))
		}
	}
	return joinLines(lines...)
}
