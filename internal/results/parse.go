package results

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// metricMarker prefixes the per-payload lines emitted by the replay script.
const metricMarker = "EXPB_PAYLOAD_METRIC "

// ParsePayloadMetrics extracts the per-payload measurements from the
// load-generator log stream. Lines without the marker are ignored; a marker
// line that fails to decode is an error, because it means the script and the
// parser disagree on the format.
func ParsePayloadMetrics(r io.Reader) ([]PayloadMetric, error) {
	var metrics []PayloadMetric
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.Index(line, metricMarker)
		if idx < 0 {
			continue
		}
		payload := line[idx+len(metricMarker):]
		// Container log decorations may trail the JSON object.
		if end := strings.LastIndexByte(payload, '}'); end >= 0 {
			payload = payload[:end+1]
		}

		var m struct {
			Index        int64   `json:"index"`
			Block        int64   `json:"block"`
			GasUsed      int64   `json:"gas_used"`
			NewPayloadMS float64 `json:"new_payload_ms"`
			FCUMS        float64 `json:"fcu_ms"`
		}
		if err := json.Unmarshal([]byte(payload), &m); err != nil {
			return nil, fmt.Errorf("failed to decode payload metric line %q: %w", line, err)
		}
		metrics = append(metrics, PayloadMetric{
			Index:        m.Index,
			Block:        m.Block,
			GasUsed:      m.GasUsed,
			NewPayloadMS: m.NewPayloadMS,
			FCUMS:        m.FCUMS,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log stream: %w", err)
	}
	return metrics, nil
}

// ParseSummary extracts the run aggregates from the k6 summary-export
// artifact. Missing metrics leave their fields zero: the summary shape varies
// with the configured outputs and thresholds.
func ParseSummary(data []byte) (Run, error) {
	var summary struct {
		Metrics map[string]map[string]float64 `json:"metrics"`
	}
	if err := json.Unmarshal(data, &summary); err != nil {
		return Run{}, fmt.Errorf("failed to decode summary artifact: %w", err)
	}

	var run Run
	if m, ok := summary.Metrics["iterations"]; ok {
		run.Iterations = int64(m["count"])
	}
	if m, ok := summary.Metrics["checks"]; ok {
		run.ChecksPassed = int64(m["passes"])
		run.ChecksFailed = int64(m["fails"])
	}
	if m, ok := summary.Metrics["http_req_duration"]; ok {
		run.RequestAvgMS = m["avg"]
		run.RequestP95MS = m["p(95)"]
	}
	if m, ok := summary.Metrics["http_req_duration{group:::engine_newPayload}"]; ok {
		run.NewPayloadP95MS = m["p(95)"]
	}
	return run, nil
}
