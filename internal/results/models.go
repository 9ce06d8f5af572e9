package results

import "time"

// Run is one recorded scenario execution.
type Run struct {
	ID          string
	TestID      string
	Scenario    string
	Client      string
	Image       string
	Network     string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      string // running, completed, failed
	Error       string

	// Aggregates extracted from the load-generator summary artifact.
	Iterations      int64
	ChecksPassed    int64
	ChecksFailed    int64
	RequestAvgMS    float64
	RequestP95MS    float64
	NewPayloadP95MS float64
}

// Run status values.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// PayloadMetric is one per-payload measurement emitted by the replay script.
type PayloadMetric struct {
	Index        int64
	Block        int64
	GasUsed      int64
	NewPayloadMS float64
	FCUMS        float64
}

// MgasPerSec is the standard throughput figure for one payload.
func (m PayloadMetric) MgasPerSec() float64 {
	if m.NewPayloadMS <= 0 {
		return 0
	}
	return float64(m.GasUsed) / 1e6 / (m.NewPayloadMS / 1000)
}
