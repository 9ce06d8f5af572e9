// Package k6 builds everything needed to drive a Grafana k6 replay run: the
// script config (executor, thresholds, tags), the container command line and
// environment, and the volume layout of the k6 container.
package k6

import (
	"encoding/json"
	"fmt"
	"math"
)

// DefaultImage is the image used when the scenario does not pin one.
const DefaultImage = "grafana/k6:latest"

// Container paths. Payload files are mounted read-only next to the script so
// the JS side only ever sees stable paths.
const (
	workDir     = "/expb"
	scriptFile  = workDir + "/k6-script.js"
	configFile  = workDir + "/k6-config.json"
	summaryFile = workDir + "/k6-summary.json"
	resultsFile = workDir + "/k6-results.jsonl"

	payloadsFile  = "/payloads/payloads.jsonl"
	fcusFile      = "/payloads/fcus.jsonl"
	jwtSecretFile = "/jwtsecret.hex"
)

// ScenarioOptions selects between the two supported k6 executors. A zero Rate
// means one VU replaying payloads back to back (shared-iterations); a
// positive Rate schedules a constant arrival rate of payloads per TimeUnit.
type ScenarioOptions struct {
	Name            string
	ClientType      string
	Iterations      int
	Rate            int
	Duration        string // derived from Iterations/Rate when empty
	TimeUnit        string // defaults to 1s
	PreAllocatedVUs int    // defaults to 2
	MaxVUs          int    // defaults to 2
}

type scenario struct {
	Executor        string            `json:"executor"`
	VUs             int               `json:"vus,omitempty"`
	Iterations      int               `json:"iterations,omitempty"`
	Rate            int               `json:"rate,omitempty"`
	TimeUnit        string            `json:"timeUnit,omitempty"`
	Duration        string            `json:"duration,omitempty"`
	PreAllocatedVUs int               `json:"preAllocatedVUs,omitempty"`
	MaxVUs          int               `json:"maxVUs,omitempty"`
	Env             map[string]string `json:"env"`
	Tags            map[string]string `json:"tags"`
}

type options struct {
	Scenarios         map[string]scenario `json:"scenarios"`
	Thresholds        map[string][]string `json:"thresholds"`
	SystemTags        []string            `json:"systemTags"`
	SummaryTrendStats []string            `json:"summaryTrendStats"`
	Tags              map[string]string   `json:"tags"`
}

type scriptConfig struct {
	Options options `json:"options"`
}

// BuildConfig renders the k6 script config consumed by the replay script
// through EXPB_CONFIG_FILE_PATH.
func BuildConfig(opts ScenarioOptions) ([]byte, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("scenario name is required")
	}

	var sc scenario
	if opts.Rate > 0 {
		duration := opts.Duration
		if duration == "" {
			seconds := int(math.Ceil(float64(opts.Iterations) / float64(opts.Rate)))
			if seconds < 1 {
				seconds = 1
			}
			duration = fmt.Sprintf("%ds", seconds)
		}
		timeUnit := opts.TimeUnit
		if timeUnit == "" {
			timeUnit = "1s"
		}
		preAllocated := opts.PreAllocatedVUs
		if preAllocated == 0 {
			preAllocated = 2
		}
		maxVUs := opts.MaxVUs
		if maxVUs == 0 {
			maxVUs = 2
		}
		sc = scenario{
			Executor:        "constant-arrival-rate",
			Rate:            opts.Rate,
			TimeUnit:        timeUnit,
			Duration:        duration,
			PreAllocatedVUs: preAllocated,
			MaxVUs:          maxVUs,
			// k6 controls pacing; the script must not abort when the
			// payload stream runs dry before the duration elapses.
			Env:  map[string]string{"EXPB_RATE_MODE": "1", "EXPB_ABORT_ON_EOF": "0"},
			Tags: map[string]string{"client_type": opts.ClientType},
		}
	} else {
		sc = scenario{
			Executor:   "shared-iterations",
			VUs:        1,
			Iterations: opts.Iterations,
			Env:        map[string]string{},
			Tags:       map[string]string{"client_type": opts.ClientType},
		}
	}

	cfg := scriptConfig{
		Options: options{
			Scenarios:  map[string]scenario{opts.Name: sc},
			Thresholds: map[string][]string{"http_req_failed": {"rate < 0.01"}},
			SystemTags: []string{
				"scenario", "status", "url", "group", "check", "error", "error_code",
			},
			SummaryTrendStats: []string{
				"avg", "min", "med", "max", "p(90)", "p(95)", "p(99)",
			},
			Tags: map[string]string{"testid": opts.Name},
		},
	}
	return json.Marshal(cfg)
}
