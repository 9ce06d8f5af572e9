package k6

import (
	"fmt"
	"strconv"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
)

// PrometheusRemoteWrite routes k6 metrics to a remote-write endpoint instead
// of the local JSONL output.
type PrometheusRemoteWrite struct {
	Endpoint string
	Username string
	Password string
	Tags     []string // extra name=value run tags
}

// RunSpec carries the host-side inputs of one k6 run.
type RunSpec struct {
	TestID          string
	PayloadsFile    string // host path, JSONL of engine_newPayload requests
	FCUsFile        string // host path, JSONL of engine_forkchoiceUpdated requests
	JWTSecretFile   string // host path, hex-encoded shared secret
	OutputsDir      string // host dir receiving script, config, summary, results
	PayloadsSkip    int
	PayloadsWarmup  int
	EngineURL       string
	PerPayloadStats bool
	CheckValid      bool
	PrometheusRW    *PrometheusRemoteWrite
}

// Command builds the k6 container command line.
func (s RunSpec) Command() []string {
	perPayload := 0
	if s.PerPayloadStats {
		perPayload = 1
	}
	checkValid := 0
	if s.CheckValid {
		checkValid = 1
	}
	cmd := []string{
		"run",
		scriptFile,
		"--summary-mode=full",
		"--summary-export=" + summaryFile,
		"--tag=testid=" + s.TestID,
		"--env=EXPB_CONFIG_FILE_PATH=" + configFile,
		"--env=EXPB_PAYLOADS_FILE_PATH=" + payloadsFile,
		"--env=EXPB_FCUS_FILE_PATH=" + fcusFile,
		"--env=EXPB_JWTSECRET_FILE_PATH=" + jwtSecretFile,
		"--env=EXPB_PAYLOADS_SKIP=" + strconv.Itoa(s.PayloadsSkip),
		"--env=EXPB_PAYLOADS_WARMUP=" + strconv.Itoa(s.PayloadsWarmup),
		"--env=EXPB_ENGINE_ENDPOINT=" + s.EngineURL,
		"--env=EXPB_PER_PAYLOAD_METRICS=" + strconv.Itoa(perPayload),
		"--env=EXPB_CHECK_VALID=" + strconv.Itoa(checkValid),
	}
	if s.PrometheusRW != nil {
		cmd = append(cmd, "--out=experimental-prometheus-rw")
		for _, tag := range s.PrometheusRW.Tags {
			cmd = append(cmd, "--tag="+tag)
		}
	} else {
		cmd = append(cmd, "--out=json="+resultsFile)
	}
	return cmd
}

// Environment builds the k6 container environment. Remote-write credentials
// travel via env so they never appear in the command line.
func (s RunSpec) Environment() map[string]string {
	env := map[string]string{}
	if s.PrometheusRW != nil {
		env["K6_PROMETHEUS_RW_TREND_STATS"] = "min,max,avg,med,p(90),p(95),p(99)"
		env["K6_PROMETHEUS_RW_SERVER_URL"] = s.PrometheusRW.Endpoint
		if s.PrometheusRW.Username != "" {
			env["K6_PROMETHEUS_RW_USERNAME"] = s.PrometheusRW.Username
			env["K6_PROMETHEUS_RW_PASSWORD"] = s.PrometheusRW.Password
		}
	}
	return env
}

// Volumes maps the host inputs into the container.
func (s RunSpec) Volumes() []docker.VolumeMount {
	return []docker.VolumeMount{
		{Source: s.PayloadsFile, Target: payloadsFile, Options: "rw"},
		{Source: s.FCUsFile, Target: fcusFile, Options: "rw"},
		{Source: s.JWTSecretFile, Target: jwtSecretFile, Options: "rw"},
		{Source: s.OutputsDir, Target: workDir, Options: "rw"},
	}
}

// HostScriptFile is where the executor must write the replay script inside
// OutputsDir for the container to find it at its mounted path.
func (s RunSpec) HostScriptFile() string { return s.OutputsDir + "/k6-script.js" }

// HostConfigFile is the host-side location of the script config.
func (s RunSpec) HostConfigFile() string { return s.OutputsDir + "/k6-config.json" }

// HostSummaryFile is the host-side location of the end-of-test summary.
func (s RunSpec) HostSummaryFile() string { return s.OutputsDir + "/k6-summary.json" }

// Validate rejects specs that would fail at container start.
func (s RunSpec) Validate() error {
	switch {
	case s.TestID == "":
		return fmt.Errorf("test id is required")
	case s.PayloadsFile == "":
		return fmt.Errorf("payloads file is required")
	case s.FCUsFile == "":
		return fmt.Errorf("fcus file is required")
	case s.JWTSecretFile == "":
		return fmt.Errorf("jwt secret file is required")
	case s.OutputsDir == "":
		return fmt.Errorf("outputs dir is required")
	case s.EngineURL == "":
		return fmt.Errorf("engine url is required")
	}
	return nil
}
