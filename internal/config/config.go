// Package config loads the declarative scenario file: global settings
// (network, paths, resources, exports) plus a map of named scenarios, each
// selecting a client, a chain-state snapshot, and a payload range.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/clients"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/snapshots"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/telemetry"
)

// Defaults applied where the file is silent.
const (
	DefaultPayloadsFile  = "payloads.jsonl"
	DefaultFCUsFile      = "fcus.jsonl"
	DefaultWorkDir       = "work"
	DefaultOutputsDir    = "outputs"
	DefaultCPUs          = 4
	DefaultMemLimit      = "32g"
	DefaultDownloadSpeed = "50mbit"
	DefaultUploadSpeed   = "15mbit"
)

// Paths locates the payload inputs and the working/output directories.
type Paths struct {
	Payloads string `yaml:"payloads"`
	FCUs     string `yaml:"fcus"`
	Work     string `yaml:"work"`
	Outputs  string `yaml:"outputs"`
}

// Resources bounds the execution client container.
type Resources struct {
	CPU           int    `yaml:"cpu"`
	Mem           string `yaml:"mem"`
	DownloadSpeed string `yaml:"download_speed"`
	UploadSpeed   string `yaml:"upload_speed"`
}

// MemBytes parses the human-readable memory limit.
func (r Resources) MemBytes() (int64, error) {
	return units.RAMInBytes(r.Mem)
}

// Exports routes metrics and profiles off the host.
type Exports struct {
	PrometheusRemoteWrite *telemetry.PrometheusRemoteWrite `yaml:"prometheus_remote_write"`
	Pyroscope             *telemetry.Pyroscope             `yaml:"pyroscope"`
}

// Snapshot selects the chain-state provisioning backend and its source.
type Snapshot struct {
	Backend string `yaml:"backend"`
	Source  string `yaml:"source"`
}

// Scenario is one named benchmark run.
type Scenario struct {
	Client   string   `yaml:"client"`
	Image    string   `yaml:"image"`
	Amount   int      `yaml:"amount"`
	Skip     int      `yaml:"skip"`
	Warmup   int      `yaml:"warmup"`
	Rate     int      `yaml:"rate"`     // payloads per second; 0 replays back to back
	Duration string   `yaml:"duration"` // overrides the derived arrival-rate duration
	Snapshot Snapshot `yaml:"snapshot"`

	ExtraFlags    []string          `yaml:"extra_flags"`
	ExtraEnv      map[string]string `yaml:"extra_env"`
	ExtraCommands []string          `yaml:"extra_commands"`
}

// File is the parsed scenario file.
type File struct {
	Network        string              `yaml:"network"`
	PullImages     bool                `yaml:"pull_images"`
	LimitBandwidth bool                `yaml:"limit_bandwidth"`
	Images         map[string]string   `yaml:"images"`
	Paths          Paths               `yaml:"paths"`
	Resources      Resources           `yaml:"resources"`
	Exports        *Exports            `yaml:"exports"`
	Scenarios      map[string]Scenario `yaml:"scenarios"`
}

// Load reads, defaults, and validates a scenario file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	f.applyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) applyDefaults() {
	if f.Network == "" {
		f.Network = networks.Mainnet.Name
	}
	if f.Paths.Payloads == "" {
		f.Paths.Payloads = DefaultPayloadsFile
	}
	if f.Paths.FCUs == "" {
		f.Paths.FCUs = DefaultFCUsFile
	}
	if f.Paths.Work == "" {
		f.Paths.Work = DefaultWorkDir
	}
	if f.Paths.Outputs == "" {
		f.Paths.Outputs = DefaultOutputsDir
	}
	if f.Resources.CPU == 0 {
		f.Resources.CPU = DefaultCPUs
	}
	if f.Resources.Mem == "" {
		f.Resources.Mem = DefaultMemLimit
	}
	if f.Resources.DownloadSpeed == "" {
		f.Resources.DownloadSpeed = DefaultDownloadSpeed
	}
	if f.Resources.UploadSpeed == "" {
		f.Resources.UploadSpeed = DefaultUploadSpeed
	}
	for name, sc := range f.Scenarios {
		if sc.Snapshot.Backend == "" {
			sc.Snapshot.Backend = string(snapshots.BackendOverlay)
			f.Scenarios[name] = sc
		}
	}
}

// Validate fails fast with the first problem found.
func (f *File) Validate() error {
	if _, err := networks.Lookup(f.Network); err != nil {
		return err
	}
	if _, err := f.Resources.MemBytes(); err != nil {
		return fmt.Errorf("invalid resources.mem %q: %w", f.Resources.Mem, err)
	}
	if f.Exports != nil {
		if prw := f.Exports.PrometheusRemoteWrite; prw != nil && prw.Endpoint == "" {
			return fmt.Errorf("exports.prometheus_remote_write.endpoint is required")
		}
		if pyro := f.Exports.Pyroscope; pyro != nil && pyro.Endpoint == "" {
			return fmt.Errorf("exports.pyroscope.endpoint is required")
		}
	}
	if len(f.Scenarios) == 0 {
		return fmt.Errorf("at least one scenario is required")
	}
	for _, name := range f.Names() {
		if err := f.Scenarios[name].validate(name); err != nil {
			return err
		}
	}
	return nil
}

func (sc Scenario) validate(name string) error {
	if _, err := clients.Get(sc.Client); err != nil {
		return fmt.Errorf("scenario %s: %w", name, err)
	}
	if sc.Amount <= 0 {
		return fmt.Errorf("scenario %s: amount of payloads is required", name)
	}
	if sc.Skip < 0 || sc.Warmup < 0 || sc.Rate < 0 {
		return fmt.Errorf("scenario %s: skip, warmup and rate must not be negative", name)
	}
	if sc.Snapshot.Source == "" {
		return fmt.Errorf("scenario %s: snapshot.source is required", name)
	}
	if _, err := snapshots.ParseBackend(sc.Snapshot.Backend); err != nil {
		return fmt.Errorf("scenario %s: %w", name, err)
	}
	return nil
}

// Image returns the configured image for a tool, or fallback.
func (f *File) Image(tool, fallback string) string {
	if img, ok := f.Images[tool]; ok && img != "" {
		return img
	}
	return fallback
}

// Names returns the scenario names in deterministic order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Scenarios))
	for name := range f.Scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Filter keeps only the scenarios whose name matches the given regular
// expression. An empty filter keeps everything.
func (f *File) Filter(pattern string) ([]string, error) {
	if pattern == "" {
		return f.Names(), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid scenario filter %q: %w", pattern, err)
	}
	var names []string
	for _, name := range f.Names() {
		if re.MatchString(name) {
			names = append(names, name)
		}
	}
	return names, nil
}
