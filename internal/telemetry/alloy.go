// Package telemetry runs the Grafana Alloy sidecar of a scenario: it renders
// the Alloy pipeline config (client metrics scraping, prometheus remote
// write, pyroscope relay) and injects client-side profiling environment.
package telemetry

import (
	"bytes"
	"fmt"
	"text/template"
)

const (
	// DefaultAlloyImage is the image used when the scenario does not pin one.
	DefaultAlloyImage = "grafana/alloy:latest"

	// PyroscopePort is where the in-network Alloy instance accepts profiles
	// from the execution client before relaying them upstream.
	PyroscopePort = 9999

	// AlloyConfigPath is the config location inside the Alloy container.
	AlloyConfigPath = "/etc/alloy/config.alloy"
)

// AlloyCommand is the Alloy container command line.
func AlloyCommand() []string {
	return []string{"run", AlloyConfigPath}
}

// BasicAuth carries credentials for an export endpoint.
type BasicAuth struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// PrometheusRemoteWrite configures the metrics export destination.
type PrometheusRemoteWrite struct {
	Endpoint  string     `yaml:"endpoint"`
	BasicAuth *BasicAuth `yaml:"basic_auth"`
	Tags      []string   `yaml:"tags"`
}

// Pyroscope configures the profiling export destination.
type Pyroscope struct {
	Endpoint  string     `yaml:"endpoint"`
	BasicAuth *BasicAuth `yaml:"basic_auth"`
	Tags      []string   `yaml:"tags"`
}

// AlloyConfig is everything the sidecar pipeline needs to be rendered.
type AlloyConfig struct {
	ScenarioName   string
	ClientType     string
	MetricsAddress string // host:port of the execution client metrics endpoint
	MetricsPath    string
	ScrapeInterval string
	ScrapeTimeout  string // must be lower than the scrape interval
	PrometheusRW   *PrometheusRemoteWrite
	Pyroscope      *Pyroscope
}

var alloyTemplate = template.Must(template.New("alloy").Parse(`{{if .PrometheusRW -}}
prometheus.scrape "execution_client" {
  targets = [{
    __address__ = "{{.MetricsAddress}}",
    testid      = "{{.ScenarioName}}",
    client_type = "{{.ClientType}}",
  }]
  metrics_path    = "{{.MetricsPath}}"
  scrape_interval = "{{.ScrapeInterval}}"
  scrape_timeout  = "{{.ScrapeTimeout}}"
  forward_to      = [prometheus.remote_write.default.receiver]
}

prometheus.remote_write "default" {
  endpoint {
    url = "{{.PrometheusRW.Endpoint}}"
{{- if .PrometheusRW.BasicAuth}}
    basic_auth {
      username = "{{.PrometheusRW.BasicAuth.Username}}"
      password = "{{.PrometheusRW.BasicAuth.Password}}"
    }
{{- end}}
  }
}
{{end}}
{{- if .Pyroscope}}
pyroscope.receive_http "execution_client" {
  http {
    listen_address = "0.0.0.0"
    listen_port    = {{.PyroscopePort}}
  }
  forward_to = [pyroscope.write.default.receiver]
}

pyroscope.write "default" {
  endpoint {
    url = "{{.Pyroscope.Endpoint}}"
{{- if .Pyroscope.BasicAuth}}
    basic_auth {
      username = "{{.Pyroscope.BasicAuth.Username}}"
      password = "{{.Pyroscope.BasicAuth.Password}}"
    }
{{- end}}
  }
}
{{end}}`))

type alloyTemplateData struct {
	AlloyConfig
	PyroscopePort int
}

// Render produces the Alloy pipeline config. With neither export configured
// the pipeline is empty, which Alloy accepts.
func (c AlloyConfig) Render() ([]byte, error) {
	if c.PrometheusRW != nil {
		if c.MetricsAddress == "" {
			return nil, fmt.Errorf("metrics address is required for remote write")
		}
		if c.ScrapeInterval == "" {
			c.ScrapeInterval = "4s"
		}
		if c.ScrapeTimeout == "" {
			c.ScrapeTimeout = "3s"
		}
	}
	var buf bytes.Buffer
	if err := alloyTemplate.Execute(&buf, alloyTemplateData{AlloyConfig: c, PyroscopePort: PyroscopePort}); err != nil {
		return nil, fmt.Errorf("failed to render alloy config: %w", err)
	}
	return buf.Bytes(), nil
}
