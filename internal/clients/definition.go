// Package clients defines the closed set of supported execution clients and
// how each one is launched inside its benchmark container. Each client is a
// data record plus a pure command builder; no behavior is attached beyond
// assembling the container command line.
package clients

import "github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"

// Container paths and ports shared by every client definition. The benchmark
// is single-node, so the P2P port is never published.
const (
	DataDir       = "/execution-data"
	JWTSecretDir  = "/jwt-secret"
	JWTSecretFile = "/jwt-secret/jwtsecret.hex"

	RPCPort     = 8545
	EnginePort  = 8551
	MetricsPort = 6060
	P2PPort     = 30303
)

// CommandBuilder assembles the container command for one client variant.
// instance names the running scenario so clients that need a node name can
// derive one; extraFlags are appended verbatim after network flags.
type CommandBuilder func(instance string, network networks.Network, extraFlags []string) []string

// Definition describes one execution client variant.
type Definition struct {
	// Name is the canonical lowercase identifier (e.g. "geth", "reth").
	Name string

	// DefaultImage is used when the scenario does not pin an image.
	DefaultImage string

	// MetricsPath is the prometheus scrape path exposed on MetricsPort.
	MetricsPath string

	// BuildCommand produces the full container command line.
	BuildCommand CommandBuilder
}

func (d *Definition) String() string {
	if d == nil {
		return "unknown"
	}
	return d.Name
}
