package clients

import (
	"fmt"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Reth returns the reth client definition.
func Reth() *Definition {
	base := []string{
		"node",
		fmt.Sprintf("--datadir=%s", DataDir),
		fmt.Sprintf("--log.file.directory=%s/logs", DataDir),
		fmt.Sprintf("--port=%d", P2PPort),
		"--http",
		"--http.addr=0.0.0.0",
		fmt.Sprintf("--http.port=%d", RPCPort),
		"--authrpc.addr=0.0.0.0",
		fmt.Sprintf("--authrpc.port=%d", EnginePort),
		fmt.Sprintf("--authrpc.jwtsecret=%s", JWTSecretFile),
		fmt.Sprintf("--metrics=0.0.0.0:%d", MetricsPort),
		"--http.api=trace,rpc,eth,net,debug,web3,admin",
	}
	return &Definition{
		Name:         "reth",
		DefaultImage: "ethpandaops/reth:performance",
		MetricsPath:  "/debug/metrics/prometheus",
		BuildCommand: func(_ string, network networks.Network, extraFlags []string) []string {
			cmd := append([]string{}, base...)
			if network.Name == networks.Mainnet.Name {
				cmd = append(cmd, "--chain=mainnet", "--full")
			}
			return append(cmd, extraFlags...)
		},
	}
}
