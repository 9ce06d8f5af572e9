package clients

import (
	"fmt"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Geth returns the go-ethereum client definition.
func Geth() *Definition {
	base := []string{
		fmt.Sprintf("--datadir=%s", DataDir),
		fmt.Sprintf("--port=%d", P2PPort),
		"--http",
		"--http.addr=0.0.0.0",
		fmt.Sprintf("--http.port=%d", RPCPort),
		"--http.vhosts=*",
		"--http.api=eth,net,web3,debug,admin",
		"--authrpc.addr=0.0.0.0",
		fmt.Sprintf("--authrpc.port=%d", EnginePort),
		"--authrpc.vhosts=*",
		fmt.Sprintf("--authrpc.jwtsecret=%s", JWTSecretFile),
		"--metrics",
		fmt.Sprintf("--metrics.port=%d", MetricsPort),
		"--metrics.addr=0.0.0.0",
		"--discovery.v5",
		"--ws",
		"--ws.addr=0.0.0.0",
		fmt.Sprintf("--ws.port=%d", RPCPort),
		"--ws.api=eth,web3,net,debug,admin",
	}
	return &Definition{
		Name:         "geth",
		DefaultImage: "ethpandaops/geth:performance",
		MetricsPath:  "/debug/metrics/prometheus",
		BuildCommand: func(_ string, network networks.Network, extraFlags []string) []string {
			cmd := append([]string{}, base...)
			if network.Name == networks.Mainnet.Name {
				cmd = append(cmd, "--mainnet", "--syncmode=full")
			}
			return append(cmd, extraFlags...)
		},
	}
}
