package clients

import (
	"fmt"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Erigon returns the Erigon client definition.
func Erigon() *Definition {
	base := []string{
		fmt.Sprintf("--datadir=%s", DataDir),
		fmt.Sprintf("--port=%d", P2PPort),
		"--http",
		"--http.addr=0.0.0.0",
		fmt.Sprintf("--http.port=%d", RPCPort),
		fmt.Sprintf("--torrent.port=%d", P2PPort),
		fmt.Sprintf("--authrpc.jwtsecret=%s", JWTSecretFile),
		"--authrpc.addr=0.0.0.0",
		fmt.Sprintf("--authrpc.port=%d", EnginePort),
		"--authrpc.vhosts=*",
		"--metrics",
		"--metrics.addr=0.0.0.0",
		fmt.Sprintf("--metrics.port=%d", MetricsPort),
		"--http.api=eth,erigon,engine,web3,net,debug,trace,txpool,admin",
		"--http.vhosts=*",
		"--ws",
		"--prune.mode=full",
		"--externalcl",
	}
	return &Definition{
		Name:         "erigon",
		DefaultImage: "ethpandaops/erigon:performance",
		MetricsPath:  "/metrics",
		BuildCommand: func(_ string, network networks.Network, extraFlags []string) []string {
			cmd := append([]string{}, base...)
			if network.Name == networks.Mainnet.Name {
				cmd = append(cmd, "--chain=mainnet")
			}
			return append(cmd, extraFlags...)
		},
	}
}
