package clients

import (
	"fmt"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Besu returns the Hyperledger Besu client definition.
func Besu() *Definition {
	base := []string{
		fmt.Sprintf("--data-path=%s", DataDir),
		"--p2p-host=0.0.0.0",
		fmt.Sprintf("--p2p-port=%d", P2PPort),
		"--rpc-http-enabled",
		"--rpc-http-host=0.0.0.0",
		fmt.Sprintf("--rpc-http-port=%d", RPCPort),
		"--rpc-http-cors-origins='*'",
		"--host-allowlist='*'",
		fmt.Sprintf("--engine-jwt-secret=%s", JWTSecretFile),
		fmt.Sprintf("--engine-rpc-port=%d", EnginePort),
		"--engine-host-allowlist='*'",
		"--metrics-enabled",
		"--metrics-host=0.0.0.0",
		fmt.Sprintf("--metrics-port=%d", MetricsPort),
		"--rpc-http-api=ADMIN,DEBUG,ETH,MINER,NET,TRACE,TXPOOL,WEB3",
		"--sync-mode=FULL",
		"--version-compatibility-protection=false",
	}
	return &Definition{
		Name:         "besu",
		DefaultImage: "ethpandaops/besu:performance",
		MetricsPath:  "/metrics",
		BuildCommand: func(_ string, network networks.Network, extraFlags []string) []string {
			cmd := append([]string{}, base...)
			if network.Name == networks.Mainnet.Name {
				cmd = append(cmd, "--network=mainnet")
			}
			return append(cmd, extraFlags...)
		},
	}
}
