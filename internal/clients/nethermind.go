package clients

import (
	"fmt"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Nethermind returns the Nethermind client definition.
func Nethermind() *Definition {
	base := []string{
		fmt.Sprintf("--datadir=%s", DataDir),
		fmt.Sprintf("--Network.P2PPort=%d", P2PPort),
		fmt.Sprintf("--Network.DiscoveryPort=%d", P2PPort),
		"--JsonRpc.Enabled=true",
		"--JsonRpc.Host=0.0.0.0",
		fmt.Sprintf("--JsonRpc.Port=%d", RPCPort),
		"--Init.WebSocketsEnabled=true",
		fmt.Sprintf("--JsonRpc.WebSocketsPort=%d", RPCPort),
		fmt.Sprintf("--JsonRpc.JwtSecretFile=%s", JWTSecretFile),
		"--JsonRpc.EngineHost=0.0.0.0",
		fmt.Sprintf("--JsonRpc.EnginePort=%d", EnginePort),
		"--JsonRpc.EnabledModules=Eth,Subscribe,Trace,TxPool,Web3,Personal,Proof,Net,Parity,Health,Rpc,Debug,Admin",
		"--Metrics.Enabled=true",
		fmt.Sprintf("--Metrics.ExposePort=%d", MetricsPort),
		"--Metrics.ExposeHost=0.0.0.0",
	}
	return &Definition{
		Name:         "nethermind",
		DefaultImage: "ethpandaops/nethermind:performance",
		MetricsPath:  "/metrics",
		BuildCommand: func(instance string, network networks.Network, extraFlags []string) []string {
			cmd := append([]string{}, base...)
			cmd = append(cmd, fmt.Sprintf("--Metrics.NodeName=expb-el-%s", instance))
			if network.Name == networks.Mainnet.Name {
				cmd = append(cmd, "--config=mainnet", "--Init.BaseDbPath=mainnet")
			}
			return append(cmd, extraFlags...)
		},
	}
}
