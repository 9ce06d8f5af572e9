package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/generator"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

func generatePayloadsCmd() *cobra.Command {
	var (
		rpcURL       string
		wsURL        string
		networkName  string
		startBlock   uint64
		endBlock     uint64
		outputDir    string
		follow       bool
		blockWorkers int
		txWorkers    int
	)

	cmd := &cobra.Command{
		Use:   "generate-payloads",
		Short: "Generate Engine API payload and forkchoice files from a live chain.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer signalContext(cmd)()
			ctx := cmd.Context()
			logger := slog.Default()

			network, err := networks.Lookup(networkName)
			if err != nil {
				return fail("unknown network", err)
			}

			gen, err := generator.New(ctx, rpcURL, network, generator.Options{
				BlockWorkers: blockWorkers,
				TxWorkers:    txWorkers,
				Logger:       logger,
			})
			if err != nil {
				return fail("failed to connect to rpc endpoint", err)
			}
			defer gen.Close()

			if err := os.MkdirAll(outputDir, 0o755); err != nil {
				return fail("failed to create output directory", err)
			}
			payloads, err := os.Create(filepath.Join(outputDir, "payloads.jsonl"))
			if err != nil {
				return fail("failed to create payloads file", err)
			}
			defer payloads.Close()
			fcus, err := os.Create(filepath.Join(outputDir, "fcus.jsonl"))
			if err != nil {
				return fail("failed to create fcus file", err)
			}
			defer fcus.Close()

			if follow {
				if wsURL == "" {
					return fail("missing flag", fmt.Errorf("--ws-url is required with --follow"))
				}
				if err := gen.Follow(ctx, wsURL, payloads, fcus); err != nil {
					return fail("failed to follow new heads", err)
				}
				return nil
			}

			if endBlock == 0 {
				endBlock, err = gen.LatestBlockNumber(ctx)
				if err != nil {
					return fail("failed to resolve latest block", err)
				}
			}
			if err := gen.GenerateRange(ctx, startBlock, endBlock, payloads, fcus); err != nil {
				return fail("failed to generate payloads", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&rpcURL, "rpc-url", "", "execution layer JSON-RPC endpoint")
	cmd.Flags().StringVar(&wsURL, "ws-url", "", "websocket endpoint for --follow")
	cmd.Flags().StringVar(&networkName, "network", networks.Mainnet.Name, "chain network")
	cmd.Flags().Uint64Var(&startBlock, "start-block", 0, "first block to generate")
	cmd.Flags().Uint64Var(&endBlock, "end-block", 0, "last block to generate (0 = latest)")
	cmd.Flags().StringVar(&outputDir, "output-dir", ".", "directory for payloads.jsonl and fcus.jsonl")
	cmd.Flags().BoolVar(&follow, "follow", false, "keep generating from new chain heads")
	cmd.Flags().IntVar(&blockWorkers, "block-workers", generator.DefaultBlockWorkers, "concurrent block fetches")
	cmd.Flags().IntVar(&txWorkers, "tx-workers", generator.DefaultTxWorkers, "concurrent raw transaction fetches per block")
	cmd.MarkFlagRequired("rpc-url") //nolint:errcheck
	return cmd
}
