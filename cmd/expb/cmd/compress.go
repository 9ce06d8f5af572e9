package cmd

import (
	"log/slog"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/compressor"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/executor"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/snapshots"
)

func compressPayloadsCmd() *cobra.Command {
	var (
		networkName       string
		inputFile         string
		outputDir         string
		snapshotBackend   string
		snapshotSource    string
		nethermindImage   string
		compressionFactor int
		targetGasLimit    uint64
		includeBlobs      bool
		pullImage         bool
		cpus              int
		memLimit          string
	)

	cmd := &cobra.Command{
		Use:   "compress-payloads",
		Short: "Merge recorded payloads into denser synthetic blocks via a patched Nethermind.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer signalContext(cmd)()
			logger := slog.Default()

			network, err := networks.Lookup(networkName)
			if err != nil {
				return fail("unknown network", err)
			}
			memBytes, err := units.RAMInBytes(memLimit)
			if err != nil {
				return fail("invalid memory limit", err)
			}
			backend, err := snapshots.ParseBackend(snapshotBackend)
			if err != nil {
				return fail("invalid snapshot backend", err)
			}

			runtime, err := docker.NewOrchestrator(logger)
			if err != nil {
				return fail("failed to connect to docker", err)
			}

			user, groups := executor.CurrentUser()
			comp := compressor.New(compressor.Config{
				Network:           network,
				CPUs:              cpus,
				MemBytes:          memBytes,
				CompressionFactor: compressionFactor,
				TargetGasLimit:    targetGasLimit,
				NethermindImage:   nethermindImage,
				SnapshotSource:    mustAbs(snapshotSource),
				InputPayloadsFile: mustAbs(inputFile),
				OutputDir:         mustAbs(outputDir),
				IncludeBlobs:      includeBlobs,
				PullImage:         pullImage,
				User:              user,
				GroupAdd:          groups,
				ReadinessWait:     engine.DefaultWaitConfig(),
			}, runtime, snapshots.NewService(backend, mustAbs(outputDir), logger), logger)

			if err := comp.Run(cmd.Context()); err != nil {
				return fail("payloads compression failed", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&networkName, "network", networks.Mainnet.Name, "chain network")
	cmd.Flags().StringVar(&inputFile, "input-payloads-file", "", "source payloads.jsonl to compress")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "directory for compressed payloads, fcus and logs")
	cmd.Flags().StringVar(&snapshotBackend, "snapshot-backend", string(snapshots.BackendOverlay), "snapshot backend (overlay, zfs, copy)")
	cmd.Flags().StringVar(&snapshotSource, "snapshot-source", "", "Nethermind chain-state snapshot to build on")
	cmd.Flags().StringVar(&nethermindImage, "nethermind-image", "", "patched Nethermind image with the hacked builder methods")
	cmd.Flags().IntVar(&compressionFactor, "compression-factor", 10, "source payloads merged per synthetic block")
	cmd.Flags().Uint64Var(&targetGasLimit, "target-gas-limit", 1_000_000_000, "gas limit the ramp blocks grow towards")
	cmd.Flags().BoolVar(&includeBlobs, "include-blobs", false, "keep type-3 blob transactions")
	cmd.Flags().BoolVar(&pullImage, "pull", false, "pull the Nethermind image before starting")
	cmd.Flags().IntVar(&cpus, "cpus", 4, "CPUs for the Nethermind container")
	cmd.Flags().StringVar(&memLimit, "mem-limit", "32g", "memory limit for the Nethermind container")
	for _, flag := range []string{"input-payloads-file", "output-dir", "snapshot-source", "nethermind-image"} {
		cmd.MarkFlagRequired(flag) //nolint:errcheck
	}
	return cmd
}
