package main

import (
	"os"

	"github.com/NethermindEth/execution-payloads-benchmarks/cmd/expb/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
