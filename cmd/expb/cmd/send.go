package cmd

import (
	"bufio"
	"bytes"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/jwt"
)

func sendPayloadsCmd() *cobra.Command {
	var (
		engineURL     string
		payloadsFile  string
		fcusFile      string
		jwtSecretFile string
		skip          int
		amount        int
	)

	cmd := &cobra.Command{
		Use:   "send-payloads",
		Short: "Replay payload and forkchoice files sequentially against an engine endpoint.",
		RunE: func(cmd *cobra.Command, args []string) error {
			defer signalContext(cmd)()
			ctx := cmd.Context()
			logger := slog.Default()

			provider, err := jwt.NewProviderFromFile(jwtSecretFile)
			if err != nil {
				return fail("failed to load jwt secret", err)
			}
			client := engine.NewClient(engineURL, provider, engine.DefaultClientConfig())

			payloads, err := os.Open(payloadsFile)
			if err != nil {
				return fail("failed to open payloads file", err)
			}
			defer payloads.Close()
			fcus, err := os.Open(fcusFile)
			if err != nil {
				return fail("failed to open fcus file", err)
			}
			defer fcus.Close()

			logger.Info("sending payloads and fcus",
				slog.String("engine_url", engineURL),
				slog.String("payloads_file", payloadsFile),
				slog.String("fcus_file", fcusFile),
			)

			payloadScanner := newLineScanner(payloads)
			fcuScanner := newLineScanner(fcus)
			sent := 0
			for payloadScanner.Scan() && fcuScanner.Scan() {
				if err := ctx.Err(); err != nil {
					return err
				}
				payload := bytes.TrimSpace(payloadScanner.Bytes())
				fcu := bytes.TrimSpace(fcuScanner.Bytes())
				if len(payload) == 0 || len(fcu) == 0 {
					break
				}
				if skip > 0 {
					skip--
					continue
				}
				if _, err := client.Request(ctx, payload); err != nil {
					return fail("failed to send payload", err)
				}
				if _, err := client.Request(ctx, fcu); err != nil {
					return fail("failed to send fcu", err)
				}
				sent++
				if amount > 0 && sent >= amount {
					break
				}
				if sent%100 == 0 {
					logger.Info("payloads sent", slog.Int("count", sent))
				}
			}
			if err := payloadScanner.Err(); err != nil {
				return fail("failed to read payloads file", err)
			}
			if err := fcuScanner.Err(); err != nil {
				return fail("failed to read fcus file", err)
			}

			logger.Info("all payloads sent", slog.Int("count", sent))
			return nil
		},
	}

	cmd.Flags().StringVar(&engineURL, "engine-url", "", "execution engine endpoint")
	cmd.Flags().StringVar(&payloadsFile, "payloads-file", "", "payloads JSONL file")
	cmd.Flags().StringVar(&fcusFile, "fcus-file", "", "forkchoice updates JSONL file")
	cmd.Flags().StringVar(&jwtSecretFile, "jwt-secret-file", "", "hex-encoded JWT secret file")
	cmd.Flags().IntVar(&skip, "skip", 0, "payload pairs to skip from the start")
	cmd.Flags().IntVar(&amount, "amount", 0, "payload pairs to send (0 = all)")
	for _, flag := range []string{"engine-url", "payloads-file", "fcus-file", "jwt-secret-file"} {
		cmd.MarkFlagRequired(flag) //nolint:errcheck
	}
	return cmd
}

func newLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)
	return scanner
}
