// Package compressor merges recorded payloads into denser synthetic blocks.
// It drives a patched Nethermind build whose engine_getPayload*Hacked methods
// assemble a block from an arbitrary transaction list: after raising the gas
// limit to the target, every batch of N source payloads becomes one compressed
// payload executed and appended to the output files.
package compressor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/clients"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/docker"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/engine"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/jwt"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
	"github.com/NethermindEth/execution-payloads-benchmarks/internal/snapshots"
)

const (
	containerName = "expb-compressor-nethermind"
	networkName   = containerName + "-network"

	// Blob transactions bloat the synthetic blocks and most scenarios want
	// them excluded; type-3 envelopes start with 0x03.
	blobTxPrefix = "0x03"
)

// Runtime is the container surface the compressor needs; *docker.Orchestrator
// implements it.
type Runtime interface {
	CreateNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
	PullImage(ctx context.Context, ref string) error
	StartContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	ContainerIP(ctx context.Context, name, network string) (string, error)
	SaveLogs(ctx context.Context, name, path string) error
	StopAndRemove(ctx context.Context, name string, volumeCount int) error
}

// engineAPI is the authenticated request surface of engine.Client.
type engineAPI interface {
	Request(ctx context.Context, body any) (json.RawMessage, error)
}

// Config describes one compression job.
type Config struct {
	Network           networks.Network
	CPUs              int
	MemBytes          int64
	CompressionFactor int
	TargetGasLimit    uint64
	NethermindImage   string
	SnapshotSource    string
	InputPayloadsFile string
	OutputDir         string
	IncludeBlobs      bool
	PullImage         bool
	User              string
	GroupAdd          []string
	ReadinessWait     engine.WaitConfig
}

// Compressor runs one compression job end to end.
type Compressor struct {
	cfg       Config
	runtime   Runtime
	snapshots snapshots.Service
	logger    *slog.Logger

	waitRPC func(ctx context.Context, url string, cfg engine.WaitConfig) (uint64, error)
}

// New creates a compressor.
func New(cfg Config, runtime Runtime, snapSvc snapshots.Service, logger *slog.Logger) *Compressor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compressor{
		cfg:       cfg,
		runtime:   runtime,
		snapshots: snapSvc,
		logger:    logger,
		waitRPC:   engine.WaitForJSONRPC,
	}
}

func (c *Compressor) outputPayloadsFile() string {
	return filepath.Join(c.cfg.OutputDir, "payloads.jsonl")
}

func (c *Compressor) outputFCUsFile() string {
	return filepath.Join(c.cfg.OutputDir, "fcus.jsonl")
}

// Run compresses the input payloads file into the output directory. The
// Nethermind container, its network, and the snapshot are always torn down.
func (c *Compressor) Run(ctx context.Context) (err error) {
	if c.cfg.CompressionFactor < 1 {
		return fmt.Errorf("compression factor must be at least 1")
	}
	for _, out := range []string{c.outputPayloadsFile(), c.outputFCUsFile()} {
		if _, statErr := os.Stat(out); statErr == nil {
			return fmt.Errorf("output file already exists: %s", out)
		}
	}

	input, err := os.Open(c.cfg.InputPayloadsFile)
	if err != nil {
		return fmt.Errorf("failed to open input payloads file: %w", err)
	}
	defer input.Close()

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	c.logger.Info("preparing payloads compression",
		slog.String("input_payloads_file", c.cfg.InputPayloadsFile),
		slog.Int("compression_factor", c.cfg.CompressionFactor),
		slog.Uint64("target_gas_limit", c.cfg.TargetGasLimit),
	)

	dataDir, err := c.snapshots.Create(ctx, containerName, c.cfg.SnapshotSource)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer c.cleanup()

	jwtSecretFile := filepath.Join(c.cfg.OutputDir, "jwtsecret.hex")
	secret, err := jwt.WriteSecretFile(jwtSecretFile)
	if err != nil {
		return err
	}
	provider, err := jwt.NewProvider(secret)
	if err != nil {
		return err
	}

	if c.cfg.PullImage {
		if err := c.runtime.PullImage(ctx, c.cfg.NethermindImage); err != nil {
			return err
		}
	}

	if _, err := c.runtime.CreateNetwork(ctx, networkName); err != nil {
		return err
	}

	ip, err := c.startNethermind(ctx, dataDir, jwtSecretFile)
	if err != nil {
		return err
	}

	c.logger.Info("waiting for nethermind json rpc to be available")
	latest, err := c.waitRPC(ctx, fmt.Sprintf("http://%s:%d", ip, clients.RPCPort), c.cfg.ReadinessWait)
	if err != nil {
		return fmt.Errorf("nethermind json rpc is not available: %w", err)
	}
	c.logger.Info("nethermind json rpc is available", slog.Uint64("latest_block", latest))

	api := engine.NewClient(fmt.Sprintf("http://%s:%d", ip, clients.EnginePort), provider, engine.DefaultClientConfig())

	outPayloads, err := os.Create(c.outputPayloadsFile())
	if err != nil {
		return fmt.Errorf("failed to create output payloads file: %w", err)
	}
	defer outPayloads.Close()
	outFCUs, err := os.Create(c.outputFCUsFile())
	if err != nil {
		return fmt.Errorf("failed to create output fcus file: %w", err)
	}
	defer outFCUs.Close()

	if err := c.compress(ctx, api, input, outPayloads, outFCUs); err != nil {
		return err
	}
	c.logger.Info("payloads compression completed")
	return nil
}

func (c *Compressor) startNethermind(ctx context.Context, dataDir, jwtSecretFile string) (string, error) {
	def, err := clients.Get("nethermind")
	if err != nil {
		return "", err
	}
	// Flags the hacked block builder needs: never auto-seal on slot timers,
	// accept huge request bodies, and build towards the target gas limit.
	extraFlags := []string{
		"--Init.AutoDump=All",
		"--TxPool.Size=200000",
		fmt.Sprintf("--Init.MemoryHint=%d", c.cfg.MemBytes),
		"--Blocks.SecondsPerSlot=1000",
		"--JsonRpc.MaxRequestBodySize=300000000",
		fmt.Sprintf("--Blocks.TargetBlockGasLimit=%d", c.cfg.TargetGasLimit),
	}

	c.logger.Info("starting nethermind", slog.String("image", c.cfg.NethermindImage))
	_, err = c.runtime.StartContainer(ctx, docker.ContainerSpec{
		Name:    containerName,
		Image:   c.cfg.NethermindImage,
		Command: def.BuildCommand(containerName, c.cfg.Network, extraFlags),
		Network: networkName,
		Volumes: []docker.VolumeMount{
			{Source: dataDir, Target: clients.DataDir, Options: "rw"},
			{Source: jwtSecretFile, Target: clients.JWTSecretFile, Options: "rw"},
			// AutoDump target for invalid block diagnostics.
			{Source: filepath.Join(c.cfg.OutputDir, "nethermind-tmp"), Target: "/tmp", Options: "rw"},
		},
		NanoCPUs:    int64(c.cfg.CPUs) * 1e9,
		MemoryBytes: c.cfg.MemBytes,
		User:        c.cfg.User,
		GroupAdd:    c.cfg.GroupAdd,
	})
	if err != nil {
		return "", err
	}
	return c.runtime.ContainerIP(ctx, containerName, networkName)
}

func (c *Compressor) cleanup() {
	ctx := context.Background()
	logFile := filepath.Join(c.cfg.OutputDir, "nethermind.log")
	if err := c.runtime.SaveLogs(ctx, containerName, logFile); err != nil {
		c.logger.Warn("failed to save nethermind logs", slog.String("error", err.Error()))
	}
	if err := c.runtime.StopAndRemove(ctx, containerName, 3); err != nil {
		c.logger.Error("failed to remove nethermind container", slog.String("error", err.Error()))
	}
	if err := c.runtime.RemoveNetwork(ctx, networkName); err != nil {
		c.logger.Error("failed to remove network", slog.String("error", err.Error()))
	}
	if err := c.snapshots.Delete(ctx, containerName, c.cfg.SnapshotSource); err != nil {
		c.logger.Error("failed to release snapshot", slog.String("error", err.Error()))
	}
}

// sourcePayload is the slice of an input line the compressor inspects.
type sourcePayload struct {
	Method string
	Block  uint64
	Txs    []string
}

func parseSourcePayload(line []byte) (sourcePayload, error) {
	var req struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(line, &req); err != nil {
		return sourcePayload{}, fmt.Errorf("malformed payload line: %w", err)
	}
	if len(req.Params) == 0 {
		return sourcePayload{}, fmt.Errorf("payload line has no params")
	}
	var body struct {
		BlockNumber hexutil.Uint64 `json:"blockNumber"`
		Txs         []string       `json:"transactions"`
	}
	if err := json.Unmarshal(req.Params[0], &body); err != nil {
		return sourcePayload{}, fmt.Errorf("malformed execution payload: %w", err)
	}
	return sourcePayload{Method: req.Method, Block: uint64(body.BlockNumber), Txs: body.Txs}, nil
}

// compress streams the input file: the first payload seeds the gas-limit ramp,
// then every CompressionFactor payloads (or a fork-boundary method change)
// flush into one compressed block.
func (c *Compressor) compress(ctx context.Context, api engineAPI, input io.Reader, outPayloads, outFCUs io.Writer) error {
	scanner := bufio.NewScanner(input)
	scanner.Buffer(make([]byte, 0, 1024*1024), 256*1024*1024)

	var (
		batch        []sourcePayload
		currentBlock uint64
		started      bool
		prevMethod   string
	)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := c.compressBatch(ctx, api, currentBlock, batch, outPayloads, outFCUs); err != nil {
			return err
		}
		currentBlock++
		batch = batch[:0]
		return nil
	}

	for scanner.Scan() {
		payload, err := parseSourcePayload(scanner.Bytes())
		if err != nil {
			return err
		}
		if !started {
			currentBlock, err = c.raiseGasLimit(ctx, api, payload.Block, payload.Method, outPayloads, outFCUs)
			if err != nil {
				return err
			}
			started = true
		}
		// A method change means a fork activated between source blocks;
		// payloads across the boundary cannot share one block.
		if prevMethod != "" && payload.Method != prevMethod {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, payload)
		prevMethod = payload.Method
		if len(batch) == c.cfg.CompressionFactor {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input payloads: %w", err)
	}
	return flush()
}

// hackedMethod maps engine_newPayloadVn to the patched builder method.
func hackedMethod(newPayloadMethod string) string {
	return strings.Replace(newPayloadMethod, "new", "get", 1) + "Hacked"
}

var fcuMethods = map[string]string{
	"engine_newPayloadV1": "engine_forkchoiceUpdatedV1",
	"engine_newPayloadV2": "engine_forkchoiceUpdatedV2",
	"engine_newPayloadV3": "engine_forkchoiceUpdatedV3",
	"engine_newPayloadV4": "engine_forkchoiceUpdatedV3",
}

// buildRequests wraps a generated execution payload into the newPayload and
// forkchoiceUpdated requests for its method version. The hacked builder does
// not track beacon roots, so V3+ reuses the parent hash as a placeholder.
func buildRequests(blockNumber uint64, method string, executionPayload map[string]any) (payloadReq, fcuReq map[string]any, err error) {
	fcuMethod, ok := fcuMethods[method]
	if !ok {
		return nil, nil, fmt.Errorf("unknown payload method: %s", method)
	}

	params := []any{executionPayload}
	switch method {
	case "engine_newPayloadV3":
		params = append(params, []string{}, executionPayload["parentHash"])
	case "engine_newPayloadV4":
		params = append(params, []string{}, executionPayload["parentHash"], []string{})
	}
	payloadReq = map[string]any{
		"id":      blockNumber,
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	}

	fcuReq = map[string]any{
		"id":      blockNumber,
		"jsonrpc": "2.0",
		"method":  fcuMethod,
		"params": []any{map[string]any{
			"headBlockHash":      executionPayload["blockHash"],
			"safeBlockHash":      "0x" + strings.Repeat("0", 64),
			"finalizedBlockHash": "0x" + strings.Repeat("0", 64),
		}},
	}
	return payloadReq, fcuReq, nil
}

// buildBlock asks the patched builder for a payload over the given
// transactions, executes it, and returns the request pair with the payload's
// gasUsed patched to the executed value.
func (c *Compressor) buildBlock(ctx context.Context, api engineAPI, blockNumber uint64, method string, txs []string) (map[string]any, map[string]any, error) {
	result, err := api.Request(ctx, map[string]any{
		"id":      blockNumber,
		"jsonrpc": "2.0",
		"method":  hackedMethod(method),
		"params":  []any{txs},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build block %d: %w", blockNumber, err)
	}
	var built struct {
		ExecutionPayload map[string]any `json:"executionPayload"`
	}
	if err := json.Unmarshal(result, &built); err != nil {
		return nil, nil, fmt.Errorf("malformed builder response for block %d: %w", blockNumber, err)
	}
	if built.ExecutionPayload == nil {
		return nil, nil, fmt.Errorf("builder response for block %d has no execution payload", blockNumber)
	}

	payloadReq, fcuReq, err := buildRequests(blockNumber, method, built.ExecutionPayload)
	if err != nil {
		return nil, nil, err
	}
	if _, err := api.Request(ctx, payloadReq); err != nil {
		return nil, nil, fmt.Errorf("failed to execute block %d: %w", blockNumber, err)
	}
	if _, err := api.Request(ctx, fcuReq); err != nil {
		return nil, nil, fmt.Errorf("failed to update forkchoice for block %d: %w", blockNumber, err)
	}

	// The builder fills gasUsed before execution; read it back from the
	// chain so replay metrics reflect the real cost.
	gasUsed, err := c.latestGasUsed(ctx, api)
	if err != nil {
		return nil, nil, err
	}
	built.ExecutionPayload["gasUsed"] = hexutil.Uint64(gasUsed)
	return payloadReq, fcuReq, nil
}

func (c *Compressor) latestGasUsed(ctx context.Context, api engineAPI) (uint64, error) {
	result, err := api.Request(ctx, map[string]any{
		"id":      1,
		"jsonrpc": "2.0",
		"method":  "eth_getBlockByNumber",
		"params":  []any{"latest", false},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get latest block: %w", err)
	}
	var latest struct {
		GasUsed hexutil.Uint64 `json:"gasUsed"`
	}
	if err := json.Unmarshal(result, &latest); err != nil {
		return 0, fmt.Errorf("malformed latest block: %w", err)
	}
	return uint64(latest.GasUsed), nil
}

// raiseGasLimit appends empty blocks until the chain's gas limit reaches the
// target; each block may only move the limit by 1/1024, so this can take
// thousands of blocks. Returns the next free block number.
func (c *Compressor) raiseGasLimit(ctx context.Context, api engineAPI, startBlock uint64, method string, outPayloads, outFCUs io.Writer) (uint64, error) {
	c.logger.Info("raising gas limit to target",
		slog.Uint64("start_block", startBlock),
		slog.Uint64("target_gas_limit", c.cfg.TargetGasLimit),
	)
	currentBlock := startBlock
	var gasLimit uint64
	for gasLimit < c.cfg.TargetGasLimit {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		payloadReq, fcuReq, err := c.buildBlock(ctx, api, currentBlock, method, []string{})
		if err != nil {
			return 0, fmt.Errorf("failed to raise gas limit: %w", err)
		}

		result, err := api.Request(ctx, map[string]any{
			"id":      1,
			"jsonrpc": "2.0",
			"method":  "eth_getBlockByNumber",
			"params":  []any{"latest", false},
		})
		if err != nil {
			return 0, fmt.Errorf("failed to get latest block: %w", err)
		}
		var latest struct {
			GasLimit hexutil.Uint64 `json:"gasLimit"`
		}
		if err := json.Unmarshal(result, &latest); err != nil {
			return 0, fmt.Errorf("malformed latest block: %w", err)
		}
		gasLimit = uint64(latest.GasLimit)

		if err := writeRequestPair(outPayloads, outFCUs, payloadReq, fcuReq); err != nil {
			return 0, err
		}
		if (currentBlock-startBlock)%1000 == 0 {
			c.logger.Info("gas limit increasing",
				slog.Uint64("current_block", currentBlock),
				slog.Uint64("current_gas_limit", gasLimit),
				slog.Uint64("target_gas_limit", c.cfg.TargetGasLimit),
			)
		}
		currentBlock++
	}
	c.logger.Info("target gas limit reached",
		slog.Uint64("current_block", currentBlock-1),
		slog.Uint64("gas_limit", gasLimit),
	)
	return currentBlock, nil
}

// compressBatch merges one batch of source payloads into a single block.
func (c *Compressor) compressBatch(ctx context.Context, api engineAPI, blockNumber uint64, batch []sourcePayload, outPayloads, outFCUs io.Writer) error {
	var txs []string
	blocks := make([]uint64, 0, len(batch))
	for _, payload := range batch {
		blocks = append(blocks, payload.Block)
		for _, tx := range payload.Txs {
			if !c.cfg.IncludeBlobs && strings.HasPrefix(tx, blobTxPrefix) {
				continue
			}
			txs = append(txs, tx)
		}
	}
	if txs == nil {
		txs = []string{}
	}

	c.logger.Info("compressing payload batch",
		slog.Uint64("block_number", blockNumber),
		slog.Int("transactions", len(txs)),
		slog.Any("source_blocks", blocks),
	)

	payloadReq, fcuReq, err := c.buildBlock(ctx, api, blockNumber, batch[0].Method, txs)
	if err != nil {
		return err
	}
	return writeRequestPair(outPayloads, outFCUs, payloadReq, fcuReq)
}

func writeRequestPair(outPayloads, outFCUs io.Writer, payloadReq, fcuReq map[string]any) error {
	payloadLine, err := json.Marshal(payloadReq)
	if err != nil {
		return fmt.Errorf("failed to encode compressed payload: %w", err)
	}
	fcuLine, err := json.Marshal(fcuReq)
	if err != nil {
		return fmt.Errorf("failed to encode compressed fcu: %w", err)
	}
	if _, err := outPayloads.Write(append(payloadLine, '\n')); err != nil {
		return fmt.Errorf("failed to write compressed payload: %w", err)
	}
	if _, err := outFCUs.Write(append(fcuLine, '\n')); err != nil {
		return fmt.Errorf("failed to write compressed fcu: %w", err)
	}
	return nil
}
