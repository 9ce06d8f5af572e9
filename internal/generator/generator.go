// Package generator rebuilds Engine API traffic from a live chain: for every
// block in a range it fetches the raw transactions, composes the versioned
// engine_newPayload and engine_forkchoiceUpdated requests, and writes them as
// parallel JSONL files for later replay.
package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// Default concurrency: blocks in flight and raw-tx fetches per block.
const (
	DefaultBlockWorkers = 10
	DefaultTxWorkers    = 30
)

// Generator pulls blocks over JSON-RPC and turns them into request pairs.
type Generator struct {
	client       *rpc.Client
	network      networks.Network
	blockWorkers int
	txWorkers    int
	logger       *slog.Logger
}

// Options tune the generator; zero values pick the defaults.
type Options struct {
	BlockWorkers int
	TxWorkers    int
	Logger       *slog.Logger
}

// New connects to an execution-layer JSON-RPC endpoint.
func New(ctx context.Context, rpcURL string, network networks.Network, opts Options) (*Generator, error) {
	client, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rpc endpoint %s: %w", rpcURL, err)
	}
	return newWithClient(client, network, opts), nil
}

func newWithClient(client *rpc.Client, network networks.Network, opts Options) *Generator {
	if opts.BlockWorkers <= 0 {
		opts.BlockWorkers = DefaultBlockWorkers
	}
	if opts.TxWorkers <= 0 {
		opts.TxWorkers = DefaultTxWorkers
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Generator{
		client:       client,
		network:      network,
		blockWorkers: opts.BlockWorkers,
		txWorkers:    opts.TxWorkers,
		logger:       opts.Logger,
	}
}

// Close releases the RPC connection.
func (g *Generator) Close() { g.client.Close() }

// LatestBlockNumber returns the chain head number, used when no end block is
// given.
func (g *Generator) LatestBlockNumber(ctx context.Context) (uint64, error) {
	var number hexutil.Uint64
	if err := g.client.CallContext(ctx, &number, "eth_blockNumber"); err != nil {
		return 0, fmt.Errorf("failed to get latest block number: %w", err)
	}
	return uint64(number), nil
}

func (g *Generator) getBlock(ctx context.Context, number uint64) (*block, error) {
	var b *block
	// Full transaction objects: the blob hashes of type-3 transactions are
	// needed for the V3+ params.
	if err := g.client.CallContext(ctx, &b, "eth_getBlockByNumber", hexutil.Uint64(number), true); err != nil {
		return nil, fmt.Errorf("failed to get block %d: %w", number, err)
	}
	if b == nil {
		return nil, fmt.Errorf("block %d not found", number)
	}
	return b, nil
}

// rawTransactions fetches the canonical encoding of every transaction in the
// block, bounded by txWorkers concurrent requests, preserving block order.
func (g *Generator) rawTransactions(ctx context.Context, b *block) ([]hexutil.Bytes, error) {
	rawTxs := make([]hexutil.Bytes, len(b.Transactions))
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(g.txWorkers)
	for i, tx := range b.Transactions {
		i, hash := i, tx.Hash
		group.Go(func() error {
			if err := g.client.CallContext(ctx, &rawTxs[i], "eth_getRawTransactionByHash", hash); err != nil {
				return fmt.Errorf("failed to get raw transaction %s: %w", hash, err)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return rawTxs, nil
}

// GeneratePair builds the newPayload/FCU request pair for one block.
func (g *Generator) GeneratePair(ctx context.Context, number uint64) (RequestPair, error) {
	g.logger.Info("generating payload", slog.Uint64("block_number", number))

	b, err := g.getBlock(ctx, number)
	if err != nil {
		return RequestPair{}, err
	}
	rawTxs, err := g.rawTransactions(ctx, b)
	if err != nil {
		return RequestPair{}, err
	}

	payloadReq, err := newPayloadRequest(b, g.network, rawTxs)
	if err != nil {
		return RequestPair{}, err
	}
	payloadLine, err := json.Marshal(payloadReq)
	if err != nil {
		return RequestPair{}, fmt.Errorf("failed to encode payload request for block %d: %w", number, err)
	}
	fcuLine, err := json.Marshal(forkchoiceRequest(b, g.network))
	if err != nil {
		return RequestPair{}, fmt.Errorf("failed to encode fcu request for block %d: %w", number, err)
	}

	return RequestPair{BlockNumber: number, Payload: payloadLine, FCU: fcuLine}, nil
}

// GenerateRange generates [startBlock, endBlock] inclusive and writes the
// pairs in block order: line N of both files describes block startBlock+N.
// Blocks are fetched concurrently but buffered so the files stay aligned.
func (g *Generator) GenerateRange(ctx context.Context, startBlock, endBlock uint64, payloads, fcus io.Writer) error {
	if endBlock < startBlock {
		return fmt.Errorf("end block %d is before start block %d", endBlock, startBlock)
	}

	pairs := make([]RequestPair, endBlock-startBlock+1)
	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(g.blockWorkers)
	for number := startBlock; number <= endBlock; number++ {
		number := number
		group.Go(func() error {
			pair, err := g.GeneratePair(ctx, number)
			if err != nil {
				return err
			}
			pairs[number-startBlock] = pair
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for _, pair := range pairs {
		if err := writePair(payloads, fcus, pair); err != nil {
			return err
		}
	}
	g.logger.Info("payloads generated",
		slog.Uint64("start_block", startBlock),
		slog.Uint64("end_block", endBlock),
		slog.Int("count", len(pairs)),
	)
	return nil
}

func writePair(payloads, fcus io.Writer, pair RequestPair) error {
	if _, err := payloads.Write(append(pair.Payload, '\n')); err != nil {
		return fmt.Errorf("failed to write payload for block %d: %w", pair.BlockNumber, err)
	}
	if _, err := fcus.Write(append(pair.FCU, '\n')); err != nil {
		return fmt.Errorf("failed to write fcu for block %d: %w", pair.BlockNumber, err)
	}
	return nil
}
