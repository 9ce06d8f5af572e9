package generator

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

// request is the JSON-RPC envelope written to the payload and FCU files. The
// replay side streams these lines verbatim to the Engine API.
type request struct {
	ID      int    `json:"id"`
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// withdrawal mirrors the execution-layer withdrawal object of V2+ payloads.
type withdrawal struct {
	Index          hexutil.Uint64 `json:"index"`
	ValidatorIndex hexutil.Uint64 `json:"validatorIndex"`
	Address        common.Address `json:"address"`
	Amount         hexutil.Uint64 `json:"amount"`
}

// transaction carries the fields needed from a full block transaction: its
// hash to fetch the raw encoding, and the blob commitments of type-3 txs.
type transaction struct {
	Hash                common.Hash   `json:"hash"`
	BlobVersionedHashes []common.Hash `json:"blobVersionedHashes"`
}

// block is the subset of eth_getBlockByNumber needed to rebuild an execution
// payload. Post-Shanghai and post-Cancun fields are pointers so pre-fork
// blocks unmarshal cleanly.
type block struct {
	Number                hexutil.Uint64  `json:"number"`
	Hash                  common.Hash     `json:"hash"`
	ParentHash            common.Hash     `json:"parentHash"`
	Miner                 common.Address  `json:"miner"`
	StateRoot             common.Hash     `json:"stateRoot"`
	ReceiptsRoot          common.Hash     `json:"receiptsRoot"`
	LogsBloom             hexutil.Bytes   `json:"logsBloom"`
	MixHash               common.Hash     `json:"mixHash"`
	GasLimit              hexutil.Uint64  `json:"gasLimit"`
	GasUsed               hexutil.Uint64  `json:"gasUsed"`
	Timestamp             hexutil.Uint64  `json:"timestamp"`
	ExtraData             hexutil.Bytes   `json:"extraData"`
	BaseFeePerGas         *hexutil.Big    `json:"baseFeePerGas"`
	BlobGasUsed           *hexutil.Uint64 `json:"blobGasUsed"`
	ExcessBlobGas         *hexutil.Uint64 `json:"excessBlobGas"`
	ParentBeaconBlockRoot *common.Hash    `json:"parentBeaconBlockRoot"`
	Withdrawals           []withdrawal    `json:"withdrawals"`
	Transactions          []transaction   `json:"transactions"`
}

// executionPayload is the ExecutionPayloadV1..V3 structure. Version-gated
// fields are omitted when empty so one struct serves every version.
type executionPayload struct {
	ParentHash    common.Hash    `json:"parentHash"`
	FeeRecipient  common.Address `json:"feeRecipient"`
	StateRoot     common.Hash    `json:"stateRoot"`
	ReceiptsRoot  common.Hash    `json:"receiptsRoot"`
	LogsBloom     hexutil.Bytes  `json:"logsBloom"`
	PrevRandao    common.Hash    `json:"prevRandao"`
	BlockNumber   hexutil.Uint64 `json:"blockNumber"`
	GasLimit      hexutil.Uint64 `json:"gasLimit"`
	GasUsed       hexutil.Uint64 `json:"gasUsed"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	ExtraData     hexutil.Bytes  `json:"extraData"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
	BlockHash     common.Hash    `json:"blockHash"`
	Transactions  []hexutil.Bytes `json:"transactions"`

	Withdrawals []withdrawal `json:"withdrawals,omitempty"` // V2+

	BlobGasUsed   *hexutil.Uint64 `json:"blobGasUsed,omitempty"`   // V3+
	ExcessBlobGas *hexutil.Uint64 `json:"excessBlobGas,omitempty"` // V3+
}

func composePayload(b *block, fork networks.Fork, rawTxs []hexutil.Bytes) executionPayload {
	payload := executionPayload{
		ParentHash:    b.ParentHash,
		FeeRecipient:  b.Miner,
		StateRoot:     b.StateRoot,
		ReceiptsRoot:  b.ReceiptsRoot,
		LogsBloom:     b.LogsBloom,
		PrevRandao:    b.MixHash,
		BlockNumber:   b.Number,
		GasLimit:      b.GasLimit,
		GasUsed:       b.GasUsed,
		Timestamp:     b.Timestamp,
		ExtraData:     b.ExtraData,
		BaseFeePerGas: b.BaseFeePerGas,
		BlockHash:     b.Hash,
		Transactions:  rawTxs,
	}
	if fork >= networks.ForkShanghai {
		payload.Withdrawals = b.Withdrawals
		if payload.Withdrawals == nil {
			payload.Withdrawals = []withdrawal{}
		}
	}
	if fork >= networks.ForkCancun {
		zero := hexutil.Uint64(0)
		payload.BlobGasUsed = b.BlobGasUsed
		payload.ExcessBlobGas = b.ExcessBlobGas
		if payload.BlobGasUsed == nil {
			payload.BlobGasUsed = &zero
		}
		if payload.ExcessBlobGas == nil {
			payload.ExcessBlobGas = &zero
		}
	}
	return payload
}

func blobVersionedHashes(b *block) []common.Hash {
	hashes := []common.Hash{}
	for _, tx := range b.Transactions {
		hashes = append(hashes, tx.BlobVersionedHashes...)
	}
	return hashes
}

// newPayloadRequest builds the versioned engine_newPayload request for one
// block. V3 adds the blob hashes and parent beacon root params; V4 adds the
// execution-requests list on top.
func newPayloadRequest(b *block, network networks.Network, rawTxs []hexutil.Bytes) (request, error) {
	fork := network.ForkAt(uint64(b.Timestamp))
	version := fork.NewPayloadVersion()
	params := []any{composePayload(b, fork, rawTxs)}

	if version >= 3 {
		if b.ParentBeaconBlockRoot == nil {
			return request{}, fmt.Errorf("block %d: missing parent beacon block root for engine_newPayloadV%d", b.Number, version)
		}
		params = append(params, blobVersionedHashes(b), *b.ParentBeaconBlockRoot)
	}
	if version >= 4 {
		params = append(params, []hexutil.Bytes{})
	}

	return request{
		ID:      1,
		JSONRPC: "2.0",
		Method:  fmt.Sprintf("engine_newPayloadV%d", version),
		Params:  params,
	}, nil
}

// forkchoiceState is the first param of engine_forkchoiceUpdated. Safe and
// finalized hashes stay zero: the replayed chain has no finality source.
type forkchoiceState struct {
	HeadBlockHash      common.Hash `json:"headBlockHash"`
	SafeBlockHash      common.Hash `json:"safeBlockHash"`
	FinalizedBlockHash common.Hash `json:"finalizedBlockHash"`
}

func forkchoiceRequest(b *block, network networks.Network) request {
	version := network.ForkAt(uint64(b.Timestamp)).ForkchoiceUpdatedVersion()
	return request{
		ID:      1,
		JSONRPC: "2.0",
		Method:  fmt.Sprintf("engine_forkchoiceUpdatedV%d", version),
		Params:  []any{forkchoiceState{HeadBlockHash: b.Hash}},
	}
}

// RequestPair is the generated line pair for one block: the Nth line of the
// payloads file and the Nth line of the FCUs file describe the same block.
type RequestPair struct {
	BlockNumber uint64
	Payload     json.RawMessage
	FCU         json.RawMessage
}
