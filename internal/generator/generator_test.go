package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/gorilla/websocket"

	"github.com/NethermindEth/execution-payloads-benchmarks/internal/networks"
)

const (
	parisTimestamp  = 1670000000
	cancunTimestamp = 1720000000
)

// blockFixture renders the eth_getBlockByNumber result for one test block.
func blockFixture(number uint64, timestamp uint64, cancun bool) string {
	txs := fmt.Sprintf(`[{"hash":"0x%064x"},{"hash":"0x%064x","blobVersionedHashes":["0x%064x"]}]`,
		number*10+1, number*10+2, number*10+9)
	extra := ""
	if cancun {
		extra = fmt.Sprintf(`,"withdrawals":[{"index":"0x1","validatorIndex":"0x2","address":"0x%040x","amount":"0x3"}],
			"blobGasUsed":"0x20000","excessBlobGas":"0x0","parentBeaconBlockRoot":"0x%064x"`, 0xaa, number*10+7)
	}
	return fmt.Sprintf(`{
		"number":"0x%x","hash":"0x%064x","parentHash":"0x%064x",
		"miner":"0x%040x","stateRoot":"0x%064x","receiptsRoot":"0x%064x",
		"logsBloom":"0x%0512x","mixHash":"0x%064x",
		"gasLimit":"0x1c9c380","gasUsed":"0xe4e1c0","timestamp":"0x%x",
		"extraData":"0x","baseFeePerGas":"0x3b9aca00",
		"transactions":%s%s
	}`, number, number, number-1, 0xbb, number+1, number+2, number, number+3, timestamp, txs, extra)
}

// fakeRPC answers the three JSON-RPC methods the generator uses.
func fakeRPC(t *testing.T, blocks map[uint64]string, latest uint64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad rpc request: %v", err)
			return
		}
		var result string
		switch req.Method {
		case "eth_blockNumber":
			result = fmt.Sprintf(`"0x%x"`, latest)
		case "eth_getBlockByNumber":
			var numberHex string
			if err := json.Unmarshal(req.Params[0], &numberHex); err != nil {
				t.Errorf("bad block number param: %v", err)
				return
			}
			var number uint64
			fmt.Sscanf(numberHex, "0x%x", &number)
			body, ok := blocks[number]
			if !ok {
				result = "null"
				break
			}
			result = body
		case "eth_getRawTransactionByHash":
			var hash string
			if err := json.Unmarshal(req.Params[0], &hash); err != nil {
				t.Errorf("bad tx hash param: %v", err)
				return
			}
			// Raw encoding derived from the hash so order is verifiable.
			result = fmt.Sprintf(`"0x02%s"`, strings.TrimPrefix(hash, "0x")[:8])
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":%s,"result":%s}`, req.ID, result)
	}))
}

func newTestGenerator(t *testing.T, url string) *Generator {
	t.Helper()
	client, err := rpc.Dial(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(client.Close)
	return newWithClient(client, networks.Mainnet, Options{})
}

type generatedRequest struct {
	ID      int               `json:"id"`
	JSONRPC string            `json:"jsonrpc"`
	Method  string            `json:"method"`
	Params  []json.RawMessage `json:"params"`
}

func decodeLine(t *testing.T, line []byte) generatedRequest {
	t.Helper()
	var req generatedRequest
	if err := json.Unmarshal(line, &req); err != nil {
		t.Fatalf("bad generated line %s: %v", line, err)
	}
	if req.ID != 1 || req.JSONRPC != "2.0" {
		t.Errorf("bad envelope in %s", line)
	}
	return req
}

func TestGeneratePairCancun(t *testing.T) {
	srv := fakeRPC(t, map[uint64]string{21000000: blockFixture(21000000, cancunTimestamp, true)}, 21000000)
	defer srv.Close()
	g := newTestGenerator(t, srv.URL)

	pair, err := g.GeneratePair(context.Background(), 21000000)
	if err != nil {
		t.Fatal(err)
	}

	payload := decodeLine(t, pair.Payload)
	if payload.Method != "engine_newPayloadV3" {
		t.Errorf("method = %s, want engine_newPayloadV3", payload.Method)
	}
	if len(payload.Params) != 3 {
		t.Fatalf("param count = %d, want 3 (payload, blob hashes, beacon root)", len(payload.Params))
	}

	var body struct {
		BlockNumber  string          `json:"blockNumber"`
		Transactions []string        `json:"transactions"`
		Withdrawals  json.RawMessage `json:"withdrawals"`
		BlobGasUsed  string          `json:"blobGasUsed"`
	}
	if err := json.Unmarshal(payload.Params[0], &body); err != nil {
		t.Fatal(err)
	}
	if body.BlockNumber != "0x1406f40" {
		t.Errorf("blockNumber = %s", body.BlockNumber)
	}
	if len(body.Transactions) != 2 || !strings.HasPrefix(body.Transactions[0], "0x02") {
		t.Errorf("transactions = %v", body.Transactions)
	}
	if body.Withdrawals == nil || body.BlobGasUsed != "0x20000" {
		t.Errorf("missing shanghai/cancun fields: %+v", body)
	}

	var blobHashes []string
	if err := json.Unmarshal(payload.Params[1], &blobHashes); err != nil {
		t.Fatal(err)
	}
	if len(blobHashes) != 1 {
		t.Errorf("blob hashes = %v", blobHashes)
	}

	fcu := decodeLine(t, pair.FCU)
	if fcu.Method != "engine_forkchoiceUpdatedV3" {
		t.Errorf("fcu method = %s", fcu.Method)
	}
	var state struct {
		HeadBlockHash      string `json:"headBlockHash"`
		SafeBlockHash      string `json:"safeBlockHash"`
		FinalizedBlockHash string `json:"finalizedBlockHash"`
	}
	if err := json.Unmarshal(fcu.Params[0], &state); err != nil {
		t.Fatal(err)
	}
	if state.SafeBlockHash != "0x"+strings.Repeat("0", 64) {
		t.Errorf("safe hash = %s, want zero", state.SafeBlockHash)
	}
	if state.HeadBlockHash == state.SafeBlockHash {
		t.Error("head hash must be the block hash, not zero")
	}
}

func TestGeneratePairParis(t *testing.T) {
	srv := fakeRPC(t, map[uint64]string{15600000: blockFixture(15600000, parisTimestamp, false)}, 15600000)
	defer srv.Close()
	g := newTestGenerator(t, srv.URL)

	pair, err := g.GeneratePair(context.Background(), 15600000)
	if err != nil {
		t.Fatal(err)
	}

	payload := decodeLine(t, pair.Payload)
	if payload.Method != "engine_newPayloadV1" {
		t.Errorf("method = %s, want engine_newPayloadV1", payload.Method)
	}
	if len(payload.Params) != 1 {
		t.Errorf("param count = %d, want 1", len(payload.Params))
	}
	if bytes.Contains(payload.Params[0], []byte("withdrawals")) {
		t.Error("pre-shanghai payload must not carry withdrawals")
	}

	fcu := decodeLine(t, pair.FCU)
	if fcu.Method != "engine_forkchoiceUpdatedV1" {
		t.Errorf("fcu method = %s", fcu.Method)
	}
}

func TestGenerateRangeKeepsBlockOrder(t *testing.T) {
	blocks := map[uint64]string{}
	for n := uint64(21000000); n <= 21000004; n++ {
		blocks[n] = blockFixture(n, cancunTimestamp, true)
	}
	srv := fakeRPC(t, blocks, 21000004)
	defer srv.Close()
	g := newTestGenerator(t, srv.URL)

	var payloads, fcus bytes.Buffer
	if err := g.GenerateRange(context.Background(), 21000000, 21000004, &payloads, &fcus); err != nil {
		t.Fatal(err)
	}

	payloadLines := strings.Split(strings.TrimSpace(payloads.String()), "\n")
	fcuLines := strings.Split(strings.TrimSpace(fcus.String()), "\n")
	if len(payloadLines) != 5 || len(fcuLines) != 5 {
		t.Fatalf("lines = %d payloads, %d fcus, want 5 each", len(payloadLines), len(fcuLines))
	}
	for i, line := range payloadLines {
		req := decodeLine(t, []byte(line))
		var body struct {
			BlockNumber string `json:"blockNumber"`
		}
		if err := json.Unmarshal(req.Params[0], &body); err != nil {
			t.Fatal(err)
		}
		want := fmt.Sprintf("0x%x", 21000000+i)
		if body.BlockNumber != want {
			t.Errorf("line %d blockNumber = %s, want %s", i, body.BlockNumber, want)
		}
	}
}

func TestGenerateRangeRejectsInvertedRange(t *testing.T) {
	srv := fakeRPC(t, nil, 1)
	defer srv.Close()
	g := newTestGenerator(t, srv.URL)
	if err := g.GenerateRange(context.Background(), 10, 5, &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for inverted range")
	}
}

func TestLatestBlockNumber(t *testing.T) {
	srv := fakeRPC(t, nil, 21000042)
	defer srv.Close()
	g := newTestGenerator(t, srv.URL)
	latest, err := g.LatestBlockNumber(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest != 21000042 {
		t.Errorf("latest = %d", latest)
	}
}

// syncBuffer lets the test poll output written from the follow goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), "\n")
}

func TestFollowGeneratesOnNewHeads(t *testing.T) {
	rpcSrv := fakeRPC(t, map[uint64]string{21000007: blockFixture(21000007, cancunTimestamp, true)}, 21000007)
	defer rpcSrv.Close()

	upgrader := websocket.Upgrader{}
	holdOpen := make(chan struct{})
	defer close(holdOpen)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","id":1,"result":"0xsub1"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"jsonrpc":"2.0","method":"eth_subscription","params":{"subscription":"0xsub1","result":{"number":"0x1406f47"}}}`))
		<-holdOpen
	}))
	defer wsSrv.Close()

	g := newTestGenerator(t, rpcSrv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var payloads, fcus syncBuffer
	done := make(chan error, 1)
	go func() {
		done <- g.Follow(ctx, "ws"+strings.TrimPrefix(wsSrv.URL, "http"), &payloads, &fcus)
	}()

	deadline := time.After(5 * time.Second)
	for payloads.Lines() < 1 {
		select {
		case err := <-done:
			t.Fatalf("follow returned early: %v", err)
		case <-deadline:
			t.Fatal("no payload generated from the new head")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("follow after cancel = %v", err)
	}
	if fcus.Lines() != 1 {
		t.Errorf("fcu lines = %d, want 1", fcus.Lines())
	}
}
