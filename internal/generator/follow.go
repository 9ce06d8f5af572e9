package generator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
)

// subscribeRequest is the eth_subscribe call opening the newHeads stream.
var subscribeRequest = map[string]any{
	"id":      1,
	"jsonrpc": "2.0",
	"method":  "eth_subscribe",
	"params":  []any{"newHeads"},
}

type subscribeResponse struct {
	Result string          `json:"result"`
	Error  json.RawMessage `json:"error"`
}

type headNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Number hexutil.Uint64 `json:"number"`
		} `json:"result"`
	} `json:"params"`
}

// Follow subscribes to newHeads over websocket and appends a request pair for
// every new canonical head until the context is cancelled. Heads are handled
// one at a time so the output files stay in chain order.
func (g *Generator) Follow(ctx context.Context, wsURL string, payloads, fcus io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to websocket endpoint %s: %w", wsURL, err)
	}
	defer conn.Close()

	// Unblock the read loop when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	if err := conn.WriteJSON(subscribeRequest); err != nil {
		return fmt.Errorf("failed to subscribe to new heads: %w", err)
	}
	var sub subscribeResponse
	if err := conn.ReadJSON(&sub); err != nil {
		return fmt.Errorf("failed to read subscription response: %w", err)
	}
	if len(sub.Error) > 0 {
		return fmt.Errorf("new heads subscription rejected: %s", sub.Error)
	}
	g.logger.Info("following new heads",
		slog.String("ws_url", wsURL),
		slog.String("subscription", sub.Result),
	)

	for {
		var head headNotification
		if err := conn.ReadJSON(&head); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("new heads stream closed: %w", err)
		}
		if head.Method != "eth_subscription" {
			continue
		}

		number := uint64(head.Params.Result.Number)
		pair, err := g.GeneratePair(ctx, number)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// A head can disappear in a reorg before its transactions are
			// fetched; skip it and keep following.
			g.logger.Warn("failed to generate payload for new head",
				slog.Uint64("block_number", number),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := writePair(payloads, fcus, pair); err != nil {
			return err
		}
	}
}
