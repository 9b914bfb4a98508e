package chainexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// RPCClient is a lightweight JSON-RPC client for a single chain's node
// endpoint, used by the broadcast/confirm callbacks handed to LocalSigner.
// Only the JSON-RPC methods the executor needs are implemented.
type RPCClient struct {
	baseURL      string
	authToken    string
	http         *http.Client
	nextID       atomic.Int64
	pollInterval time.Duration
}

// NewRPCClient constructs a client against baseURL.
func NewRPCClient(baseURL, authToken string) *RPCClient {
	return &RPCClient{
		baseURL:      baseURL,
		authToken:    authToken,
		http:         &http.Client{Timeout: 15 * time.Second},
		pollInterval: 3 * time.Second,
	}
}

// BroadcastSigned submits a pre-signed transaction and returns its hash,
// for use as a LocalSigner broadcast callback.
func (c *RPCClient) BroadcastSigned(ctx context.Context, tx UnsignedTx, sig []byte) (string, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{
		"sender":      tx.Sender,
		"destination": tx.Destination,
		"nonce":       tx.Nonce,
		"amountMinor": tx.AmountMinor,
		"token":       tx.Token,
		"signature":   fmt.Sprintf("%x", sig),
	}
	if err := c.call(ctx, "send_raw_transaction", params, &result); err != nil {
		return "", fmt.Errorf("chainexec: %w", ErrProviderUnavailable)
	}
	return result.TxHash, nil
}

// WaitForConfirmations polls the node for a transaction's confirmation
// depth until it reaches the requested count, the transaction reverts, or
// ctx is cancelled.
func (c *RPCClient) WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var result struct {
				Confirmations int    `json:"confirmations"`
				Status        string `json:"status"`
			}
			if err := c.call(ctx, "get_transaction_receipt", map[string]interface{}{"txHash": txHash}, &result); err != nil {
				continue
			}
			if result.Status == "reverted" {
				return ErrReverted
			}
			if result.Confirmations >= confirmations {
				return nil
			}
		}
	}
}

func (c *RPCClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(c.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chainexec: rpc %s failed: status=%d", method, resp.StatusCode)
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("chainexec: rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// MPCBroadcastClient requests a signature-and-submit from an external MPC
// custody service and polls for confirmation, for use with NewMPCSigner.
type MPCBroadcastClient struct {
	rpc *RPCClient
}

// NewMPCBroadcastClient constructs a client against the MPC provider's API.
func NewMPCBroadcastClient(baseURL, apiKey string) *MPCBroadcastClient {
	return &MPCBroadcastClient{rpc: NewRPCClient(baseURL, apiKey)}
}

// RequestSign submits tx for signing and broadcast by the custody service.
func (c *MPCBroadcastClient) RequestSign(ctx context.Context, tx UnsignedTx) (BroadcastResult, error) {
	var result struct {
		TxHash string `json:"txHash"`
	}
	params := map[string]interface{}{
		"chain":       tx.Chain,
		"sender":      tx.Sender,
		"destination": tx.Destination,
		"nonce":       tx.Nonce,
		"amountMinor": tx.AmountMinor,
		"token":       tx.Token,
	}
	if err := c.rpc.call(ctx, "sign_and_broadcast", params, &result); err != nil {
		return BroadcastResult{}, fmt.Errorf("chainexec: %w", ErrProviderUnavailable)
	}
	return BroadcastResult{TxHash: result.TxHash}, nil
}

// WaitForConfirmations delegates to the underlying RPC client.
func (c *MPCBroadcastClient) WaitForConfirmations(ctx context.Context, chain, txHash string, confirmations int) error {
	return c.rpc.WaitForConfirmations(ctx, chain, txHash, confirmations)
}
