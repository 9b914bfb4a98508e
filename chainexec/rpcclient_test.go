package chainexec

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func jsonRPCServer(t *testing.T, respond func(method string, params map[string]interface{}) (interface{}, string)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Method string                 `json:"method"`
			Params map[string]interface{} `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		result, rpcErr := respond(req.Method, req.Params)
		resp := map[string]interface{}{}
		if rpcErr != "" {
			resp["error"] = map[string]string{"message": rpcErr}
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

func TestRPCClient_BroadcastSigned(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params map[string]interface{}) (interface{}, string) {
		require.Equal(t, "send_raw_transaction", method)
		return map[string]string{"txHash": "0xabc"}, ""
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "auth-token")
	hash, err := client.BroadcastSigned(context.Background(), UnsignedTx{Chain: "base", Sender: "a", Destination: "b"}, []byte{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)
}

func TestRPCClient_BroadcastSigned_RPCErrorWrapsProviderUnavailable(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params map[string]interface{}) (interface{}, string) {
		return nil, "node overloaded"
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	_, err := client.BroadcastSigned(context.Background(), UnsignedTx{}, nil)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestRPCClient_WaitForConfirmations_Reverted(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params map[string]interface{}) (interface{}, string) {
		require.Equal(t, "get_transaction_receipt", method)
		return map[string]interface{}{"confirmations": 0, "status": "reverted"}, ""
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	client.pollInterval = time.Millisecond
	err := client.WaitForConfirmations(context.Background(), "base", "0xabc", 2)
	require.ErrorIs(t, err, ErrReverted)
}

func TestRPCClient_WaitForConfirmations_Succeeds(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params map[string]interface{}) (interface{}, string) {
		return map[string]interface{}{"confirmations": 3, "status": "mined"}, ""
	})
	defer srv.Close()

	client := NewRPCClient(srv.URL, "")
	client.pollInterval = time.Millisecond
	err := client.WaitForConfirmations(context.Background(), "base", "0xabc", 2)
	require.NoError(t, err)
}

func TestMPCBroadcastClient_RequestSign(t *testing.T) {
	srv := jsonRPCServer(t, func(method string, params map[string]interface{}) (interface{}, string) {
		require.Equal(t, "sign_and_broadcast", method)
		return map[string]string{"txHash": "0xmpc"}, ""
	})
	defer srv.Close()

	client := NewMPCBroadcastClient(srv.URL, "mpc-key")
	result, err := client.RequestSign(context.Background(), UnsignedTx{Chain: "base"})
	require.NoError(t, err)
	require.Equal(t, "0xmpc", result.TxHash)
}
