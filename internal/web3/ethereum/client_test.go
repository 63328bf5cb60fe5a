package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"FlowSend-Chain/internal/web3"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

// fakeNode answers a fixed set of JSON-RPC methods and records requests.
type fakeNode struct {
	mu       sync.Mutex
	requests []rpcRequest
	results  map[string]any
	errors   map[string]string
}

func (f *fakeNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	result, hasResult := f.results[req.Method]
	message, hasErr := f.errors[req.Method]
	f.mu.Unlock()

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	switch {
	case hasErr:
		resp["error"] = map[string]any{"code": 4001, "message": message}
	case hasResult:
		resp["result"] = result
	default:
		resp["error"] = map[string]any{"code": -32601, "message": "method not found"}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *fakeNode) last(method string) (rpcRequest, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.requests) - 1; i >= 0; i-- {
		if f.requests[i].Method == method {
			return f.requests[i], true
		}
	}
	return rpcRequest{}, false
}

func newTestClient(t *testing.T, node *fakeNode, withWallet bool) *Client {
	t.Helper()
	srv := httptest.NewServer(node)
	t.Cleanup(srv.Close)

	defs := web3.DefaultDefinitions()
	cfg := Config{
		Network: defs.Chains[defs.Default].Network(defs.Default),
		RPCURL:  srv.URL,
	}
	if withWallet {
		cfg.WalletRPCURL = srv.URL
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := NewClient(ctx, cfg)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestPackTransferEncodesSelector(t *testing.T) {
	data, err := PackTransfer(common.HexToAddress("0x00000000000000000000000000000000000000aa"), big.NewInt(10_000_000))
	if err != nil {
		t.Fatalf("pack transfer: %v", err)
	}
	if got := hexutil.Encode(data[:4]); got != "0xa9059cbb" {
		t.Fatalf("unexpected selector %s", got)
	}
	if len(data) != 4+32+32 {
		t.Fatalf("unexpected calldata length %d", len(data))
	}
	if _, err := PackTransfer(common.Address{}, big.NewInt(0)); err == nil {
		t.Fatalf("expected error for zero amount")
	}
}

func TestTokenBalance(t *testing.T) {
	encoded := common.LeftPadBytes(big.NewInt(25_500_000).Bytes(), 32)
	node := &fakeNode{results: map[string]any{"eth_call": hexutil.Encode(encoded)}}
	client := newTestClient(t, node, false)

	owner := common.HexToAddress("0x671B44D779B676f960F7375DCAdb84B4f330CF5D")
	balance, err := client.TokenBalance(context.Background(), owner)
	if err != nil {
		t.Fatalf("token balance: %v", err)
	}
	if balance.Cmp(big.NewInt(25_500_000)) != 0 {
		t.Fatalf("unexpected balance %s", balance)
	}

	req, ok := node.last("eth_call")
	if !ok {
		t.Fatalf("eth_call not issued")
	}
	var msg struct {
		To    string `json:"to"`
		Input string `json:"input"`
		Data  string `json:"data"`
	}
	if err := json.Unmarshal(req.Params[0], &msg); err != nil {
		t.Fatalf("decode call args: %v", err)
	}
	if !common.IsHexAddress(msg.To) || common.HexToAddress(msg.To) != common.HexToAddress(web3.DefaultTokenAddress) {
		t.Fatalf("call not sent to token contract: %s", msg.To)
	}
}

func TestSendCallsPayload(t *testing.T) {
	node := &fakeNode{results: map[string]any{"wallet_sendCalls": map[string]any{"id": "0xbundle"}}}
	client := newTestClient(t, node, true)

	from := common.HexToAddress("0x671B44D779B676f960F7375DCAdb84B4f330CF5D")
	data, _ := PackTransfer(from, big.NewInt(1))
	id, err := client.SendCalls(context.Background(), web3.SendCallsRequest{
		From:         from,
		Calls:        []web3.Call{{To: client.Network().Token.Address, Data: data}},
		PaymasterURL: "https://paymaster.example/rpc",
	})
	if err != nil {
		t.Fatalf("send calls: %v", err)
	}
	if id != "0xbundle" {
		t.Fatalf("unexpected id %q", id)
	}

	req, _ := node.last("wallet_sendCalls")
	var params sendCallsParams
	if err := json.Unmarshal(req.Params[0], &params); err != nil {
		t.Fatalf("decode params: %v", err)
	}
	if params.Version != "1.0" || params.ChainID != "0x14a34" {
		t.Fatalf("unexpected header fields: %+v", params)
	}
	if len(params.Calls) != 1 || params.Calls[0].Value != "0x0" {
		t.Fatalf("unexpected calls: %+v", params.Calls)
	}
	if params.Capabilities == nil || params.Capabilities.PaymasterService.URL != "https://paymaster.example/rpc" {
		t.Fatalf("paymaster capability missing: %+v", params.Capabilities)
	}
}

func TestSendCallsErrors(t *testing.T) {
	t.Run("no wallet", func(t *testing.T) {
		client := newTestClient(t, &fakeNode{}, false)
		_, err := client.SendCalls(context.Background(), web3.SendCallsRequest{Calls: []web3.Call{{}}})
		if !errors.Is(err, web3.ErrWalletUnavailable) {
			t.Fatalf("expected wallet unavailable, got %v", err)
		}
	})

	t.Run("rpc error payload", func(t *testing.T) {
		node := &fakeNode{errors: map[string]string{"wallet_sendCalls": "user rejected"}}
		client := newTestClient(t, node, true)
		_, err := client.SendCalls(context.Background(), web3.SendCallsRequest{Calls: []web3.Call{{}}})
		var rpcErr gethrpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.ErrorCode() != 4001 {
			t.Fatalf("expected rpc error with code, got %v", err)
		}
	})

	t.Run("empty id", func(t *testing.T) {
		node := &fakeNode{results: map[string]any{"wallet_sendCalls": ""}}
		client := newTestClient(t, node, true)
		_, err := client.SendCalls(context.Background(), web3.SendCallsRequest{Calls: []web3.Call{{}}})
		if !errors.Is(err, web3.ErrEmptyTransactionID) {
			t.Fatalf("expected empty id error, got %v", err)
		}
	})
}
