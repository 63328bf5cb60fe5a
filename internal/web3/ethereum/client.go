package ethereum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"FlowSend-Chain/internal/web3"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// sendCallsVersion is the wallet_sendCalls request version understood by
// smart wallets and paymaster proxies.
const sendCallsVersion = "1.0"

// Config describes how to construct an EVM compatible client.
type Config struct {
	Network      web3.Network
	RPCURL       string
	WalletRPCURL string
}

// Client implements web3.Client for EVM compatible chains.
type Client struct {
	network   web3.Network
	rpcClient *gethrpc.Client
	backend   callBackend
	wallet    rpcCaller
	mu        sync.Mutex
}

// callBackend mirrors the subset of ethclient used for reads.
type callBackend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
}

// rpcCaller is the wallet JSON-RPC transport.
type rpcCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
	Close()
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
// The wallet endpoint is optional; without it SendCalls reports that the
// wallet is not initialized.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}

	client := &Client{
		network:   cfg.Network,
		rpcClient: rpcClient,
		backend:   ethclient.NewClient(rpcClient),
	}

	if walletURL := strings.TrimSpace(cfg.WalletRPCURL); walletURL != "" {
		if walletURL == rpcURL {
			client.wallet = rpcClient
		} else {
			walletRPC, err := gethrpc.DialContext(ctx, walletURL)
			if err != nil {
				rpcClient.Close()
				return nil, fmt.Errorf("连接钱包 RPC 失败: %w", err)
			}
			client.wallet = walletRPC
		}
	}
	return client, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.wallet != nil && c.wallet != rpcCaller(c.rpcClient) {
		c.wallet.Close()
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
	}
	c.wallet = nil
	c.rpcClient = nil
	c.backend = nil
}

// Network returns the static network description.
func (c *Client) Network() web3.Network {
	return c.network
}

// TokenBalance reads balanceOf(owner) on the configured token contract.
func (c *Client) TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error) {
	backend := c.readBackend()
	if backend == nil {
		return nil, errors.New("当前客户端不支持合约查询")
	}
	data, err := PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	token := c.network.Token.Address
	out, err := backend.CallContract(ctx, gethcore.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	return UnpackBalance(out)
}

// EstimateGas estimates the gas of a single call sent from the given address.
func (c *Client) EstimateGas(ctx context.Context, from common.Address, call web3.Call) (uint64, error) {
	backend := c.readBackend()
	if backend == nil {
		return 0, errors.New("当前客户端不支持 gas 估算")
	}
	to := call.To
	gas, err := backend.EstimateGas(ctx, gethcore.CallMsg{
		From:  from,
		To:    &to,
		Value: call.Value,
		Data:  call.Data,
	})
	if err != nil {
		return 0, fmt.Errorf("估算 gas 失败: %w", err)
	}
	return gas, nil
}

// SendCalls submits the batch through wallet_sendCalls with the paymaster
// capability attached and returns the wallet's call bundle identifier.
func (c *Client) SendCalls(ctx context.Context, req web3.SendCallsRequest) (string, error) {
	wallet := c.walletCaller()
	if wallet == nil {
		return "", web3.ErrWalletUnavailable
	}
	if len(req.Calls) == 0 {
		return "", errors.New("没有可发送的调用")
	}

	chainID := req.ChainID
	if chainID == 0 {
		chainID = c.network.ChainID
	}
	params := sendCallsParams{
		Version: sendCallsVersion,
		ChainID: hexutil.EncodeUint64(chainID),
		From:    req.From.Hex(),
		Calls:   make([]sendCall, 0, len(req.Calls)),
	}
	for _, call := range req.Calls {
		value := call.Value
		if value == nil {
			value = new(big.Int)
		}
		params.Calls = append(params.Calls, sendCall{
			To:    call.To.Hex(),
			Value: hexutil.EncodeBig(value),
			Data:  hexutil.Encode(call.Data),
		})
	}
	if req.PaymasterURL != "" {
		params.Capabilities = &sendCallsCapabilities{
			PaymasterService: &paymasterCapability{URL: req.PaymasterURL},
		}
	}

	var raw json.RawMessage
	if err := wallet.CallContext(ctx, &raw, "wallet_sendCalls", params); err != nil {
		return "", err
	}
	return parseCallsID(raw)
}

type sendCallsParams struct {
	Version      string                 `json:"version"`
	ChainID      string                 `json:"chainId"`
	From         string                 `json:"from"`
	Calls        []sendCall             `json:"calls"`
	Capabilities *sendCallsCapabilities `json:"capabilities,omitempty"`
}

type sendCall struct {
	To    string `json:"to"`
	Value string `json:"value"`
	Data  string `json:"data"`
}

type sendCallsCapabilities struct {
	PaymasterService *paymasterCapability `json:"paymasterService,omitempty"`
}

type paymasterCapability struct {
	URL string `json:"url"`
}

// parseCallsID accepts both the bare string result of early wallets and the
// {"id": ...} object returned by newer ones.
func parseCallsID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		if strings.TrimSpace(id) == "" {
			return "", web3.ErrEmptyTransactionID
		}
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("解析 wallet_sendCalls 返回值失败: %w", err)
	}
	if strings.TrimSpace(obj.ID) == "" {
		return "", web3.ErrEmptyTransactionID
	}
	return obj.ID, nil
}

func (c *Client) readBackend() callBackend {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.backend
}

func (c *Client) walletCaller() rpcCaller {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}
