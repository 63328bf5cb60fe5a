package gateway

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/web3"
	"FlowSend-Chain/internal/web3/ethereum"
)

const (
	userWallet = "0x1111111111111111111111111111111111111111"
	recipient  = "0x2222222222222222222222222222222222222222"
)

type stubChain struct {
	network web3.Network
	sent    []web3.SendCallsRequest
	txID    string
	sendErr error
	gas     uint64
	gasErr  error
	balance *big.Int
}

func newStubChain() *stubChain {
	defs := web3.DefaultDefinitions()
	return &stubChain{network: defs.Chains[defs.Default].Network(defs.Default), txID: "0xabc", gas: 60000}
}

func (s *stubChain) Network() web3.Network { return s.network }
func (s *stubChain) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	return s.balance, nil
}
func (s *stubChain) EstimateGas(context.Context, common.Address, web3.Call) (uint64, error) {
	return s.gas, s.gasErr
}
func (s *stubChain) SendCalls(_ context.Context, req web3.SendCallsRequest) (string, error) {
	s.sent = append(s.sent, req)
	if s.sendErr != nil {
		return "", s.sendErr
	}
	return s.txID, nil
}
func (s *stubChain) Close() {}

type rpcFailure struct{}

func (rpcFailure) Error() string  { return "User rejected the request" }
func (rpcFailure) ErrorCode() int { return 4001 }

func newGateway(t *testing.T, chain web3.Client) *Gateway {
	t.Helper()
	policy, err := NewPolicy(context.Background(), PolicyConfig{})
	require.NoError(t, err)
	return New(chain, "https://paymaster.example/rpc", WithPolicy(policy))
}

func transfer(amount string) intent.TransactionRequest {
	return intent.TransactionRequest{Kind: intent.KindTransfer, Params: intent.Params{Amount: amount, RecipientAddress: recipient}}
}

func TestExecuteTransfer(t *testing.T) {
	chain := newStubChain()
	result, err := newGateway(t, chain).Execute(context.Background(), transfer("10.5"), WalletContext{Address: userWallet})
	require.NoError(t, err)

	assert.Equal(t, "0xabc", result.TransactionID)
	assert.Equal(t, common.HexToAddress(recipient), result.Destination)
	assert.Equal(t, big.NewInt(10_500_000), result.BaseUnits)

	require.Len(t, chain.sent, 1)
	sent := chain.sent[0]
	assert.Equal(t, uint64(web3.DefaultChainID), sent.ChainID)
	assert.Equal(t, "https://paymaster.example/rpc", sent.PaymasterURL)
	require.Len(t, sent.Calls, 1)
	assert.Equal(t, chain.network.Token.Address, sent.Calls[0].To)

	want, err := ethereum.PackTransfer(common.HexToAddress(recipient), big.NewInt(10_500_000))
	require.NoError(t, err)
	assert.Equal(t, want, sent.Calls[0].Data)
}

func TestExecuteWithdrawAlwaysTargetsTreasury(t *testing.T) {
	chain := newStubChain()
	req := intent.TransactionRequest{
		Kind:   intent.KindWithdraw,
		Params: intent.Params{Amount: "50", BankAccountID: "abc123", RecipientAddress: recipient},
	}
	result, err := newGateway(t, chain).Execute(context.Background(), req, WalletContext{Address: userWallet})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(web3.DefaultTreasury), result.Destination)
}

func TestExecuteFailures(t *testing.T) {
	cases := []struct {
		name    string
		gateway func(*stubChain) *Gateway
		wallet  string
		amount  string
		want    xerrors.Code
	}{
		{"no client", func(*stubChain) *Gateway { return New(nil, "https://pm") }, userWallet, "1", CodeWalletNotInitialized},
		{"no wallet", func(c *stubChain) *Gateway { return newGateway(t, c) }, "", "1", CodeWalletNotInitialized},
		{"no paymaster", func(c *stubChain) *Gateway { return New(c, " ") }, userWallet, "1", CodeSponsorNotConfigured},
		{"over limit", func(c *stubChain) *Gateway { return newGateway(t, c) }, userWallet, "1000.01", CodeSponsorshipDenied},
		{"bad amount", func(c *stubChain) *Gateway { return newGateway(t, c) }, userWallet, "1.0000001", xerrors.CodeInvalidArgument},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			chain := newStubChain()
			_, err := tc.gateway(chain).Execute(context.Background(), transfer(tc.amount), WalletContext{Address: tc.wallet})
			require.Error(t, err)
			assert.Equal(t, tc.want, xerrors.CodeOf(err))
			assert.Empty(t, chain.sent)
		})
	}
}

func TestExecuteGasPolicy(t *testing.T) {
	chain := newStubChain()
	chain.gas = 250000
	_, err := newGateway(t, chain).Execute(context.Background(), transfer("1"), WalletContext{Address: userWallet})
	assert.Equal(t, CodeSponsorshipDenied, xerrors.CodeOf(err))

	chain = newStubChain()
	chain.gasErr = errors.New("estimate unavailable")
	_, err = newGateway(t, chain).Execute(context.Background(), transfer("1"), WalletContext{Address: userWallet})
	assert.NoError(t, err)
}

func TestExecuteClassifiesSubmitErrors(t *testing.T) {
	cases := map[string]struct {
		err  error
		want xerrors.Code
	}{
		"provider":  {rpcFailure{}, CodeProviderError},
		"empty id":  {web3.ErrEmptyTransactionID, CodeProviderError},
		"no wallet": {web3.ErrWalletUnavailable, CodeWalletNotInitialized},
		"transport": {errors.New("connection reset"), CodeSubmissionRejected},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			chain := newStubChain()
			chain.sendErr = tc.err
			_, err := newGateway(t, chain).Execute(context.Background(), transfer("1"), WalletContext{Address: userWallet})
			assert.Equal(t, tc.want, xerrors.CodeOf(err))
		})
	}
}

func TestPolicyRejectsForeignTarget(t *testing.T) {
	policy, err := NewPolicy(context.Background(), PolicyConfig{MaxValue: "5"})
	require.NoError(t, err)
	network := newStubChain().network

	reasons, err := policy.Evaluate(context.Background(), SponsorInput{
		Network: network,
		Calls:   []web3.Call{{To: common.HexToAddress(recipient)}},
		Amount:  web3Units(t, "6"),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"call target is not the token contract", "transfer value exceeds the sponsorship limit"}, reasons)
}

func TestBalance(t *testing.T) {
	chain := newStubChain()
	chain.balance = big.NewInt(12_340_000)
	got, err := New(chain, "").Balance(context.Background(), userWallet)
	require.NoError(t, err)
	assert.Equal(t, "12.34", got.String())
}

func web3Units(t *testing.T, amount string) decimal.Decimal {
	t.Helper()
	return decimal.RequireFromString(amount).Shift(web3.DefaultTokenDecimals)
}
