package web3

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Network is the runtime description of the chain money moves on.
type Network struct {
	Name        string
	DisplayName string
	ChainID     uint64
	ExplorerURL string
	Treasury    common.Address
	Token       Token
}

// Token identifies the stablecoin contract and its precision.
type Token struct {
	Symbol   string
	Address  common.Address
	Decimals int32
}

// TxURL returns the block explorer link for a transaction identifier.
func (n Network) TxURL(txID string) string {
	if n.ExplorerURL == "" {
		return ""
	}
	return n.ExplorerURL + "/tx/" + txID
}

// Call is one entry of a wallet call batch.
type Call struct {
	To    common.Address
	Value *big.Int
	Data  []byte
}

// SendCallsRequest is submitted through the sponsored wallet channel.
type SendCallsRequest struct {
	ChainID      uint64
	From         common.Address
	Calls        []Call
	PaymasterURL string
}

// Client defines what the pipeline needs from a chain implementation.
type Client interface {
	Network() Network
	TokenBalance(ctx context.Context, owner common.Address) (*big.Int, error)
	EstimateGas(ctx context.Context, from common.Address, call Call) (uint64, error)
	SendCalls(ctx context.Context, req SendCallsRequest) (string, error)
	Close()
}

var (
	// ErrWalletUnavailable 表示没有可用的钱包通道。
	ErrWalletUnavailable = errors.New("wallet not initialized")
	// ErrEmptyTransactionID 表示钱包返回了空的交易标识。
	ErrEmptyTransactionID = errors.New("wallet returned an empty transaction id")
)
