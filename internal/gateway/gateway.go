package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/internal/web3"
	"FlowSend-Chain/internal/web3/ethereum"
	"FlowSend-Chain/pkg/logger"
)

// 执行失败的错误码。
const (
	CodeWalletNotInitialized xerrors.Code = "WALLET_NOT_INITIALIZED"
	CodeSponsorNotConfigured xerrors.Code = "SPONSOR_NOT_CONFIGURED"
	CodeSponsorshipDenied    xerrors.Code = "SPONSORSHIP_DENIED"
	CodeSubmissionRejected   xerrors.Code = "SUBMISSION_REJECTED"
	CodeProviderError        xerrors.Code = "PROVIDER_ERROR"
)

func init() {
	xerrors.Register(CodeWalletNotInitialized, xerrors.Attributes{Message: "Wallet not initialized", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeSponsorNotConfigured, xerrors.Attributes{Message: "Paymaster service not configured", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeSponsorshipDenied, xerrors.Attributes{Message: "Transaction is not eligible for gas sponsorship", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeSubmissionRejected, xerrors.Attributes{Message: "Transaction submission rejected", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeProviderError, xerrors.Attributes{Message: "Wallet provider returned an error", Severity: xerrors.SeverityWarning})
}

// WalletContext 是调用方连接的钱包。
type WalletContext struct {
	Address string
}

// ExecutionResult 是一次成功提交的结果，返回后不再修改。
type ExecutionResult struct {
	TransactionID string
	Kind          intent.Kind
	Params        intent.Params
	Destination   common.Address
	BaseUnits     *big.Int
}

// Gateway 通过代付通道提交链上转账。
type Gateway struct {
	client       web3.Client
	paymasterURL string
	policy       *Policy
	logger       *slog.Logger
}

// Option 定义 Gateway 的可选配置。
type Option func(*Gateway)

// WithPolicy 设置代付策略。
func WithPolicy(p *Policy) Option {
	return func(g *Gateway) { g.policy = p }
}

// New 创建执行网关。client 为 nil 时所有执行都会返回 WALLET_NOT_INITIALIZED。
func New(client web3.Client, paymasterURL string, opts ...Option) *Gateway {
	g := &Gateway{
		client:       client,
		paymasterURL: strings.TrimSpace(paymasterURL),
		logger:       logger.Named("gateway"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Network 返回当前网络，未初始化时返回默认网络描述。
func (g *Gateway) Network() web3.Network {
	if g == nil || g.client == nil {
		defs := web3.DefaultDefinitions()
		return defs.Chains[defs.Default].Network(defs.Default)
	}
	return g.client.Network()
}

// Execute 执行已确认的请求。
func (g *Gateway) Execute(ctx context.Context, req intent.TransactionRequest, wallet WalletContext) (result *ExecutionResult, err error) {
	ctx, span := tracing.Start(ctx, "gateway.execute", tracing.String("kind", string(req.Kind)))
	defer func() { tracing.End(span, err) }()

	if g == nil || g.client == nil {
		return nil, xerrors.New(CodeWalletNotInitialized, "")
	}
	if !common.IsHexAddress(wallet.Address) {
		return nil, xerrors.New(CodeWalletNotInitialized, "", xerrors.WithMetadata("wallet", wallet.Address))
	}
	if g.paymasterURL == "" {
		return nil, xerrors.New(CodeSponsorNotConfigured, "")
	}

	network := g.client.Network()
	destination, err := resolveDestination(req, network)
	if err != nil {
		return nil, err
	}
	amount, err := req.Params.AmountDecimal()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额格式无效")
	}
	units, err := web3.ToBaseUnits(amount, network.Token.Decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额无法转换为链上单位")
	}
	data, err := ethereum.PackTransfer(destination, units)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构建转账调用失败")
	}
	from := common.HexToAddress(wallet.Address)
	call := web3.Call{To: network.Token.Address, Value: big.NewInt(0), Data: data}

	if err := g.checkSponsorship(ctx, network, from, call, units); err != nil {
		return nil, err
	}

	txID, err := g.client.SendCalls(ctx, web3.SendCallsRequest{
		ChainID:      network.ChainID,
		From:         from,
		Calls:        []web3.Call{call},
		PaymasterURL: g.paymasterURL,
	})
	if err != nil {
		return nil, classifySubmitError(err)
	}

	logger.Audit().Info("链上转账已提交",
		slog.String("kind", string(req.Kind)),
		slog.String("tx_id", txID),
		slog.String("from", from.Hex()),
		slog.String("to", destination.Hex()),
		slog.String("amount", amount.String()),
	)
	return &ExecutionResult{
		TransactionID: txID,
		Kind:          req.Kind,
		Params:        req.Params,
		Destination:   destination,
		BaseUnits:     units,
	}, nil
}

func (g *Gateway) checkSponsorship(ctx context.Context, network web3.Network, from common.Address, call web3.Call, units *big.Int) error {
	if g.policy == nil {
		return nil
	}
	gas, err := g.client.EstimateGas(ctx, from, call)
	if err != nil {
		// 估算失败不阻断提交，仅跳过 gas 规则。
		g.logger.Debug("gas 估算失败", slog.Any("error", err))
		gas = 0
	}
	reasons, err := g.policy.Evaluate(ctx, SponsorInput{
		Network: network,
		Calls:   []web3.Call{call},
		Amount:  decimal.NewFromBigInt(units, 0),
		Gas:     gas,
	})
	if err != nil {
		return xerrors.Wrap(CodeSponsorshipDenied, err, "")
	}
	if len(reasons) > 0 {
		return xerrors.New(CodeSponsorshipDenied, strings.Join(reasons, "; "))
	}
	return nil
}

// Balance 读取钱包的代币余额。
func (g *Gateway) Balance(ctx context.Context, owner string) (decimal.Decimal, error) {
	if g == nil || g.client == nil {
		return decimal.Zero, xerrors.New(CodeWalletNotInitialized, "")
	}
	if !common.IsHexAddress(owner) {
		return decimal.Zero, xerrors.New(xerrors.CodeInvalidArgument, "钱包地址格式无效")
	}
	raw, err := g.client.TokenBalance(ctx, common.HexToAddress(owner))
	if err != nil {
		return decimal.Zero, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "读取余额失败")
	}
	return web3.FromBaseUnits(raw, g.client.Network().Token.Decimals), nil
}

func resolveDestination(req intent.TransactionRequest, network web3.Network) (common.Address, error) {
	switch req.Kind {
	case intent.KindWithdraw:
		// 提现始终转入金库地址，忽略调用方给出的任何地址。
		return network.Treasury, nil
	case intent.KindTransfer:
		if !intent.IsAddress(req.Params.RecipientAddress) {
			return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, "收款地址格式无效")
		}
		return common.HexToAddress(req.Params.RecipientAddress), nil
	default:
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("操作 %s 不支持链上执行", req.Kind))
	}
}

func classifySubmitError(err error) error {
	if errors.Is(err, web3.ErrWalletUnavailable) {
		return xerrors.Wrap(CodeWalletNotInitialized, err, "")
	}
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		return xerrors.Wrap(CodeProviderError, err, rpcErr.Error(),
			xerrors.WithMetadata("rpc_code", strconv.Itoa(rpcErr.ErrorCode())))
	}
	if errors.Is(err, web3.ErrEmptyTransactionID) {
		return xerrors.Wrap(CodeProviderError, err, "")
	}
	return xerrors.Wrap(CodeSubmissionRejected, err, "")
}
