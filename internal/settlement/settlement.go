package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/gateway"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/internal/settlement/circle"
	"FlowSend-Chain/pkg/logger"
)

// 结算错误码。
const (
	CodeSettlementFailed      xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementUnavailable xerrors.Code = "SETTLEMENT_UNAVAILABLE"
)

func init() {
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{Message: "settlement payout failed", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeSettlementUnavailable, xerrors.Attributes{Message: "settlement provider unavailable", Severity: xerrors.SeverityWarning, Retryable: true})
}

// Provider 是结算服务商需要提供的能力，circle.Client 实现了该接口。
type Provider interface {
	ListBankAccounts(ctx context.Context) ([]circle.BankAccount, error)
	CreateWireBankAccount(ctx context.Context, req circle.WireBankAccountRequest) (*circle.BankAccount, error)
	GetWireInstructions(ctx context.Context, bankAccountID string) (*circle.WireInstructions, error)
	CreatePayout(ctx context.Context, req circle.PayoutRequest) (*circle.Payout, error)
	GetPayout(ctx context.Context, payoutID string) (*circle.Payout, error)
	ListRecipientAddresses(ctx context.Context) ([]circle.RecipientAddress, error)
	CreateRecipientAddress(ctx context.Context, address, chain, key string) (*circle.RecipientAddress, error)
	CreateTransferToAddress(ctx context.Context, req circle.TransferRequest) (*circle.Transfer, error)
	GetTransfer(ctx context.Context, transferID string) (*circle.Transfer, error)
	CreateMockWireDeposit(ctx context.Context, req circle.MockWireRequest) (*circle.MockWireDeposit, error)
	GetBalances(ctx context.Context) (*circle.Balances, error)
}

var _ Provider = (*circle.Client)(nil)

// State 描述链下结算的结果。
type State string

const (
	StateNotApplicable State = "not_applicable"
	StateSucceeded     State = "succeeded"
	StateFailed        State = "failed"
)

// Outcome 是链上与链下两段操作的合并结果。
type Outcome struct {
	OnChainSucceeded bool
	Settlement       State
	// Reference 是结算服务商返回的出金 ID。
	Reference string
	// Err 为结算失败的原因，只在 Settlement == StateFailed 时非空。
	Err error
}

// PartialFailure 判断是否为链上成功但结算失败。
func (o Outcome) PartialFailure() bool {
	return o.OnChainSucceeded && o.Settlement == StateFailed
}

// ErrorDetail 返回可展示给用户的失败原因。
func (o Outcome) ErrorDetail() string {
	if o.Err == nil {
		return ""
	}
	if e, ok := xerrors.From(o.Err); ok {
		if cause := errors.Unwrap(e); cause != nil {
			return cause.Error()
		}
		return e.Message()
	}
	return o.Err.Error()
}

// Reconciler 在链上转账成功后发起出金。不做内部重试。
type Reconciler struct {
	provider Provider
	logger   *slog.Logger
}

// NewReconciler 创建对账器。provider 可以为 nil，此时出金失败并标记为 SETTLEMENT_UNAVAILABLE。
func NewReconciler(provider Provider) *Reconciler {
	return &Reconciler{provider: provider, logger: logger.Named("settlement")}
}

// Available 报告是否配置了结算服务商。
func (r *Reconciler) Available() bool {
	return r != nil && r.provider != nil
}

// Applies 判断操作是否有链下结算环节。
func Applies(kind intent.Kind) bool {
	return kind == intent.KindWithdraw
}

// Reconcile 为已上链的提现发起出金，key 作为出金的幂等键。
func (r *Reconciler) Reconcile(ctx context.Context, exec *gateway.ExecutionResult, key string) Outcome {
	if exec == nil {
		return Outcome{Settlement: StateNotApplicable}
	}
	if !Applies(exec.Kind) {
		return Outcome{OnChainSucceeded: true, Settlement: StateNotApplicable}
	}

	ctx, span := tracing.Start(ctx, "settlement.reconcile", tracing.String("tx_id", exec.TransactionID))
	payout, err := r.payout(ctx, exec.Params, key)
	tracing.End(span, err)
	metrics.ObserveSettlement("payout", err)

	if err != nil {
		r.logger.Error("链上转账成功但出金失败",
			slog.String("tx_id", exec.TransactionID),
			slog.String("bank_account_id", exec.Params.BankAccountID),
			slog.Any("error", err),
		)
		return Outcome{OnChainSucceeded: true, Settlement: StateFailed, Err: err}
	}
	logger.Audit().Info("出金已创建",
		slog.String("tx_id", exec.TransactionID),
		slog.String("payout_id", payout.ID),
		slog.String("bank_account_id", exec.Params.BankAccountID),
	)
	return Outcome{OnChainSucceeded: true, Settlement: StateSucceeded, Reference: payout.ID}
}

func (r *Reconciler) payout(ctx context.Context, params intent.Params, key string) (*circle.Payout, error) {
	if r == nil || r.provider == nil {
		return nil, xerrors.New(CodeSettlementUnavailable, "", xerrors.WithAlert(true))
	}
	amount, err := params.AmountDecimal()
	if err != nil {
		return nil, xerrors.Wrap(CodeSettlementFailed, err, "金额格式无效")
	}
	payout, err := r.provider.CreatePayout(ctx, circle.PayoutRequest{
		IdempotencyKey: key,
		Amount:         amount,
		BankAccountID:  params.BankAccountID,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeSettlementFailed, err, "", xerrors.WithMetadata("bank_account_id", params.BankAccountID))
	}
	if payout == nil || strings.TrimSpace(payout.ID) == "" {
		return nil, xerrors.New(CodeSettlementFailed, "payout id missing from provider response")
	}
	return payout, nil
}

// FormatAccounts 渲染编号的银行账户列表。
func FormatAccounts(accounts []circle.BankAccount) string {
	lines := make([]string, 0, len(accounts))
	for i, acc := range accounts {
		lines = append(lines, fmt.Sprintf("%d. %s (ID: %s) - Account ending in %s", i+1, acc.DisplayName(), acc.ID, acc.Last4()))
	}
	return strings.Join(lines, "\n")
}

// DepositResult 是一次入金请求的结果。
type DepositResult struct {
	// AwaitingApproval 为 true 表示刚登记了收款地址，需要管理员审核后重试。
	AwaitingApproval bool
	Transfer         *circle.Transfer
}

// Deposit 从 Circle 账户向钱包转出 USDC。钱包地址尚未登记时先登记，本次不转账。
func Deposit(ctx context.Context, provider Provider, wallet string, amount decimal.Decimal, key string) (result *DepositResult, err error) {
	ctx, span := tracing.Start(ctx, "settlement.deposit")
	defer func() {
		tracing.End(span, err)
		metrics.ObserveSettlement("deposit", err)
	}()

	if provider == nil {
		return nil, xerrors.New(CodeSettlementUnavailable, "")
	}
	recipients, err := provider.ListRecipientAddresses(ctx)
	if err != nil {
		return nil, xerrors.Wrap(CodeSettlementUnavailable, err, "")
	}
	var addressID string
	for _, r := range recipients {
		if strings.EqualFold(r.Address, wallet) && r.Chain == circle.ChainBase {
			addressID = r.ID
			break
		}
	}
	if addressID == "" {
		created, err := provider.CreateRecipientAddress(ctx, wallet, circle.ChainBase, key)
		if err != nil {
			return nil, xerrors.Wrap(CodeSettlementFailed, err, "", xerrors.WithAlert(false))
		}
		if created == nil || created.ID == "" {
			return nil, xerrors.New(CodeSettlementFailed, "Failed to create recipient address", xerrors.WithAlert(false))
		}
		return &DepositResult{AwaitingApproval: true}, nil
	}
	transfer, err := provider.CreateTransferToAddress(ctx, circle.TransferRequest{
		IdempotencyKey: key,
		Amount:         amount,
		AddressID:      addressID,
	})
	if err != nil {
		return nil, xerrors.Wrap(CodeSettlementFailed, err, "", xerrors.WithAlert(false))
	}
	return &DepositResult{Transfer: transfer}, nil
}
