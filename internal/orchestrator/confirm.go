package orchestrator

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/events"
	"FlowSend-Chain/internal/gateway"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement"
	"FlowSend-Chain/pkg/logger"
)

// ConfirmRequest 是调用方对已签发请求的确认。
type ConfirmRequest struct {
	SessionID     string
	RequestID     string
	Action        intent.Kind
	Params        intent.Params
	WalletAddress string
}

// Confirmation 是确认执行的结果。Replayed 表示返回的是缓存结果，本次没有再执行。
type Confirmation struct {
	pending.Receipt
	Replayed bool `json:"replayed"`
}

// Confirm 执行已签发的请求，每个请求至多执行一次。
// 认领失败（不存在、过期、执行中、参数或钱包与签发时不一致）以错误返回。
func (o *Orchestrator) Confirm(ctx context.Context, req ConfirmRequest) (result *Confirmation, err error) {
	if strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.RequestID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "sessionId 和 requestId 不能为空")
	}
	if !req.Action.Gated() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "action 不是需要确认的操作: "+string(req.Action))
	}
	// 钱包不合法时不能认领，否则请求会被一次注定失败的执行消耗掉。
	if !common.IsHexAddress(strings.TrimSpace(req.WalletAddress)) {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "walletAddress 不是合法的钱包地址")
	}
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置待确认请求存储")
	}
	log := o.logger.With(slog.String("session_id", req.SessionID), slog.String("request_id", req.RequestID))
	ctx = logger.WithContext(ctx, log)

	ctx, span := tracing.Start(ctx, "orchestrator.confirm", tracing.String("request_id", req.RequestID))
	defer func() { tracing.End(span, err) }()

	claimed, err := o.store.Claim(ctx, req.SessionID, req.RequestID, pending.Attempt{
		Kind:          req.Action,
		Params:        req.Params,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		if xerrors.HasCode(err, pending.CodeReplayed) && claimed != nil && claimed.Receipt != nil {
			metrics.ObservePending("replayed")
			log.Info("重复确认，返回缓存结果")
			return &Confirmation{Receipt: *claimed.Receipt, Replayed: true}, nil
		}
		metrics.ObservePending("rejected")
		log.Warn("确认请求被拒绝", slog.Any("error", err))
		return nil, err
	}
	metrics.ObservePending("claimed")

	// 认领后不再响应调用方取消：链上提交无法撤回，结算必须跟上。
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.execTimeout)
	defer cancel()

	receipt, detail := o.execute(execCtx, claimed, req.WalletAddress)
	if err := o.store.Complete(execCtx, claimed.SessionID, claimed.ID, receipt); err != nil {
		log.Error("写入执行结果失败", slog.Any("error", err))
	}
	o.record(execCtx, claimed, receipt, detail)

	metrics.ObserveExecution(string(claimed.Kind), string(receipt.Status))
	logger.Audit().Info("确认执行完成",
		slog.String("session_id", claimed.SessionID),
		slog.String("request_id", claimed.ID),
		slog.String("kind", string(claimed.Kind)),
		slog.String("outcome", string(receipt.Status)),
		slog.String("tx_id", receipt.TransactionID),
	)
	return &Confirmation{Receipt: receipt}, nil
}

// execute 驱动 Executing 与 Reconciling 两个阶段，所有失败都折叠进 Receipt。
// 第二个返回值是失败原因，成功时为空。
func (o *Orchestrator) execute(ctx context.Context, claimed *pending.Request, wallet string) (pending.Receipt, string) {
	log := logger.FromContext(ctx)
	if o.executor == nil {
		return failedReceipt(xerrors.New(gateway.CodeWalletNotInitialized, ""))
	}
	if settlement.Applies(claimed.Kind) && !settlementAvailable(o.reconciler) {
		// 没有结算通道时不能先把资金转入国库。
		return failedReceipt(xerrors.New(settlement.CodeSettlementUnavailable, "未配置结算服务"))
	}
	network := o.executor.Network()
	tx := intent.TransactionRequest{Kind: claimed.Kind, Params: claimed.Params, Message: claimed.Message}

	log.Debug("进入执行阶段", slog.String("state", string(StateExecuting)))
	exec, err := o.executor.Execute(ctx, tx, gateway.WalletContext{Address: strings.TrimSpace(wallet)})
	if err != nil {
		log.Warn("链上执行失败", slog.Any("error", err))
		return failedReceipt(err)
	}

	if !settlement.Applies(claimed.Kind) {
		return pending.Receipt{
			Status:        pending.OutcomeSucceeded,
			Message:       transferredReply(claimed.Params.Amount, claimed.Params.RecipientAddress, exec.TransactionID, network),
			TransactionID: exec.TransactionID,
		}, ""
	}

	log.Debug("进入结算阶段", slog.String("state", string(StateReconciling)), slog.String("tx_id", exec.TransactionID))
	outcome := o.reconciler.Reconcile(ctx, exec, claimed.IdempotencyKey)
	if outcome.PartialFailure() {
		return pending.Receipt{
			Status:        pending.OutcomeSettlementFailed,
			Message:       settlementFailedReply(outcome.ErrorDetail(), exec.TransactionID),
			TransactionID: exec.TransactionID,
			ErrorCode:     string(xerrors.CodeOf(outcome.Err)),
		}, outcome.ErrorDetail()
	}
	return pending.Receipt{
		Status:        pending.OutcomeSucceeded,
		Message:       withdrawnReply(claimed.Params.Amount, exec.TransactionID, outcome.Reference, network),
		TransactionID: exec.TransactionID,
		PayoutID:      outcome.Reference,
	}, ""
}

// settlementAvailable 只在对账器能报告自身状态时才判断不可用。
func settlementAvailable(r Reconciler) bool {
	if r == nil {
		return false
	}
	if a, ok := r.(interface{ Available() bool }); ok {
		return a.Available()
	}
	return true
}

func failedReceipt(err error) (pending.Receipt, string) {
	detail := errorDetail(err)
	return pending.Receipt{
		Status:    pending.OutcomeExecutionFailed,
		Message:   executionFailedReply(detail),
		ErrorCode: string(xerrors.CodeOf(err)),
	}, detail
}

// record 写入台账并发布结果事件，失败只记录日志。
func (o *Orchestrator) record(ctx context.Context, claimed *pending.Request, receipt pending.Receipt, detail string) {
	destination := claimed.Params.RecipientAddress
	if claimed.Kind == intent.KindWithdraw {
		destination = claimed.Params.BankAccountID
	}
	entry := ledger.Record{
		RequestID:    claimed.ID,
		SessionID:    claimed.SessionID,
		Kind:         claimed.Kind,
		Amount:       claimed.Params.Amount,
		Destination:  destination,
		TxID:         receipt.TransactionID,
		PayoutID:     receipt.PayoutID,
		Outcome:      receipt.Status,
		ErrorCode:    receipt.ErrorCode,
		ErrorMessage: detail,
		CreatedAt:    o.now().UTC(),
	}
	log := logger.FromContext(ctx)
	if o.ledger != nil {
		if err := o.ledger.Append(ctx, entry); err != nil {
			log.Error("写入执行台账失败", slog.Any("error", err))
		}
	}
	if o.publisher != nil {
		if err := o.publisher.Publish(ctx, events.NewOutcomeEvent(entry, o.now())); err != nil {
			log.Error("发布执行结果事件失败", slog.Any("error", err))
		}
	}
}
