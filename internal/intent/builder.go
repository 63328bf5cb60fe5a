package intent

import (
	"fmt"
	"strings"

	xerrors "FlowSend-Chain/internal/errors"
)

// RequestType 是确认请求负载的类型标记。
const RequestType = "TRANSACTION_REQUEST"

// TransactionRequest 是等待用户确认的操作。只能由 Builder 在参数完整时创建。
type TransactionRequest struct {
	Kind    Kind
	Params  Params
	Message string
}

// Builder 把完整意图整理成待确认请求，不执行任何操作。
type Builder struct {
	engine *Engine
	symbol string
}

// NewBuilder 创建构建器。symbol 为空时使用 USDC。
func NewBuilder(engine *Engine, symbol string) *Builder {
	if engine == nil {
		engine = NewEngine(DefaultDecimals)
	}
	if strings.TrimSpace(symbol) == "" {
		symbol = "USDC"
	}
	return &Builder{engine: engine, symbol: symbol}
}

// Build 为需要确认的完整意图创建 TransactionRequest。
func (b *Builder) Build(in Intent) (TransactionRequest, error) {
	if !in.Kind.Gated() {
		return TransactionRequest{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("操作 %s 不需要确认", in.Kind))
	}
	if err := b.engine.Validate(in); err != nil {
		return TransactionRequest{}, err
	}
	params := in.Params.Only(in.Kind.Required())
	params.Amount = normalizeAmount(params.Amount)
	return TransactionRequest{
		Kind:    in.Kind,
		Params:  params,
		Message: b.Message(in.Kind, params),
	}, nil
}

// Message 渲染确认文案，内容由操作和参数唯一决定。
func (b *Builder) Message(kind Kind, params Params) string {
	switch kind {
	case KindTransfer:
		return fmt.Sprintf("Ready to transfer %s %s to %s. Please approve the transaction in your wallet.",
			params.Amount, b.symbol, params.RecipientAddress)
	case KindWithdraw:
		return fmt.Sprintf("Ready to withdraw %s %s to bank account %s. Please approve the transaction in your wallet.",
			params.Amount, b.symbol, params.BankAccountID)
	default:
		return ""
	}
}

func normalizeAmount(raw string) string {
	d, err := Params{Amount: raw}.AmountDecimal()
	if err != nil {
		return strings.TrimSpace(raw)
	}
	return d.String()
}
