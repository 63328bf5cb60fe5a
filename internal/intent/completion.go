package intent

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	xerrors "FlowSend-Chain/internal/errors"
)

// DefaultDecimals 是稳定币的小数位数。
const DefaultDecimals int32 = 6

// Engine 判断意图参数是否完整，并为缺失参数生成追问。
type Engine struct {
	decimals int32
}

// NewEngine 创建参数补全引擎，decimals <= 0 时使用 DefaultDecimals。
func NewEngine(decimals int32) *Engine {
	if decimals <= 0 {
		decimals = DefaultDecimals
	}
	return &Engine{decimals: decimals}
}

// Missing 返回第一个缺失或格式错误的参数。全部满足时 ok 为 false。
func (e *Engine) Missing(in Intent) (Param, bool) {
	for _, name := range in.Kind.Required() {
		if e.Check(name, in.Params.Get(name)) != nil {
			return name, true
		}
	}
	return "", false
}

// IsComplete 判断意图是否具备执行所需的全部参数。
func (e *Engine) IsComplete(in Intent) bool {
	_, missing := e.Missing(in)
	return !missing
}

// Validate 返回第一个不满足要求的参数对应的错误。
func (e *Engine) Validate(in Intent) error {
	for _, name := range in.Kind.Required() {
		if err := e.Check(name, in.Params.Get(name)); err != nil {
			return err
		}
	}
	return nil
}

// Check 校验单个参数的格式。
func (e *Engine) Check(name Param, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return xerrors.New(CodeIncomplete, fmt.Sprintf("缺少参数 %s", name), xerrors.WithMetadata("param", string(name)))
	}
	switch name {
	case ParamAmount:
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "金额格式无效", xerrors.WithMetadata("param", string(name)))
		}
		if !amount.IsPositive() {
			return xerrors.New(xerrors.CodeInvalidArgument, "金额必须大于 0", xerrors.WithMetadata("param", string(name)))
		}
		if -amount.Exponent() > e.decimals && !amount.Equal(amount.Truncate(e.decimals)) {
			return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额最多支持 %d 位小数", e.decimals), xerrors.WithMetadata("param", string(name)))
		}
	case ParamRecipient:
		if !IsAddress(value) {
			return xerrors.New(xerrors.CodeInvalidArgument, "收款地址格式无效", xerrors.WithMetadata("param", string(name)))
		}
	case ParamBankAccount:
		if strings.ContainsAny(value, " \t\r\n") {
			return xerrors.New(xerrors.CodeInvalidArgument, "银行账户 ID 格式无效", xerrors.WithMetadata("param", string(name)))
		}
	}
	return nil
}

// IsAddress 判断是否为带 0x 前缀的 20 字节十六进制地址。
func IsAddress(value string) bool {
	return (strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X")) && common.IsHexAddress(value)
}

// MissingPrompt 返回针对单个缺失参数的追问；参数完整时返回空串。
func (e *Engine) MissingPrompt(in Intent) string {
	name, missing := e.Missing(in)
	if !missing {
		return ""
	}
	amount := strings.TrimSpace(in.Params.Amount)
	switch in.Kind {
	case KindTransfer:
		if name == ParamAmount {
			return "I can help you transfer USDC. How much USDC would you like to transfer?"
		}
		return fmt.Sprintf("I can transfer %s USDC for you. What's the recipient's wallet address?", amount)
	case KindWithdraw:
		if name == ParamAmount {
			return "I can help you withdraw USDC to your bank account. How much USDC would you like to withdraw?"
		}
		return fmt.Sprintf("Great! I'll help you withdraw %s USDC. Which bank account would you like to use? Please tell me the account ID.", amount)
	case KindDeposit:
		return "I can help you deposit USDC from your Circle account to your wallet. How much USDC would you like to deposit?"
	default:
		return ""
	}
}
