package intent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind 是可识别的操作类型。
type Kind string

const (
	KindTransfer     Kind = "transfer_usdc"
	KindWithdraw     Kind = "withdraw_usdc"
	KindDeposit      Kind = "deposit_usdc"
	KindBalance      Kind = "check_balance"
	KindBankAccounts Kind = "get_bank_accounts"
	KindNone         Kind = "none"
)

// Param 是参数名，与模型输出和 TRANSACTION_REQUEST 中的键一致。
type Param string

const (
	ParamAmount      Param = "amount"
	ParamRecipient   Param = "recipient_address"
	ParamBankAccount Param = "bankAccountId"
)

// kindSpec 是按操作类型分发的静态表。
type kindSpec struct {
	required []Param
	// gated 表示需要用户确认后才能执行。
	gated bool
	// wallet 表示需要已连接的钱包。
	wallet bool
	verb   string
}

var kindTable = map[Kind]kindSpec{
	KindTransfer:     {required: []Param{ParamAmount, ParamRecipient}, gated: true, wallet: true, verb: "transfer"},
	KindWithdraw:     {required: []Param{ParamAmount, ParamBankAccount}, gated: true, wallet: true, verb: "withdraw"},
	KindDeposit:      {required: []Param{ParamAmount}, wallet: true, verb: "deposit"},
	KindBalance:      {wallet: true, verb: "check your balance"},
	KindBankAccounts: {},
	KindNone:         {},
}

// aliases normalizes legacy or loosely formatted kind names.
var aliases = map[string]Kind{
	"send_usdc":     KindTransfer,
	"send":          KindTransfer,
	"transfer":      KindTransfer,
	"withdraw":      KindWithdraw,
	"withdrawal":    KindWithdraw,
	"deposit":       KindDeposit,
	"balance":       KindBalance,
	"get_balance":   KindBalance,
	"bank_accounts": KindBankAccounts,
	"list_accounts": KindBankAccounts,
}

// ParseKind 规范化模型或调用方给出的操作名，无法识别时返回 KindNone 和 false。
func ParseKind(raw string) (Kind, bool) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.NewReplacer("-", "_", " ", "_").Replace(name)
	if _, ok := kindTable[Kind(name)]; ok {
		return Kind(name), true
	}
	if kind, ok := aliases[name]; ok {
		return kind, true
	}
	return KindNone, false
}

// Kinds 返回全部非 none 操作，顺序固定，用于兜底的操作列表回复。
func Kinds() []Kind {
	return []Kind{KindTransfer, KindWithdraw, KindDeposit, KindBalance, KindBankAccounts}
}

// Gated 判断该操作是否必须经过确认。
func (k Kind) Gated() bool { return kindTable[k].gated }

// RequiresWallet 判断该操作是否需要已连接的钱包。
func (k Kind) RequiresWallet() bool { return kindTable[k].wallet }

// Verb 返回用于提示语的动词短语。
func (k Kind) Verb() string { return kindTable[k].verb }

// Required 返回该操作的必填参数，按提问顺序排列。
func (k Kind) Required() []Param {
	return append([]Param(nil), kindTable[k].required...)
}

// Informational 判断该操作是否只读。
func (k Kind) Informational() bool {
	return k == KindBalance || k == KindBankAccounts || k == KindNone
}

// Params 是部分或完整的参数集合。Amount 保留原始文本，校验在 Engine 中完成。
type Params struct {
	Amount           string
	RecipientAddress string
	BankAccountID    string
}

// Get 按参数名取值。
func (p Params) Get(name Param) string {
	switch name {
	case ParamAmount:
		return p.Amount
	case ParamRecipient:
		return p.RecipientAddress
	case ParamBankAccount:
		return p.BankAccountID
	default:
		return ""
	}
}

// AmountDecimal 解析金额。
func (p Params) AmountDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(strings.TrimSpace(p.Amount))
}

// Only 返回只包含给定参数的副本。
func (p Params) Only(names []Param) Params {
	var out Params
	for _, name := range names {
		switch name {
		case ParamAmount:
			out.Amount = p.Amount
		case ParamRecipient:
			out.RecipientAddress = p.RecipientAddress
		case ParamBankAccount:
			out.BankAccountID = p.BankAccountID
		}
	}
	return out
}

// Equal 比较两组参数。金额按数值比较，地址忽略大小写。
func (p Params) Equal(other Params) bool {
	if !strings.EqualFold(strings.TrimSpace(p.RecipientAddress), strings.TrimSpace(other.RecipientAddress)) {
		return false
	}
	if strings.TrimSpace(p.BankAccountID) != strings.TrimSpace(other.BankAccountID) {
		return false
	}
	a, errA := p.AmountDecimal()
	b, errB := other.AmountDecimal()
	if errA != nil || errB != nil {
		return strings.TrimSpace(p.Amount) == strings.TrimSpace(other.Amount)
	}
	return a.Equal(b)
}

type paramsWire struct {
	Amount           json.RawMessage `json:"amount,omitempty"`
	RecipientAddress string          `json:"recipient_address,omitempty"`
	Recipient        string          `json:"recipient,omitempty"`
	BankAccountID    string          `json:"bankAccountId,omitempty"`
	BankAccountAlt   string          `json:"bank_account_id,omitempty"`
}

// MarshalJSON 输出金额为 JSON 数字（无法解析时保留字符串）。
func (p Params) MarshalJSON() ([]byte, error) {
	out := map[string]any{}
	if amount := strings.TrimSpace(p.Amount); amount != "" {
		if d, err := decimal.NewFromString(amount); err == nil {
			out[string(ParamAmount)] = json.Number(d.String())
		} else {
			out[string(ParamAmount)] = amount
		}
	}
	if p.RecipientAddress != "" {
		out[string(ParamRecipient)] = p.RecipientAddress
	}
	if p.BankAccountID != "" {
		out[string(ParamBankAccount)] = p.BankAccountID
	}
	return json.Marshal(out)
}

// UnmarshalJSON 接受数字或字符串形式的金额，以及常见的键名变体。
func (p *Params) UnmarshalJSON(data []byte) error {
	var wire paramsWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	amount, err := rawAmount(wire.Amount)
	if err != nil {
		return err
	}
	*p = Params{
		Amount:           amount,
		RecipientAddress: strings.TrimSpace(firstNonEmpty(wire.RecipientAddress, wire.Recipient)),
		BankAccountID:    strings.TrimSpace(firstNonEmpty(wire.BankAccountID, wire.BankAccountAlt)),
	}
	return nil
}

func rawAmount(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", fmt.Errorf("amount 必须是数字或字符串: %w", err)
	}
	return n.String(), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// Intent 是对一轮对话的结构化解读。每轮重新推导，不做修改。
type Intent struct {
	Kind   Kind   `json:"type"`
	Params Params `json:"params"`
}

// None 返回 none 意图。
func None() Intent {
	return Intent{Kind: KindNone}
}
