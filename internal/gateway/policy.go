package gateway

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/shopspring/decimal"

	"FlowSend-Chain/internal/web3"
)

// DefaultSponsorPolicy 是默认的代付规则。
const DefaultSponsorPolicy = `
package flowsend.sponsor

deny contains "call target is not the token contract" if {
	some call in input.calls
	lower(call.to) != lower(input.token)
}

deny contains "transfer value exceeds the sponsorship limit" if {
	input.value > input.limits.max_value
}

deny contains "estimated gas exceeds the sponsorship limit" if {
	input.gas > 0
	input.gas > input.limits.max_gas
}
`

const sponsorQuery = "data.flowsend.sponsor.deny"

// 默认代付上限。
const (
	DefaultMaxValue        = "1000"
	DefaultMaxGas   uint64 = 200000
)

// PolicyConfig 描述代付策略。
type PolicyConfig struct {
	// MaxValue 是单笔最大金额（代币单位）。
	MaxValue string `json:"max_value"`
	MaxGas   uint64 `json:"max_gas"`
	// Path 指向自定义 rego 文件，为空时使用 DefaultSponsorPolicy。
	Path string `json:"path"`
}

// Policy 使用 OPA 评估一次提交是否可以代付。
type Policy struct {
	query    rego.PreparedEvalQuery
	maxValue decimal.Decimal
	maxGas   uint64
}

// SponsorInput 是一次策略评估的输入。
type SponsorInput struct {
	Network web3.Network
	Calls   []web3.Call
	// Amount 是转账金额的最小单位。
	Amount decimal.Decimal
	Gas    uint64
}

// NewPolicy 编译策略。
func NewPolicy(ctx context.Context, cfg PolicyConfig) (*Policy, error) {
	source := DefaultSponsorPolicy
	if strings.TrimSpace(cfg.Path) != "" {
		content, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("读取代付策略失败: %w", err)
		}
		source = string(content)
	}
	maxValue := decimal.RequireFromString(DefaultMaxValue)
	if strings.TrimSpace(cfg.MaxValue) != "" {
		v, err := decimal.NewFromString(cfg.MaxValue)
		if err != nil {
			return nil, fmt.Errorf("解析代付上限失败: %w", err)
		}
		maxValue = v
	}
	maxGas := cfg.MaxGas
	if maxGas == 0 {
		maxGas = DefaultMaxGas
	}

	query, err := rego.New(
		rego.Query(sponsorQuery),
		rego.Module("sponsor.rego", source),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("编译代付策略失败: %w", err)
	}
	return &Policy{query: query, maxValue: maxValue, maxGas: maxGas}, nil
}

// Evaluate 返回拒绝原因，列表为空表示允许代付。
func (p *Policy) Evaluate(ctx context.Context, in SponsorInput) ([]string, error) {
	decimals := in.Network.Token.Decimals
	calls := make([]map[string]any, 0, len(in.Calls))
	for _, call := range in.Calls {
		calls = append(calls, map[string]any{"to": call.To.Hex()})
	}
	input := map[string]any{
		"token": in.Network.Token.Address.Hex(),
		"calls": calls,
		"value": in.Amount.Shift(-decimals).InexactFloat64(),
		"gas":   int64(in.Gas),
		"limits": map[string]any{
			"max_value": p.maxValue.InexactFloat64(),
			"max_gas":   int64(p.maxGas),
		},
	}

	results, err := p.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("评估代付策略失败: %w", err)
	}
	var reasons []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			values, ok := expr.Value.([]any)
			if !ok {
				continue
			}
			for _, v := range values {
				if s, ok := v.(string); ok {
					reasons = append(reasons, s)
				}
			}
		}
	}
	sort.Strings(reasons)
	return reasons, nil
}
