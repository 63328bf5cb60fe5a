package intent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"FlowSend-Chain/internal/llm"
)

const testAddress = "0x9de5b155a9f89c343ced429a5fe10eb60750ffc0"

type stubModel struct {
	reply string
	err   error
	last  llm.Request
	calls int
}

func (s *stubModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply}, nil
}

func userSays(lines ...string) []llm.Message {
	out := make([]llm.Message, 0, len(lines))
	for i, line := range lines {
		role := llm.RoleUser
		if i%2 == 1 {
			role = llm.RoleAssistant
		}
		out = append(out, llm.Message{Role: role, Content: line})
	}
	return out
}

func TestClassifyTransfer(t *testing.T) {
	model := &stubModel{reply: "```json\n{\"type\": \"transfer_usdc\", \"params\": {\"amount\": 10, \"recipient_address\": \"" + testAddress + "\"}}\n```"}
	got := NewExtractor(model).Classify(context.Background(), userSays("send 10 USDC to "+testAddress))

	assert.Equal(t, KindTransfer, got.Kind)
	assert.Equal(t, "10", got.Params.Amount)
	assert.Equal(t, testAddress, got.Params.RecipientAddress)
	require.Len(t, model.last.Messages, 1)
	assert.Contains(t, model.last.Messages[0].Content, "user: send 10 USDC to "+testAddress)
	assert.Contains(t, model.last.Messages[0].Content, "Examples:")
}

func TestClassifyDegradesToNone(t *testing.T) {
	cases := map[string]*stubModel{
		"model error":   {err: errors.New("boom")},
		"no json":       {reply: "I think you want to send money"},
		"broken json":   {reply: `{"type": "transfer_usdc", "params": {"amount": }`},
		"unknown kind":  {reply: `{"type": "buy_nft", "params": {}}`},
		"params string": {reply: `{"type": "deposit_usdc", "params": "100"}`},
	}
	for name, model := range cases {
		t.Run(name, func(t *testing.T) {
			got := NewExtractor(model).Classify(context.Background(), userSays("hello"))
			assert.Equal(t, None(), got)
		})
	}

	assert.Equal(t, KindNone, NewExtractor(nil).Classify(context.Background(), userSays("withdraw 5")).Kind)
}

func TestClassifyUsesRecentWindow(t *testing.T) {
	model := &stubModel{reply: `{"type": "none", "params": {}}`}
	conversation := userSays("m1", "m2", "m3", "m4", "m5", "m6", "m7")
	NewExtractor(model).Classify(context.Background(), conversation)

	prompt := model.last.Messages[0].Content
	assert.NotContains(t, prompt, "m2")
	assert.Contains(t, prompt, "user: m3\nassistant: m4\nuser: m5\nassistant: m6\nuser: m7")
}

func TestParseIntentVariants(t *testing.T) {
	got, err := ParseIntent(`Sure! {"action": "send_usdc", "params": {"amount": "2.5", "recipient": "` + testAddress + `"}} hope that helps {}`)
	require.NoError(t, err)
	assert.Equal(t, KindTransfer, got.Kind)
	assert.Equal(t, "2.5", got.Params.Amount)
	assert.Equal(t, testAddress, got.Params.RecipientAddress)

	got, err = ParseIntent(`{"type":"withdraw_usdc","params":{"amount":50,"bankAccountId":"abc123","recipient_address":"` + testAddress + `"}}`)
	require.NoError(t, err)
	assert.Equal(t, Params{Amount: "50", BankAccountID: "abc123"}, got.Params, "params outside the kind are dropped")

	got, err = ParseIntent(`{"type": "check_balance", "params": {"note": "a } in a string"}}`)
	require.NoError(t, err)
	assert.Equal(t, KindBalance, got.Kind)
}

func TestFirstJSONObject(t *testing.T) {
	obj, ok := firstJSONObject(`x {"a": "{"} y`)
	require.True(t, ok)
	assert.Equal(t, `{"a": "{"}`, obj)

	_, ok = firstJSONObject(`{"a": 1`)
	assert.False(t, ok)
}

func TestEngineAsksOneQuestionAmountFirst(t *testing.T) {
	engine := NewEngine(0)

	transfer := Intent{Kind: KindTransfer}
	assert.Equal(t, "I can help you transfer USDC. How much USDC would you like to transfer?", engine.MissingPrompt(transfer))

	transfer.Params.Amount = "10"
	assert.Equal(t, "I can transfer 10 USDC for you. What's the recipient's wallet address?", engine.MissingPrompt(transfer))

	transfer.Params.RecipientAddress = "0xABC"
	name, missing := engine.Missing(transfer)
	assert.True(t, missing)
	assert.Equal(t, ParamRecipient, name)

	transfer.Params.RecipientAddress = testAddress
	assert.True(t, engine.IsComplete(transfer))
	assert.Empty(t, engine.MissingPrompt(transfer))

	withdraw := Intent{Kind: KindWithdraw, Params: Params{Amount: "50"}}
	name, _ = engine.Missing(withdraw)
	assert.Equal(t, ParamBankAccount, name)
	assert.Contains(t, engine.MissingPrompt(withdraw), "Which bank account")
}

func TestEngineAmountRules(t *testing.T) {
	engine := NewEngine(DefaultDecimals)
	valid := []string{"1", "0.000001", "10.5", "10.0000000"}
	invalid := []string{"0", "-3", "abc", "0.0000001", "1e-9"}
	for _, v := range valid {
		assert.NoError(t, engine.Check(ParamAmount, v), v)
	}
	for _, v := range invalid {
		assert.Error(t, engine.Check(ParamAmount, v), v)
	}
	assert.Error(t, engine.Check(ParamBankAccount, "abc 123"))
	assert.True(t, engine.IsComplete(Intent{Kind: KindBalance}))
}

func TestBuilder(t *testing.T) {
	builder := NewBuilder(nil, "")

	req, err := builder.Build(Intent{Kind: KindTransfer, Params: Params{Amount: "10.50", RecipientAddress: testAddress}})
	require.NoError(t, err)
	assert.Equal(t, "Ready to transfer 10.5 USDC to "+testAddress+". Please approve the transaction in your wallet.", req.Message)

	req, err = builder.Build(Intent{Kind: KindWithdraw, Params: Params{Amount: "50", BankAccountID: "abc123"}})
	require.NoError(t, err)
	assert.Equal(t, "Ready to withdraw 50 USDC to bank account abc123. Please approve the transaction in your wallet.", req.Message)

	_, err = builder.Build(Intent{Kind: KindWithdraw, Params: Params{Amount: "50"}})
	assert.Error(t, err)
	_, err = builder.Build(Intent{Kind: KindBalance})
	assert.Error(t, err)
}

func TestParamsJSON(t *testing.T) {
	data, err := json.Marshal(Params{Amount: "10.5", RecipientAddress: testAddress})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount": 10.5, "recipient_address": "`+testAddress+`"}`, string(data))

	var p Params
	require.NoError(t, json.Unmarshal([]byte(`{"amount": "7", "bank_account_id": " b-1 "}`), &p))
	assert.Equal(t, Params{Amount: "7", BankAccountID: "b-1"}, p)

	assert.True(t, Params{Amount: "10.0", RecipientAddress: testAddress}.Equal(Params{Amount: "10", RecipientAddress: "0x9DE5B155A9F89C343CED429A5FE10EB60750FFC0"}))
	assert.False(t, Params{Amount: "10"}.Equal(Params{Amount: "11"}))
}

func TestKindTable(t *testing.T) {
	kind, ok := ParseKind(" Send_USDC ")
	assert.True(t, ok)
	assert.Equal(t, KindTransfer, kind)

	for _, k := range []Kind{KindBalance, KindBankAccounts, KindDeposit, KindNone} {
		assert.False(t, k.Gated(), k)
	}
	assert.True(t, KindWithdraw.Gated())
	assert.False(t, KindBankAccounts.RequiresWallet())
	assert.True(t, KindBalance.RequiresWallet())
}
