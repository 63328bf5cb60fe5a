package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/events"
	"FlowSend-Chain/internal/gateway"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement"
	"FlowSend-Chain/internal/settlement/circle"
	"FlowSend-Chain/internal/web3"
)

const (
	wallet    = "0x1111111111111111111111111111111111111111"
	recipient = "0x2222222222222222222222222222222222222222"
)

// scriptedModel 对分类调用返回 classify 的结果，对带系统提示的对话调用返回 chat。
type scriptedModel struct {
	mu       sync.Mutex
	classify func(transcript string) string
	chat     string
	chatErr  error
	requests []llm.Request
}

func (m *scriptedModel) Generate(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if req.System != "" {
		if m.chatErr != nil {
			return nil, m.chatErr
		}
		return &llm.Response{Text: m.chat}, nil
	}
	if m.classify == nil {
		return &llm.Response{Text: `{"type": "none"}`}, nil
	}
	return &llm.Response{Text: m.classify(req.Messages[0].Content)}, nil
}

func replies(intentJSON string) *scriptedModel {
	return &scriptedModel{classify: func(string) string { return intentJSON }}
}

type stubExecutor struct {
	mu      sync.Mutex
	calls   []intent.TransactionRequest
	txID    string
	err     error
	balance decimal.Decimal
	balErr  error
}

func (s *stubExecutor) Network() web3.Network {
	defs := web3.DefaultDefinitions()
	return defs.Chains[defs.Default].Network(defs.Default)
}

func (s *stubExecutor) Execute(_ context.Context, req intent.TransactionRequest, w gateway.WalletContext) (*gateway.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.ExecutionResult{TransactionID: s.txID, Kind: req.Kind, Params: req.Params}, nil
}

func (s *stubExecutor) Balance(context.Context, string) (decimal.Decimal, error) {
	return s.balance, s.balErr
}

func (s *stubExecutor) executions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubProvider struct {
	settlement.Provider
	accounts   []circle.BankAccount
	listErr    error
	payoutErr  error
	payouts    int
	recipients []circle.RecipientAddress
	transfers  int
}

func (s *stubProvider) ListBankAccounts(context.Context) ([]circle.BankAccount, error) {
	return s.accounts, s.listErr
}

func (s *stubProvider) CreatePayout(context.Context, circle.PayoutRequest) (*circle.Payout, error) {
	s.payouts++
	if s.payoutErr != nil {
		return nil, s.payoutErr
	}
	return &circle.Payout{ID: "payout-1"}, nil
}

func (s *stubProvider) ListRecipientAddresses(context.Context) ([]circle.RecipientAddress, error) {
	return s.recipients, nil
}

func (s *stubProvider) CreateRecipientAddress(_ context.Context, address, chain, _ string) (*circle.RecipientAddress, error) {
	return &circle.RecipientAddress{ID: "addr-new", Address: address, Chain: chain}, nil
}

func (s *stubProvider) CreateTransferToAddress(context.Context, circle.TransferRequest) (*circle.Transfer, error) {
	s.transfers++
	return &circle.Transfer{ID: "transfer-1"}, nil
}

type fixture struct {
	orch     *Orchestrator
	model    *scriptedModel
	exec     *stubExecutor
	provider *stubProvider
	store    *pending.MemoryStore
	ledger   *ledger.MemoryRepository
	bus      *events.MemoryBus
}

func newFixture(model *scriptedModel) *fixture {
	f := &fixture{
		model:    model,
		exec:     &stubExecutor{txID: "0xfeed", balance: decimal.RequireFromString("12.5")},
		provider: &stubProvider{accounts: []circle.BankAccount{{ID: "abc123", AccountNumber: "000123456789", BillingDetails: circle.BillingDetails{Name: "Main Checking"}}}},
		store:    pending.NewMemoryStore(),
		ledger:   ledger.NewMemoryRepository(),
		bus:      events.NewMemoryBus(16),
	}
	f.orch = New(model, f.exec, f.store,
		WithSettlement(f.provider),
		WithLedger(f.ledger),
		WithPublisher(f.bus),
	)
	return f
}

func conversation(lines ...string) []llm.Message {
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

func turn(lines ...string) Turn {
	return Turn{SessionID: "s-1", Messages: conversation(lines...), WalletAddress: wallet}
}

func TestSmallTalkNeverIssuesRequest(t *testing.T) {
	model := replies(`{"type": "none", "params": {}}`)
	model.chat = "Hi! I can help you move USDC."
	f := newFixture(model)

	reply, err := f.orch.HandleTurn(context.Background(), turn("hello there, how are you?"))
	require.NoError(t, err)
	assert.Equal(t, StateInformational, reply.State)
	assert.Nil(t, reply.Request)
	assert.Equal(t, "Hi! I can help you move USDC.", reply.Text)

	require.Len(t, model.requests, 2)
	chat := model.requests[1]
	assert.Contains(t, chat.System, "FlowSend")
	assert.Contains(t, chat.System, "User Connected Wallet: "+wallet)
	assert.InDelta(t, 0.7, chat.Temperature, 1e-9)
	assert.Equal(t, 1024, chat.MaxTokens)
}

func TestFallbackFailureListsOperations(t *testing.T) {
	model := replies("not json at all")
	model.chatErr = errors.New("quota exceeded")
	f := newFixture(model)

	reply, err := f.orch.HandleTurn(context.Background(), Turn{SessionID: "s-1", Messages: conversation("what's up")})
	require.NoError(t, err)
	assert.Nil(t, reply.Request)
	assert.Contains(t, reply.Text, "send 10 USDC to 0x")
	assert.Contains(t, reply.Text, "show my bank accounts")
	assert.Contains(t, model.requests[1].System, "User has not connected their wallet yet.")
}

func TestTransferIssuesRequestWithoutExecuting(t *testing.T) {
	f := newFixture(replies(`{"type": "transfer_usdc", "params": {"amount": 10, "recipient_address": "` + recipient + `"}}`))

	reply, err := f.orch.HandleTurn(context.Background(), turn("send 10 USDC to "+recipient))
	require.NoError(t, err)
	require.NotNil(t, reply.Request)
	assert.Equal(t, StateAwaitingConfirmation, reply.State)
	assert.Equal(t, intent.RequestType, reply.Request.Type)
	assert.Equal(t, intent.KindTransfer, reply.Request.Action)
	assert.Equal(t, intent.Params{Amount: "10", RecipientAddress: recipient}, reply.Request.Params)
	assert.Equal(t, "Ready to transfer 10 USDC to "+recipient+". Please approve the transaction in your wallet.", reply.Request.Message)
	assert.NotEmpty(t, reply.Request.RequestID)
	assert.Zero(t, f.exec.executions())

	stored, err := f.store.Get(context.Background(), "s-1", reply.Request.RequestID)
	require.NoError(t, err)
	assert.Equal(t, pending.StateIssued, stored.State)
	assert.Equal(t, wallet, stored.WalletAddress)
	assert.NotEmpty(t, stored.IdempotencyKey)
}

func TestWithdrawWithoutAccountAsksForAccount(t *testing.T) {
	f := newFixture(replies(`{"type": "withdraw_usdc", "params": {"amount": 50}}`))

	reply, err := f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC"))
	require.NoError(t, err)
	assert.Nil(t, reply.Request)
	assert.Equal(t, StateAwaitingParameters, reply.State)
	assert.Contains(t, reply.Text, "Which bank account would you like to use?")
	assert.Contains(t, reply.Text, "1. Main Checking (ID: abc123) - Account ending in 6789")

	f.provider.accounts = nil
	reply, err = f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC"))
	require.NoError(t, err)
	assert.Equal(t, addAccountFirstReply, reply.Text)

	f.provider.listErr = errors.New("circle down")
	reply, err = f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC"))
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "Which bank account would you like to use?")
	assert.Nil(t, reply.Request)
}

func TestParametersCarryOverAcrossTurns(t *testing.T) {
	model := &scriptedModel{classify: func(transcript string) string {
		if strings.Contains(transcript, "account abc123") && strings.Contains(transcript, "withdraw 50 USDC") {
			return `{"type": "withdraw_usdc", "params": {"amount": 50, "bankAccountId": "abc123"}}`
		}
		return `{"type": "withdraw_usdc", "params": {"amount": 50}}`
	}}
	f := newFixture(model)

	first, err := f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC"))
	require.NoError(t, err)
	assert.Nil(t, first.Request)

	second, err := f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC", first.Text, "account abc123"))
	require.NoError(t, err)
	require.NotNil(t, second.Request)
	assert.Equal(t, intent.Params{Amount: "50", BankAccountID: "abc123"}, second.Request.Params)
	assert.Equal(t, intent.KindWithdraw, second.Request.Action)
}

func TestReadOnlyKindsNeverIssueRequests(t *testing.T) {
	for _, raw := range []string{`{"type": "check_balance"}`, `{"type": "get_bank_accounts"}`} {
		for _, w := range []string{"", wallet} {
			f := newFixture(replies(raw))
			reply, err := f.orch.HandleTurn(context.Background(), Turn{SessionID: "s-1", Messages: conversation("show me"), WalletAddress: w})
			require.NoError(t, err)
			assert.Nil(t, reply.Request, "%s wallet=%q", raw, w)
			assert.Equal(t, StateInformational, reply.State)
		}
	}
}

func TestBalanceAndAccountReplies(t *testing.T) {
	f := newFixture(replies(`{"type": "check_balance", "params": {}}`))
	reply, err := f.orch.HandleTurn(context.Background(), turn("what's my balance"))
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "12.500000 USDC")

	f.exec.balErr = errors.New("rpc down")
	reply, err = f.orch.HandleTurn(context.Background(), turn("what's my balance"))
	require.NoError(t, err)
	assert.Equal(t, walletSectionReply(wallet), reply.Text)

	reply, err = f.orch.HandleTurn(context.Background(), Turn{SessionID: "s-1", Messages: conversation("balance?")})
	require.NoError(t, err)
	assert.Equal(t, "Please connect your wallet first to check your balance.", reply.Text)

	f = newFixture(replies(`{"type": "get_bank_accounts"}`))
	reply, err = f.orch.HandleTurn(context.Background(), turn("show my bank accounts"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(reply.Text, "Here are your linked bank accounts:"))

	f.provider.accounts = nil
	reply, err = f.orch.HandleTurn(context.Background(), turn("show my bank accounts"))
	require.NoError(t, err)
	assert.Equal(t, noAccountsReply, reply.Text)
}

func TestWalletGating(t *testing.T) {
	f := newFixture(replies(`{"type": "transfer_usdc", "params": {"amount": 10, "recipient_address": "` + recipient + `"}}`))
	reply, err := f.orch.HandleTurn(context.Background(), Turn{SessionID: "s-1", Messages: conversation("send 10 USDC to " + recipient)})
	require.NoError(t, err)
	assert.Nil(t, reply.Request)
	assert.Equal(t, "Please connect your wallet first to transfer USDC.", reply.Text)
}

func TestDepositFlow(t *testing.T) {
	f := newFixture(replies(`{"type": "deposit_usdc", "params": {"amount": 100}}`))
	reply, err := f.orch.HandleTurn(context.Background(), turn("deposit 100 USDC"))
	require.NoError(t, err)
	assert.Equal(t, depositPendingReply, reply.Text)
	assert.Zero(t, f.provider.transfers)

	f.provider.recipients = []circle.RecipientAddress{{ID: "addr-1", Address: wallet, Chain: circle.ChainBase}}
	reply, err = f.orch.HandleTurn(context.Background(), turn("deposit 100 USDC"))
	require.NoError(t, err)
	assert.Contains(t, reply.Text, "✅ Successfully initiated deposit of 100 USDC to your wallet!")
	assert.Contains(t, reply.Text, "Transaction ID: transfer-1")
	assert.Nil(t, reply.Request)

	f = newFixture(replies(`{"type": "deposit_usdc"}`))
	reply, err = f.orch.HandleTurn(context.Background(), turn("deposit please"))
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingParameters, reply.State)
	assert.Contains(t, reply.Text, "How much USDC would you like to deposit?")
}

func TestInvalidTurns(t *testing.T) {
	f := newFixture(replies(`{"type": "none"}`))
	cases := []Turn{
		{SessionID: "s-1"},
		{Messages: conversation("hi")},
		{SessionID: "s-1", Messages: []llm.Message{{Role: "system", Content: "x"}}},
	}
	for _, tc := range cases {
		_, err := f.orch.HandleTurn(context.Background(), tc)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
	}
}

func issueWithdraw(t *testing.T, f *fixture) *RequestPayload {
	t.Helper()
	reply, err := f.orch.HandleTurn(context.Background(), turn("withdraw 50 USDC to account abc123"))
	require.NoError(t, err)
	require.NotNil(t, reply.Request)
	return reply.Request
}

func confirmOf(p *RequestPayload) ConfirmRequest {
	return ConfirmRequest{SessionID: "s-1", RequestID: p.RequestID, Action: p.Action, Params: p.Params, WalletAddress: wallet}
}

const withdrawJSON = `{"type": "withdraw_usdc", "params": {"amount": 50, "bankAccountId": "abc123"}}`

func TestConfirmWithdrawSuccess(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	payload := issueWithdraw(t, f)

	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err)
	assert.False(t, got.Replayed)
	assert.Equal(t, pending.OutcomeSucceeded, got.Status)
	assert.Equal(t, "0xfeed", got.TransactionID)
	assert.Equal(t, "payout-1", got.PayoutID)
	assert.Contains(t, got.Message, "✅ Successfully initiated withdrawal of 50 USDC to your bank account!")
	assert.Contains(t, got.Message, "View on BaseScan: https://sepolia.basescan.org/tx/0xfeed")
	assert.Contains(t, got.Message, "Payout ID: payout-1")
}

func TestConfirmSettlementFailureIsDistinct(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	f.provider.payoutErr = &circle.APIError{Status: 502, Message: "bank rejected"}
	payload := issueWithdraw(t, f)

	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err)
	assert.Equal(t, pending.OutcomeSettlementFailed, got.Status)
	assert.NotEqual(t, pending.OutcomeSucceeded, got.Status)
	assert.NotEqual(t, pending.OutcomeExecutionFailed, got.Status)
	assert.Equal(t, "0xfeed", got.TransactionID)
	assert.Contains(t, got.Message, "⚠️ USDC transferred to treasury but Circle payout failed")
	assert.Contains(t, got.Message, "Transaction Hash: 0xfeed")
	assert.Equal(t, string(settlement.CodeSettlementFailed), got.ErrorCode)

	record, err := f.ledger.Get(context.Background(), payload.RequestID)
	require.NoError(t, err)
	assert.Equal(t, pending.OutcomeSettlementFailed, record.Outcome)
	assert.Equal(t, "abc123", record.Destination)
	assert.Equal(t, "0xfeed", record.TxID)

	ctx, cancel := context.WithCancel(context.Background())
	var delivered events.Event
	go func() {
		_ = f.bus.Consume(ctx, 1, func(_ context.Context, e events.Event) error {
			delivered = e
			cancel()
			return nil
		})
	}()
	<-ctx.Done()
	assert.Equal(t, payload.RequestID, delivered.Record.RequestID)
	assert.Equal(t, pending.OutcomeSettlementFailed, delivered.Record.Outcome)
}

func TestConfirmTwiceExecutesOnce(t *testing.T) {
	f := newFixture(replies(`{"type": "transfer_usdc", "params": {"amount": 10, "recipient_address": "` + recipient + `"}}`))
	reply, err := f.orch.HandleTurn(context.Background(), turn("send 10 USDC to "+recipient))
	require.NoError(t, err)
	req := confirmOf(reply.Request)

	first, err := f.orch.Confirm(context.Background(), req)
	require.NoError(t, err)
	second, err := f.orch.Confirm(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, 1, f.exec.executions())
	assert.False(t, first.Replayed)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.Receipt, second.Receipt)
	assert.Contains(t, first.Message, "✅ Successfully transferred 10 USDC to "+recipient+"!")
	assert.Contains(t, first.Message, "This was a gasless transaction - no ETH fees required!")
}

func TestConcurrentConfirmsExecuteOnce(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	req := confirmOf(issueWithdraw(t, f))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = f.orch.Confirm(context.Background(), req)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, f.exec.executions())
	assert.Equal(t, 1, f.provider.payouts)
}

func TestConfirmExecutionFailureIsCached(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	f.exec.err = xerrors.Wrap(gateway.CodeSubmissionRejected, errors.New("insufficient funds"), "")
	req := confirmOf(issueWithdraw(t, f))

	got, err := f.orch.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, pending.OutcomeExecutionFailed, got.Status)
	assert.Equal(t, executionFailedReply("insufficient funds"), got.Message)
	assert.Zero(t, f.provider.payouts)

	f.exec.err = nil
	again, err := f.orch.Confirm(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, f.exec.executions())
}

func TestWithdrawWithoutSettlementNeverMovesFunds(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	f.orch = New(f.model, f.exec, f.store, WithLedger(f.ledger))
	payload := issueWithdraw(t, f)

	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err)
	assert.Equal(t, pending.OutcomeExecutionFailed, got.Status)
	assert.Equal(t, string(settlement.CodeSettlementUnavailable), got.ErrorCode)
	assert.Zero(t, f.exec.executions())
}

func TestConfirmRejections(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	payload := issueWithdraw(t, f)

	tampered := confirmOf(payload)
	tampered.Params.Amount = "5000"
	_, err := f.orch.Confirm(context.Background(), tampered)
	assert.Equal(t, pending.CodeMismatch, xerrors.CodeOf(err))

	foreign := confirmOf(payload)
	foreign.SessionID = "s-2"
	_, err = f.orch.Confirm(context.Background(), foreign)
	assert.Equal(t, pending.CodeNotFound, xerrors.CodeOf(err))

	_, err = f.orch.Confirm(context.Background(), ConfirmRequest{SessionID: "s-1", Action: intent.KindWithdraw})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))

	assert.Zero(t, f.exec.executions())

	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err, "rejected attempts leave the request claimable")
	assert.Equal(t, pending.OutcomeSucceeded, got.Status)
}

func TestConfirmWalletMustMatchIssuer(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	payload := issueWithdraw(t, f)

	for _, w := range []string{"", "   ", "not-a-wallet", "0x1234"} {
		attempt := confirmOf(payload)
		attempt.WalletAddress = w
		got, err := f.orch.Confirm(context.Background(), attempt)
		assert.Nil(t, got, "wallet %q", w)
		assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err), "wallet %q", w)
		assert.Equal(t, http.StatusBadRequest, xerrors.HTTPStatus(err))
	}

	stranger := confirmOf(payload)
	stranger.WalletAddress = recipient
	_, err := f.orch.Confirm(context.Background(), stranger)
	assert.Equal(t, pending.CodeMismatch, xerrors.CodeOf(err))
	assert.Zero(t, f.exec.executions())

	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err)
	assert.False(t, got.Replayed)
	assert.Equal(t, pending.OutcomeSucceeded, got.Status)
	assert.Equal(t, 1, f.exec.executions())
}

func TestConfirmWithStalledConsumer(t *testing.T) {
	f := newFixture(replies(withdrawJSON))
	f.bus = events.NewMemoryBus(1)
	require.NoError(t, f.bus.Publish(context.Background(), events.NewOutcomeEvent(ledger.Record{RequestID: "backlog"}, time.Now())))
	f.orch = New(f.model, f.exec, f.store, WithSettlement(f.provider), WithLedger(f.ledger), WithPublisher(f.bus))
	payload := issueWithdraw(t, f)

	start := time.Now()
	got, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	require.NoError(t, err)
	assert.Equal(t, pending.OutcomeSucceeded, got.Status)
	assert.Less(t, time.Since(start), 5*time.Second)

	_, err = f.ledger.Get(context.Background(), payload.RequestID)
	assert.NoError(t, err, "ledger is written even when the event is dropped")
	require.NoError(t, f.bus.Close())
}

func TestConfirmAfterExpiry(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	f := newFixture(replies(withdrawJSON))
	f.store = pending.NewMemoryStore(pending.WithClock(clock))
	f.orch = New(f.model, f.exec, f.store, WithSettlement(f.provider), WithClock(clock), WithRequestTTL(time.Minute))
	payload := issueWithdraw(t, f)

	now = now.Add(2 * time.Minute)
	_, err := f.orch.Confirm(context.Background(), confirmOf(payload))
	assert.Equal(t, pending.CodeNotFound, xerrors.CodeOf(err))
	assert.Zero(t, f.exec.executions())
}
