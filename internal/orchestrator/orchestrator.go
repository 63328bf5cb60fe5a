package orchestrator

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/events"
	"FlowSend-Chain/internal/gateway"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement"
	"FlowSend-Chain/internal/settlement/circle"
	"FlowSend-Chain/internal/web3"
	"FlowSend-Chain/pkg/logger"
)

// State 是单次请求在状态机中到达的阶段。
type State string

const (
	StateAwaitingIntent       State = "awaiting_intent"
	StateInformational        State = "informational"
	StateAwaitingParameters   State = "awaiting_parameters"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateExecuting            State = "executing"
	StateReconciling          State = "reconciling"
	StateDone                 State = "done"
)

// Turn 是一次对话请求。
type Turn struct {
	SessionID     string
	Messages      []llm.Message
	WalletAddress string
}

// RequestPayload 是返回给调用方等待确认的 TRANSACTION_REQUEST。
type RequestPayload struct {
	Type      string        `json:"type"`
	Action    intent.Kind   `json:"action"`
	Params    intent.Params `json:"params"`
	Message   string        `json:"message"`
	RequestID string        `json:"requestId"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// Reply 是一次对话的结果：文本或确认请求二选一。
type Reply struct {
	State   State
	Text    string
	Request *RequestPayload
}

// Executor 是执行网关提供的能力，gateway.Gateway 实现了该接口。
type Executor interface {
	Network() web3.Network
	Execute(ctx context.Context, req intent.TransactionRequest, wallet gateway.WalletContext) (*gateway.ExecutionResult, error)
	Balance(ctx context.Context, owner string) (decimal.Decimal, error)
}

// Reconciler 是结算对账能力，settlement.Reconciler 实现了该接口。
type Reconciler interface {
	Reconcile(ctx context.Context, exec *gateway.ExecutionResult, key string) settlement.Outcome
}

var (
	_ Executor   = (*gateway.Gateway)(nil)
	_ Reconciler = (*settlement.Reconciler)(nil)
)

// Orchestrator 串联意图识别、参数补全、确认请求、执行与结算。
type Orchestrator struct {
	model      llm.Client
	extractor  *intent.Extractor
	engine     *intent.Engine
	builder    *intent.Builder
	executor   Executor
	reconciler Reconciler
	provider   settlement.Provider
	store      pending.Store
	ledger     ledger.Repository
	publisher  events.Publisher

	ttl         time.Duration
	llmTimeout  time.Duration
	execTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option 定义可选配置。
type Option func(*Orchestrator)

const (
	defaultLLMTimeout  = 30 * time.Second
	defaultExecTimeout = 2 * time.Minute
)

// WithExtractor 替换默认的意图识别器。
func WithExtractor(e *intent.Extractor) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.extractor = e
		}
	}
}

// WithSettlement 配置结算服务商，用于银行账户、出金与入金。
func WithSettlement(provider settlement.Provider) Option {
	return func(o *Orchestrator) {
		o.provider = provider
		o.reconciler = settlement.NewReconciler(provider)
	}
}

// WithReconciler 替换对账器。
func WithReconciler(r Reconciler) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.reconciler = r
		}
	}
}

// WithLedger 配置执行台账。
func WithLedger(repo ledger.Repository) Option {
	return func(o *Orchestrator) { o.ledger = repo }
}

// WithPublisher 配置结果事件发布者。
func WithPublisher(p events.Publisher) Option {
	return func(o *Orchestrator) { o.publisher = p }
}

// WithRequestTTL 设置待确认请求的有效期。
func WithRequestTTL(ttl time.Duration) Option {
	return func(o *Orchestrator) {
		if ttl > 0 {
			o.ttl = ttl
		}
	}
}

// WithLLMTimeout 设置兜底对话调用大模型的超时时间，0 表示不限制。
func WithLLMTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout < 0 {
			timeout = 0
		}
		o.llmTimeout = timeout
	}
}

// WithExecutionTimeout 设置确认执行（含结算）的总时长上限。
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.execTimeout = timeout
		}
	}
}

// WithClock 替换时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New 创建 Orchestrator。model 同时用于意图识别与兜底对话。
func New(model llm.Client, executor Executor, store pending.Store, opts ...Option) *Orchestrator {
	engine := intent.NewEngine(intent.DefaultDecimals)
	o := &Orchestrator{
		model:       model,
		extractor:   intent.NewExtractor(model),
		engine:      engine,
		executor:    executor,
		reconciler:  settlement.NewReconciler(nil),
		store:       store,
		ttl:         pending.DefaultTTL,
		llmTimeout:  defaultLLMTimeout,
		execTimeout: defaultExecTimeout,
		now:         time.Now,
		logger:      logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	symbol := ""
	if executor != nil {
		symbol = executor.Network().Token.Symbol
	}
	o.builder = intent.NewBuilder(engine, symbol)
	return o
}

// HandleTurn 处理一条对话消息。只有输入非法或内部存储失败时返回错误，
// 其余结果（包括业务失败）都以 Reply 返回。
func (o *Orchestrator) HandleTurn(ctx context.Context, turn Turn) (reply *Reply, err error) {
	if err := validateTurn(turn); err != nil {
		return nil, err
	}
	wallet := strings.TrimSpace(turn.WalletAddress)
	log := o.logger.With(slog.String("session_id", turn.SessionID))
	ctx = logger.WithContext(ctx, log)

	ctx, span := tracing.Start(ctx, "orchestrator.turn", tracing.String("session_id", turn.SessionID))
	defer func() {
		tracing.End(span, err)
		if reply != nil {
			metrics.ObserveTurn(string(reply.State))
		}
	}()

	in := o.extractor.Classify(ctx, turn.Messages)
	log.Debug("意图识别完成", slog.String("kind", string(in.Kind)))

	if in.Kind == intent.KindNone {
		return o.converse(ctx, turn.Messages, wallet), nil
	}
	if in.Kind.RequiresWallet() && wallet == "" {
		return text(StateInformational, connectWalletReply(in.Kind)), nil
	}

	switch in.Kind {
	case intent.KindBankAccounts:
		return o.listAccounts(ctx), nil
	case intent.KindBalance:
		return o.balance(ctx, wallet), nil
	case intent.KindDeposit:
		if !o.engine.IsComplete(in) {
			return text(StateAwaitingParameters, o.engine.MissingPrompt(in)), nil
		}
		return o.deposit(ctx, in, wallet), nil
	}

	if !in.Kind.Gated() {
		return o.converse(ctx, turn.Messages, wallet), nil
	}
	if !o.engine.IsComplete(in) {
		return o.askForParameter(ctx, in), nil
	}
	return o.issue(ctx, turn.SessionID, wallet, in)
}

func validateTurn(turn Turn) error {
	if strings.TrimSpace(turn.SessionID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "会话 ID 不能为空")
	}
	if len(turn.Messages) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "messages 不能为空")
	}
	for _, msg := range turn.Messages {
		if !msg.Role.Valid() {
			return xerrors.New(xerrors.CodeInvalidArgument, "不支持的消息角色: "+string(msg.Role))
		}
	}
	return nil
}

func text(state State, body string) *Reply {
	return &Reply{State: state, Text: body}
}

// converse 使用大模型进行普通对话，失败时返回可用操作清单。
func (o *Orchestrator) converse(ctx context.Context, messages []llm.Message, wallet string) *Reply {
	if o.model == nil {
		return text(StateInformational, operationsReply())
	}
	callCtx := ctx
	if o.llmTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, o.llmTimeout)
		defer cancel()
	}

	resp, err := o.model.Generate(callCtx, llm.Request{
		System:      systemPrompt(wallet, o.network()),
		Messages:    messages,
		Temperature: 0.7,
		MaxTokens:   1024,
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
		logger.FromContext(ctx).Warn("兜底对话失败，返回操作清单", slog.Any("error", err))
		return text(StateInformational, operationsReply())
	}
	return text(StateInformational, resp.Text)
}

func (o *Orchestrator) network() web3.Network {
	if o.executor == nil {
		defs := web3.DefaultDefinitions()
		return defs.Chains[defs.Default].Network(defs.Default)
	}
	return o.executor.Network()
}

func (o *Orchestrator) listAccounts(ctx context.Context) *Reply {
	accounts, err := o.bankAccounts(ctx)
	if err != nil {
		return text(StateInformational, lookupFailedReply(errorDetail(err)))
	}
	if len(accounts) == 0 {
		return text(StateInformational, noAccountsReply)
	}
	return text(StateInformational, accountsReply(settlement.FormatAccounts(accounts)))
}

func (o *Orchestrator) bankAccounts(ctx context.Context) ([]circle.BankAccount, error) {
	if o.provider == nil {
		return nil, xerrors.New(settlement.CodeSettlementUnavailable, "")
	}
	accounts, err := o.provider.ListBankAccounts(ctx)
	metrics.ObserveSettlement("list_bank_accounts", err)
	if err != nil {
		logger.FromContext(ctx).Warn("读取银行账户失败", slog.Any("error", err))
		return nil, err
	}
	return accounts, nil
}

// balance 读取链上余额，失败时退回到钱包区域的说明。
func (o *Orchestrator) balance(ctx context.Context, wallet string) *Reply {
	if o.executor == nil {
		return text(StateInformational, walletSectionReply(wallet))
	}
	amount, err := o.executor.Balance(ctx, wallet)
	if err != nil {
		logger.FromContext(ctx).Warn("读取余额失败", slog.Any("error", err))
		return text(StateInformational, walletSectionReply(wallet))
	}
	network := o.executor.Network()
	return text(StateInformational, balanceReply(wallet, amount.StringFixed(network.Token.Decimals), network))
}

// deposit 直接从 Circle 账户向钱包转出，不经过确认环节。
func (o *Orchestrator) deposit(ctx context.Context, in intent.Intent, wallet string) *Reply {
	amount, err := in.Params.AmountDecimal()
	if err != nil {
		return text(StateAwaitingParameters, o.engine.MissingPrompt(intent.Intent{Kind: in.Kind}))
	}
	result, err := settlement.Deposit(ctx, o.provider, wallet, amount, uuid.NewString())
	if err != nil {
		logger.FromContext(ctx).Warn("入金失败", slog.Any("error", err), slog.String("amount", amount.String()))
		return text(StateDone, depositFailedReply(errorDetail(err)))
	}
	if result.AwaitingApproval {
		logger.Audit().Info("入金收款地址已登记", slog.String("wallet", wallet))
		return text(StateDone, depositPendingReply)
	}
	var transferID, txHash string
	if result.Transfer != nil {
		transferID = result.Transfer.ID
		txHash = result.Transfer.TransactionHash
	}
	logger.Audit().Info("入金已发起",
		slog.String("wallet", wallet),
		slog.String("amount", amount.String()),
		slog.String("transfer_id", transferID),
	)
	return text(StateDone, depositReply(amount.String(), transferID, txHash, o.network()))
}

// askForParameter 针对最重要的一个缺失参数追问。提现缺少账户时列出可选账户。
func (o *Orchestrator) askForParameter(ctx context.Context, in intent.Intent) *Reply {
	missing, _ := o.engine.Missing(in)
	if in.Kind == intent.KindWithdraw && missing == intent.ParamBankAccount {
		accounts, err := o.bankAccounts(ctx)
		switch {
		case err != nil:
		case len(accounts) == 0:
			return text(StateAwaitingParameters, addAccountFirstReply)
		default:
			return text(StateAwaitingParameters, chooseAccountReply(in.Params.Amount, settlement.FormatAccounts(accounts)))
		}
	}
	return text(StateAwaitingParameters, o.engine.MissingPrompt(in))
}

// issue 构建确认请求并登记为待确认，本轮不执行。
func (o *Orchestrator) issue(ctx context.Context, sessionID, wallet string, in intent.Intent) (*Reply, error) {
	tx, err := o.builder.Build(in)
	if err != nil {
		return text(StateAwaitingParameters, o.engine.MissingPrompt(in)), nil
	}
	if o.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置待确认请求存储")
	}
	req := pending.Issue(sessionID, wallet, tx, o.now(), o.ttl)
	if err := o.store.Put(ctx, req); err != nil {
		return nil, err
	}
	metrics.ObservePending("issued")
	logger.Audit().Info("确认请求已签发",
		slog.String("session_id", sessionID),
		slog.String("request_id", req.ID),
		slog.String("kind", string(req.Kind)),
		slog.String("amount", req.Params.Amount),
	)
	return &Reply{
		State: StateAwaitingConfirmation,
		Request: &RequestPayload{
			Type:      intent.RequestType,
			Action:    tx.Kind,
			Params:    tx.Params,
			Message:   tx.Message,
			RequestID: req.ID,
			ExpiresAt: req.ExpiresAt,
		},
	}, nil
}

// errorDetail 提取适合展示给用户的失败原因。
func errorDetail(err error) string {
	if err == nil {
		return "Unknown error"
	}
	if e, ok := xerrors.From(err); ok {
		if cause := stdErrors.Unwrap(e); cause != nil && e.Message() == xerrors.AttributesOf(e.Code()).Message {
			return cause.Error()
		}
		return e.Message()
	}
	return err.Error()
}
