package pending

import (
	"context"
	"crypto/rand"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
)

// State 表示待确认请求的生命周期阶段。
type State string

const (
	StateIssued    State = "issued"
	StateExecuting State = "executing"
	StateDone      State = "done"
)

// 错误码。
const (
	CodeNotFound xerrors.Code = "PENDING_NOT_FOUND"
	CodeReplayed xerrors.Code = "PENDING_REPLAYED"
	CodeInFlight xerrors.Code = "PENDING_IN_FLIGHT"
	CodeMismatch xerrors.Code = "PENDING_MISMATCH"
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{Message: "transaction request not found or expired", Severity: xerrors.SeverityInfo, HTTPStatus: http.StatusNotFound})
	xerrors.Register(CodeReplayed, xerrors.Attributes{Message: "transaction request already executed", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInFlight, xerrors.Attributes{Message: "transaction request is being executed", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict})
	xerrors.Register(CodeMismatch, xerrors.Attributes{Message: "confirmation does not match the issued request", Severity: xerrors.SeverityWarning, HTTPStatus: http.StatusConflict})
}

// 默认时长。
const (
	DefaultTTL       = 5 * time.Minute
	DefaultRetention = 30 * time.Minute
)

// Outcome 是一次确认执行的最终分类。
type Outcome string

const (
	OutcomeSucceeded        Outcome = "succeeded"
	OutcomeExecutionFailed  Outcome = "execution_failed"
	OutcomeSettlementFailed Outcome = "settlement_failed"
)

// Receipt 是确认执行的结果，执行完成后缓存在请求上用于重放。
type Receipt struct {
	Status        Outcome `json:"status"`
	Message       string  `json:"message"`
	TransactionID string  `json:"transactionId,omitempty"`
	PayoutID      string  `json:"payoutId,omitempty"`
	ErrorCode     string  `json:"errorCode,omitempty"`
}

// Request 是一条待确认请求。
type Request struct {
	ID             string        `json:"id"`
	SessionID      string        `json:"sessionId"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Kind           intent.Kind   `json:"kind"`
	Params         intent.Params `json:"params"`
	WalletAddress  string        `json:"walletAddress,omitempty"`
	Message        string        `json:"message"`
	State          State         `json:"state"`
	Receipt        *Receipt      `json:"receipt,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	ExpiresAt      time.Time     `json:"expiresAt"`
}

// Clone 返回深拷贝。
func (r *Request) Clone() *Request {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Receipt != nil {
		receipt := *r.Receipt
		clone.Receipt = &receipt
	}
	return &clone
}

// Expired 判断请求在 now 时刻是否已过期。
func (r *Request) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}

// Attempt 是一次确认所声明的内容，必须与签发时的记录一致。
type Attempt struct {
	Kind          intent.Kind
	Params        intent.Params
	WalletAddress string
}

// matches 判断确认内容是否与签发记录一致。钱包地址不区分大小写。
func (a Attempt) matches(req *Request) bool {
	if req.Kind != a.Kind || !req.Params.Equal(a.Params) {
		return false
	}
	return req.WalletAddress == "" || strings.EqualFold(req.WalletAddress, strings.TrimSpace(a.WalletAddress))
}

// Store 定义待确认请求的存储。
type Store interface {
	// Put 保存新签发的请求。
	Put(ctx context.Context, req *Request) error
	// Get 读取会话内的请求。
	Get(ctx context.Context, sessionID, id string) (*Request, error)
	// Claim 原子地把请求从 issued 推进到 executing。
	// 内容不一致时返回 PENDING_MISMATCH，不论请求处于哪个阶段；
	// 已完成的请求返回缓存副本和 PENDING_REPLAYED。
	Claim(ctx context.Context, sessionID, id string, attempt Attempt) (*Request, error)
	// Complete 写入结果并把请求推进到 done。
	Complete(ctx context.Context, sessionID, id string, receipt Receipt) error
	// Sweep 删除过期的请求，返回删除数量。
	Sweep(ctx context.Context) (int, error)
	Close() error
}

// Issue 为完整的交易请求创建新的待确认记录，并绑定签发时连接的钱包。
func Issue(sessionID, wallet string, tx intent.TransactionRequest, now time.Time, ttl time.Duration) *Request {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Request{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		SessionID:      sessionID,
		IdempotencyKey: uuid.NewString(),
		Kind:           tx.Kind,
		Params:         tx.Params,
		WalletAddress:  strings.TrimSpace(wallet),
		Message:        tx.Message,
		State:          StateIssued,
		CreatedAt:      now.UTC(),
		ExpiresAt:      now.Add(ttl).UTC(),
	}
}

// claimTransition 校验并推进请求状态，供各存储实现共享。
// 内容比对先于阶段判断，不一致的确认拿不到缓存结果。
func claimTransition(req *Request, attempt Attempt, now time.Time, retention time.Duration) error {
	if req.Expired(now) {
		return xerrors.New(CodeNotFound, "")
	}
	if !attempt.matches(req) {
		return xerrors.New(CodeMismatch, "", xerrors.WithMetadata("request_id", req.ID))
	}
	switch req.State {
	case StateDone:
		return xerrors.New(CodeReplayed, "")
	case StateExecuting:
		return xerrors.New(CodeInFlight, "")
	}
	req.State = StateExecuting
	req.ExpiresAt = now.Add(retention).UTC()
	return nil
}

func completeTransition(req *Request, receipt Receipt, now time.Time, retention time.Duration) error {
	if req.State == StateDone {
		return xerrors.New(CodeReplayed, "")
	}
	if req.State != StateExecuting {
		return xerrors.New(xerrors.CodeConflict, "request has not been claimed")
	}
	req.State = StateDone
	req.Receipt = &receipt
	req.ExpiresAt = now.Add(retention).UTC()
	return nil
}

func validate(req *Request) error {
	if req == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "request 不能为空")
	}
	if req.ID == "" || req.SessionID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 和会话 ID 不能为空")
	}
	return nil
}

// Option 定义存储的可选配置。
type Option func(*options)

type options struct {
	now       func() time.Time
	retention time.Duration
}

// WithClock 替换时钟，用于测试。
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithRetention 设置执行中和已完成请求的保留时长。
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retention = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, retention: DefaultRetention}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}
