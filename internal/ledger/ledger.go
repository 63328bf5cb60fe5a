package ledger

import (
	"context"
	"strings"
	"time"

	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/pending"
)

// Record 是一次确认执行的结果记录。
type Record struct {
	RequestID    string          `json:"requestId"`
	SessionID    string          `json:"sessionId"`
	Kind         intent.Kind     `json:"kind"`
	Amount       string          `json:"amount"`
	Destination  string          `json:"destination"`
	TxID         string          `json:"txId,omitempty"`
	PayoutID     string          `json:"payoutId,omitempty"`
	Outcome      pending.Outcome `json:"outcome"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// ListOptions 控制查询条件。
type ListOptions struct {
	Limit     int
	Outcome   pending.Outcome
	SessionID string
}

func (opts *ListOptions) applyDefaults() {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Limit > 100 {
		opts.Limit = 100
	}
	opts.Outcome = pending.Outcome(strings.TrimSpace(string(opts.Outcome)))
	opts.SessionID = strings.TrimSpace(opts.SessionID)
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 限制返回条数，最多 100。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOutcome 按结果过滤。
func WithOutcome(outcome pending.Outcome) ListOption {
	return func(opts *ListOptions) { opts.Outcome = outcome }
}

// WithSession 按会话过滤。
func WithSession(sessionID string) ListOption {
	return func(opts *ListOptions) { opts.SessionID = sessionID }
}

// BuildListOptions 合并选项并填充默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var out ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&out)
		}
	}
	out.applyDefaults()
	return out
}

// Repository 定义执行记录的存储。
type Repository interface {
	Append(ctx context.Context, record Record) error
	Get(ctx context.Context, requestID string) (*Record, error)
	List(ctx context.Context, opts ...ListOption) ([]Record, error)
	Close() error
}

// DriverMemory 使用进程内存保存记录。
const DriverMemory = "memory"

// Open 根据驱动创建仓库。
func Open(ctx context.Context, cfg Config) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", DriverMemory:
		return NewMemoryRepository(), nil
	default:
		return NewSQLRepository(ctx, cfg)
	}
}
