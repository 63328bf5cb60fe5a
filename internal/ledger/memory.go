package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "FlowSend-Chain/internal/errors"
)

// MemoryRepository 在内存中保存执行记录。
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryRepository 创建内存仓库。
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]Record)}
}

// Append 实现 Repository 接口。
func (m *MemoryRepository) Append(_ context.Context, record Record) error {
	if err := validate(record); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[record.RequestID]; ok {
		return xerrors.New(xerrors.CodeConflict, "执行记录已存在")
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now()
	}
	m.records[record.RequestID] = record
	return nil
}

// Get 实现 Repository 接口。
func (m *MemoryRepository) Get(_ context.Context, requestID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[requestID]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "执行记录不存在")
	}
	return &record, nil
}

// List 实现 Repository 接口，按创建时间倒序返回。
func (m *MemoryRepository) List(_ context.Context, opts ...ListOption) ([]Record, error) {
	options := BuildListOptions(opts...)
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, record := range m.records {
		if options.Outcome != "" && record.Outcome != options.Outcome {
			continue
		}
		if options.SessionID != "" && record.SessionID != options.SessionID {
			continue
		}
		out = append(out, record)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID > out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out, nil
}

// Close 实现 Repository 接口。
func (m *MemoryRepository) Close() error { return nil }

func validate(record Record) error {
	if record.RequestID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求 ID 不能为空")
	}
	if record.Outcome == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行结果不能为空")
	}
	return nil
}
