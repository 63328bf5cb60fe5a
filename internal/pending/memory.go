package pending

import (
	"context"
	"sync"

	xerrors "FlowSend-Chain/internal/errors"
)

// MemoryStore 在进程内保存待确认请求。
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
	opts     options
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore(opts ...Option) *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request), opts: buildOptions(opts)}
}

func memoryKey(sessionID, id string) string {
	return sessionID + "/" + id
}

// Put 实现 Store 接口。
func (m *MemoryStore) Put(_ context.Context, req *Request) error {
	if err := validate(req); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(req.SessionID, req.ID)
	if _, ok := m.requests[key]; ok {
		return xerrors.New(xerrors.CodeConflict, "请求已存在")
	}
	m.requests[key] = req.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, sessionID, id string) (*Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[memoryKey(sessionID, id)]
	if !ok || req.Expired(m.opts.now()) {
		return nil, xerrors.New(CodeNotFound, "")
	}
	return req.Clone(), nil
}

// Claim 实现 Store 接口。
func (m *MemoryStore) Claim(_ context.Context, sessionID, id string, attempt Attempt) (*Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memoryKey(sessionID, id)
	req, ok := m.requests[key]
	if !ok {
		return nil, xerrors.New(CodeNotFound, "")
	}
	now := m.opts.now()
	if req.Expired(now) {
		delete(m.requests, key)
		return nil, xerrors.New(CodeNotFound, "")
	}
	if err := claimTransition(req, attempt, now, m.opts.retention); err != nil {
		return req.Clone(), err
	}
	return req.Clone(), nil
}

// Complete 实现 Store 接口。
func (m *MemoryStore) Complete(_ context.Context, sessionID, id string, receipt Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[memoryKey(sessionID, id)]
	if !ok {
		return xerrors.New(CodeNotFound, "")
	}
	return completeTransition(req, receipt, m.opts.now(), m.opts.retention)
}

// Sweep 实现 Store 接口。
func (m *MemoryStore) Sweep(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.opts.now()
	removed := 0
	for key, req := range m.requests {
		if req.Expired(now) {
			delete(m.requests, key)
			removed++
		}
	}
	return removed, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
