package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultPublishWait 是总线已满时 Publish 的最长等待时间。
const DefaultPublishWait = 200 * time.Millisecond

var (
	// ErrBusFull 表示消费跟不上，事件在等待期内没能入队。
	ErrBusFull = errors.New("事件总线已满")
	// ErrBusClosed 表示总线已关闭。
	ErrBusClosed = errors.New("事件总线已关闭")
)

// MemoryBus 使用 channel 传递事件，适合单进程部署和测试。
type MemoryBus struct {
	ch     chan Event
	wait   time.Duration
	mu     sync.RWMutex
	closed bool
}

// NewMemoryBus 创建内存事件总线。
func NewMemoryBus(size int) *MemoryBus {
	if size <= 0 {
		size = 64
	}
	return &MemoryBus{ch: make(chan Event, size), wait: DefaultPublishWait}
}

// Publish 投递事件。总线已满时最多等待 DefaultPublishWait，超时返回 ErrBusFull，
// 消费停滞不会拖住确认请求或 Close。
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- event:
		return nil
	default:
	}
	timer := time.NewTimer(b.wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- event:
		return nil
	case <-timer.C:
		return ErrBusFull
	}
}

// Consume 启动工作协程消费事件，直到 ctx 取消或总线关闭。
func (b *MemoryBus) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-b.ch:
					if !ok {
						return
					}
					event.Attempts++
					if err := handler(ctx, event); err != nil && shouldRedeliver(event, err) {
						// 重新投递；总线已满或关闭时放弃。
						_ = b.requeue(event)
					}
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

func (b *MemoryBus) requeue(event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	select {
	case b.ch <- event:
		return nil
	default:
		return ErrBusFull
	}
}

// Close 关闭总线，消费协程在排空后退出。
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		close(b.ch)
		b.closed = true
	}
	return nil
}
