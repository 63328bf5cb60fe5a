package events

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/pkg/logger"
)

// TypeExecutionOutcome 是确认执行结束后发布的事件类型。
const TypeExecutionOutcome = "execution.outcome"

// MaxDeliveries 是单个事件最多投递的次数。
const MaxDeliveries = 3

// Event 描述一次确认执行的结果。
type Event struct {
	ID         string        `json:"id"`
	Type       string        `json:"type"`
	Record     ledger.Record `json:"record"`
	OccurredAt time.Time     `json:"occurredAt"`
	// Attempts 记录已投递次数，由传输层维护。
	Attempts int `json:"attempts,omitempty"`
}

// NewOutcomeEvent 根据执行记录创建事件。
func NewOutcomeEvent(record ledger.Record, now time.Time) Event {
	return Event{
		ID:         ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		Type:       TypeExecutionOutcome,
		Record:     record,
		OccurredAt: now.UTC(),
	}
}

// Handler 处理一个事件。
type Handler func(ctx context.Context, event Event) error

// Publisher 负责发布事件。
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Subscriber 负责消费事件。
type Subscriber interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Bus 同时具备发布与消费能力。
type Bus interface {
	Publisher
	Subscriber
}

func encode(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("序列化事件失败: %w", err)
	}
	return data, nil
}

func decode(data []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return Event{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return event, nil
}

// shouldRedeliver 判断处理失败的事件是否还能重投，用尽次数时记录错误后丢弃。
func shouldRedeliver(event Event, err error) bool {
	if event.Attempts < MaxDeliveries {
		return true
	}
	logger.Named("events").Error("事件投递次数用尽，已丢弃",
		slog.String("event_id", event.ID),
		slog.String("request_id", event.Record.RequestID),
		slog.String("outcome", string(event.Record.Outcome)),
		slog.Int("attempts", event.Attempts),
		slog.Any("error", err),
	)
	return false
}
