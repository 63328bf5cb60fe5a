package escalation

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/events"
	"FlowSend-Chain/internal/observability/alerting"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement"
	"FlowSend-Chain/pkg/logger"
)

// Worker 从事件总线消费执行结果，对结算失败派发告警。
type Worker struct {
	subscriber  events.Subscriber
	alerter     alerting.Dispatcher
	workerCount int
	logger      *slog.Logger
	now         func() time.Time
}

// Option 定义可选配置。
type Option func(*Worker)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) Option {
	return func(w *Worker) {
		if workers > 0 {
			w.workerCount = workers
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// New 构造 Worker。
func New(subscriber events.Subscriber, alerter alerting.Dispatcher, opts ...Option) *Worker {
	w := &Worker{
		subscriber:  subscriber,
		alerter:     alerter,
		workerCount: 1,
		logger:      logger.Named("escalation"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// Start 启动消费循环，直到 ctx 取消。
func (w *Worker) Start(ctx context.Context) error {
	if w.subscriber == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置事件订阅者")
	}
	return w.subscriber.Consume(ctx, w.workerCount, w.handle)
}

func (w *Worker) handle(ctx context.Context, event events.Event) error {
	if event.Type != events.TypeExecutionOutcome {
		return nil
	}
	record := event.Record
	if record.Outcome != pending.OutcomeSettlementFailed {
		w.logger.Debug("跳过非结算失败事件",
			slog.String("request_id", record.RequestID),
			slog.String("outcome", string(record.Outcome)),
		)
		return nil
	}
	if w.alerter == nil {
		w.logger.Warn("未配置告警派发器，结算失败无人处理", slog.String("request_id", record.RequestID))
		return nil
	}

	code := xerrors.Code(record.ErrorCode)
	if code == "" {
		code = settlement.CodeSettlementFailed
	}
	attrs := xerrors.AttributesOf(code)
	message := record.ErrorMessage
	if message == "" {
		message = attrs.Message
	}
	alert := alerting.Event{
		Code:      code,
		Message:   message,
		Severity:  attrs.Severity,
		RequestID: record.RequestID,
		SessionID: record.SessionID,
		TxID:      record.TxID,
		Metadata: map[string]string{
			"kind":            string(record.Kind),
			"amount":          record.Amount,
			"bank_account_id": record.Destination,
			"attempt":         strconv.Itoa(event.Attempts),
		},
		OccurredAt: w.now(),
	}
	if err := w.alerter.Notify(ctx, alert); err != nil {
		w.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("request_id", record.RequestID),
			slog.Int("attempt", event.Attempts),
		)
		return err
	}
	logger.Audit().Warn("结算失败已上报",
		slog.String("request_id", record.RequestID),
		slog.String("tx_id", record.TxID),
		slog.String("bank_account_id", record.Destination),
	)
	return nil
}
