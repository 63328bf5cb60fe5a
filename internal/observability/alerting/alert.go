package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
	ChannelLog     Channel = "log"
)

// Event 描述一次需要人工介入的事件。
type Event struct {
	Code       xerrors.Code      `json:"code"`
	Message    string            `json:"message"`
	Severity   xerrors.Severity  `json:"severity"`
	RequestID  string            `json:"requestId"`
	SessionID  string            `json:"sessionId,omitempty"`
	TxID       string            `json:"txId,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Summary 渲染单行摘要。
func (e Event) Summary() string {
	return fmt.Sprintf("[%s] %s - %s (request %s, tx %s)", e.Severity, e.Code, e.Message, e.RequestID, e.TxID)
}

func (e Event) details() string {
	if len(e.Metadata) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Metadata))
	for k := range e.Metadata {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, e.Metadata[k])
	}
	return b.String()
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// LogNotifier 把事件写入审计日志。
type LogNotifier struct{}

// Channel 返回日志渠道。
func (LogNotifier) Channel() Channel { return ChannelLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("request_id", event.RequestID),
		slog.String("tx_id", event.TxID),
		slog.String("message", event.Message),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String(k, v))
	}
	logger.Audit().Error("需要人工处理的告警", attrs...)
	return nil
}

func newPoster(retries int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = 10 * time.Second
	rc.Logger = logger.Named("alerting")
	return rc
}

func postJSON(ctx context.Context, client *retryablehttp.Client, url string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化告警失败: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("创建告警请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送告警失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("告警接收方返回 %d", resp.StatusCode)
	}
	return nil
}

// WebhookNotifier 以 JSON 形式把事件推送到 HTTP 端点。
type WebhookNotifier struct {
	URL    string
	client *retryablehttp.Client
}

// NewWebhookNotifier 创建 webhook 通知器。
func NewWebhookNotifier(url string, retries int) *WebhookNotifier {
	return &WebhookNotifier{URL: strings.TrimSpace(url), client: newPoster(retries)}
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 推送事件。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.URL == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("request_id", event.RequestID))
		return nil
	}
	return postJSON(ctx, n.client, n.URL, event)
}

// SlackSender 负责向 Slack 渠道发送消息。
type SlackSender interface {
	Send(ctx context.Context, channel, content string) error
}

// SlackNotifier 通过 Slack 发送告警。
type SlackNotifier struct {
	Sender    SlackSender
	ChannelID string
}

// Channel 返回 Slack 渠道。
func (n *SlackNotifier) Channel() Channel { return ChannelSlack }

// Notify 发送 Slack 消息。
func (n *SlackNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || n.Sender == nil {
		logger.L().Warn("SlackNotifier 未正确配置，跳过发送", slog.String("request_id", event.RequestID))
		return nil
	}
	content := fmt.Sprintf("*[%s]* %s - %s\nrequest: %s\ntx: %s%s",
		event.Severity, event.Code, event.Message, event.RequestID, event.TxID, event.details())
	return n.Sender.Send(ctx, n.ChannelID, content)
}

// SlackWebhookSender 通过 Slack incoming webhook 发送消息。
type SlackWebhookSender struct {
	URL    string
	client *retryablehttp.Client
}

// NewSlackWebhookSender 创建 Slack webhook 发送器。
func NewSlackWebhookSender(url string, retries int) *SlackWebhookSender {
	return &SlackWebhookSender{URL: strings.TrimSpace(url), client: newPoster(retries)}
}

// Send 实现 SlackSender。
func (s *SlackWebhookSender) Send(ctx context.Context, channel, content string) error {
	body := map[string]string{"text": content}
	if channel != "" {
		body["channel"] = channel
	}
	return postJSON(ctx, s.client, s.URL, body)
}
