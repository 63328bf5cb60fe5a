package intent

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/pkg/logger"
)

const (
	// CodeDegraded 标记识别降级为 none 的原因，只用于日志，不会返回给用户。
	CodeDegraded xerrors.Code = "INTENT_DEGRADED"
	// CodeIncomplete 表示参数不完整。
	CodeIncomplete xerrors.Code = "INTENT_INCOMPLETE"
)

func init() {
	xerrors.Register(CodeDegraded, xerrors.Attributes{Message: "intent classification degraded", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeIncomplete, xerrors.Attributes{Message: "intent parameters incomplete", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
}

// DefaultWindow 是送入模型的最近消息条数。
const DefaultWindow = 5

// Extractor 通过大模型把对话窗口转换成结构化意图。
type Extractor struct {
	client      llm.Client
	window      int
	temperature float64
	logger      *slog.Logger
}

// ExtractorOption 定义 Extractor 的可选配置。
type ExtractorOption func(*Extractor)

// WithWindow 设置对话窗口大小。
func WithWindow(n int) ExtractorOption {
	return func(e *Extractor) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithTemperature 设置识别时的采样温度。
func WithTemperature(t float64) ExtractorOption {
	return func(e *Extractor) { e.temperature = t }
}

// NewExtractor 创建意图识别器。client 可以为 nil，此时所有输入都降级为 none。
func NewExtractor(client llm.Client, opts ...ExtractorOption) *Extractor {
	e := &Extractor{client: client, window: DefaultWindow, logger: logger.Named("intent")}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Classify 返回对话的意图。任何失败都降级为 none，不返回错误。
func (e *Extractor) Classify(ctx context.Context, conversation []llm.Message) Intent {
	ctx, span := tracing.Start(ctx, "intent.classify")
	result, err := e.classify(ctx, conversation)
	tracing.End(span, err)
	if err != nil {
		logger.FromContext(ctx).Debug("意图识别降级", slog.Any("error", err))
		metrics.ObserveIntent(string(KindNone), true)
		return None()
	}
	metrics.ObserveIntent(string(result.Kind), false)
	return result
}

func (e *Extractor) classify(ctx context.Context, conversation []llm.Message) (Intent, error) {
	if e == nil || e.client == nil {
		return None(), xerrors.New(CodeDegraded, "language model not configured")
	}
	window := Window(conversation, e.window)
	if len(window) == 0 {
		return None(), xerrors.New(CodeDegraded, "empty conversation")
	}
	resp, err := e.client.Generate(ctx, llm.Request{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: classifyPrompt(llm.Transcript(window))}},
		Temperature: e.temperature,
	})
	if err != nil {
		return None(), xerrors.Wrap(CodeDegraded, err, "language model call failed")
	}
	if resp == nil {
		return None(), xerrors.New(CodeDegraded, "empty model response")
	}
	return ParseIntent(resp.Text)
}

// Window 返回按时间顺序排列的最近 n 条消息。
func Window(conversation []llm.Message, n int) []llm.Message {
	if n <= 0 || len(conversation) <= n {
		return conversation
	}
	return conversation[len(conversation)-n:]
}

type rawIntent struct {
	Type   string          `json:"type"`
	Action string          `json:"action"`
	Kind   string          `json:"kind"`
	Params json.RawMessage `json:"params"`
}

// ParseIntent 解析模型的原始输出：去掉代码块标记，取第一个完整的 JSON 对象。
// 无法解析或操作名无法识别时返回 none 以及降级原因。
func ParseIntent(text string) (Intent, error) {
	object, ok := firstJSONObject(stripFences(text))
	if !ok {
		return None(), xerrors.New(CodeDegraded, "no json object in model output")
	}
	var raw rawIntent
	if err := json.Unmarshal([]byte(object), &raw); err != nil {
		return None(), xerrors.Wrap(CodeDegraded, err, "malformed model output")
	}
	name := firstNonEmpty(raw.Type, raw.Action, raw.Kind)
	kind, known := ParseKind(name)
	if !known {
		return None(), xerrors.New(CodeDegraded, "unknown intent kind", xerrors.WithMetadata("kind", strings.TrimSpace(name)))
	}
	var params Params
	if len(raw.Params) > 0 && string(raw.Params) != "null" {
		if err := json.Unmarshal(raw.Params, &params); err != nil {
			return None(), xerrors.Wrap(CodeDegraded, err, "malformed intent params")
		}
	}
	return Intent{Kind: kind, Params: params.Only(kind.Required())}, nil
}
