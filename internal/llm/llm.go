package llm

import (
	"context"
	"strings"

	xerrors "FlowSend-Chain/internal/errors"
)

// Role 表示对话消息的发送方。
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid 判断角色是否受支持。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message 是一条对话消息。
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request 描述一次大模型调用。
type Request struct {
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Response 是大模型返回的文本。
type Response struct {
	Text string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// CodeUnavailable 表示大模型能力暂不可用（熔断、限流或未配置）。
const CodeUnavailable xerrors.Code = "LLM_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Attributes{
		Message:   "language model unavailable",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
}

// Transcript 将消息渲染为 "role: content" 的多行文本。
func Transcript(messages []Message) string {
	var b strings.Builder
	for i, msg := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(string(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
	}
	return b.String()
}
