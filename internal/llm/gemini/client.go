package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/observability/tracing"
)

const (
	defaultBaseURL   = "https://generativelanguage.googleapis.com"
	defaultModelName = "gemini-2.5-flash"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 Gemini generateContent 接口所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过 REST 调用 Google Gemini。
type Client struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewClient 根据配置创建 Gemini 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 Gemini API Key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Generate 调用 Gemini 生成回复文本。
func (c *Client) Generate(ctx context.Context, req llm.Request) (resp *llm.Response, err error) {
	ctx, span := tracing.Start(ctx, "llm.generate",
		tracing.String("llm.provider", "gemini"),
		tracing.String("llm.model", c.model),
	)
	defer func() { tracing.End(span, err) }()

	body, err := json.Marshal(toWireRequest(req))
	if err != nil {
		return nil, fmt.Errorf("序列化 Gemini 请求失败: %w", err)
	}
	if len(req.Messages) == 0 {
		return nil, errors.New("Gemini 请求缺少消息")
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("构建 Gemini 请求失败: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("请求 Gemini 失败: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 2048))
		return nil, fmt.Errorf("Gemini 返回错误状态 %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var decoded wireResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("解析 Gemini 响应失败: %w", err)
	}
	text := decoded.text()
	if text == "" {
		return nil, errors.New("Gemini 响应内容为空")
	}
	return &llm.Response{Text: text}, nil
}

type wireRequest struct {
	Contents          []wireContent     `json:"contents"`
	SystemInstruction *wireContent      `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type wireContent struct {
	Role  string     `json:"role,omitempty"`
	Parts []wirePart `json:"parts"`
}

type wirePart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature,omitempty"`
	TopK            int     `json:"topK,omitempty"`
	TopP            float64 `json:"topP,omitempty"`
	MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
}

type wireResponse struct {
	Candidates []struct {
		Content wireContent `json:"content"`
	} `json:"candidates"`
}

func (r wireResponse) text() string {
	if len(r.Candidates) == 0 {
		return ""
	}
	var b strings.Builder
	for _, part := range r.Candidates[0].Content.Parts {
		b.WriteString(part.Text)
	}
	return strings.TrimSpace(b.String())
}

// toWireRequest maps assistant turns onto Gemini's "model" role.
func toWireRequest(req llm.Request) wireRequest {
	out := wireRequest{Contents: make([]wireContent, 0, len(req.Messages))}
	if system := strings.TrimSpace(req.System); system != "" {
		out.SystemInstruction = &wireContent{Parts: []wirePart{{Text: system}}}
	}
	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}
		out.Contents = append(out.Contents, wireContent{Role: role, Parts: []wirePart{{Text: msg.Content}}})
	}
	if req.Temperature > 0 || req.MaxTokens > 0 {
		out.GenerationConfig = &generationConfig{
			Temperature:     req.Temperature,
			TopK:            40,
			TopP:            0.95,
			MaxOutputTokens: req.MaxTokens,
		}
	}
	return out
}
