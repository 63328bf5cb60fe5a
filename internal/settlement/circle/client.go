package circle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/shopspring/decimal"

	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/pkg/logger"
)

// DefaultBaseURL 是 Circle 沙箱环境。
const DefaultBaseURL = "https://api-sandbox.circle.com"

// ChainBase 是 Circle 对 Base 链的标识。
const ChainBase = "BASE"

// ErrNotConfigured 表示未配置 API Key。
var ErrNotConfigured = errors.New("CIRCLE_API_KEY not configured")

// Config 描述 Circle 客户端配置。
type Config struct {
	BaseURL      string
	APIKey       string
	Timeout      time.Duration
	MaxRetries   int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client 是 Circle Business Account API 的最小客户端。
// 读请求按配置重试；写请求只发送一次，并携带稳定的 idempotencyKey。
type Client struct {
	baseURL string
	apiKey  string
	reads   *retryablehttp.Client
	writes  *retryablehttp.Client
}

// New 创建客户端。
func New(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryWaitMin <= 0 {
		cfg.RetryWaitMin = 500 * time.Millisecond
	}
	if cfg.RetryWaitMax <= 0 {
		cfg.RetryWaitMax = 5 * time.Second
	}

	reads := newRetryClient(cfg, cfg.MaxRetries)
	writes := newRetryClient(cfg, 0)
	return &Client{baseURL: baseURL, apiKey: apiKey, reads: reads, writes: writes}, nil
}

func newRetryClient(cfg Config, retries int) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.RetryWaitMin = cfg.RetryWaitMin
	rc.RetryWaitMax = cfg.RetryWaitMax
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger.Named("circle")
	// 保留最后一次响应，交给 decode 解析错误体。
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc
}

// ListBankAccounts 返回已绑定的电汇账户。
func (c *Client) ListBankAccounts(ctx context.Context) ([]BankAccount, error) {
	var out []BankAccount
	err := c.do(ctx, c.reads, http.MethodGet, "/v1/businessAccount/banks/wires", nil, &out)
	return out, err
}

// WireBankAccountRequest 描述待绑定的电汇账户。
type WireBankAccountRequest struct {
	IdempotencyKey string         `json:"idempotencyKey"`
	AccountNumber  string         `json:"accountNumber"`
	RoutingNumber  string         `json:"routingNumber"`
	BillingDetails BillingDetails `json:"billingDetails"`
	BankAddress    BankAddress    `json:"bankAddress"`
}

// CreateWireBankAccount 绑定新的电汇账户。
func (c *Client) CreateWireBankAccount(ctx context.Context, req WireBankAccountRequest) (*BankAccount, error) {
	req.IdempotencyKey = idempotencyKey(req.IdempotencyKey)
	var out BankAccount
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/businessAccount/banks/wires", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetWireInstructions 返回指定账户的入金电汇信息。
func (c *Client) GetWireInstructions(ctx context.Context, bankAccountID string) (*WireInstructions, error) {
	var out WireInstructions
	path := "/v1/businessAccount/banks/wires/" + url.PathEscape(bankAccountID) + "/instructions?currency=USD"
	if err := c.do(ctx, c.reads, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// MockWireRequest 描述沙箱中的模拟入金。AccountNumber 是入金电汇信息中的收款账号。
type MockWireRequest struct {
	TrackingRef   string
	Amount        decimal.Decimal
	AccountNumber string
}

// CreateMockWireDeposit 在沙箱中模拟一笔入金电汇。生产环境没有该接口。
func (c *Client) CreateMockWireDeposit(ctx context.Context, req MockWireRequest) (*MockWireDeposit, error) {
	body := map[string]any{
		"trackingRef":     req.TrackingRef,
		"amount":          Money{Amount: req.Amount.String(), Currency: "USD"},
		"beneficiaryBank": map[string]string{"accountNumber": req.AccountNumber},
	}
	var out MockWireDeposit
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/mocks/payments/wire", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PayoutRequest 描述一次出金。
type PayoutRequest struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	BankAccountID  string
}

// CreatePayout 发起到银行账户的出金。
func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*Payout, error) {
	body := map[string]any{
		"idempotencyKey": idempotencyKey(req.IdempotencyKey),
		"amount":         Money{Amount: req.Amount.String(), Currency: "USD"},
		"destination":    Destination{Type: "wire", ID: req.BankAccountID},
	}
	var out Payout
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/businessAccount/payouts", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetPayout 查询出金状态。
func (c *Client) GetPayout(ctx context.Context, payoutID string) (*Payout, error) {
	var out Payout
	if err := c.do(ctx, c.reads, http.MethodGet, "/v1/businessAccount/payouts/"+url.PathEscape(payoutID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRecipientAddresses 返回已登记的链上收款地址。
func (c *Client) ListRecipientAddresses(ctx context.Context) ([]RecipientAddress, error) {
	var out []RecipientAddress
	err := c.do(ctx, c.reads, http.MethodGet, "/v1/businessAccount/wallets/addresses/recipient", nil, &out)
	return out, err
}

// CreateRecipientAddress 登记新的链上收款地址，需要管理员审核后才能使用。
func (c *Client) CreateRecipientAddress(ctx context.Context, address, chain, key string) (*RecipientAddress, error) {
	body := map[string]any{
		"idempotencyKey": idempotencyKey(key),
		"description":    "Base Wallet: " + address,
		"chain":          chain,
		"address":        address,
		"currency":       "USD",
	}
	var out RecipientAddress
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/businessAccount/wallets/addresses/recipient", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// TransferRequest 描述到已审核地址的转账。
type TransferRequest struct {
	IdempotencyKey string
	Amount         decimal.Decimal
	AddressID      string
}

// CreateTransferToAddress 从 Circle 账户向已审核地址转出 USDC。
func (c *Client) CreateTransferToAddress(ctx context.Context, req TransferRequest) (*Transfer, error) {
	body := map[string]any{
		"idempotencyKey": idempotencyKey(req.IdempotencyKey),
		"destination":    Destination{Type: "verified_blockchain", AddressID: req.AddressID},
		"amount":         Money{Amount: req.Amount.String(), Currency: "USD"},
	}
	var out Transfer
	if err := c.do(ctx, c.writes, http.MethodPost, "/v1/businessAccount/transfers", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetTransfer 查询转账状态。
func (c *Client) GetTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	var out Transfer
	if err := c.do(ctx, c.reads, http.MethodGet, "/v1/businessAccount/transfers/"+url.PathEscape(transferID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBalances 返回 Circle 账户余额。
func (c *Client) GetBalances(ctx context.Context) (*Balances, error) {
	var out Balances
	if err := c.do(ctx, c.reads, http.MethodGet, "/v1/businessAccount/balances", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func idempotencyKey(key string) string {
	if strings.TrimSpace(key) == "" {
		return uuid.NewString()
	}
	return key
}

func (c *Client) do(ctx context.Context, client *retryablehttp.Client, method, path string, body any, out any) (err error) {
	ctx, span := tracing.Start(ctx, "circle.request", tracing.String("method", method), tracing.String("path", path))
	defer func() { tracing.End(span, err) }()

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化 Circle 请求失败: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return fmt.Errorf("创建 Circle 请求失败: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 Circle 失败: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("读取 Circle 响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("解析 Circle 响应失败: %w", err)
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("解析 Circle 数据失败: %w", err)
	}
	return nil
}
