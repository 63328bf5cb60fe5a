package flowsend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Confirmations wait for on-chain submission and payout
// creation, so it is longer than a typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// HeaderSessionID carries the conversation id between calls.
const HeaderSessionID = "X-Session-ID"

// RequestType marks a chat reply that awaits confirmation.
const RequestType = "TRANSACTION_REQUEST"

// Client wraps the HTTP interactions with the FlowSend REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Message is one conversation entry.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the transaction parameters echoed back on confirmation.
type Params struct {
	Amount           json.Number `json:"amount,omitempty"`
	RecipientAddress string      `json:"recipient_address,omitempty"`
	BankAccountID    string      `json:"bankAccountId,omitempty"`
}

// TransactionRequest is returned by Chat when an operation awaits confirmation.
type TransactionRequest struct {
	Type      string    `json:"type"`
	Action    string    `json:"action"`
	Params    Params    `json:"params"`
	Message   string    `json:"message"`
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// ChatReply holds either Text or Request.
type ChatReply struct {
	SessionID string
	Text      string
	Request   *TransactionRequest
}

// ChatRequest is the payload of one conversational turn.
type ChatRequest struct {
	SessionID     string    `json:"sessionId,omitempty"`
	Messages      []Message `json:"messages"`
	WalletAddress string    `json:"walletAddress,omitempty"`
}

// ConfirmRequest executes a TransactionRequest previously returned by Chat.
// Action and Params must be echoed unchanged.
type ConfirmRequest struct {
	SessionID     string `json:"sessionId"`
	RequestID     string `json:"requestId"`
	Action        string `json:"action"`
	Params        Params `json:"params"`
	WalletAddress string `json:"walletAddress,omitempty"`
}

// ConfirmRequest builds the confirmation for r.
func (r TransactionRequest) ConfirmRequest(sessionID, walletAddress string) ConfirmRequest {
	return ConfirmRequest{
		SessionID:     sessionID,
		RequestID:     r.RequestID,
		Action:        r.Action,
		Params:        r.Params,
		WalletAddress: walletAddress,
	}
}

// Receipt is the result of a confirmation.
type Receipt struct {
	Status        string `json:"status"`
	Message       string `json:"message"`
	TransactionID string `json:"transactionId,omitempty"`
	PayoutID      string `json:"payoutId,omitempty"`
	ErrorCode     string `json:"errorCode,omitempty"`
	Replayed      bool   `json:"replayed"`
}

// Execution is one entry of the execution ledger.
type Execution struct {
	RequestID    string    `json:"requestId"`
	SessionID    string    `json:"sessionId"`
	Kind         string    `json:"kind"`
	Amount       string    `json:"amount"`
	Destination  string    `json:"destination"`
	TxID         string    `json:"txId,omitempty"`
	PayoutID     string    `json:"payoutId,omitempty"`
	Outcome      string    `json:"outcome"`
	ErrorCode    string    `json:"errorCode,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ExecutionFilter narrows Executions.
type ExecutionFilter struct {
	Outcome   string
	SessionID string
	Limit     int
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("flowsend api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("flowsend api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the FlowSend API. When httpClient is
// nil, a default client is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Chat sends one turn. The reply carries the session id assigned by the
// server when in.SessionID is empty.
func (c *Client) Chat(ctx context.Context, in ChatRequest) (*ChatReply, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/chat", in)
	if err != nil {
		return nil, err
	}
	if in.SessionID != "" {
		req.Header.Set(HeaderSessionID, in.SessionID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeAPIError(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	reply := &ChatReply{SessionID: resp.Header.Get(HeaderSessionID)}
	if mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mediaType == "application/json" {
		var request TransactionRequest
		if err := json.Unmarshal(body, &request); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if request.Type == RequestType {
			reply.Request = &request
			return reply, nil
		}
	}
	reply.Text = string(body)
	return reply, nil
}

// Confirm executes a previously issued request. Calling it again with the
// same request returns the cached receipt with Replayed set.
func (c *Client) Confirm(ctx context.Context, in ConfirmRequest) (*Receipt, error) {
	req, err := c.newJSONRequest(ctx, http.MethodPost, "/api/confirm", in)
	if err != nil {
		return nil, err
	}
	req.Header.Set(HeaderSessionID, in.SessionID)
	var receipt Receipt
	if err := c.do(req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// Executions lists ledger entries, newest first.
func (c *Client) Executions(ctx context.Context, filter ExecutionFilter) ([]Execution, error) {
	query := url.Values{}
	if filter.Outcome != "" {
		query.Set("outcome", filter.Outcome)
	}
	if filter.SessionID != "" {
		query.Set("session", filter.SessionID)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/executions", query, nil)
	if err != nil {
		return nil, err
	}
	var out struct {
		Executions []Execution `json:"executions"`
	}
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return out.Executions, nil
}

// Execution fetches a single ledger entry by request id.
func (c *Client) Execution(ctx context.Context, requestID string) (*Execution, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/executions/"+url.PathEscape(requestID), nil, nil)
	if err != nil {
		return nil, err
	}
	var out Execution
	if err := c.do(req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) newJSONRequest(ctx context.Context, method, endpoint string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, method, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, apiErr)
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
