package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/orchestrator"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement/circle"
	"FlowSend-Chain/pkg/logger"
)

const maxBodyBytes = 1 << 20

type chatRequest struct {
	Messages      []llm.Message `json:"messages"`
	WalletAddress string        `json:"walletAddress"`
	SessionID     string        `json:"sessionId"`
}

type confirmRequest struct {
	SessionID     string        `json:"sessionId"`
	RequestID     string        `json:"requestId"`
	Action        string        `json:"action"`
	Params        intent.Params `json:"params"`
	WalletAddress string        `json:"walletAddress"`
}

type bankAddressInput struct {
	Line1      string `json:"line1"`
	City       string `json:"city"`
	State      string `json:"state"`
	District   string `json:"district"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

type createBankAccountRequest struct {
	AccountNumber     string            `json:"accountNumber"`
	RoutingNumber     string            `json:"routingNumber"`
	AccountHolderName string            `json:"accountHolderName"`
	BankName          string            `json:"bankName"`
	Address           *bankAddressInput `json:"address"`
}

type mockWireRequest struct {
	Amount        json.Number `json:"amount"`
	TrackingRef   string      `json:"trackingRef"`
	AccountNumber string      `json:"accountNumber"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleChat 处理一轮对话。文本回复以 text/plain 返回，确认请求以 JSON 返回。
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req chatRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	sessionID := firstNonEmpty(req.SessionID, r.Header.Get(HeaderSessionID))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	w.Header().Set(HeaderSessionID, sessionID)

	reply, err := s.orch.HandleTurn(r.Context(), orchestrator.Turn{
		SessionID:     sessionID,
		Messages:      req.Messages,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	if reply.Request != nil {
		writeJSON(w, http.StatusOK, reply.Request)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(reply.Text))
}

// handleConfirm 执行已签发的确认请求。
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if s.orch == nil {
		http.Error(w, "服务未初始化", http.StatusServiceUnavailable)
		return
	}
	var req confirmRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	action, ok := intent.ParseKind(req.Action)
	if !ok {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "未知的 action: "+req.Action))
		return
	}
	sessionID := firstNonEmpty(req.SessionID, r.Header.Get(HeaderSessionID))
	w.Header().Set(HeaderSessionID, sessionID)

	result, err := s.orch.Confirm(r.Context(), orchestrator.ConfirmRequest{
		SessionID:     sessionID,
		RequestID:     strings.TrimSpace(req.RequestID),
		Action:        action,
		Params:        req.Params,
		WalletAddress: req.WalletAddress,
	})
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "执行台账未启用", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	opts := []ledger.ListOption{
		ledger.WithOutcome(pending.Outcome(query.Get("outcome"))),
		ledger.WithSession(query.Get("session")),
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数"))
			return
		}
		opts = append(opts, ledger.WithLimit(limit))
	}
	records, err := s.ledger.List(r.Context(), opts...)
	if err != nil {
		s.logFailure(r, err)
		writeError(w, err)
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func (s *Server) handleExecutionDetail(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		http.Error(w, "执行台账未启用", http.StatusServiceUnavailable)
		return
	}
	record, err := s.ledger.Get(r.Context(), chi.URLParam(r, "requestID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) handleBankAccounts(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	accounts, err := s.provider.ListBankAccounts(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	if accounts == nil {
		accounts = []circle.BankAccount{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bankAccounts": accounts})
}

// handleCreateBankAccount 绑定新的电汇账户，国家缺省为 US。
func (s *Server) handleCreateBankAccount(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	var req createBankAccountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.AccountNumber) == "" || strings.TrimSpace(req.RoutingNumber) == "" ||
		strings.TrimSpace(req.AccountHolderName) == "" || req.Address == nil {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "accountNumber、routingNumber、accountHolderName 和 address 不能为空"))
		return
	}
	country := firstNonEmpty(req.Address.Country, "US")
	account, err := s.provider.CreateWireBankAccount(r.Context(), circle.WireBankAccountRequest{
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		RoutingNumber: strings.TrimSpace(req.RoutingNumber),
		BillingDetails: circle.BillingDetails{
			Name:       strings.TrimSpace(req.AccountHolderName),
			Line1:      req.Address.Line1,
			City:       req.Address.City,
			District:   firstNonEmpty(req.Address.State, req.Address.District),
			PostalCode: req.Address.PostalCode,
			Country:    country,
		},
		BankAddress: circle.BankAddress{
			BankName: firstNonEmpty(req.BankName, "Bank"),
			City:     req.Address.City,
			Country:  country,
		},
	})
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	logger.Audit().Info("电汇账户已绑定",
		slog.String("bank_account_id", account.ID),
		slog.String("account_number", req.AccountNumber),
		slog.String("routing_number", req.RoutingNumber),
	)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "bankAccount": account})
}

// handleMockWireDeposit 在沙箱中模拟入金电汇。
func (s *Server) handleMockWireDeposit(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	var req mockWireRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	amount, err := decimal.NewFromString(req.Amount.String())
	if err != nil || !amount.IsPositive() {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "amount 必须是正数"))
		return
	}
	if strings.TrimSpace(req.TrackingRef) == "" || strings.TrimSpace(req.AccountNumber) == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "trackingRef 和 accountNumber 不能为空"))
		return
	}
	deposit, err := s.provider.CreateMockWireDeposit(r.Context(), circle.MockWireRequest{
		TrackingRef:   strings.TrimSpace(req.TrackingRef),
		Amount:        amount,
		AccountNumber: strings.TrimSpace(req.AccountNumber),
	})
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	logger.Audit().Info("模拟入金已创建",
		slog.String("tracking_ref", deposit.TrackingRef),
		slog.String("amount", amount.String()),
		slog.String("account_number", req.AccountNumber),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"deposit": deposit,
		"message": "Mock wire deposit created. Processing in ~15 minutes.",
	})
}

func (s *Server) handleWireInstructions(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	instructions, err := s.provider.GetWireInstructions(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, instructions)
}

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	payout, err := s.provider.GetPayout(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payout)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	transfer, err := s.provider.GetTransfer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, transfer)
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	if s.provider == nil {
		http.Error(w, "结算服务未配置", http.StatusServiceUnavailable)
		return
	}
	balances, err := s.provider.GetBalances(r.Context())
	if err != nil {
		s.writeUpstreamError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// writeUpstreamError 透传结算服务的 404，其余上游错误按 502 返回。
func (s *Server) writeUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *circle.APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		writeJSON(w, http.StatusNotFound, errorBody{Error: string(xerrors.CodeNotFound), Message: apiErr.Error()})
		return
	}
	s.logFailure(r, err)
	status := http.StatusBadGateway
	if errors.Is(err, circle.ErrNotConfigured) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: string(xerrors.CodeUpstreamFailure), Message: err.Error()})
}

func (s *Server) logFailure(r *http.Request, err error) {
	level := slog.LevelWarn
	if xerrors.HTTPStatus(err) >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	s.logger.Log(r.Context(), level, "请求处理失败",
		slog.String("path", r.URL.Path),
		slog.String("session_id", r.Header.Get(HeaderSessionID)),
		slog.Any("error", err),
	)
}

func writeError(w http.ResponseWriter, err error) {
	status := xerrors.HTTPStatus(err)
	body := errorBody{Error: string(xerrors.CodeOf(err)), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		body.Message = e.Message()
	}
	if status >= http.StatusInternalServerError {
		body.Message = "Internal server error"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
