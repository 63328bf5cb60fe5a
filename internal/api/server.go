package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/orchestrator"
	"FlowSend-Chain/internal/settlement"
	"FlowSend-Chain/pkg/logger"
)

// Server 负责暴露 HTTP 接口。
type Server struct {
	addr      string
	orch      *orchestrator.Orchestrator
	ledger    ledger.Repository
	provider  settlement.Provider
	rateLimit RateLimitConfig
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Server)

// WithLedger 开启执行记录查询接口。
func WithLedger(repo ledger.Repository) Option {
	return func(s *Server) { s.ledger = repo }
}

// WithSettlement 开启银行账户、电汇入金、出金与转账查询接口。
func WithSettlement(provider settlement.Provider) Option {
	return func(s *Server) { s.provider = provider }
}

// WithRateLimit 设置 /api 下的限流。
func WithRateLimit(cfg RateLimitConfig) Option {
	return func(s *Server) { s.rateLimit = cfg }
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{addr: addr, orch: orch, logger: logger.Named("api")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回完整的路由。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		if s.rateLimit.enabled() {
			r.Use(rateLimit(s.rateLimit))
		}
		r.Post("/chat", s.handleChat)
		r.Post("/confirm", s.handleConfirm)
		r.Route("/v1", func(r chi.Router) {
			r.Get("/executions", s.handleListExecutions)
			r.Get("/executions/{requestID}", s.handleExecutionDetail)
			r.Get("/bank-accounts", s.handleBankAccounts)
			r.Post("/bank-accounts", s.handleCreateBankAccount)
			r.Get("/bank-accounts/{id}/instructions", s.handleWireInstructions)
			r.Post("/deposits/mock-wire", s.handleMockWireDeposit)
			r.Get("/payouts/{id}", s.handlePayout)
			r.Get("/transfers/{id}", s.handleTransfer)
			r.Get("/balances", s.handleBalances)
		})
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		// 确认执行不随请求取消，留出时间让进行中的结算写完。
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
