package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"FlowSend-Chain/internal/observability/metrics"
)

// HeaderSessionID 携带会话 ID。
const HeaderSessionID = "X-Session-ID"

// RateLimitConfig 控制 /api 下的限流。
// RequestLimit 作用于同一 IP 上的单个会话；IPRequestLimit 作用于整个 IP，
// 为 0 时取 RequestLimit 的 4 倍。会话头由调用方填写，轮换会话不能绕过 IP 上限。
type RateLimitConfig struct {
	RequestLimit   int
	IPRequestLimit int
	Window         time.Duration
}

func (c RateLimitConfig) enabled() bool {
	return c.RequestLimit > 0 && c.Window > 0
}

func (c RateLimitConfig) ipLimit() int {
	if c.IPRequestLimit > 0 {
		return c.IPRequestLimit
	}
	return c.RequestLimit * 4
}

// keyBySession 取会话头，没有会话时所有请求落在同一个键上，
// 与 httprate.KeyByIP 组合后即为按 IP 限流。
func keyBySession(r *http.Request) (string, error) {
	return "session:" + strings.TrimSpace(r.Header.Get(HeaderSessionID)), nil
}

// rateLimit 先按来源 IP 限流，再按 IP 与会话的组合限流。
// 使用 RemoteAddr 而不是转发头，避免伪造。
func rateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	perIP := httprate.Limit(
		cfg.ipLimit(),
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(limited(cfg.Window)),
	)
	perSession := httprate.Limit(
		cfg.RequestLimit,
		cfg.Window,
		httprate.WithKeyFuncs(httprate.KeyByIP, keyBySession),
		httprate.WithLimitHandler(limited(cfg.Window)),
	)
	return func(next http.Handler) http.Handler {
		return perIP(perSession(next))
	}
}

func limited(window time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(window.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:   "RATE_LIMITED",
			Message: "Too many requests. Please try again later.",
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// observe 记录每个路由的请求数与耗时，路由取 chi 的模板避免标签膨胀。
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		metrics.ObserveHTTPRequest(route, r.Method, sw.status, time.Since(start))
	})
}
