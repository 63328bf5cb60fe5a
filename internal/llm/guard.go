package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/pkg/logger"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

const (
	defaultMaxFailures uint32 = 5
	defaultOpenTimeout        = 30 * time.Second
	defaultInterval           = 60 * time.Second
)

// GuardConfig 配置熔断与限流参数。
type GuardConfig struct {
	Name          string
	MaxFailures   uint32
	OpenTimeout   time.Duration
	Interval      time.Duration
	RatePerSecond float64
	Burst         int
}

// Guarded 为任意 Client 增加熔断和限流保护。
type Guarded struct {
	name    string
	inner   Client
	breaker *gobreaker.CircuitBreaker[*Response]
	limiter *rate.Limiter
}

// NewGuarded 包装 inner。RatePerSecond 为 0 时不限流。
func NewGuarded(inner Client, cfg GuardConfig) *Guarded {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultOpenTimeout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	name := cfg.Name
	if name == "" {
		name = "default"
	}

	g := &Guarded{name: name, inner: inner}
	g.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        "llm:" + name,
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(breaker string, from, to gobreaker.State) {
			logger.L().Warn("大模型熔断状态变化",
				slog.String("breaker", breaker),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不计入失败。
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

// Generate 实现 Client。
func (g *Guarded) Generate(ctx context.Context, req Request) (*Response, error) {
	if g == nil || g.inner == nil {
		return nil, xerrors.New(CodeUnavailable, "大模型客户端未配置")
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, xerrors.Wrap(CodeUnavailable, err, "大模型调用被限流")
		}
	}
	resp, err := g.breaker.Execute(func() (*Response, error) {
		return g.inner.Generate(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, xerrors.Wrap(CodeUnavailable, err, fmt.Sprintf("大模型 %s 熔断中", g.name))
		}
		return nil, err
	}
	return resp, nil
}

// State 返回当前熔断状态，便于监控。
func (g *Guarded) State() gobreaker.State {
	return g.breaker.State()
}
