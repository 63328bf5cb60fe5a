package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"FlowSend-Chain/internal/api"
	"FlowSend-Chain/internal/config"
	"FlowSend-Chain/internal/escalation"
	"FlowSend-Chain/internal/events"
	"FlowSend-Chain/internal/gateway"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/ledger"
	"FlowSend-Chain/internal/llm"
	"FlowSend-Chain/internal/llm/gemini"
	"FlowSend-Chain/internal/llm/openai"
	"FlowSend-Chain/internal/observability/alerting"
	"FlowSend-Chain/internal/observability/metrics"
	"FlowSend-Chain/internal/observability/tracing"
	"FlowSend-Chain/internal/orchestrator"
	"FlowSend-Chain/internal/pending"
	"FlowSend-Chain/internal/settlement/circle"
	"FlowSend-Chain/internal/web3"
	"FlowSend-Chain/internal/web3/provider"
	"FlowSend-Chain/pkg/logger"
)

// main 是 FlowSend 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("flowsendd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		RedactKeys:  cfg.Logging.RedactKeys,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
			Compress:   cfg.Logging.Audit.Compress,
		},
	}); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	lg := logger.Named("flowsendd")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Exporter: cfg.Tracing.Exporter,
	})
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	model, err := createLLMClient(cfg)
	if err != nil {
		return err
	}

	defs, err := web3.LoadChainDefinitions(cfg.Chains.Path)
	if err != nil {
		return err
	}
	chainRegistry, err := provider.NewRegistry(ctx, defs, provider.Options{
		RPCURL:       cfg.Chains.RPCURL,
		WalletRPCURL: cfg.Chains.WalletRPCURL,
	})
	if err != nil {
		return err
	}
	defer chainRegistry.Close()

	chainClient, err := chainRegistry.DefaultClient()
	if err != nil {
		return err
	}

	policy, err := gateway.NewPolicy(ctx, gateway.PolicyConfig{
		MaxValue: cfg.Sponsor.MaxValue,
		MaxGas:   cfg.Sponsor.MaxGas,
		Path:     cfg.Sponsor.PolicyPath,
	})
	if err != nil {
		return err
	}
	gw := gateway.New(chainClient, cfg.Sponsor.PaymasterURL, gateway.WithPolicy(policy))

	store, err := openPendingStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	repo, err := ledger.Open(ctx, ledger.Config{
		Driver:          cfg.Ledger.Driver,
		DSN:             cfg.Ledger.DSN,
		MaxOpenConns:    cfg.Ledger.MaxOpenConns,
		MaxIdleConns:    cfg.Ledger.MaxIdleConns,
		ConnMaxLifetime: cfg.Ledger.ConnMaxLifetime.Duration,
		ConnMaxIdleTime: cfg.Ledger.ConnMaxIdleTime.Duration,
	})
	if err != nil {
		return err
	}
	defer repo.Close()

	bus, err := events.Open(events.Config{
		Driver: cfg.Events.Driver,
		Buffer: cfg.Events.Buffer,
		Redis: events.RedisConfig{
			Address:  cfg.Events.Redis.Address,
			Password: cfg.Events.Redis.Password,
			DB:       cfg.Events.Redis.DB,
			Queue:    cfg.Events.Redis.Prefix,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Queue:    cfg.Events.RabbitMQ.Queue,
			Prefetch: cfg.Events.RabbitMQ.Prefetch,
			Durable:  true,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			lg.Warn("关闭事件总线失败", slog.Any("error", err))
		}
	}()

	orchOpts := []orchestrator.Option{
		orchestrator.WithExtractor(intent.NewExtractor(model, intent.WithWindow(cfg.LLM.Window))),
		orchestrator.WithLedger(repo),
		orchestrator.WithPublisher(bus),
		orchestrator.WithRequestTTL(cfg.Pending.TTL.Duration),
		orchestrator.WithLLMTimeout(cfg.LLM.Timeout.Duration),
	}
	serverOpts := []api.Option{
		api.WithLedger(repo),
		api.WithRateLimit(api.RateLimitConfig{
			RequestLimit:   cfg.Server.RateLimit.Requests,
			IPRequestLimit: cfg.Server.RateLimit.IPRequests,
			Window:         cfg.Server.RateLimit.Window.Duration,
		}),
	}

	settlementClient, err := circle.New(circle.Config{
		BaseURL:    cfg.Circle.BaseURL,
		APIKey:     cfg.Circle.APIKey,
		Timeout:    cfg.Circle.Timeout.Duration,
		MaxRetries: cfg.Circle.MaxRetries,
	})
	switch {
	case errors.Is(err, circle.ErrNotConfigured):
		lg.Warn("未配置 CIRCLE_API_KEY，银行账户与出金功能不可用")
	case err != nil:
		return err
	default:
		orchOpts = append(orchOpts, orchestrator.WithSettlement(settlementClient))
		serverOpts = append(serverOpts, api.WithSettlement(settlementClient))
	}

	orch := orchestrator.New(model, gw, store, orchOpts...)
	server := api.NewServer(cfg.Server.Address, orch, serverOpts...)
	worker := escalation.New(bus, buildAlerting(cfg), escalation.WithWorkerCount(cfg.Events.Workers))

	scheduler := cron.New()
	if _, err := pending.ScheduleSweep(scheduler, store, cfg.Pending.SweepSchedule); err != nil {
		return err
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	lg.Info("FlowSend 已就绪",
		slog.String("chain", defs.Default),
		slog.Any("chains", chainRegistry.Chains()),
		slog.String("llm", cfg.LLM.Provider),
		slog.String("pending", cfg.Pending.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("events", cfg.Events.Driver),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return worker.Start(gctx) })
	if cfg.Server.MetricsAddress != "" {
		g.Go(func() error { return metrics.StartServer(gctx, cfg.Server.MetricsAddress) })
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	var inner llm.Client
	switch cfg.LLM.Provider {
	case "gemini":
		client, err := gemini.NewClient(gemini.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		inner = client
	case "openai":
		client, err := openai.NewClient(openai.Config{
			APIKey:  cfg.LLM.APIKey,
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			Timeout: cfg.LLM.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		inner = client
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
	return llm.NewGuarded(inner, llm.GuardConfig{
		Name:          cfg.LLM.Provider,
		MaxFailures:   cfg.LLM.Breaker.MaxFailures,
		OpenTimeout:   cfg.LLM.Breaker.OpenTimeout.Duration,
		Interval:      cfg.LLM.Breaker.Interval.Duration,
		RatePerSecond: cfg.LLM.RatePerSecond,
		Burst:         cfg.LLM.Burst,
	}), nil
}

func openPendingStore(cfg *config.Config) (pending.Store, error) {
	opts := []pending.Option{pending.WithRetention(cfg.Pending.Retention.Duration)}
	switch cfg.Pending.Driver {
	case "redis":
		return pending.NewRedisStore(pending.RedisConfig{
			Address:  cfg.Pending.Redis.Address,
			Password: cfg.Pending.Redis.Password,
			DB:       cfg.Pending.Redis.DB,
			Prefix:   cfg.Pending.Redis.Prefix,
		}, opts...)
	default:
		return pending.NewMemoryStore(opts...), nil
	}
}

// buildAlerting 总是写日志，按配置追加 webhook 与 Slack。
func buildAlerting(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, cfg.Alerting.Retries))
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		notifiers = append(notifiers, &alerting.SlackNotifier{
			Sender:    alerting.NewSlackWebhookSender(cfg.Alerting.SlackWebhookURL, cfg.Alerting.Retries),
			ChannelID: cfg.Alerting.SlackChannel,
		})
	}
	return alerting.NewFanout(notifiers...)
}
