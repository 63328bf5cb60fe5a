package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix 是环境变量覆盖项的前缀。
const EnvPrefix = "FLOWSEND"

// DefaultPath 是未设置 FLOWSEND_CONFIG 时读取的配置文件。
const DefaultPath = "configs/flowsend.json"

// Config 描述了 FlowSend 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Logging  LoggingConfig  `json:"logging"`
	Chains   ChainsConfig   `json:"chains"`
	LLM      LLMConfig      `json:"llm"`
	Circle   CircleConfig   `json:"circle"`
	Sponsor  SponsorConfig  `json:"sponsor"`
	Pending  PendingConfig  `json:"pending"`
	Ledger   LedgerConfig   `json:"ledger"`
	Events   EventsConfig   `json:"events"`
	Alerting AlertingConfig `json:"alerting"`
	Tracing  TracingConfig  `json:"tracing"`
	Runtime  RuntimeConfig  `json:"runtime"`
}

// Duration 在 JSON 中以 "30s"、"5m" 这样的字符串表示。
type Duration struct {
	time.Duration
}

// UnmarshalJSON 支持字符串或纳秒整数。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("无效的时长 %q: %w", v, err)
		}
		d.Duration = parsed
	case float64:
		d.Duration = time.Duration(v)
	case nil:
		d.Duration = 0
	default:
		return fmt.Errorf("无效的时长 %s", string(data))
	}
	return nil
}

// MarshalJSON 输出字符串形式。
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ServerConfig 控制 API 服务的监听地址与限流。
type ServerConfig struct {
	Address string `json:"address"`
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string          `json:"metrics_address"`
	RateLimit      RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 描述窗口内的请求上限，Requests 为 0 时关闭。
// Requests 作用于同一来源 IP 上的单个会话，IPRequests 作用于整个来源 IP。
type RateLimitConfig struct {
	Requests   int      `json:"requests"`
	IPRequests int      `json:"ip_requests"`
	Window     Duration `json:"window"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string      `json:"level"`
	Format      string      `json:"format"`
	OutputPaths []string    `json:"output_paths"`
	RedactKeys  []string    `json:"redact_keys"`
	Audit       AuditConfig `json:"audit"`
}

// AuditConfig 控制审计日志的滚动策略。
type AuditConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
	MaxAgeDays int    `json:"max_age_days"`
	Compress   bool   `json:"compress"`
}

// ChainsConfig 指向链定义文件，并允许覆盖默认链的 RPC。
type ChainsConfig struct {
	Path         string `json:"path"`
	RPCURL       string `json:"rpc_url"`
	WalletRPCURL string `json:"wallet_rpc_url"`
}

// LLMConfig 用于配置大模型的调用方式。
type LLMConfig struct {
	Provider string   `json:"provider"`
	Model    string   `json:"model"`
	APIKey   string   `json:"api_key"`
	BaseURL  string   `json:"base_url"`
	Timeout  Duration `json:"timeout"`
	// Window 是送入意图识别的最近消息条数。
	Window  int           `json:"window"`
	Breaker BreakerConfig `json:"breaker"`
	// RatePerSecond 为 0 时不限流。
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
}

// BreakerConfig 控制大模型熔断器。
type BreakerConfig struct {
	MaxFailures uint32   `json:"max_failures"`
	OpenTimeout Duration `json:"open_timeout"`
	Interval    Duration `json:"interval"`
}

// CircleConfig 描述结算服务商的连接参数。
type CircleConfig struct {
	BaseURL    string   `json:"base_url"`
	APIKey     string   `json:"api_key"`
	Timeout    Duration `json:"timeout"`
	MaxRetries int      `json:"max_retries"`
}

// SponsorConfig 描述代付通道与代付策略。
type SponsorConfig struct {
	PaymasterURL string `json:"paymaster_url"`
	MaxValue     string `json:"max_value"`
	MaxGas       uint64 `json:"max_gas"`
	PolicyPath   string `json:"policy_path"`
}

// PendingConfig 描述待确认请求的存储。
type PendingConfig struct {
	Driver        string      `json:"driver"`
	TTL           Duration    `json:"ttl"`
	Retention     Duration    `json:"retention"`
	SweepSchedule string      `json:"sweep_schedule"`
	Redis         RedisConfig `json:"redis"`
}

// RedisConfig 是 Redis 连接参数。
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// LedgerConfig 描述执行台账的存储。
type LedgerConfig struct {
	Driver          string   `json:"driver"`
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// EventsConfig 描述结果事件总线与消费者。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 是 RabbitMQ 连接参数。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// AlertingConfig 描述结算失败告警的接收方。
type AlertingConfig struct {
	WebhookURL      string `json:"webhook_url"`
	SlackWebhookURL string `json:"slack_webhook_url"`
	SlackChannel    string `json:"slack_channel"`
	Retries         int    `json:"retries"`
}

// TracingConfig 控制 OpenTelemetry。
type TracingConfig struct {
	Enabled  bool   `json:"enabled"`
	Exporter string `json:"exporter"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `json:"data_dir"`
}

// envOverrides 从环境变量读取密钥和部署相关的覆盖项。
// 每个变量先查 FLOWSEND_<NAME>，再查不带前缀的 <NAME>。
type envOverrides struct {
	ServerAddress   string `envconfig:"SERVER_ADDR"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
	LLMProvider     string `envconfig:"LLM_PROVIDER"`
	LLMModel        string `envconfig:"LLM_MODEL"`
	GeminiAPIKey    string `envconfig:"GEMINI_API_KEY"`
	OpenAIAPIKey    string `envconfig:"OPENAI_API_KEY"`
	CircleAPIKey    string `envconfig:"CIRCLE_API_KEY"`
	CircleBaseURL   string `envconfig:"CIRCLE_API_BASE_URL"`
	PaymasterURL    string `envconfig:"PAYMASTER_URL"`
	RPCURL          string `envconfig:"RPC_URL"`
	WalletRPCURL    string `envconfig:"WALLET_RPC_URL"`
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	PendingDriver   string `envconfig:"PENDING_DRIVER"`
	LedgerDriver    string `envconfig:"LEDGER_DRIVER"`
	LedgerDSN       string `envconfig:"LEDGER_DSN"`
	EventsDriver    string `envconfig:"EVENTS_DRIVER"`
	RabbitMQURL     string `envconfig:"RABBITMQ_URL"`
	AlertWebhookURL string `envconfig:"ALERT_WEBHOOK_URL"`
	SlackWebhookURL string `envconfig:"SLACK_WEBHOOK_URL"`
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPrefix + "_CONFIG")); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	var env envOverrides
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}
	set := func(dst *string, value string) {
		if v := strings.TrimSpace(value); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Address, env.ServerAddress)
	set(&c.Logging.Level, env.LogLevel)
	set(&c.LLM.Provider, env.LLMProvider)
	set(&c.LLM.Model, env.LLMModel)
	switch strings.ToLower(c.LLM.Provider) {
	case "openai":
		set(&c.LLM.APIKey, env.OpenAIAPIKey)
	default:
		set(&c.LLM.APIKey, env.GeminiAPIKey)
	}
	set(&c.Circle.APIKey, env.CircleAPIKey)
	set(&c.Circle.BaseURL, env.CircleBaseURL)
	set(&c.Sponsor.PaymasterURL, env.PaymasterURL)
	set(&c.Chains.RPCURL, env.RPCURL)
	set(&c.Chains.WalletRPCURL, env.WalletRPCURL)
	set(&c.Pending.Driver, env.PendingDriver)
	set(&c.Pending.Redis.Address, env.RedisAddr)
	set(&c.Pending.Redis.Password, env.RedisPassword)
	set(&c.Events.Redis.Address, env.RedisAddr)
	set(&c.Events.Redis.Password, env.RedisPassword)
	set(&c.Ledger.Driver, env.LedgerDriver)
	set(&c.Ledger.DSN, env.LedgerDSN)
	set(&c.Events.Driver, env.EventsDriver)
	set(&c.Events.RabbitMQ.URL, env.RabbitMQURL)
	set(&c.Alerting.WebhookURL, env.AlertWebhookURL)
	set(&c.Alerting.SlackWebhookURL, env.SlackWebhookURL)
	return nil
}

// defaultSessionsPerIP 是未配置 ip_requests 时单个 IP 可容纳的会话份额。
const defaultSessionsPerIP = 4

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.Window.Duration <= 0 {
		c.Server.RateLimit.Window.Duration = time.Minute
	}
	if c.Server.RateLimit.Requests > 0 && c.Server.RateLimit.IPRequests <= 0 {
		c.Server.RateLimit.IPRequests = c.Server.RateLimit.Requests * defaultSessionsPerIP
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path == "" {
		c.Logging.Audit.Path = filepath.Join(c.Runtime.DataDir, "audit.log")
	}

	if c.Chains.Path != "" && !filepath.IsAbs(c.Chains.Path) {
		c.Chains.Path = filepath.Join(baseDir, c.Chains.Path)
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "gemini"
	}
	c.LLM.Provider = strings.ToLower(c.LLM.Provider)
	if c.LLM.Model == "" {
		switch c.LLM.Provider {
		case "openai":
			c.LLM.Model = "gpt-4o-mini"
		default:
			c.LLM.Model = "gemini-2.5-flash"
		}
	}
	if c.LLM.Timeout.Duration <= 0 {
		c.LLM.Timeout.Duration = 30 * time.Second
	}
	if c.LLM.Window <= 0 {
		c.LLM.Window = 5
	}
	if c.LLM.Breaker.MaxFailures == 0 {
		c.LLM.Breaker.MaxFailures = 5
	}
	if c.LLM.Breaker.OpenTimeout.Duration <= 0 {
		c.LLM.Breaker.OpenTimeout.Duration = 30 * time.Second
	}

	if c.Circle.BaseURL == "" {
		c.Circle.BaseURL = "https://api-sandbox.circle.com"
	}
	if c.Circle.Timeout.Duration <= 0 {
		c.Circle.Timeout.Duration = 15 * time.Second
	}
	if c.Circle.MaxRetries <= 0 {
		c.Circle.MaxRetries = 3
	}

	if c.Sponsor.MaxValue == "" {
		c.Sponsor.MaxValue = "1000"
	}
	if c.Sponsor.MaxGas == 0 {
		c.Sponsor.MaxGas = 200000
	}
	if c.Sponsor.PolicyPath != "" && !filepath.IsAbs(c.Sponsor.PolicyPath) {
		c.Sponsor.PolicyPath = filepath.Join(baseDir, c.Sponsor.PolicyPath)
	}

	if c.Pending.Driver == "" {
		c.Pending.Driver = "memory"
	}
	if c.Pending.TTL.Duration <= 0 {
		c.Pending.TTL.Duration = 5 * time.Minute
	}
	if c.Pending.Retention.Duration <= 0 {
		c.Pending.Retention.Duration = 30 * time.Minute
	}
	if c.Pending.SweepSchedule == "" {
		c.Pending.SweepSchedule = "@every 1m"
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "memory"
	}
	if c.Ledger.Driver == "sqlite" && c.Ledger.DSN == "" {
		c.Ledger.DSN = filepath.Join(c.Runtime.DataDir, "ledger.db")
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 1
	}
	if c.Alerting.Retries <= 0 {
		c.Alerting.Retries = 3
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
}

// Validate 检查驱动名称等取值范围。
func (c *Config) Validate() error {
	if err := oneOf("llm.provider", c.LLM.Provider, "gemini", "openai"); err != nil {
		return err
	}
	if err := oneOf("pending.driver", c.Pending.Driver, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("ledger.driver", c.Ledger.Driver, "memory", "mysql", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("events.driver", c.Events.Driver, "memory", "redis", "rabbitmq"); err != nil {
		return err
	}
	if c.Pending.Driver == "redis" && c.Pending.Redis.Address == "" {
		return errors.New("pending.redis.address 不能为空")
	}
	if c.Ledger.Driver == "mysql" && c.Ledger.DSN == "" {
		return errors.New("ledger.dsn 不能为空")
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		return errors.New("events.redis.address 不能为空")
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		return errors.New("events.rabbitmq.url 不能为空")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if strings.EqualFold(value, a) {
			return nil
		}
	}
	return fmt.Errorf("%s 取值 %q 无效，可选: %s", field, value, strings.Join(allowed, ", "))
}
