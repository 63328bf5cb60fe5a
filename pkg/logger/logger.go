// Package logger 提供进程级的 slog 日志与审计日志。
//
// 两路日志都会经过脱敏：银行账号、路由号和密钥类字段在写出前被遮盖，
// 资金操作的上下文可以直接作为属性记录而不泄露敏感信息。
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config 描述进程日志。
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	// RedactKeys 追加需要完全遮盖的属性名，不区分大小写。
	RedactKeys []string
	Audit      AuditConfig
}

// AuditConfig 控制审计日志（签发、确认执行等资金相关事件）的滚动写出。
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// 按尾号遮盖的属性：保留后四位便于核对。
var maskedKeys = map[string]bool{
	"account_number": true,
	"routing_number": true,
}

// 完全遮盖的属性。
var secretKeys = map[string]bool{
	"api_key":       true,
	"authorization": true,
	"password":      true,
	"private_key":   true,
}

var (
	mu            sync.RWMutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
	initialised   bool
)

// Init 初始化全局日志，只能成功调用一次。
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialised {
		return errors.New("logger already initialised")
	}

	redact := redactor(cfg.RedactKeys)
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redact}
	writer, err := openOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}
	app := slog.New(newHandler(cfg.Format, writer, opts))

	audit := app.With(slog.String("stream", "audit"))
	if cfg.Audit.Enabled {
		rolling, err := openAudit(cfg.Audit)
		if err != nil {
			return err
		}
		audit = slog.New(slog.NewJSONHandler(rolling, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact}))
	}

	defaultLogger, auditLogger, initialised = app, audit, true
	return nil
}

func newHandler(format string, w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	if strings.EqualFold(format, "text") {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

// openOutputs 打开所有输出，默认 stdout。调用方需持有 mu。
func openOutputs(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		switch strings.ToLower(path) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open log file %s: %w", path, err)
			}
			closers = append(closers, file)
			writers = append(writers, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

// openAudit 返回按大小滚动的审计输出。调用方需持有 mu。
func openAudit(cfg AuditConfig) (io.Writer, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	rolling := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    positiveOr(cfg.MaxSizeMB, 100),
		MaxBackups: positiveOr(cfg.MaxBackups, 7),
		MaxAge:     positiveOr(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}
	closers = append(closers, rolling)
	return rolling, nil
}

func positiveOr(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}

// redactor 构造 ReplaceAttr，在写出前遮盖敏感属性。
func redactor(extra []string) func(groups []string, a slog.Attr) slog.Attr {
	secrets := make(map[string]bool, len(secretKeys)+len(extra))
	for k := range secretKeys {
		secrets[k] = true
	}
	for _, k := range extra {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			secrets[k] = true
		}
	}
	return func(_ []string, a slog.Attr) slog.Attr {
		key := strings.ToLower(a.Key)
		switch {
		case secrets[key]:
			return slog.String(a.Key, "[REDACTED]")
		case maskedKeys[key]:
			return slog.String(a.Key, Mask(a.Value.String()))
		}
		return a
	}
}

// Mask 只保留末四位，例如 "000123456789" 变为 "****6789"。
func Mask(value string) string {
	value = strings.TrimSpace(value)
	if len(value) <= 4 {
		return "****"
	}
	return "****" + value[len(value)-4:]
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L 返回进程日志。未初始化时按默认配置初始化。
func L() *slog.Logger {
	mu.RLock()
	l := defaultLogger
	mu.RUnlock()
	if l != nil {
		return l
	}
	_ = Init(Config{})
	mu.RLock()
	defer mu.RUnlock()
	return defaultLogger
}

// Audit 返回审计日志。
func Audit() *slog.Logger {
	L()
	mu.RLock()
	defer mu.RUnlock()
	return auditLogger
}

// Sync 关闭文件输出。
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named 返回带 component 属性的子日志。
func Named(name string) *slog.Logger {
	return L().With(slog.String("component", name))
}

type ctxKey struct{}

// WithContext 把请求级日志放入 ctx。
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext 返回请求级日志，没有时返回 L()。
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return L()
}
