package logger

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// reset 清空全局状态，让每个用例可以重新 Init。
func reset(t *testing.T) {
	t.Helper()
	_ = Sync()
	mu.Lock()
	defaultLogger, auditLogger, initialised = nil, nil, false
	mu.Unlock()
	t.Cleanup(func() {
		_ = Sync()
		mu.Lock()
		defaultLogger, auditLogger, initialised = nil, nil, false
		mu.Unlock()
	})
}

func TestFromContextFallsBackToDefault(t *testing.T) {
	reset(t)
	if FromContext(context.Background()) != L() {
		t.Fatalf("expected default logger without a scoped one")
	}

	var buf bytes.Buffer
	scoped := slog.New(slog.NewJSONHandler(&buf, nil)).With(slog.String("session_id", "s-1"))
	ctx := WithContext(context.Background(), scoped)
	FromContext(ctx).Info("hello")

	if !strings.Contains(buf.String(), `"session_id":"s-1"`) {
		t.Fatalf("scoped attributes missing: %s", buf.String())
	}
}

func TestInitOnlyOnce(t *testing.T) {
	reset(t)
	if err := Init(Config{OutputPaths: []string{"stderr"}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := Init(Config{}); err == nil {
		t.Fatalf("expected second init to fail")
	}
}

func TestRedaction(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactor([]string{"Circle_Key"})}))
	log.With(slog.String("api_key", "TEST_API_KEY:abc")).Info("bank account linked",
		slog.String("account_number", "000123456789"),
		slog.String("routing_number", "021000021"),
		slog.String("circle_key", "secret"),
		slog.String("wallet", "0x1111111111111111111111111111111111111111"),
	)

	out := buf.String()
	for _, leaked := range []string{"TEST_API_KEY", "000123456789", "021000021", "secret"} {
		if strings.Contains(out, leaked) {
			t.Fatalf("%q leaked into log: %s", leaked, out)
		}
	}
	for _, want := range []string{`"account_number":"****6789"`, `"routing_number":"****0021"`, `"api_key":"[REDACTED]"`, "0x1111111111111111111111111111111111111111"} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %s in %s", want, out)
		}
	}
}

func TestAuditFileIsRedacted(t *testing.T) {
	reset(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{OutputPaths: []string{filepath.Join(dir, "app.log")}, Audit: AuditConfig{Enabled: true, Path: path}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Audit().Info("模拟入金已创建", slog.String("account_number", "987654321"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if strings.Contains(string(data), "987654321") || !strings.Contains(string(data), "****4321") {
		t.Fatalf("audit entry not masked: %s", data)
	}
}

func TestMask(t *testing.T) {
	cases := map[string]string{
		"000123456789": "****6789",
		" 1234 ":       "****",
		"":             "****",
	}
	for in, want := range cases {
		if got := Mask(in); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
