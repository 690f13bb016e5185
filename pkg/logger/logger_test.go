package logger

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesAuditFile(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "relayd.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	})
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() { _ = Sync() })

	Named("wallet").Debug("lease acquired", slog.String("wallet", "0xabc"))
	Audit().Info("claim_settled", slog.String("user", "0xdef"))

	if err := Init(Config{}); err == nil {
		t.Fatal("second Init should fail")
	}
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "component=wallet") || !strings.Contains(string(app), "lease acquired") {
		t.Fatalf("unexpected app log: %s", app)
	}

	audit, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"msg":"claim_settled"`) {
		t.Fatalf("unexpected audit log: %s", audit)
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
