package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.SyncMaxAttempts != 8 || cfg.SyncRetryBase != 30*time.Second || cfg.SyncRetryCap != time.Hour {
		t.Fatalf("unexpected sync retry defaults: %+v", cfg)
	}
	if cfg.NotifyMaxAttempts != 5 || cfg.NotifyBatchSize != 50 {
		t.Fatalf("unexpected notification defaults: %+v", cfg)
	}
	if cfg.StoreDSN != "" || cfg.QueueDSN != "" {
		t.Fatalf("expected no DSNs without a profile, got %q %q", cfg.StoreDSN, cfg.QueueDSN)
	}
}

func TestLoadReadsEnvFileWithoutOverridingEnvironment(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "CLUBSYNC_ADDR=:9999\nCLUBSYNC_WORKERS=7\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("CLUBSYNC_ADDR", ":7000")
	t.Cleanup(func() { _ = os.Unsetenv("CLUBSYNC_WORKERS") })

	cfg, err := Load(envFile)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7000" {
		t.Fatalf("expected environment to win, got %q", cfg.Addr)
	}
	if cfg.Workers != 7 {
		t.Fatalf("expected workers from env file, got %d", cfg.Workers)
	}
}

func TestBackendProfileDurableLocal(t *testing.T) {
	t.Setenv("CLUBSYNC_BACKEND_PROFILE", "durable-local")
	t.Setenv("CLUBSYNC_DATA_DIR", "/var/lib/clubsync")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDSN != "sqlite:///var/lib/clubsync/clubsync.db" {
		t.Fatalf("unexpected store dsn %q", cfg.StoreDSN)
	}
	if cfg.QueueDSN != "file:///var/lib/clubsync/intent-queue.json" {
		t.Fatalf("unexpected queue dsn %q", cfg.QueueDSN)
	}
}

func TestBackendProfileProductionRequiresPostgres(t *testing.T) {
	t.Setenv("CLUBSYNC_BACKEND_PROFILE", "production")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err == nil || !strings.Contains(err.Error(), "POSTGRES_DSN") {
		t.Fatalf("expected postgres dsn error, got %v", err)
	}
}

func TestBackendProfileProductionPrefersRedisQueue(t *testing.T) {
	t.Setenv("CLUBSYNC_BACKEND_PROFILE", "production")
	t.Setenv("CLUBSYNC_POSTGRES_DSN", "postgres://clubsync@db/clubsync")
	t.Setenv("CLUBSYNC_REDIS_URL", "redis://cache:6379/0")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreDSN != "postgres://clubsync@db/clubsync" || cfg.QueueDSN != "redis://cache:6379/0" {
		t.Fatalf("unexpected dsns %q %q", cfg.StoreDSN, cfg.QueueDSN)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Config{
		Workers:              0,
		QueueSize:            10,
		SyncMaxAttempts:      8,
		NotifyMaxAttempts:    5,
		SyncRetryBase:        time.Hour,
		SyncRetryCap:         time.Minute,
		WebhookSignatureHash: "sha1",
		SMTPHost:             "smtp.example.org",
	}
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"WORKERS", "retry cap", "WEBHOOK_SIGNATURE_ALGORITHM", "SMTP_DEFAULT_SENDER"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %v", want, err)
		}
	}
}

func TestNewLoggerFormats(t *testing.T) {
	if _, err := NewLogger("debug", "text"); err != nil {
		t.Fatalf("text logger: %v", err)
	}
	if _, err := NewLogger("info", "xml"); err == nil {
		t.Fatalf("expected unknown format error")
	}
	if _, err := NewLogger("loud", "json"); err == nil {
		t.Fatalf("expected bad level error")
	}
}
