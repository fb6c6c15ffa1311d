package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "config.json", `{
        "server": {"address": ":9090"},
        "storage": {"driver": "mysql", "mysql": {"dsn": "user:pass@tcp(db:3306)/cogniverve"}},
        "queue": {"driver": "redis", "redis": {"address": "cache:6379"}},
        "limits": {"default_plan": "pro", "max_iterations": 10}
    }`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9090" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "mysql" || cfg.Storage.MySQL.DSN == "" {
		t.Fatalf("mysql config lost: %+v", cfg.Storage)
	}
	if cfg.Queue.Driver != "redis" || cfg.Queue.Redis.Address != "cache:6379" {
		t.Fatalf("queue config lost: %+v", cfg.Queue)
	}
	if cfg.Limits.DefaultPlan != "pro" || cfg.Limits.MaxIterations != 10 {
		t.Fatalf("limits config lost: %+v", cfg.Limits)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  address: ":7070"
queue:
  driver: rabbitmq
  rabbitmq:
    url: amqp://guest:guest@mq:5672/
    prefetch: 16
logging:
  level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7070" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Queue.Driver != "rabbitmq" || cfg.Queue.RabbitMQ.Prefetch != 16 {
		t.Fatalf("rabbitmq config lost: %+v", cfg.Queue)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("logging level lost: %q", cfg.Logging.Level)
	}
}

func TestDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("expected default address, got %q", cfg.Server.Address)
	}
	if cfg.Storage.Driver != "memory" || cfg.Queue.Driver != "memory" {
		t.Fatalf("expected memory drivers, got %s %s", cfg.Storage.Driver, cfg.Queue.Driver)
	}
	if cfg.Limits.MaxIterations != 25 {
		t.Fatalf("expected 25 iterations, got %d", cfg.Limits.MaxIterations)
	}
	if cfg.Limits.WallClockBudget() != 10*time.Minute {
		t.Fatalf("expected 10m budget, got %s", cfg.Limits.WallClockBudget())
	}
	if cfg.Runtime.MaxConcurrentPerOwner != 3 {
		t.Fatalf("expected per-owner cap 3, got %d", cfg.Runtime.MaxConcurrentPerOwner)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
