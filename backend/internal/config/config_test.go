package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestLoadServer_DefaultsAndEnv(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "collabConfig.yaml", `
Running:
  Port: 9090
Redis:
  addrs: ["127.0.0.1:6379"]
Session:
  pingInterval: 5s
`)
	t.Setenv("COLLAB_KAFKA_TOPIC", "room-events-test")

	cfg, err := LoadServer(dir)
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.Running.Port != 9090 || len(cfg.Redis.Addrs) != 1 {
		t.Fatalf("file values not loaded: %+v", cfg)
	}
	if cfg.Session.PingInterval != 5*time.Second {
		t.Fatalf("PingInterval = %v", cfg.Session.PingInterval)
	}
	if cfg.Session.PresenceTTL != 45*time.Second || cfg.Session.DocumentTTL != 24*time.Hour {
		t.Fatalf("defaults not applied: %+v", cfg.Session)
	}
	if cfg.Kafka.Topic != "room-events-test" {
		t.Fatalf("env override ignored: topic = %q", cfg.Kafka.Topic)
	}
}

func TestLoadClient(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "clientConfig.yaml", `
Collab:
  url: ws://relay:8082
Evaluation:
  url: http://runner:8090/execute
Connect:
  maxAttempts: 5
`)
	cfg, err := LoadClient(dir)
	if err != nil {
		t.Fatalf("LoadClient: %v", err)
	}
	if cfg.Collab.URL != "ws://relay:8082" || cfg.Connect.MaxAttempts != 5 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Evaluation.Timeout != 10*time.Second || cfg.Connect.Timeout != 5*time.Second {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestLoadServer_MissingFile(t *testing.T) {
	if _, err := LoadServer(t.TempDir()); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}
