package config

import (
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s3cret")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr default: %q", cfg.ListenAddr)
	}
	if cfg.MaxConnectionsPerIP != 2 || cfg.MaxConnectionsPerUser != 5 {
		t.Errorf("connection limit defaults: %d/%d", cfg.MaxConnectionsPerIP, cfg.MaxConnectionsPerUser)
	}
	if cfg.MessagesPerSecond != 5 || cfg.MessagesPerMinute != 60 || cfg.MessagesPerHour != 1000 || cfg.MessagesPerDay != 10000 {
		t.Errorf("message limit defaults: %+v", cfg)
	}
	if cfg.ConnectTimeout != 10*time.Second || cfg.MessageTimeout != 30*time.Second {
		t.Errorf("timeout defaults: %v/%v", cfg.ConnectTimeout, cfg.MessageTimeout)
	}
	if cfg.HistoryMaxLength != 100 {
		t.Errorf("history default: %d", cfg.HistoryMaxLength)
	}
	if !cfg.LLMCacheOn || cfg.LLMCacheTTL != 24*time.Hour {
		t.Errorf("llm cache defaults: %v/%v", cfg.LLMCacheOn, cfg.LLMCacheTTL)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("WS_MESSAGES_PER_SECOND", "9")
	t.Setenv("WS_CONNECT_TIMEOUT", "3s")
	t.Setenv("REDIS_ADDR", "redis.internal:6379")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MessagesPerSecond != 9 {
		t.Errorf("MessagesPerSecond: %d", cfg.MessagesPerSecond)
	}
	if cfg.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout: %v", cfg.ConnectTimeout)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr: %q", cfg.RedisAddr)
	}
}

func TestFromEnvRequiresSecret(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("missing TOKEN_SECRET must fail")
	}
}

func TestFromEnvTLSPairing(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "s3cret")
	t.Setenv("TLS_CERT_FILE", "/etc/tls/cert.pem")
	if _, err := FromEnv(); err == nil {
		t.Fatal("cert without key must fail")
	}
}
