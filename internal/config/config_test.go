// ABOUTME: Tests for config defaults, env overrides, and validation

package config

import (
	"testing"

	"github.com/devit-tel/sagapm/pkg/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != StoreBackendMemory {
		t.Fatalf("expected memory backend default, got %s", cfg.StoreBackend)
	}
	if cfg.MaxConcurrency != types.DefaultConcurrency {
		t.Fatalf("expected default concurrency %d, got %d", types.DefaultConcurrency, cfg.MaxConcurrency)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("SAGAPM_STORE_BACKEND", "redis")
	t.Setenv("SAGAPM_REDIS_ADDR", "redis.internal:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreBackend != StoreBackendRedis {
		t.Fatalf("expected redis backend from env, got %s", cfg.StoreBackend)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("expected redis addr from env, got %s", cfg.RedisAddr)
	}
}

func TestLoad_RejectsUnknownBackend(t *testing.T) {
	t.Setenv("SAGAPM_STORE_BACKEND", "mongo")
	if _, err := Load(""); err == nil {
		t.Fatal("expected unknown backend to be rejected")
	}
}

func TestLoad_RejectsInvalidConcurrency(t *testing.T) {
	t.Setenv("SAGAPM_MAX_CONCURRENCY", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected negative concurrency to be rejected")
	}
}
