// ABOUTME: Process configuration for the sagapm worker binary
// ABOUTME: Loads bus address, store backend selection, and concurrency limits via Viper

package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"

	"github.com/devit-tel/sagapm/pkg/types"
)

// StoreBackend selects which types.Store implementation cmd/sagapm-worker
// wires up.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "memory"
	StoreBackendRedis  StoreBackend = "redis"
)

// Config is process-level configuration: infrastructure glue for running
// the engine, not a spec-level concern (§6 "process config").
type Config struct {
	// NatsURL is the JetStream server the bus connects to.
	NatsURL string
	// StoreBackend selects memory or redis for transaction/workflow/task
	// instance persistence.
	StoreBackend StoreBackend
	// RedisAddr is used when StoreBackend is redis.
	RedisAddr string
	// DefinitionsPath is a bare local path or a URI (file://, s3://, sftp://) resolved by
	// defreg.Open to back internal/store/defreg.
	DefinitionsPath string
	// MaxConcurrency bounds the pipeline's per-batch partition concurrency.
	MaxConcurrency int
	// MetricsAddr is the address promhttp listens on.
	MetricsAddr string
	// LogFormat is "text" or "json", matching the teacher's CLI flag.
	LogFormat string
	Verbose   bool
}

func defaults() *Config {
	return &Config{
		NatsURL:         "nats://127.0.0.1:4222",
		StoreBackend:    StoreBackendMemory,
		RedisAddr:       "127.0.0.1:6379",
		DefinitionsPath: "./definitions",
		MaxConcurrency:  types.DefaultConcurrency,
		MetricsAddr:     ":9090",
		LogFormat:       "text",
	}
}

// Load reads configuration from (in increasing precedence) defaults, an
// optional config file, and SAGAPM_-prefixed environment variables —
// the same layering the teacher's internal/cli/root.go applies to its own
// flags via viper.AutomaticEnv/SetEnvPrefix.
func Load(cfgFile string) (*Config, error) {
	cfg := defaults()
	v := viper.New()

	v.SetDefault("nats_url", cfg.NatsURL)
	v.SetDefault("store_backend", string(cfg.StoreBackend))
	v.SetDefault("redis_addr", cfg.RedisAddr)
	v.SetDefault("definitions_path", cfg.DefinitionsPath)
	v.SetDefault("max_concurrency", cfg.MaxConcurrency)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("log_format", cfg.LogFormat)
	v.SetDefault("verbose", cfg.Verbose)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	} else {
		v.SetConfigType("yaml")
		v.SetConfigName(".sagapm")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
		// Missing config file is fine; defaults/env still apply.
		_ = v.ReadInConfig()
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("SAGAPM")

	cfg.NatsURL = v.GetString("nats_url")
	cfg.StoreBackend = StoreBackend(v.GetString("store_backend"))
	cfg.RedisAddr = v.GetString("redis_addr")
	cfg.DefinitionsPath = v.GetString("definitions_path")
	cfg.MaxConcurrency = v.GetInt("max_concurrency")
	cfg.MetricsAddr = v.GetString("metrics_addr")
	cfg.LogFormat = v.GetString("log_format")
	cfg.Verbose = v.GetBool("verbose")

	maxConcurrency, err := types.ValidateConcurrency(cfg.MaxConcurrency)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.MaxConcurrency = maxConcurrency

	switch cfg.StoreBackend {
	case StoreBackendMemory, StoreBackendRedis:
	default:
		return nil, fmt.Errorf("unknown store backend %q (want %q or %q)", cfg.StoreBackend, StoreBackendMemory, StoreBackendRedis)
	}

	return cfg, nil
}
