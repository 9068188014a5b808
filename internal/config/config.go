// Package config provides configuration for the escrow runner.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/archive"
	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
)

// Config holds the runner configuration.
type Config struct {
	// Server settings
	HTTPPort int
	RPCPort  int

	// Database
	DatabaseURL string

	// Logging
	LogLevel  string
	LogFormat string

	// Scheduler
	PollInterval time.Duration

	// Ledger
	LedgerMode         string
	LedgerRPCURL       string
	NetworkPassphrase  string
	VaultContractID    string
	RegistryContractID string
	RunnerSecret       string
	FinalizeOnError    bool

	// Timeouts
	LedgerCallTimeout time.Duration
	WorkloadTimeout   time.Duration

	// Admission limits, 0 disables a limit
	MaxRuntimeMs int64
	MaxLLMTokens int64

	// Output archive, disabled when endpoint is empty
	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIORegion    string
	MinIOUseSSL    bool
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var errs []error
	intVar := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		errs = append(errs, err)
		return v
	}
	int64Var := func(key string, def int64) int64 {
		v, err := getEnvInt64(key, def)
		errs = append(errs, err)
		return v
	}
	boolVar := func(key string, def bool) bool {
		v, err := getEnvBool(key, def)
		errs = append(errs, err)
		return v
	}
	msVar := func(key string, def int) time.Duration {
		return time.Duration(intVar(key, def)) * time.Millisecond
	}

	cfg := &Config{
		HTTPPort:           intVar("HTTP_PORT", 8080),
		RPCPort:            intVar("RPC_PORT", 8081),
		DatabaseURL:        getEnv("DATABASE_URL", "file:escrowrunner.db?cache=shared&mode=rwc"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "text"),
		PollInterval:       msVar("POLL_INTERVAL_MS", 1000),
		LedgerMode:         getEnv("LEDGER_MODE", ledger.ModeRPC),
		LedgerRPCURL:       getEnv("LEDGER_RPC_URL", ""),
		NetworkPassphrase:  getEnv("LEDGER_NETWORK_PASSPHRASE", "Test SDF Network ; September 2015"),
		VaultContractID:    getEnv("VAULT_CONTRACT_ID", ""),
		RegistryContractID: getEnv("REGISTRY_CONTRACT_ID", ""),
		RunnerSecret:       getEnv("RUNNER_SECRET", ""),
		FinalizeOnError:    boolVar("FINALIZE_ON_ERROR", true),
		LedgerCallTimeout:  msVar("LEDGER_CALL_TIMEOUT_MS", 15000),
		WorkloadTimeout:    msVar("WORKLOAD_TIMEOUT_MS", 60000),
		MaxRuntimeMs:       int64Var("MAX_RUNTIME_MS", 0),
		MaxLLMTokens:       int64Var("MAX_LLM_TOKENS", 0),
		MinIOEndpoint:      getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey:     getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey:     getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:        getEnv("MINIO_BUCKET", "run-outputs"),
		MinIORegion:        getEnv("MINIO_REGION", "us-east-1"),
		MinIOUseSSL:        boolVar("MINIO_USE_SSL", false),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values Load cannot default sensibly.
func (c *Config) Validate() error {
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d is out of range", c.HTTPPort)
	}
	if c.RPCPort < 0 || c.RPCPort > 65535 {
		return fmt.Errorf("RPC_PORT %d is out of range", c.RPCPort)
	}
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.PollInterval <= 0 {
		return errors.New("POLL_INTERVAL_MS must be positive")
	}
	switch c.LedgerMode {
	case ledger.ModeMock:
	case ledger.ModeRPC:
		if c.LedgerRPCURL == "" {
			return errors.New("LEDGER_RPC_URL is required when LEDGER_MODE=rpc")
		}
	default:
		return fmt.Errorf("LEDGER_MODE must be %q or %q", ledger.ModeRPC, ledger.ModeMock)
	}
	if c.NetworkPassphrase == "" {
		return errors.New("LEDGER_NETWORK_PASSPHRASE is required")
	}
	if strings.TrimSpace(c.RunnerSecret) == "" {
		return errors.New("RUNNER_SECRET is required")
	}
	if c.LedgerCallTimeout <= 0 {
		return errors.New("LEDGER_CALL_TIMEOUT_MS must be positive")
	}
	if c.WorkloadTimeout <= 0 {
		return errors.New("WORKLOAD_TIMEOUT_MS must be positive")
	}
	if c.MaxRuntimeMs < 0 || c.MaxLLMTokens < 0 {
		return errors.New("MAX_RUNTIME_MS and MAX_LLM_TOKENS must be >= 0")
	}
	if c.MinIOEndpoint != "" && (c.MinIOAccessKey == "" || c.MinIOSecretKey == "") {
		return errors.New("MINIO_ACCESS_KEY and MINIO_SECRET_KEY are required when MINIO_ENDPOINT is set")
	}
	return nil
}

// Ledger returns the gateway settings.
func (c *Config) Ledger() ledger.Config {
	return ledger.Config{
		Mode:               c.LedgerMode,
		RPCURL:             c.LedgerRPCURL,
		NetworkPassphrase:  c.NetworkPassphrase,
		VaultContractID:    c.VaultContractID,
		RegistryContractID: c.RegistryContractID,
		Timeout:            c.LedgerCallTimeout,
	}
}

// Archive returns the output archive settings. Enabled is false without an endpoint.
func (c *Config) Archive() archive.Config {
	return archive.Config{
		Endpoint:  c.MinIOEndpoint,
		AccessKey: c.MinIOAccessKey,
		SecretKey: c.MinIOSecretKey,
		Bucket:    c.MinIOBucket,
		Region:    c.MinIORegion,
		UseSSL:    c.MinIOUseSSL,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	if val := os.Getenv(key); val != "" {
		intVal, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return intVal, nil
	}
	return defaultVal, nil
}

func getEnvInt64(key string, defaultVal int64) (int64, error) {
	if val := os.Getenv(key); val != "" {
		intVal, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return intVal, nil
	}
	return defaultVal, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	if val := os.Getenv(key); val != "" {
		b, err := strconv.ParseBool(val)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return defaultVal, nil
}
