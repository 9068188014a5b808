package config

import (
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RUNNER_SECRET", "secret")
	t.Setenv("LEDGER_MODE", "mock")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTPPort != 8080 || cfg.RPCPort != 8081 {
		t.Fatalf("unexpected ports: %d %d", cfg.HTTPPort, cfg.RPCPort)
	}
	if cfg.PollInterval != time.Second {
		t.Fatalf("PollInterval=%s, want 1s", cfg.PollInterval)
	}
	if !cfg.FinalizeOnError {
		t.Fatalf("FinalizeOnError should default to true")
	}
	if got := cfg.Ledger(); got.Mode != ledger.ModeMock || got.Timeout != 15*time.Second {
		t.Fatalf("unexpected ledger config: %+v", got)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("RUNNER_SECRET", "secret")
	t.Setenv("LEDGER_MODE", "rpc")
	t.Setenv("LEDGER_RPC_URL", "http://ledger:8000")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("FINALIZE_ON_ERROR", "false")
	t.Setenv("MAX_RUNTIME_MS", "5000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PollInterval != 250*time.Millisecond || cfg.FinalizeOnError || cfg.MaxRuntimeMs != 5000 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":         {"RUNNER_SECRET": "s", "LEDGER_MODE": "mock", "HTTP_PORT": "eighty"},
		"bad bool":        {"RUNNER_SECRET": "s", "LEDGER_MODE": "mock", "FINALIZE_ON_ERROR": "maybe"},
		"missing secret":  {"LEDGER_MODE": "mock"},
		"rpc without url": {"RUNNER_SECRET": "s", "LEDGER_MODE": "rpc"},
		"unknown mode":    {"RUNNER_SECRET": "s", "LEDGER_MODE": "carrier-pigeon"},
		"half minio":      {"RUNNER_SECRET": "s", "LEDGER_MODE": "mock", "MINIO_ENDPOINT": "minio:9000"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("RUNNER_SECRET", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoadReportsKey(t *testing.T) {
	t.Setenv("RUNNER_SECRET", "s")
	t.Setenv("LEDGER_MODE", "mock")
	t.Setenv("WORKLOAD_TIMEOUT_MS", "soon")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "WORKLOAD_TIMEOUT_MS") {
		t.Fatalf("expected error naming the key, got %v", err)
	}
}
