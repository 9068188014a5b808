package ledger

import (
	"fmt"
	"log/slog"
	"time"
)

const (
	// ModeMock selects the in-process simulator.
	ModeMock = "mock"
	// ModeRPC selects the JSON-RPC client.
	ModeRPC = "rpc"
)

// Config selects and configures a Gateway.
type Config struct {
	Mode               string
	RPCURL             string
	NetworkPassphrase  string
	VaultContractID    string
	RegistryContractID string
	Timeout            time.Duration
}

// New creates a Gateway based on cfg.Mode.
func New(cfg Config, logger *slog.Logger) (Gateway, error) {
	switch cfg.Mode {
	case ModeMock:
		logger.Info("ledger mode mock, using in-process simulator")
		return NewPermissiveSimulator(cfg.NetworkPassphrase), nil
	case ModeRPC, "":
		if cfg.RPCURL == "" {
			return nil, fmt.Errorf("ledger rpc url is required")
		}
		return NewClient(cfg.RPCURL, cfg.VaultContractID, cfg.RegistryContractID, cfg.NetworkPassphrase, cfg.Timeout), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Mode)
	}
}
