package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/archive"
	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
	"github.com/xiaot623/gogo/escrowrunner/internal/config"
	"github.com/xiaot623/gogo/escrowrunner/internal/logging"
	"github.com/xiaot623/gogo/escrowrunner/internal/repository"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
	"github.com/xiaot623/gogo/escrowrunner/internal/signer"
	handler "github.com/xiaot623/gogo/escrowrunner/internal/transport/http"
	"github.com/xiaot623/gogo/escrowrunner/internal/transport/rpc"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
	"github.com/xiaot623/gogo/escrowrunner/policy"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "escrowrunner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	logger.Info("starting escrow runner",
		"http_port", cfg.HTTPPort,
		"rpc_port", cfg.RPCPort,
		"ledger_mode", cfg.LedgerMode,
		"finalize_on_error", cfg.FinalizeOnError,
		"poll_interval", cfg.PollInterval,
	)

	ctx := context.Background()

	// Initialize store
	db, err := repository.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer db.Close()

	// Initialize ledger gateway and runner identity
	gateway, err := ledger.New(cfg.Ledger(), logger)
	if err != nil {
		return fmt.Errorf("initialize ledger gateway: %w", err)
	}
	keypair, err := signer.NewKeypair(cfg.RunnerSecret)
	if err != nil {
		return fmt.Errorf("initialize runner key: %w", err)
	}
	transactor := signer.NewTransactor(keypair, gateway, cfg.NetworkPassphrase)
	logger.Info("runner identity loaded", "address", transactor.Address())

	// Initialize output archive
	var outputs archive.Archive
	if cfg.Archive().Enabled() {
		m, err := archive.NewMinIO(cfg.Archive())
		if err != nil {
			return fmt.Errorf("initialize output archive: %w", err)
		}
		outputs = m
		logger.Info("output archive enabled", "endpoint", cfg.MinIOEndpoint, "bucket", cfg.MinIOBucket)
	}

	// Initialize policy engine
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		return fmt.Errorf("initialize policy engine: %w", err)
	}

	// Initialize service
	svc := service.New(service.Deps{
		Store:      db,
		Gateway:    gateway,
		Transactor: transactor,
		Meter:      usage.NewSimulator(),
		Archive:    outputs,
		Policy:     policyEngine,
		Logger:     logger,
	}, service.Options{
		FinalizeOnError:   cfg.FinalizeOnError,
		LedgerCallTimeout: cfg.LedgerCallTimeout,
		WorkloadTimeout:   cfg.WorkloadTimeout,
		PollInterval:      cfg.PollInterval,
		Limits: policy.Limits{
			MaxRuntimeMs: cfg.MaxRuntimeMs,
			MaxLLMTokens: cfg.MaxLLMTokens,
		},
	})

	// Create HTTP server
	httpServer := handler.NewServer(svc)

	// Create RPC server
	var rpcServer *rpc.Server
	if cfg.RPCPort > 0 {
		rpcServer, err = rpc.NewServer(svc, logger)
		if err != nil {
			return fmt.Errorf("initialize rpc server: %w", err)
		}
		if err := rpcServer.Listen(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
			return fmt.Errorf("rpc server: %w", err)
		}
	}

	errCh := make(chan error, 2)

	// Start HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	logger.Info("http api started", "port", cfg.HTTPPort)

	// Start RPC server
	if rpcServer != nil {
		go func() {
			if err := rpcServer.Serve(); err != nil {
				errCh <- fmt.Errorf("rpc server: %w", err)
			}
		}()
		logger.Info("rpc api started", "port", cfg.RPCPort)
	}

	// Start scheduler
	svc.Scheduler().Start(ctx)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	// Stop taking new runs; an in-flight run finishes first.
	svc.Scheduler().Stop()

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("failed to shutdown http server gracefully", "error", err)
	}
	if rpcServer != nil {
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shutdown rpc server gracefully", "error", err)
		}
	}

	logger.Info("escrow runner stopped")
	return runErr
}
