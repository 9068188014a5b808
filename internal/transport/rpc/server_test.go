package rpc

import (
	"context"
	"net"
	"net/rpc/jsonrpc"
	"strings"
	"testing"
	"time"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
	"github.com/xiaot623/gogo/escrowrunner/internal/logging"
	"github.com/xiaot623/gogo/escrowrunner/internal/repository"
	"github.com/xiaot623/gogo/escrowrunner/internal/service"
	"github.com/xiaot623/gogo/escrowrunner/internal/signer"
	"github.com/xiaot623/gogo/escrowrunner/internal/usage"
)

func TestRunnerRPC(t *testing.T) {
	kp, err := signer.NewKeypair("runner-secret")
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	sim := ledger.NewPermissiveSimulator("net")
	svc := service.New(service.Deps{
		Store:      repository.NewMemoryStore(),
		Gateway:    sim,
		Transactor: signer.NewTransactor(kp, sim, "net"),
		Meter:      usage.NewSimulator(),
		Logger:     logging.Discard(),
	}, service.Options{})

	srv, err := NewServer(svc, logging.Discard())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	client, err := jsonrpc.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()

	var run domain.Run
	err = client.Call("Runner.Enqueue", &domain.EnqueueRequest{
		User:    "U1",
		AgentID: 7,
		Budgets: domain.RawBudgets{LLMIn: 10, LLMOut: 10, HTTPCalls: 1, RuntimeMs: 10},
	}, &run)
	if err != nil {
		t.Fatalf("Runner.Enqueue failed: %v", err)
	}
	if run.ID == "" || run.Status != domain.RunStatusPending {
		t.Fatalf("unexpected run: %+v", run)
	}

	var status domain.StatusSnapshot
	if err := client.Call("Runner.Status", &StatusArgs{}, &status); err != nil {
		t.Fatalf("Runner.Status failed: %v", err)
	}
	if status.QueueDepth != 1 {
		t.Fatalf("expected queue depth 1, got %d", status.QueueDepth)
	}

	err = client.Call("Runner.Retry", &domain.RetryRequest{ID: run.ID}, &run)
	if err == nil || !strings.Contains(err.Error(), "only failed runs") {
		t.Fatalf("expected invalid state error, got %v", err)
	}
}

func TestShutdownClosesListener(t *testing.T) {
	srv, err := NewServer(nil, logging.Discard())
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	if err := srv.Listen("127.0.0.1:0"); err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	addr := srv.Addr().String()

	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
	if err := <-served; err != nil {
		t.Fatalf("Serve returned %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatalf("listener still accepting on %s", addr)
	}
}
