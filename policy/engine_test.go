package policy

import (
	"context"
	"strings"
	"testing"
)

func TestDefaultPolicyAdmitsValidRun(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	reasons, err := e.Evaluate(ctx, Input{
		User:    "U1",
		AgentID: 7,
		Budgets: Budgets{LLMIn: 100, LLMOut: 100, HTTPCalls: 10, RuntimeMs: 1000},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(reasons) != 0 {
		t.Fatalf("expected admission, got %v", reasons)
	}
}

func TestDefaultPolicyDenies(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	reasons, err := e.Evaluate(ctx, Input{
		Budgets: Budgets{LLMIn: 600, LLMOut: 600, RuntimeMs: 9000},
		Limits:  Limits{MaxRuntimeMs: 5000, MaxLLMTokens: 1000},
	})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	joined := strings.Join(reasons, "; ")
	for _, want := range []string{"user is required", "agentId must be positive", "runtimeMs budget 9000 exceeds limit 5000", "llm token budget 1200 exceeds limit 1000"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing reason %q in %v", want, reasons)
		}
	}
}

func TestZeroLimitsDisableCaps(t *testing.T) {
	ctx := context.Background()
	e, err := NewEngine(ctx, DefaultPolicy)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	reasons, err := e.Evaluate(ctx, Input{User: "U1", AgentID: 1, Budgets: Budgets{RuntimeMs: 1 << 40}})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(reasons) != 0 {
		t.Fatalf("expected admission, got %v", reasons)
	}
}

func TestNewEngineRejectsBadPolicy(t *testing.T) {
	if _, err := NewEngine(context.Background(), "package run_admission\ndeny[msg] {"); err == nil {
		t.Fatalf("expected compile error")
	}
}
