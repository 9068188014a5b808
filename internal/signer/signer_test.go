package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
)

const testPassphrase = "Test Network ; escrow"

func TestNewKeypairIsDeterministic(t *testing.T) {
	a, err := NewKeypair("runner-secret")
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	b, err := NewKeypair("runner-secret")
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	if a.Address() != b.Address() {
		t.Fatalf("same secret produced different addresses")
	}

	seed := strings.Repeat("ab", 32)
	c, err := NewKeypair(seed)
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	raw, _ := hex.DecodeString(seed)
	want := ed25519.NewKeyFromSeed(raw).Public().(ed25519.PublicKey)
	if c.Address() != hex.EncodeToString(want) {
		t.Fatalf("hex seed not used directly")
	}

	if _, err := NewKeypair("  "); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestSignProducesVerifiableSignature(t *testing.T) {
	kp, err := NewKeypair("runner-secret")
	if err != nil {
		t.Fatalf("NewKeypair failed: %v", err)
	}
	env := &ledger.Envelope{
		Operation: ledger.OperationOpenRun,
		Contract:  "vault",
		Source:    kp.Address(),
		Nonce:     "n1",
		Args:      []byte(`{"agent_id": 7}`),
	}

	signed, err := kp.Sign(env, testPassphrase)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if signed.Envelope.Network != testPassphrase {
		t.Fatalf("expected network filled in, got %q", signed.Envelope.Network)
	}
	if env.Network != "" {
		t.Fatalf("Sign mutated the caller's envelope")
	}

	payload, err := signed.Envelope.Payload()
	if err != nil {
		t.Fatalf("Payload failed: %v", err)
	}
	hash := ledger.TransactionHash(testPassphrase, payload)
	if signed.Hash != hex.EncodeToString(hash[:]) {
		t.Fatalf("hash mismatch")
	}
	sig, _ := hex.DecodeString(signed.Signature)
	pub, _ := hex.DecodeString(signed.PublicKey)
	if !ed25519.Verify(pub, hash[:], sig) {
		t.Fatalf("signature does not verify")
	}
}

func TestSignRejectsForeignSourceAndNetwork(t *testing.T) {
	kp, _ := NewKeypair("runner-secret")

	if _, err := kp.Sign(&ledger.Envelope{Source: "someone-else"}, testPassphrase); err == nil {
		t.Fatalf("expected error for foreign source")
	}
	if _, err := kp.Sign(&ledger.Envelope{Source: kp.Address(), Network: "other"}, testPassphrase); err == nil {
		t.Fatalf("expected error for network mismatch")
	}
}

func TestTransactorSubmitsToSimulator(t *testing.T) {
	ctx := context.Background()
	kp, _ := NewKeypair("runner-secret")
	sim := ledger.NewSimulator(testPassphrase)
	sim.RegisterAgent(7, "dev", ledger.Rates{LLMIn: 1, LLMOut: 1, HTTPCalls: 1, RuntimeMs: 1})
	sim.Deposit("U1", 10_000)

	tx := NewTransactor(kp, sim, testPassphrase)
	env, err := sim.OpenRun(ctx, ledger.OpenRunParams{
		User:        "U1",
		Caller:      tx.Address(),
		AgentID:     7,
		RateVersion: 1,
		Budgets:     ledger.Breakdown{LLMIn: 10, LLMOut: 10, HTTPCalls: 1, RuntimeMs: 100},
	})
	if err != nil {
		t.Fatalf("OpenRun failed: %v", err)
	}

	sub, err := tx.SignAndSubmit(ctx, env)
	if err != nil {
		t.Fatalf("SignAndSubmit failed: %v", err)
	}
	if sub.Hash == "" {
		t.Fatalf("expected transaction hash")
	}
	runID, err := ledger.DecodeOpenResult(sub.Result)
	if err != nil {
		t.Fatalf("DecodeOpenResult failed: %v", err)
	}
	if runID != 1 {
		t.Fatalf("expected ledger run id 1, got %d", runID)
	}
	if got := sim.Balance("U1"); got != "9879" {
		t.Fatalf("expected escrowed balance 9879, got %s", got)
	}
}

func TestTransactorPropagatesSigningFailure(t *testing.T) {
	kp, _ := NewKeypair("runner-secret")
	sim := ledger.NewPermissiveSimulator(testPassphrase)
	tx := NewTransactor(kp, sim, testPassphrase)

	_, err := tx.SignAndSubmit(context.Background(), &ledger.Envelope{Operation: ledger.OperationOpenRun, Source: "intruder"})
	if err == nil {
		t.Fatalf("expected signing failure")
	}
	if len(sim.Submitted()) != 0 {
		t.Fatalf("nothing should have been submitted")
	}
}
