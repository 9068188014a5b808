// Package ledger talks to the vault and registry programs on the settlement ledger.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

// Operation names carried in envelopes.
const (
	OperationOpenRun     = "open_run"
	OperationFinalizeRun = "finalize_run"
)

// Gateway prepares unsigned transactions, submits signed ones and reads rate versions.
type Gateway interface {
	OpenRun(ctx context.Context, params OpenRunParams) (*Envelope, error)
	FinalizeRun(ctx context.Context, params FinalizeRunParams) (*Envelope, error)
	LatestRateVersion(ctx context.Context, agentID uint32) (uint32, error)
	Submit(ctx context.Context, signed *SignedEnvelope) (*Submission, error)
}

// Breakdown is the ledger encoding of the four usage meters.
type Breakdown struct {
	LLMIn     int64 `json:"llm_in"`
	LLMOut    int64 `json:"llm_out"`
	HTTPCalls int64 `json:"http_calls"`
	RuntimeMs int64 `json:"runtime_ms"`
}

// BreakdownOf converts domain usage into the ledger encoding.
func BreakdownOf(u domain.Usage) Breakdown {
	return Breakdown{LLMIn: u.LLMIn, LLMOut: u.LLMOut, HTTPCalls: u.HTTPCalls, RuntimeMs: u.RuntimeMs}
}

// OpenRunParams are the arguments of the vault's open_run.
type OpenRunParams struct {
	User        string    `json:"user"`
	Caller      string    `json:"caller"`
	AgentID     uint32    `json:"agent_id"`
	RateVersion uint32    `json:"rate_version"`
	Budgets     Breakdown `json:"budgets"`
}

// FinalizeRunParams are the arguments of the vault's finalize_run.
type FinalizeRunParams struct {
	RunID       uint64    `json:"run_id"`
	Runner      string    `json:"runner"`
	RateVersion uint32    `json:"rate_version"`
	Usage       Breakdown `json:"usage"`
	OutputHash  string    `json:"output_hash"` // hex, 32 bytes
}

// Envelope is an unsigned transaction.
type Envelope struct {
	Operation string          `json:"operation"`
	Contract  string          `json:"contract"`
	Source    string          `json:"source"`
	Network   string          `json:"network"`
	Nonce     string          `json:"nonce"`
	Args      json.RawMessage `json:"args"`
}

// Payload returns the canonical bytes that are hashed and signed.
func (e *Envelope) Payload() ([]byte, error) {
	var args bytes.Buffer
	if len(e.Args) > 0 {
		if err := json.Compact(&args, e.Args); err != nil {
			return nil, fmt.Errorf("invalid envelope args: %w", err)
		}
	}
	canon := *e
	canon.Args = args.Bytes()
	return json.Marshal(canon)
}

// TransactionHash is sha256(sha256(passphrase) || payload).
func TransactionHash(passphrase string, payload []byte) [32]byte {
	network := sha256.Sum256([]byte(passphrase))
	h := sha256.New()
	h.Write(network[:])
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SignedEnvelope is an envelope plus the runner's signature.
type SignedEnvelope struct {
	Envelope  Envelope `json:"envelope"`
	PublicKey string   `json:"public_key"` // hex ed25519
	Signature string   `json:"signature"`  // hex
	Hash      string   `json:"hash"`       // hex transaction hash
}

// Submission is the outcome of a submitted transaction.
type Submission struct {
	Hash   string          `json:"hash"`
	Result json.RawMessage `json:"result"`
}

// OpenResult is the decoded result of open_run.
type OpenResult struct {
	RunID uint64 `json:"run_id"`
}

// FinalizeResult is the decoded result of finalize_run.
type FinalizeResult struct {
	RunID        uint64      `json:"run_id"`
	ActualCharge json.Number `json:"actual_charge"`
	Refund       json.Number `json:"refund"`
	Developer    string      `json:"developer"`
}

// DecodeOpenResult extracts the ledger-assigned run id.
func DecodeOpenResult(raw json.RawMessage) (uint64, error) {
	var res OpenResult
	if err := decodeStrict(raw, &res); err != nil {
		return 0, fmt.Errorf("malformed open_run result: %w", err)
	}
	if res.RunID == 0 {
		return 0, fmt.Errorf("malformed open_run result: missing run_id")
	}
	return res.RunID, nil
}

// DecodeFinalizeResult extracts the settlement.
func DecodeFinalizeResult(raw json.RawMessage) (*FinalizeResult, error) {
	var res FinalizeResult
	if err := decodeStrict(raw, &res); err != nil {
		return nil, fmt.Errorf("malformed finalize_run result: %w", err)
	}
	if res.RunID == 0 || res.ActualCharge == "" || res.Refund == "" {
		return nil, fmt.Errorf("malformed finalize_run result: missing fields")
	}
	if _, ok := parseInteger(res.ActualCharge); !ok {
		return nil, fmt.Errorf("malformed finalize_run result: actual_charge %q", res.ActualCharge)
	}
	if _, ok := parseInteger(res.Refund); !ok {
		return nil, fmt.Errorf("malformed finalize_run result: refund %q", res.Refund)
	}
	return &res, nil
}

func decodeStrict(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty result")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}
