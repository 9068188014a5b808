// Package usage normalizes budgets, executes agent workloads and hashes their output.
package usage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/xiaot623/gogo/escrowrunner/internal/domain"
)

// maxMeter is the largest meter value accepted from a client (2^53-1).
const maxMeter = 1<<53 - 1

// NormalizeMeter floors v and clamps it to [0, 2^53-1]. NaN and infinities become 0.
func NormalizeMeter(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	f := math.Floor(v)
	if f >= maxMeter {
		return maxMeter
	}
	return int64(f)
}

// NormalizeBudgets applies NormalizeMeter to each budget component.
func NormalizeBudgets(raw domain.RawBudgets) domain.Usage {
	return domain.Usage{
		LLMIn:     NormalizeMeter(raw.LLMIn),
		LLMOut:    NormalizeMeter(raw.LLMOut),
		HTTPCalls: NormalizeMeter(raw.HTTPCalls),
		RuntimeMs: NormalizeMeter(raw.RuntimeMs),
	}
}

// Result is what a workload produced.
type Result struct {
	Usage  domain.Usage
	Output json.RawMessage
}

// Meter executes the workload for a run.
type Meter interface {
	Execute(ctx context.Context, run *domain.Run) (*Result, error)
}

// Simulator stands in for a real agent runtime by consuming a fixed share of each budget.
type Simulator struct{}

// NewSimulator creates the reference workload.
func NewSimulator() *Simulator {
	return &Simulator{}
}

var _ Meter = (*Simulator)(nil)

type simulatedOutput struct {
	RunID       string       `json:"runId"`
	AgentID     uint32       `json:"agentId"`
	RateVersion uint32       `json:"rateVersion"`
	Budgets     domain.Usage `json:"budgets"`
	Usage       domain.Usage `json:"usage"`
	Summary     string       `json:"summary"`
}

// Execute returns 80% / 75% / 50% / 60% of the budgets and a deterministic output.
func (s *Simulator) Execute(ctx context.Context, run *domain.Run) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := run.Budgets
	used := domain.Usage{
		LLMIn:     share(b.LLMIn, 80),
		LLMOut:    share(b.LLMOut, 75),
		HTTPCalls: share(b.HTTPCalls, 50),
		RuntimeMs: share(b.RuntimeMs, 60),
	}

	output, err := json.Marshal(simulatedOutput{
		RunID:       run.ID,
		AgentID:     run.AgentID,
		RateVersion: run.RateVersion,
		Budgets:     b,
		Usage:       used,
		Summary:     fmt.Sprintf("simulated workload for agent %d", run.AgentID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}
	return &Result{Usage: used, Output: output}, nil
}

// share returns floor(budget*pct/100), never above budget.
func share(budget, pct int64) int64 {
	if budget <= 0 {
		return 0
	}
	// budget is at most 2^53-1, so split to stay inside int64.
	v := (budget/100)*pct + (budget%100)*pct/100
	if v > budget {
		return budget
	}
	return v
}

// Digest returns the SHA-256 of an output payload.
func Digest(output []byte) [32]byte {
	return sha256.Sum256(output)
}

// DigestHex returns the hex SHA-256 of an output payload.
func DigestHex(output []byte) string {
	sum := Digest(output)
	return hex.EncodeToString(sum[:])
}
