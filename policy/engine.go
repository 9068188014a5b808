package policy

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
)

// Engine is the OPA admission engine.
type Engine struct {
	query rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	r := rego.New(
		rego.Query("data.run_admission.deny"),
		rego.Module("run_admission.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{query: query}, nil
}

// Limits are per-run caps. Zero disables a cap.
type Limits struct {
	MaxRuntimeMs int64 `json:"max_runtime_ms"`
	MaxLLMTokens int64 `json:"max_llm_tokens"`
}

// Budgets are the normalized budget meters of a run.
type Budgets struct {
	LLMIn     int64 `json:"llm_in"`
	LLMOut    int64 `json:"llm_out"`
	HTTPCalls int64 `json:"http_calls"`
	RuntimeMs int64 `json:"runtime_ms"`
}

// Input is the document the admission policy is evaluated against.
type Input struct {
	User    string  `json:"user"`
	AgentID uint32  `json:"agent_id"`
	Budgets Budgets `json:"budgets"`
	Limits  Limits  `json:"limits"`
}

// Evaluate returns the sorted deny reasons. An empty result admits the run.
func (e *Engine) Evaluate(ctx context.Context, input Input) ([]string, error) {
	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	set, ok := results[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("unexpected policy result %T", results[0].Expressions[0].Value)
	}
	reasons := make([]string, 0, len(set))
	for _, v := range set {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected deny reason %T", v)
		}
		reasons = append(reasons, s)
	}
	sort.Strings(reasons)
	return reasons, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package run_admission

deny[msg] {
	input.user == ""
	msg := "user is required"
}

deny[msg] {
	input.agent_id == 0
	msg := "agentId must be positive"
}

# Mirrors the vault's per-run runtime cap.
deny[msg] {
	input.limits.max_runtime_ms > 0
	input.budgets.runtime_ms > input.limits.max_runtime_ms
	msg := sprintf("runtimeMs budget %d exceeds limit %d", [input.budgets.runtime_ms, input.limits.max_runtime_ms])
}

deny[msg] {
	input.limits.max_llm_tokens > 0
	input.budgets.llm_in + input.budgets.llm_out > input.limits.max_llm_tokens
	msg := sprintf("llm token budget %d exceeds limit %d", [input.budgets.llm_in + input.budgets.llm_out, input.limits.max_llm_tokens])
}
`
