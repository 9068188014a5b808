package domain

import "encoding/json"

// RawBudgets carries budget meters as received from a client, before normalization.
type RawBudgets struct {
	LLMIn     float64 `json:"llmIn"`
	LLMOut    float64 `json:"llmOut"`
	HTTPCalls float64 `json:"httpCalls"`
	RuntimeMs float64 `json:"runtimeMs"`
}

// EnqueueRequest represents the request to enqueue a run.
type EnqueueRequest struct {
	User        string          `json:"user"`
	AgentID     uint32          `json:"agentId"`
	Budgets     RawBudgets      `json:"budgets"`
	RateVersion uint32          `json:"rateVersion,omitempty"`
	WorkflowID  string          `json:"workflowId,omitempty"`
	Label       string          `json:"label,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// RetryRequest identifies a failed run to put back in the queue.
type RetryRequest struct {
	ID string `json:"id"`
}
