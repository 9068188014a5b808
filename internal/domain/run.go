package domain

import (
	"encoding/json"
	"time"
)

// Usage holds the four resource meters shared by budgets and consumption.
type Usage struct {
	LLMIn     int64 `json:"llmIn"`
	LLMOut    int64 `json:"llmOut"`
	HTTPCalls int64 `json:"httpCalls"`
	RuntimeMs int64 `json:"runtimeMs"`
}

// Within reports whether every meter is less than or equal to the matching budget.
func (u Usage) Within(budget Usage) bool {
	return u.LLMIn <= budget.LLMIn &&
		u.LLMOut <= budget.LLMOut &&
		u.HTTPCalls <= budget.HTTPCalls &&
		u.RuntimeMs <= budget.RuntimeMs
}

// Receipt is the settlement outcome of a successful finalize.
type Receipt struct {
	LedgerRunID  uint64    `json:"runId"`
	ActualCharge string    `json:"actualCharge"`
	Refund       string    `json:"refund"`
	Developer    string    `json:"developer"`
	OutputHash   string    `json:"outputHash"`
	FinalizedAt  time.Time `json:"finalizedAt"`
}

// Run is one request to execute an agent workload under an escrowed budget.
type Run struct {
	ID                string            `json:"id"`
	User              string            `json:"user"`
	AgentID           uint32            `json:"agentId"`
	RateVersion       uint32            `json:"rateVersion,omitempty"`
	Budgets           Usage             `json:"budgets"`
	Status            RunStatus         `json:"status"`
	LedgerRunID       uint64            `json:"runId,omitempty"`
	Retries           int               `json:"retries"`
	Usage             *Usage            `json:"usage,omitempty"`
	OutputHash        string            `json:"outputHash,omitempty"`
	Receipt           *Receipt          `json:"receipt,omitempty"`
	TransactionHashes map[TxKind]string `json:"transactionHashes,omitempty"`
	Error             string            `json:"error,omitempty"`
	WorkflowID        string            `json:"workflowId,omitempty"`
	Label             string            `json:"label,omitempty"`
	Metadata          json.RawMessage   `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	if r.Usage != nil {
		u := *r.Usage
		out.Usage = &u
	}
	if r.Receipt != nil {
		rc := *r.Receipt
		out.Receipt = &rc
	}
	if r.TransactionHashes != nil {
		out.TransactionHashes = make(map[TxKind]string, len(r.TransactionHashes))
		for k, v := range r.TransactionHashes {
			out.TransactionHashes[k] = v
		}
	}
	if r.Metadata != nil {
		out.Metadata = append(json.RawMessage(nil), r.Metadata...)
	}
	return &out
}

// Event represents an audit trail entry for a run.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Ts      int64           `json:"ts"` // Unix milliseconds
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StatusSnapshot describes the scheduler at a point in time.
type StatusSnapshot struct {
	ActiveRunID string     `json:"activeRunId,omitempty"`
	QueueDepth  int        `json:"queueDepth"`
	LastTickAt  *time.Time `json:"lastTickAt,omitempty"`
}
