package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// Client is a JSON-RPC 2.0 client for the ledger RPC endpoint.
type Client struct {
	url        string
	vaultID    string
	registryID string
	network    string
	httpClient *http.Client
	nextID     atomic.Uint64
}

var _ Gateway = (*Client)(nil)

// NewClient creates a ledger RPC client.
func NewClient(url, vaultID, registryID, network string, timeout time.Duration) *Client {
	return &Client{
		url:        strings.TrimSuffix(url, "/"),
		vaultID:    vaultID,
		registryID: registryID,
		network:    network,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      uint64      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      uint64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by the ledger RPC.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("ledger rpc error %d: %s", e.Code, e.Message)
}

type prepareParams struct {
	Contract string      `json:"contract"`
	Network  string      `json:"network"`
	Source   string      `json:"source"`
	Args     interface{} `json:"args"`
}

type prepareResult struct {
	Envelope Envelope `json:"envelope"`
}

// OpenRun asks the RPC to prepare an open_run transaction.
func (c *Client) OpenRun(ctx context.Context, params OpenRunParams) (*Envelope, error) {
	var res prepareResult
	err := c.call(ctx, "vault_prepareOpenRun", prepareParams{
		Contract: c.vaultID,
		Network:  c.network,
		Source:   params.Caller,
		Args:     params,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("prepare open_run: %w", err)
	}
	return checkEnvelope(&res.Envelope, OperationOpenRun)
}

// FinalizeRun asks the RPC to prepare a finalize_run transaction.
func (c *Client) FinalizeRun(ctx context.Context, params FinalizeRunParams) (*Envelope, error) {
	var res prepareResult
	err := c.call(ctx, "vault_prepareFinalizeRun", prepareParams{
		Contract: c.vaultID,
		Network:  c.network,
		Source:   params.Runner,
		Args:     params,
	}, &res)
	if err != nil {
		return nil, fmt.Errorf("prepare finalize_run: %w", err)
	}
	return checkEnvelope(&res.Envelope, OperationFinalizeRun)
}

// LatestRateVersion reads the registry's latest rate version for an agent.
func (c *Client) LatestRateVersion(ctx context.Context, agentID uint32) (uint32, error) {
	var version uint32
	err := c.call(ctx, "registry_latestRateVersion", map[string]interface{}{
		"contract": c.registryID,
		"agent_id": agentID,
	}, &version)
	if err != nil {
		return 0, fmt.Errorf("latest_rate_version: %w", err)
	}
	return version, nil
}

// Submit sends a signed transaction and waits for its result.
func (c *Client) Submit(ctx context.Context, signed *SignedEnvelope) (*Submission, error) {
	var sub Submission
	if err := c.call(ctx, "tx_submit", signed, &sub); err != nil {
		return nil, fmt.Errorf("submit transaction: %w", err)
	}
	if sub.Hash == "" {
		sub.Hash = signed.Hash
	}
	return &sub, nil
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ledger rpc returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if len(rpcResp.Result) == 0 {
		return fmt.Errorf("empty result")
	}
	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return fmt.Errorf("failed to decode result: %w", err)
	}
	return nil
}

func checkEnvelope(env *Envelope, op string) (*Envelope, error) {
	if env.Operation != op {
		return nil, fmt.Errorf("unexpected envelope operation %q, want %q", env.Operation, op)
	}
	if len(env.Args) == 0 {
		return nil, fmt.Errorf("envelope for %s has no args", op)
	}
	return env, nil
}
