package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/google/uuid"
)

// Simulator errors mirror the vault's error codes.
var (
	ErrAgentNotFound       = errors.New("agent not found")
	ErrInvalidRateVersion  = errors.New("invalid rate version")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRunNotFound         = errors.New("run not found")
	ErrRunNotOpen          = errors.New("run not open")
	ErrUsageExceedsBudget  = errors.New("usage exceeds budget")
	ErrBadSignature        = errors.New("bad signature")
	ErrUnauthorized        = errors.New("unauthorized")
)

// Simulator operation names accepted by SetFailure.
const (
	SimOpOpen           = "open"
	SimOpFinalize       = "finalize"
	SimOpRateVersion    = "rate_version"
	SimOpSubmitOpen     = "submit_open"
	SimOpSubmitFinalize = "submit_finalize"
)

// Rates is a per-meter price card.
type Rates struct {
	LLMIn     int64
	LLMOut    int64
	HTTPCalls int64
	RuntimeMs int64
}

// DefaultRates priced agents that were never registered explicitly.
var DefaultRates = Rates{LLMIn: 1, LLMOut: 2, HTTPCalls: 10, RuntimeMs: 1}

type simAgent struct {
	developer string
	rateCards []Rates // version v is rateCards[v-1]
}

type simRun struct {
	user        string
	agentID     uint32
	rateVersion uint32
	budgets     Breakdown
	maxCharge   *big.Int
	finalized   bool
}

// Simulator is an in-process model of the prepaid vault and agent registry.
type Simulator struct {
	mu           sync.Mutex
	passphrase   string
	agents       map[uint32]*simAgent
	balances     map[string]*big.Int
	runs         map[uint64]*simRun
	nextRunID    uint64
	failures     map[string]error
	submitted    []string
	autoRegister bool
	autoFund     *big.Int
}

var _ Gateway = (*Simulator)(nil)

// NewSimulator creates a strict simulator: agents must be registered and users funded.
func NewSimulator(passphrase string) *Simulator {
	return &Simulator{
		passphrase: passphrase,
		agents:     make(map[uint32]*simAgent),
		balances:   make(map[string]*big.Int),
		runs:       make(map[uint64]*simRun),
		nextRunID:  1,
		failures:   make(map[string]error),
	}
}

// NewPermissiveSimulator auto-registers unknown agents with DefaultRates and funds unknown users.
func NewPermissiveSimulator(passphrase string) *Simulator {
	s := NewSimulator(passphrase)
	s.autoRegister = true
	s.autoFund = big.NewInt(1_000_000_000_000)
	return s
}

// RegisterAgent publishes an agent with its first rate card.
func (s *Simulator) RegisterAgent(agentID uint32, developer string, rates Rates) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agentID] = &simAgent{developer: developer, rateCards: []Rates{rates}}
}

// PublishRateCard adds a new rate version and returns it.
func (s *Simulator) PublishRateCard(agentID uint32, rates Rates) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return 0, ErrAgentNotFound
	}
	a.rateCards = append(a.rateCards, rates)
	return uint32(len(a.rateCards)), nil
}

// Deposit credits a user's prepaid balance.
func (s *Simulator) Deposit(user string, amount int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.balanceLocked(user)
	b.Add(b, big.NewInt(amount))
}

// Balance returns a user's prepaid balance as a decimal string.
func (s *Simulator) Balance(user string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balanceLocked(user).String()
}

// SetFailure makes op fail with err until cleared with a nil err.
func (s *Simulator) SetFailure(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Submitted returns the hashes of accepted transactions in order.
func (s *Simulator) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

// OpenRun prepares an open_run envelope.
func (s *Simulator) OpenRun(ctx context.Context, params OpenRunParams) (*Envelope, error) {
	if err := s.failure(SimOpOpen); err != nil {
		return nil, err
	}
	return s.envelope(OperationOpenRun, params.Caller, params)
}

// FinalizeRun prepares a finalize_run envelope.
func (s *Simulator) FinalizeRun(ctx context.Context, params FinalizeRunParams) (*Envelope, error) {
	if err := s.failure(SimOpFinalize); err != nil {
		return nil, err
	}
	return s.envelope(OperationFinalizeRun, params.Runner, params)
}

// LatestRateVersion returns the newest published rate version for an agent.
func (s *Simulator) LatestRateVersion(ctx context.Context, agentID uint32) (uint32, error) {
	if err := s.failure(SimOpRateVersion); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a, err := s.agentLocked(agentID)
	if err != nil {
		return 0, err
	}
	return uint32(len(a.rateCards)), nil
}

// Submit verifies the signature and applies the transaction.
func (s *Simulator) Submit(ctx context.Context, signed *SignedEnvelope) (*Submission, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch signed.Envelope.Operation {
	case OperationOpenRun:
		if err := s.failure(SimOpSubmitOpen); err != nil {
			return nil, err
		}
	case OperationFinalizeRun:
		if err := s.failure(SimOpSubmitFinalize); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown operation %q", signed.Envelope.Operation)
	}

	if err := s.verify(signed); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var result interface{}
	var err error
	switch signed.Envelope.Operation {
	case OperationOpenRun:
		var p OpenRunParams
		if err := json.Unmarshal(signed.Envelope.Args, &p); err != nil {
			return nil, fmt.Errorf("decode open_run args: %w", err)
		}
		if p.Caller != signed.Envelope.Source {
			return nil, ErrUnauthorized
		}
		result, err = s.openLocked(p)
	case OperationFinalizeRun:
		var p FinalizeRunParams
		if err := json.Unmarshal(signed.Envelope.Args, &p); err != nil {
			return nil, fmt.Errorf("decode finalize_run args: %w", err)
		}
		if p.Runner != signed.Envelope.Source {
			return nil, ErrUnauthorized
		}
		result, err = s.finalizeLocked(p)
	}
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	s.submitted = append(s.submitted, signed.Hash)
	return &Submission{Hash: signed.Hash, Result: raw}, nil
}

func (s *Simulator) openLocked(p OpenRunParams) (*OpenResult, error) {
	if !nonNegative(p.Budgets) {
		return nil, fmt.Errorf("invalid amount")
	}
	a, err := s.agentLocked(p.AgentID)
	if err != nil {
		return nil, err
	}
	rates, err := rateCard(a, p.RateVersion)
	if err != nil {
		return nil, err
	}
	maxCharge := computeCharge(rates, p.Budgets)

	balance := s.balanceLocked(p.User)
	if balance.Cmp(maxCharge) < 0 {
		return nil, ErrInsufficientBalance
	}
	balance.Sub(balance, maxCharge)

	id := s.nextRunID
	s.nextRunID++
	s.runs[id] = &simRun{
		user:        p.User,
		agentID:     p.AgentID,
		rateVersion: p.RateVersion,
		budgets:     p.Budgets,
		maxCharge:   maxCharge,
	}
	return &OpenResult{RunID: id}, nil
}

type finalizeWire struct {
	RunID        uint64   `json:"run_id"`
	ActualCharge *big.Int `json:"actual_charge"`
	Refund       *big.Int `json:"refund"`
	Developer    string   `json:"developer"`
}

func (s *Simulator) finalizeLocked(p FinalizeRunParams) (*finalizeWire, error) {
	if !nonNegative(p.Usage) {
		return nil, fmt.Errorf("invalid amount")
	}
	if hash, err := hex.DecodeString(p.OutputHash); err != nil || len(hash) != 32 {
		return nil, fmt.Errorf("invalid output hash")
	}
	run, ok := s.runs[p.RunID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.finalized {
		return nil, ErrRunNotOpen
	}
	if p.RateVersion != run.rateVersion {
		return nil, ErrInvalidRateVersion
	}
	u, b := p.Usage, run.budgets
	if u.LLMIn > b.LLMIn || u.LLMOut > b.LLMOut || u.HTTPCalls > b.HTTPCalls || u.RuntimeMs > b.RuntimeMs {
		return nil, ErrUsageExceedsBudget
	}

	a, err := s.agentLocked(run.agentID)
	if err != nil {
		return nil, err
	}
	rates, err := rateCard(a, run.rateVersion)
	if err != nil {
		return nil, err
	}
	actual := computeCharge(rates, p.Usage)
	if actual.Cmp(run.maxCharge) > 0 {
		return nil, ErrUsageExceedsBudget
	}
	refund := new(big.Int).Sub(run.maxCharge, actual)

	dev := s.balanceLocked(a.developer)
	dev.Add(dev, actual)
	user := s.balanceLocked(run.user)
	user.Add(user, refund)
	run.finalized = true

	return &finalizeWire{RunID: p.RunID, ActualCharge: actual, Refund: refund, Developer: a.developer}, nil
}

func (s *Simulator) verify(signed *SignedEnvelope) error {
	if signed.Envelope.Network != s.passphrase {
		return fmt.Errorf("network mismatch")
	}
	if signed.Envelope.Source != signed.PublicKey {
		return ErrUnauthorized
	}
	pub, err := hex.DecodeString(signed.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	sig, err := hex.DecodeString(signed.Signature)
	if err != nil {
		return ErrBadSignature
	}
	payload, err := signed.Envelope.Payload()
	if err != nil {
		return err
	}
	hash := TransactionHash(s.passphrase, payload)
	if hex.EncodeToString(hash[:]) != signed.Hash {
		return fmt.Errorf("hash mismatch")
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), hash[:], sig) {
		return ErrBadSignature
	}
	return nil
}

func (s *Simulator) envelope(op, source string, params interface{}) (*Envelope, error) {
	args, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Operation: op,
		Contract:  "vault",
		Source:    source,
		Network:   s.passphrase,
		Nonce:     uuid.NewString(),
		Args:      args,
	}, nil
}

func (s *Simulator) failure(op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures[op]
}

func (s *Simulator) agentLocked(agentID uint32) (*simAgent, error) {
	a, ok := s.agents[agentID]
	if !ok {
		if !s.autoRegister {
			return nil, ErrAgentNotFound
		}
		a = &simAgent{developer: fmt.Sprintf("developer-%d", agentID), rateCards: []Rates{DefaultRates}}
		s.agents[agentID] = a
	}
	return a, nil
}

func (s *Simulator) balanceLocked(user string) *big.Int {
	b, ok := s.balances[user]
	if !ok {
		b = new(big.Int)
		if s.autoFund != nil {
			b.Set(s.autoFund)
		}
		s.balances[user] = b
	}
	return b
}

func rateCard(a *simAgent, version uint32) (Rates, error) {
	if version == 0 || int(version) > len(a.rateCards) {
		return Rates{}, ErrInvalidRateVersion
	}
	return a.rateCards[version-1], nil
}

func computeCharge(r Rates, u Breakdown) *big.Int {
	total := new(big.Int)
	for _, pair := range [][2]int64{
		{r.LLMIn, u.LLMIn},
		{r.LLMOut, u.LLMOut},
		{r.HTTPCalls, u.HTTPCalls},
		{r.RuntimeMs, u.RuntimeMs},
	} {
		total.Add(total, new(big.Int).Mul(big.NewInt(pair[0]), big.NewInt(pair[1])))
	}
	return total
}

func nonNegative(u Breakdown) bool {
	return u.LLMIn >= 0 && u.LLMOut >= 0 && u.HTTPCalls >= 0 && u.RuntimeMs >= 0
}

func parseInteger(n json.Number) (*big.Int, bool) {
	return new(big.Int).SetString(string(n), 10)
}
