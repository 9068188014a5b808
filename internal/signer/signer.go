// Package signer signs ledger envelopes with the runner's key and submits them.
package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/xiaot623/gogo/escrowrunner/internal/adapter/ledger"
)

// Signer signs envelopes for a single identity.
type Signer interface {
	// Address is the identity the signer signs for.
	Address() string
	Sign(env *ledger.Envelope, passphrase string) (*ledger.SignedEnvelope, error)
}

// Keypair is an ed25519 runner identity.
type Keypair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

var _ Signer = (*Keypair)(nil)

// NewKeypair derives the runner keypair from a configured secret. A 64 character
// hex secret is used as the seed directly; anything else is hashed into one.
func NewKeypair(secret string) (*Keypair, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("runner secret is required")
	}

	var seed []byte
	if len(secret) == 2*ed25519.SeedSize {
		if b, err := hex.DecodeString(secret); err == nil {
			seed = b
		}
	}
	if seed == nil {
		sum := sha256.Sum256([]byte(secret))
		seed = sum[:]
	}

	private := ed25519.NewKeyFromSeed(seed)
	return &Keypair{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

// Address returns the hex encoded public key.
func (k *Keypair) Address() string {
	return hex.EncodeToString(k.public)
}

// Sign hashes the envelope for the network and signs the hash.
func (k *Keypair) Sign(env *ledger.Envelope, passphrase string) (*ledger.SignedEnvelope, error) {
	if env == nil {
		return nil, errors.New("envelope is required")
	}
	if env.Source != k.Address() {
		return nil, fmt.Errorf("envelope source %q is not the runner", env.Source)
	}

	e := *env
	if e.Network == "" {
		e.Network = passphrase
	}
	if e.Network != passphrase {
		return nil, fmt.Errorf("envelope network %q does not match %q", e.Network, passphrase)
	}

	payload, err := e.Payload()
	if err != nil {
		return nil, err
	}
	hash := ledger.TransactionHash(passphrase, payload)
	sig := ed25519.Sign(k.private, hash[:])

	return &ledger.SignedEnvelope{
		Envelope:  e,
		PublicKey: k.Address(),
		Signature: hex.EncodeToString(sig),
		Hash:      hex.EncodeToString(hash[:]),
	}, nil
}

// Transactor signs envelopes and submits them through a gateway.
type Transactor struct {
	signer     Signer
	gateway    ledger.Gateway
	passphrase string
}

// NewTransactor creates a Transactor for one network.
func NewTransactor(signer Signer, gateway ledger.Gateway, passphrase string) *Transactor {
	return &Transactor{signer: signer, gateway: gateway, passphrase: passphrase}
}

// Address is the runner identity used as caller and runner on the ledger.
func (t *Transactor) Address() string {
	return t.signer.Address()
}

// SignAndSubmit signs env and submits it, returning the submission with its hash.
func (t *Transactor) SignAndSubmit(ctx context.Context, env *ledger.Envelope) (*ledger.Submission, error) {
	if env == nil {
		return nil, errors.New("envelope is required")
	}
	signed, err := t.signer.Sign(env, t.passphrase)
	if err != nil {
		return nil, fmt.Errorf("sign %s: %w", env.Operation, err)
	}
	sub, err := t.gateway.Submit(ctx, signed)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", env.Operation, err)
	}
	if sub.Hash == "" {
		sub.Hash = signed.Hash
	}
	return sub, nil
}
