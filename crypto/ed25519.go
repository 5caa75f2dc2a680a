// Package crypto provides the default crypto adapter for the consensus
// engine: SHA-256 content hashes, Ed25519 signatures, and aggregation by
// ordered concatenation of the signers' signatures.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/blockberries/overlord/types"
)

// Errors
var (
	ErrInvalidSignature = errors.New("invalid signature")
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrAggregateLength  = errors.New("aggregate signature length mismatch")
	ErrNoSignatures     = errors.New("no signatures to aggregate")
)

// Ed25519 implements the engine's crypto capabilities. It holds no key
// material; signing lives in privval.
type Ed25519 struct{}

// NewEd25519 returns the default crypto adapter
func NewEd25519() *Ed25519 {
	return &Ed25519{}
}

// Hash returns SHA-256(data)
func (*Ed25519) Hash(data []byte) types.Hash {
	return sha256.Sum256(data)
}

// Verify checks a single signature
func (*Ed25519) Verify(pub types.PublicKey, msg []byte, sig types.Signature) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPublicKey, len(pub))
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("%w: %d bytes", ErrInvalidSignature, len(sig))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), msg, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// Aggregate concatenates signatures. Callers pass them in signer-index order,
// the same order VerifyAggregate receives the public keys in.
func (*Ed25519) Aggregate(sigs []types.Signature) (types.Signature, error) {
	if len(sigs) == 0 {
		return nil, ErrNoSignatures
	}
	agg := make(types.Signature, 0, len(sigs)*ed25519.SignatureSize)
	for i, sig := range sigs {
		if len(sig) != ed25519.SignatureSize {
			return nil, fmt.Errorf("%w: signature %d has %d bytes", ErrInvalidSignature, i, len(sig))
		}
		agg = append(agg, sig...)
	}
	return agg, nil
}

// VerifyAggregate checks that agg holds one valid signature over msg for each
// public key, in order.
func (c *Ed25519) VerifyAggregate(pubs []types.PublicKey, msg []byte, agg types.Signature) error {
	if len(pubs) == 0 {
		return ErrNoSignatures
	}
	if len(agg) != len(pubs)*ed25519.SignatureSize {
		return fmt.Errorf("%w: %d bytes for %d signers", ErrAggregateLength, len(agg), len(pubs))
	}
	for i, pub := range pubs {
		sig := agg[i*ed25519.SignatureSize : (i+1)*ed25519.SignatureSize]
		if err := c.Verify(pub, msg, sig); err != nil {
			return fmt.Errorf("signer %d: %w", i, err)
		}
	}
	return nil
}

// GenerateKey creates a new Ed25519 key pair. A nil reader uses crypto/rand.
func GenerateKey(r io.Reader) (types.PublicKey, ed25519.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return types.PublicKey(pub), priv, nil
}

// Sign signs msg with priv
func Sign(priv ed25519.PrivateKey, msg []byte) types.Signature {
	return types.Signature(ed25519.Sign(priv, msg))
}
