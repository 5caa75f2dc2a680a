package types

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// HashSize is the size of a content hash in bytes
	HashSize = 32

	// AddressSize is the size of a validator address in bytes
	AddressSize = 20

	// PublicKeySize is the expected size of an Ed25519 public key
	PublicKeySize = 32

	// SignatureSize is the expected size of a single Ed25519 signature
	SignatureSize = 64
)

// Hash is a fixed-size content digest. The zero Hash stands for "nil".
type Hash [HashSize]byte

// Address identifies a validator.
type Address [AddressSize]byte

// PublicKey is validator public key material.
type PublicKey []byte

// Signature is a single or aggregated signature.
type Signature []byte

// NilHash is the value carried by nil votes.
var NilHash = Hash{}

// NewHash creates a Hash from bytes, returning error if the length is wrong.
// The input is copied.
func NewHash(data []byte) (Hash, error) {
	var h Hash
	if len(data) != HashSize {
		return h, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(data))
	}
	copy(h[:], data)
	return h, nil
}

// MustNewHash creates a Hash, panicking if invalid.
// Use only for trusted internal data.
func MustNewHash(data []byte) Hash {
	h, err := NewHash(data)
	if err != nil {
		panic(err)
	}
	return h
}

// HashBytes computes the SHA-256 hash of data
func HashBytes(data []byte) Hash {
	return sha256.Sum256(data)
}

// IsNil returns true for the all-zero hash
func (h Hash) IsNil() bool {
	return h == NilHash
}

// Bytes returns a copy of the hash bytes
func (h Hash) Bytes() []byte {
	out := make([]byte, HashSize)
	copy(out, h[:])
	return out
}

func (h Hash) String() string {
	if h.IsNil() {
		return "nil"
	}
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 bytes hex-encoded, for logs
func (h Hash) Short() string {
	if h.IsNil() {
		return "nil"
	}
	return hex.EncodeToString(h[:8])
}

// NewAddress creates an Address from bytes, returning error if the length is wrong.
func NewAddress(data []byte) (Address, error) {
	var a Address
	if len(data) != AddressSize {
		return a, fmt.Errorf("address must be %d bytes, got %d", AddressSize, len(data))
	}
	copy(a[:], data)
	return a, nil
}

// AddressFromPubKey derives a validator address: the first 20 bytes of
// SHA-256(pubkey).
func AddressFromPubKey(pub PublicKey) Address {
	sum := sha256.Sum256(pub)
	var a Address
	copy(a[:], sum[:AddressSize])
	return a
}

// IsZero returns true for the all-zero address
func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 4 bytes hex-encoded, for logs
func (a Address) Short() string {
	return hex.EncodeToString(a[:4])
}

// NewPublicKey creates a PublicKey from bytes, returning error if invalid.
// The input is copied.
func NewPublicKey(data []byte) (PublicKey, error) {
	if len(data) != PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", PublicKeySize, len(data))
	}
	return PublicKey(append([]byte(nil), data...)), nil
}

// MustNewPublicKey creates a PublicKey, panicking if invalid.
func MustNewPublicKey(data []byte) PublicKey {
	p, err := NewPublicKey(data)
	if err != nil {
		panic(err)
	}
	return p
}

// Equal compares two public keys
func (p PublicKey) Equal(other PublicKey) bool {
	return bytes.Equal(p, other)
}

// Copy returns a deep copy of the key
func (p PublicKey) Copy() PublicKey {
	if p == nil {
		return nil
	}
	return append(PublicKey(nil), p...)
}

// Equal compares two signatures
func (s Signature) Equal(other Signature) bool {
	return bytes.Equal(s, other)
}

// Copy returns a deep copy of the signature
func (s Signature) Copy() Signature {
	if s == nil {
		return nil
	}
	return append(Signature(nil), s...)
}
