package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// EnvelopeLen is the size of a self-contained signature envelope: the
// signer's public key followed by the ed25519 signature. Embedding the key
// lets a verifier derive the signer address without any registry lookup.
const EnvelopeLen = ed25519.PublicKeySize + ed25519.SignatureSize

// AddressLen is the byte length of a market address.
const AddressLen = 20

var (
	ErrBadEnvelope   = errors.New("identity: malformed signature envelope")
	ErrBadSignature  = errors.New("identity: signature verification failed")
	ErrInvalidSeed   = errors.New("identity: seed must be 32 bytes")
	ErrBadAddressHex = errors.New("identity: malformed address")
)

// KeyPair holds an ed25519 key pair and its derived market address.
type KeyPair struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
	addr string
}

// Generate creates a fresh random key pair.
func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return &KeyPair{pub: pub, priv: priv, addr: AddressOf(pub)}, nil
}

// FromSeed derives a deterministic key pair from a 32-byte seed.
func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{pub: pub, priv: priv, addr: AddressOf(pub)}, nil
}

// Address returns the lowercase hex market address of this key pair.
func (k *KeyPair) Address() string { return k.addr }

// PublicKey returns the raw public key bytes.
func (k *KeyPair) PublicKey() ed25519.PublicKey { return k.pub }

// SignDigest signs a 32-byte digest and returns a self-contained envelope.
func (k *KeyPair) SignDigest(digest [32]byte) []byte {
	sig := ed25519.Sign(k.priv, digest[:])
	env := make([]byte, 0, EnvelopeLen)
	env = append(env, k.pub...)
	return append(env, sig...)
}

// AddressOf derives the market address from a public key: the last 20 bytes
// of SHA3-256 over the key, hex encoded with an 0x prefix.
func AddressOf(pub ed25519.PublicKey) string {
	sum := sha3.Sum256(pub)
	return "0x" + hex.EncodeToString(sum[32-AddressLen:])
}

// RecoverSigner verifies an envelope against a digest and returns the
// address of the key that produced it.
func RecoverSigner(digest [32]byte, envelope []byte) (string, error) {
	if len(envelope) != EnvelopeLen {
		return "", ErrBadEnvelope
	}
	pub := ed25519.PublicKey(envelope[:ed25519.PublicKeySize])
	sig := envelope[ed25519.PublicKeySize:]
	if !ed25519.Verify(pub, digest[:], sig) {
		return "", ErrBadSignature
	}
	return AddressOf(pub), nil
}

// ValidAddress reports whether s looks like a market address.
func ValidAddress(s string) bool {
	if !strings.HasPrefix(s, "0x") || len(s) != 2+AddressLen*2 {
		return false
	}
	_, err := hex.DecodeString(s[2:])
	return err == nil
}

// AddressBytes decodes a market address into its raw 20 bytes.
func AddressBytes(s string) ([]byte, error) {
	if !ValidAddress(s) {
		return nil, ErrBadAddressHex
	}
	return hex.DecodeString(s[2:])
}
