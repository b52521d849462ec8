package identity

import (
	"bytes"
	"testing"

	"golang.org/x/crypto/sha3"
)

func TestAddressDerivationDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{7}, 32)
	a, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	b, err := FromSeed(seed)
	if err != nil {
		t.Fatalf("from seed: %v", err)
	}
	if a.Address() != b.Address() {
		t.Fatalf("same seed produced different addresses: %s vs %s", a.Address(), b.Address())
	}
	if !ValidAddress(a.Address()) {
		t.Fatalf("derived address %q is not well formed", a.Address())
	}
}

func TestRecoverSigner(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := sha3.Sum256([]byte("delivery receipt body"))

	env := kp.SignDigest(digest)
	if len(env) != EnvelopeLen {
		t.Fatalf("envelope length = %d, want %d", len(env), EnvelopeLen)
	}

	addr, err := RecoverSigner(digest, env)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr != kp.Address() {
		t.Fatalf("recovered %s, want %s", addr, kp.Address())
	}
}

func TestRecoverSignerRejectsTamperedDigest(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := sha3.Sum256([]byte("original"))
	env := kp.SignDigest(digest)

	tampered := sha3.Sum256([]byte("tampered"))
	if _, err := RecoverSigner(tampered, env); err == nil {
		t.Fatal("expected verification failure for tampered digest")
	}
}

func TestRecoverSignerRejectsShortEnvelope(t *testing.T) {
	digest := sha3.Sum256([]byte("x"))
	if _, err := RecoverSigner(digest, []byte{1, 2, 3}); err != ErrBadEnvelope {
		t.Fatalf("expected ErrBadEnvelope, got %v", err)
	}
}

func TestOtherSignerYieldsDifferentAddress(t *testing.T) {
	a, _ := Generate()
	b, _ := Generate()
	digest := sha3.Sum256([]byte("payload"))

	addr, err := RecoverSigner(digest, b.SignDigest(digest))
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if addr == a.Address() {
		t.Fatal("foreign signature recovered to the wrong address")
	}
}
