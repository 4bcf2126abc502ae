package crypto

import (
	"bytes"
	"testing"
)

func TestHashDeterministic(t *testing.T) {
	msg := []byte("cell0")
	a := Hash(msg)
	b := Hash(msg)
	if a != b {
		t.Fatal("Hash is not deterministic")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	msg := []byte("payload")
	sig := Sign(kp.Private, msg)
	if len(sig) != SignatureSize {
		t.Fatalf("signature size = %d, want %d", len(sig), SignatureSize)
	}
	if err := Verify(kp.Public, msg, sig); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyRejectsTamperedMessage(t *testing.T) {
	kp, err := KeyGen()
	if err != nil {
		t.Fatalf("KeyGen: %v", err)
	}
	sig := Sign(kp.Private, []byte("original"))
	if err := Verify(kp.Public, []byte("tampered"), sig); err == nil {
		t.Fatal("expected verification failure for tampered message")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	var nonce [NonceSize]byte
	if err := Fill(key[:]); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if err := Fill(nonce[:]); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	plaintext := []byte("the quick brown fox")
	aad := []byte("header")

	ciphertext, err := Encrypt(key, nonce, plaintext, aad)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	recovered, err := Decrypt(key, nonce, ciphertext, aad)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(recovered, plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", recovered, plaintext)
	}
}

func TestDecryptRejectsTamperedAAD(t *testing.T) {
	var key [32]byte
	var nonce [NonceSize]byte
	Fill(key[:])
	Fill(nonce[:])

	ciphertext, err := Encrypt(key, nonce, []byte("m"), []byte("aad1"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := Decrypt(key, nonce, ciphertext, []byte("aad2")); err != ErrVerificationFailed {
		t.Fatalf("Decrypt error = %v, want ErrVerificationFailed", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	secret := []byte("shared-secret")
	salt := []byte("salt")
	info := []byte("cell0-raft")

	k1, err := DeriveKey(secret, salt, info)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	k2, err := DeriveKey(secret, salt, info)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if k1 != k2 {
		t.Fatal("DeriveKey is not deterministic for identical inputs")
	}
}

func TestFillProducesNonZero(t *testing.T) {
	buf := make([]byte, 32)
	if err := Fill(buf); err != nil {
		t.Fatalf("Fill: %v", err)
	}
	zero := make([]byte, 32)
	if bytes.Equal(buf, zero) {
		t.Fatal("Fill returned all-zero bytes (statistically implausible)")
	}
}
