// Package crypto exposes the primitive-layer contracts consumed by the rest
// of the kernel core: hash, signature, AEAD, KDF and RNG. Callers treat every
// primitive as opaque and rely only on the contracts documented on each
// function; the concrete algorithms backing them are an implementation
// detail, not part of the kernel's own surface.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// ErrVerificationFailed is returned by Verify and Decrypt when the supplied
// signature or AEAD tag does not authenticate.
var ErrVerificationFailed = errors.New("crypto: verification failed")

const (
	// HashSize is the digest size produced by Hash.
	HashSize = 32
	// SignatureSize is the size of a Signature produced by Sign.
	SignatureSize = ed25519.SignatureSize
	// NonceSize is the AEAD nonce size expected by Encrypt/Decrypt.
	NonceSize = chacha20poly1305.NonceSize
	// TagSize is the AEAD authentication tag size appended to ciphertext.
	TagSize = chacha20poly1305.Overhead
)

// Hash returns the 32-byte SHA3-256 digest of msg. Deterministic and
// collision-resistant per the primitive-layer contract; the choice of SHA3
// over SHA2 only matters to callers verifying a boot image hash against a
// fixed constant, never to the kernel's own logic.
func Hash(msg []byte) [HashSize]byte {
	return sha3.Sum256(msg)
}

// KeyPair is a signature keypair as returned by KeyGen.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// KeyGen produces a new signature keypair using the system RNG.
func KeyGen() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign produces a SignatureSize-byte signature over msg under sk.
func Sign(sk ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(sk, msg)
}

// Verify reports whether sig is a valid signature over msg under pk.
func Verify(pk ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pk, msg, sig) {
		return ErrVerificationFailed
	}
	return nil
}

// Encrypt seals plaintext under key with the given 12-byte nonce and
// associated data, returning ciphertext with a 16-byte tag appended.
func Encrypt(key [32]byte, nonce [NonceSize]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Decrypt opens ciphertext (which must include its trailing tag) produced by
// Encrypt with the same key, nonce and aad. Returns ErrVerificationFailed if
// the tag does not authenticate.
func Decrypt(key [32]byte, nonce [NonceSize]byte, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrVerificationFailed
	}
	return plaintext, nil
}

// DeriveKey stretches secret into a 32-byte key using HKDF-SHA3-256 with the
// given salt and context info, the KDF primitive alongside
// Hash/Signature/AEAD/RNG.
func DeriveKey(secret, salt, info []byte) ([32]byte, error) {
	var out [32]byte
	kdf := hkdf.New(sha3.New256, secret, salt, info)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, err
	}
	return out, nil
}

// Fill fills dst with uniform random bytes. Must not block per the
// primitive-layer contract; crypto/rand.Reader on every supported platform
// satisfies that in practice (it blocks only on first use while the kernel
// CSPRNG seeds, which happens once at process start, well before the
// kernel's own boot path runs).
func Fill(dst []byte) error {
	_, err := io.ReadFull(rand.Reader, dst)
	return err
}
