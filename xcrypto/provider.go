// Package xcrypto wraps the platform crypto primitives the link and
// circuit layers need behind a small injectable Provider, instead of
// calling crypto/* directly from protocol code. This keeps key material
// and randomness sources swappable in tests (Design Note: "Global crypto
// provider ... constructor-injected").
package xcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"
)

// Provider is the crypto surface consumed by link/ntor/circuit. The
// default implementation (Default()) delegates to crypto/rand and the
// standard library; tests may supply a Provider with a fixed random
// source to get deterministic ephemeral keys.
type Provider interface {
	RandomBytes(n int) ([]byte, error)
	Ed25519Verify(pub, msg, sig []byte) bool
	X25519GenerateKey() (priv, pub [32]byte, err error)
	X25519 (priv, peerPub [32]byte) (shared [32]byte, err error)
	SHA1(msg []byte) [20]byte
	SHA256(msg []byte) [32]byte
	SHA3_256(msg []byte) [32]byte
	HMACSHA256(key, msg []byte) []byte
	HKDFSHA256(secret, info []byte, n int) ([]byte, error)
	NewAES128CTR(key, iv []byte) (cipher.Stream, error)
}

type defaultProvider struct{}

// Default returns the standard-library-backed Provider.
func Default() Provider { return defaultProvider{} }

func (defaultProvider) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("xcrypto: random bytes: %w", err)
	}
	return b, nil
}

// Ed25519Verify never panics on malformed input; it returns false instead.
func (defaultProvider) Ed25519Verify(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}

// X25519GenerateKey generates a clamped Curve25519 scalar per RFC 7748 and
// derives its base-point public key.
func (p defaultProvider) X25519GenerateKey() (priv, pub [32]byte, err error) {
	for attempt := 0; attempt < 8; attempt++ {
		b, rerr := p.RandomBytes(32)
		if rerr != nil {
			return priv, pub, rerr
		}
		copy(priv[:], b)
		clampScalar(&priv)
		pubBytes, derr := curve25519.X25519(priv[:], curve25519.Basepoint)
		if derr != nil {
			continue
		}
		copy(pub[:], pubBytes)
		return priv, pub, nil
	}
	return priv, pub, fmt.Errorf("xcrypto: failed to generate non-degenerate X25519 keypair")
}

func clampScalar(s *[32]byte) {
	s[0] &= 248
	s[31] &= 127
	s[31] |= 64
}

// X25519 derives the shared secret and rejects the small-subgroup
// all-zero output.
func (defaultProvider) X25519(priv, peerPub [32]byte) (shared [32]byte, err error) {
	out, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return shared, fmt.Errorf("xcrypto: X25519: %w", err)
	}
	copy(shared[:], out)
	var zero [32]byte
	if hmac.Equal(shared[:], zero[:]) {
		return shared, fmt.Errorf("xcrypto: X25519 produced all-zero shared secret")
	}
	return shared, nil
}

func (defaultProvider) SHA1(msg []byte) [20]byte     { return sha1.Sum(msg) }
func (defaultProvider) SHA256(msg []byte) [32]byte   { return sha256.Sum256(msg) }
func (defaultProvider) SHA3_256(msg []byte) [32]byte { return sha3.Sum256(msg) }

func (defaultProvider) HMACSHA256(key, msg []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(msg)
	return h.Sum(nil)
}

func (defaultProvider) HKDFSHA256(secret, info []byte, n int) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, nil, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return nil, fmt.Errorf("xcrypto: HKDF: %w", err)
	}
	return out, nil
}

func (defaultProvider) NewAES128CTR(key, iv []byte) (cipher.Stream, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("xcrypto: AES-128-CTR: %w", err)
	}
	return cipher.NewCTR(block, iv), nil
}
