package onion

import (
	"encoding/base32"
	"strings"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"

	"github.com/torclientgo/torclient/errs"
)

// DecodeOnion decodes a v3 .onion address and returns the 32-byte Ed25519 public key.
// It validates the checksum, the version byte, and that the key decodes to
// an Ed25519 curve point; keys with torsion components are not rejected.
func DecodeOnion(address string) ([32]byte, error) {
	var pubkey [32]byte

	// Strip .onion suffix
	address = strings.TrimSuffix(strings.ToLower(address), ".onion")

	// Base32 decode (uppercase for standard base32)
	decoded, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(address))
	if err != nil {
		return pubkey, errs.Wrap(errs.Parse, "onion: base32 decode", err)
	}

	// Must be exactly 35 bytes: pubkey(32) + checksum(2) + version(1)
	if len(decoded) != 35 {
		return pubkey, errs.Newf(errs.Parse, "onion: decoded length %d, expected 35", len(decoded))
	}

	copy(pubkey[:], decoded[:32])
	checksum := decoded[32:34]
	version := decoded[34]

	// Version must be 0x03
	if version != 0x03 {
		return pubkey, errs.Newf(errs.Parse, "onion: unsupported version: %d", version)
	}

	// Verify checksum: SHA3-256(".onion checksum" || pubkey || version)[:2]
	h := sha3.New256()
	h.Write([]byte(".onion checksum"))
	h.Write(pubkey[:])
	h.Write([]byte{version})
	expectedChecksum := h.Sum(nil)[:2]

	if checksum[0] != expectedChecksum[0] || checksum[1] != expectedChecksum[1] {
		return pubkey, errs.New(errs.Parse, "onion: checksum mismatch")
	}

	// Validate the public key is a valid Ed25519 point
	if _, err := new(edwards25519.Point).SetBytes(pubkey[:]); err != nil {
		return pubkey, errs.Wrap(errs.Crypto, "onion: invalid ed25519 point", err)
	}

	return pubkey, nil
}
