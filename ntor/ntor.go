// Package ntor implements Tor's ntor-curve25519-sha256-1 circuit-extension
// handshake (spec.md §4.5 step 1-7): an ephemeral Curve25519 exchange
// authenticated against the relay's long-term ntor onion key, expanded via
// HKDF-SHA256 into the forward/backward digest seeds and AES-128-CTR keys
// a Hop needs.
package ntor

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/torclientgo/torclient/xcrypto"
)

const (
	protoID = "ntor-curve25519-sha256-1"
	tKey    = protoID + ":key_extract"
	tMac    = protoID + ":mac"
	tVerify = protoID + ":verify"
	mExpand = protoID + ":key_expand"
)

// keyMaterialLen is Df(20) + Db(20) + Kf(16) + Kb(16), per spec.md §4.5 step 7.
const keyMaterialLen = 72

// KeyMaterial holds the derived circuit keys from a successful ntor handshake.
type KeyMaterial struct {
	Df [20]byte // Forward digest seed (client→relay)
	Db [20]byte // Backward digest seed (relay→client)
	Kf [16]byte // Forward AES-128-CTR key
	Kb [16]byte // Backward AES-128-CTR key
}

// HandshakeState holds the client's ephemeral state for an ntor handshake.
type HandshakeState struct {
	provider xcrypto.Provider
	nodeID   [20]byte // SHA-1 of relay's RSA identity
	ntorKey  [32]byte // Relay's Curve25519 onion key (B)
	x        [32]byte // Client ephemeral private key
	X        [32]byte // Client ephemeral public key
}

// NewHandshake creates a new ntor handshake state with a fresh ephemeral
// keypair, using the default (crypto/rand-backed) Provider.
func NewHandshake(nodeID [20]byte, ntorKey [32]byte) (*HandshakeState, error) {
	return NewHandshakeWithProvider(xcrypto.Default(), nodeID, ntorKey)
}

// NewHandshakeWithProvider is NewHandshake with an injectable crypto
// Provider, so tests can drive the ephemeral keypair deterministically
// (Design Note: "Global crypto provider ... constructor-injected").
func NewHandshakeWithProvider(provider xcrypto.Provider, nodeID [20]byte, ntorKey [32]byte) (*HandshakeState, error) {
	x, X, err := provider.X25519GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}

	return &HandshakeState{
		provider: provider,
		nodeID:   nodeID,
		ntorKey:  ntorKey,
		x:        x,
		X:        X,
	}, nil
}

// Close zeroes the ephemeral private key. Call on error paths when Complete() won't be called.
func (hs *HandshakeState) Close() {
	clear(hs.x[:])
}

// ClientData returns the 84-byte CREATE2 HDATA: node_id(20) || B(32) || X(32).
func (hs *HandshakeState) ClientData() [84]byte {
	var data [84]byte
	copy(data[0:20], hs.nodeID[:])
	copy(data[20:52], hs.ntorKey[:])
	copy(data[52:84], hs.X[:])
	return data
}

// Complete processes the server's 64-byte response (Y || AUTH), verifies AUTH,
// and derives circuit keys. Returns KeyMaterial or an error.
func (hs *HandshakeState) Complete(serverData [64]byte) (*KeyMaterial, error) {
	var Y, authReceived [32]byte
	copy(Y[:], serverData[0:32])
	copy(authReceived[:], serverData[32:64])

	exp1, err := hs.provider.X25519(hs.x, Y) // ephemeral-ephemeral
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*Y: %w", err)
	}

	exp2, err := hs.provider.X25519(hs.x, hs.ntorKey) // ephemeral-static
	if err != nil {
		return nil, fmt.Errorf("curve25519 x*B: %w", err)
	}

	// secret_input = exp1 || exp2 || ID || B || X || Y || PROTOID (204 bytes)
	secretInput := make([]byte, 0, 204)
	secretInput = append(secretInput, exp1[:]...)
	secretInput = append(secretInput, exp2[:]...)
	secretInput = append(secretInput, hs.nodeID[:]...)
	secretInput = append(secretInput, hs.ntorKey[:]...)
	secretInput = append(secretInput, hs.X[:]...)
	secretInput = append(secretInput, Y[:]...)
	secretInput = append(secretInput, []byte(protoID)...)

	verify := ntorHMAC(secretInput, tVerify)

	// auth_input = verify || ID || B || Y || X || PROTOID || "Server" (178 bytes)
	authInput := make([]byte, 0, 178)
	authInput = append(authInput, verify...)
	authInput = append(authInput, hs.nodeID[:]...)
	authInput = append(authInput, hs.ntorKey[:]...)
	authInput = append(authInput, Y[:]...)
	authInput = append(authInput, hs.X[:]...)
	authInput = append(authInput, []byte(protoID)...)
	authInput = append(authInput, []byte("Server")...)

	expectedAuth := ntorHMAC(authInput, tMac)
	if !hmac.Equal(expectedAuth, authReceived[:]) {
		return nil, fmt.Errorf("AUTH verification failed")
	}

	// KEY_SEED = H(secret_input, t_key), folded into HKDF's extract phase by
	// passing t_key as the salt: hkdf.New(hash, ikm, salt, info) extracts
	// PRK = HMAC-SHA256(salt, ikm), which is exactly H(secret_input, t_key)
	// per tor-spec's ntor handshake. xcrypto.Provider's HKDFSHA256 always
	// extracts with a nil salt, so it can't express this two-step KDF; this
	// is the one place ntor talks to golang.org/x/crypto/hkdf directly
	// rather than through the injected Provider.
	kdf := hkdf.New(sha256.New, secretInput, []byte(tKey), []byte(mExpand))
	keys := make([]byte, keyMaterialLen)
	if _, err := io.ReadFull(kdf, keys); err != nil {
		return nil, fmt.Errorf("HKDF key derivation: %w", err)
	}

	km := &KeyMaterial{}
	copy(km.Df[:], keys[0:20])
	copy(km.Db[:], keys[20:40])
	copy(km.Kf[:], keys[40:56])
	copy(km.Kb[:], keys[56:72])

	clear(keys)
	clear(secretInput)
	clear(authInput)
	clear(hs.x[:])

	return km, nil
}

func ntorHMAC(msg []byte, key string) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

