package directory

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/torclientgo/torclient/store"
)

// DefaultCacheDir returns the default cache directory (~/.daphne/tor-cache/).
func DefaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".daphne", "tor-cache")
}

// Cache handles caching of consensus, microdescriptor and key-cert data
// through a store.Store, rather than the set of hardcoded filenames the
// teacher wrote directly against os.ReadFile/os.WriteFile. Dir is kept for
// callers that only want on-disk caching (the common case); Store lets a
// caller inject an in-memory store instead (used by this package's tests).
type Cache struct {
	Dir   string
	Store store.Store
}

func (c *Cache) backing() store.Store {
	if c.Store != nil {
		return c.Store
	}
	if c.Dir == "" {
		return nil
	}
	return store.NewFileSystem(c.Dir)
}

const (
	legacyConsensusAliasKey = "ccadb:cached"
	microdescriptorsKey     = "microdescriptors:cached"
	keyCertsKey             = "keycerts:cached"
)

// consensusKey unifies the two on-disk naming schemes the teacher used
// (a single "consensus.json" file, versus the separate "ccadb:cached"
// idea sketched but never wired up) onto one scheme, keyed by the
// consensus's own valid-after timestamp (SPEC_FULL.md §4.8's Open
// Question resolution).
func consensusKey(validAfter time.Time) string {
	return "consensus:" + validAfter.UTC().Format(time.RFC3339)
}

// extractValidAfter scans a raw consensus document for its valid-after
// line without doing a full ParseConsensus, since the cache only needs
// the timestamp to name the cache entry.
func extractValidAfter(text string) (time.Time, bool) {
	for _, line := range strings.Split(text, "\n") {
		if rest, ok := strings.CutPrefix(line, "valid-after "); ok {
			t, err := time.Parse("2006-01-02 15:04:05", rest)
			if err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

// cachedConsensus is the on-disk format for a cached consensus.
type cachedConsensus struct {
	Text       string    `json:"text"`
	ValidUntil time.Time `json:"valid_until"`
	FreshUntil time.Time `json:"fresh_until"`
}

// cachedMicrodescriptors is the on-disk format for cached microdescriptor data.
type cachedMicrodescriptors struct {
	Relays map[string]cachedRelay `json:"relays"`
}

type cachedRelay struct {
	NtorOnionKey [32]byte `json:"ntor_onion_key"`
	Ed25519ID    [32]byte `json:"ed25519_id"`
	HasNtorKey   bool     `json:"has_ntor_key"`
	HasEd25519   bool     `json:"has_ed25519"`
}

// LoadConsensus attempts to load the most recently cached consensus.
// Returns the consensus text and true if the cache is valid (valid-until
// has not passed), or empty string and false if no valid cache exists.
func (c *Cache) LoadConsensus() (string, bool) {
	s := c.backing()
	if s == nil {
		return "", false
	}
	keys, err := s.List("consensus:")
	if err != nil || len(keys) == 0 {
		return "", false
	}
	// Keys sort lexically, and RFC3339 timestamps sort chronologically;
	// the last key is the most recently cached consensus.
	data, err := s.Read(keys[len(keys)-1])
	if err != nil {
		return "", false
	}
	var cached cachedConsensus
	if err := json.Unmarshal(data, &cached); err != nil {
		return "", false
	}
	if time.Now().After(cached.ValidUntil) {
		return "", false
	}
	return cached.Text, true
}

// NeedsRefresh returns true if the cached consensus is past its fresh-until time.
func (c *Cache) NeedsRefresh() bool {
	s := c.backing()
	if s == nil {
		return true
	}
	keys, err := s.List("consensus:")
	if err != nil || len(keys) == 0 {
		return true
	}
	data, err := s.Read(keys[len(keys)-1])
	if err != nil {
		return true
	}
	var cached cachedConsensus
	if err := json.Unmarshal(data, &cached); err != nil {
		return true
	}
	return time.Now().After(cached.FreshUntil)
}

// SaveConsensus saves a consensus to the cache, keyed by its own
// valid-after timestamp, with legacyConsensusAliasKey kept as an alias
// pointing at the same payload for one upgrade cycle.
func (c *Cache) SaveConsensus(text string, freshUntil, validUntil time.Time) error {
	s := c.backing()
	if s == nil {
		return fmt.Errorf("cache directory not set")
	}
	cached := cachedConsensus{Text: text, ValidUntil: validUntil, FreshUntil: freshUntil}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal consensus cache: %w", err)
	}

	validAfter, ok := extractValidAfter(text)
	if !ok {
		validAfter = time.Now()
	}
	if err := s.Write(consensusKey(validAfter), data); err != nil {
		return fmt.Errorf("write consensus cache: %w", err)
	}
	if err := s.Write(legacyConsensusAliasKey, data); err != nil {
		return fmt.Errorf("write consensus cache alias: %w", err)
	}
	return nil
}

// LoadMicrodescriptors loads cached microdescriptor data and applies it to the
// given relay slice. Returns the number of relays updated.
func (c *Cache) LoadMicrodescriptors(relays []Relay) int {
	s := c.backing()
	if s == nil {
		return 0
	}
	data, err := s.Read(microdescriptorsKey)
	if err != nil {
		return 0
	}
	var cached cachedMicrodescriptors
	if err := json.Unmarshal(data, &cached); err != nil {
		return 0
	}
	count := 0
	for i := range relays {
		cr, ok := cached.Relays[relays[i].MicrodescDigest]
		if !ok || !cr.HasNtorKey {
			continue
		}
		relays[i].NtorOnionKey = cr.NtorOnionKey
		relays[i].HasNtorKey = cr.HasNtorKey
		relays[i].Ed25519ID = cr.Ed25519ID
		relays[i].HasEd25519 = cr.HasEd25519
		count++
	}
	return count
}

// SaveMicrodescriptors saves microdescriptor data from the given relays to cache.
func (c *Cache) SaveMicrodescriptors(relays []Relay) error {
	s := c.backing()
	if s == nil {
		return fmt.Errorf("cache directory not set")
	}
	cached := cachedMicrodescriptors{Relays: make(map[string]cachedRelay)}
	for _, r := range relays {
		if !r.HasNtorKey || r.MicrodescDigest == "" {
			continue
		}
		cached.Relays[r.MicrodescDigest] = cachedRelay{
			NtorOnionKey: r.NtorOnionKey,
			Ed25519ID:    r.Ed25519ID,
			HasNtorKey:   r.HasNtorKey,
			HasEd25519:   r.HasEd25519,
		}
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal microdescriptors cache: %w", err)
	}
	return s.Write(microdescriptorsKey, data)
}

// cachedKeyCert is the on-disk format for a cached authority key certificate.
type cachedKeyCert struct {
	IdentityFingerprint string    `json:"identity_fingerprint"`
	SigningKeyDigest    string    `json:"signing_key_digest"`
	SigningKeyPEM       string    `json:"signing_key_pem"`
	Expires             time.Time `json:"expires"`
}

// LoadKeyCerts loads cached authority key certificates.
func (c *Cache) LoadKeyCerts() ([]KeyCert, error) {
	s := c.backing()
	if s == nil {
		return nil, fmt.Errorf("cache directory not set")
	}
	data, err := s.Read(keyCertsKey)
	if err != nil {
		return nil, err
	}
	var cached []cachedKeyCert
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, err
	}

	now := time.Now()
	var certs []KeyCert
	for _, cc := range cached {
		if now.After(cc.Expires) {
			continue
		}
		block, _ := pem.Decode([]byte(cc.SigningKeyPEM))
		if block == nil {
			continue
		}
		pubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			continue
		}
		certs = append(certs, KeyCert{
			IdentityFingerprint: cc.IdentityFingerprint,
			SigningKeyDigest:    cc.SigningKeyDigest,
			SigningKey:          pubKey,
			Expires:             cc.Expires,
		})
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no valid cached key certs")
	}
	return certs, nil
}

// SaveKeyCerts saves authority key certificates to cache.
func (c *Cache) SaveKeyCerts(certs []KeyCert) error {
	s := c.backing()
	if s == nil {
		return fmt.Errorf("cache directory not set")
	}

	var cached []cachedKeyCert
	for _, kc := range certs {
		derBytes := x509.MarshalPKCS1PublicKey(kc.SigningKey)
		pemBytes := pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PUBLIC KEY",
			Bytes: derBytes,
		})
		cached = append(cached, cachedKeyCert{
			IdentityFingerprint: kc.IdentityFingerprint,
			SigningKeyDigest:    kc.SigningKeyDigest,
			SigningKeyPEM:       string(pemBytes),
			Expires:             kc.Expires,
		})
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshal key certs: %w", err)
	}
	return s.Write(keyCertsKey, data)
}
