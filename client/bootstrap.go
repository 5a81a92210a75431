package client

import (
	"context"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/torclientgo/torclient/config"
	"github.com/torclientgo/torclient/descriptor"
	"github.com/torclientgo/torclient/directory"
	"github.com/torclientgo/torclient/errs"
	"github.com/torclientgo/torclient/vclock"
)

// maxDescriptorFallbacks bounds how many relays get the slow per-relay
// full-descriptor fetch after a microdescriptor batch fetch leaves them
// without an ntor key — without a cap, a directory authority that's
// missing most of its microdescriptors would turn bootstrap into one
// HTTP round trip per relay.
const maxDescriptorFallbacks = 20

// bootstrapConsensus loads a cached consensus or fetches a fresh one,
// validates its signatures and freshness, and populates every relay's
// microdescriptor fields (ntor key, ed25519 ID). This is the same sequence
// cmd/tor-client's main() ran inline; here it returns errors instead of
// calling os.Exit so a library caller can decide how to react.
func bootstrapConsensus(ctx context.Context, cfg config.Config, cache *directory.Cache, logger *slog.Logger) (*directory.Consensus, error) {
	text, err := loadOrFetchConsensusText(ctx, cfg, cache, logger)
	if err != nil {
		return nil, err
	}

	keyCerts, err := loadOrFetchKeyCerts(cache, logger)
	if err != nil {
		logger.Warn("failed to obtain authority key certificates, falling back to structural validation", "error", err)
	}

	consensus, err := validateAndParseConsensus(text, keyCerts, cache, logger)
	if err != nil {
		return nil, err
	}

	populateMicrodescriptors(consensus, cache, logger)
	return consensus, nil
}

func loadOrFetchConsensusText(ctx context.Context, cfg config.Config, cache *directory.Cache, logger *slog.Logger) (string, error) {
	if text, ok := cache.LoadConsensus(); ok {
		logger.Info("loaded consensus from cache")
		return text, nil
	}
	logger.Info("fetching consensus from directory authorities")
	text, err := directory.FetchConsensusWithBackoff(ctx, cfg, vclock.Real{}, logger)
	if err != nil {
		return "", errs.Wrap(errs.Transport, "client: fetch consensus", err)
	}
	logger.Info("fetched consensus", "bytes", len(text))
	return text, nil
}

func loadOrFetchKeyCerts(cache *directory.Cache, logger *slog.Logger) ([]directory.KeyCert, error) {
	keyCerts, err := cache.LoadKeyCerts()
	if err == nil && len(keyCerts) > 0 {
		logger.Info("loaded authority key certificates from cache", "count", len(keyCerts))
		return keyCerts, nil
	}
	keyCerts, err = directory.FetchKeyCerts()
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "client: fetch key certs", err)
	}
	logger.Info("fetched authority key certificates", "count", len(keyCerts))
	if err := cache.SaveKeyCerts(keyCerts); err != nil {
		logger.Warn("failed to cache key certs", "error", err)
	}
	return keyCerts, nil
}

func validateAndParseConsensus(text string, keyCerts []directory.KeyCert, cache *directory.Cache, logger *slog.Logger) (*directory.Consensus, error) {
	if err := directory.ValidateSignatures(text, keyCerts); err != nil {
		return nil, errs.Wrap(errs.Crypto, "client: validate consensus signatures", err)
	}
	if len(keyCerts) > 0 {
		logger.Info("consensus cryptographically verified")
	} else {
		logger.Info("consensus structurally validated")
	}

	consensus, err := directory.ParseConsensus(text)
	if err != nil {
		return nil, errs.Wrap(errs.Parse, "client: parse consensus", err)
	}
	logger.Info("parsed consensus", "relays", len(consensus.Relays))

	if err := directory.ValidateFreshness(consensus); err != nil {
		return nil, errs.Wrap(errs.Expired, "client: consensus freshness", err)
	}
	if err := cache.SaveConsensus(text, consensus.FreshUntil, consensus.ValidUntil); err != nil {
		logger.Warn("failed to cache consensus", "error", err)
	}
	return consensus, nil
}

func populateMicrodescriptors(consensus *directory.Consensus, cache *directory.Cache, logger *slog.Logger) {
	var usefulRelays []directory.Relay
	for _, r := range consensus.Relays {
		if r.Flags.Running && r.Flags.Valid && (r.Flags.Guard || r.Flags.Exit || r.Flags.Fast || r.Flags.HSDir) {
			usefulRelays = append(usefulRelays, r)
		}
	}

	cachedCount := cache.LoadMicrodescriptors(usefulRelays)
	if cachedCount > 0 {
		logger.Info("loaded relays from microdescriptor cache", "count", cachedCount)
	}

	fetchMissingMicrodescriptors(usefulRelays, logger)

	if err := cache.SaveMicrodescriptors(usefulRelays); err != nil {
		logger.Warn("failed to cache microdescriptors", "error", err)
	}
	consensus.Relays = usefulRelays
}

func fetchMissingMicrodescriptors(relays []directory.Relay, logger *slog.Logger) {
	needFetch := 0
	for _, r := range relays {
		if !r.HasNtorKey {
			needFetch++
		}
	}
	if needFetch == 0 {
		return
	}
	logger.Info("fetching microdescriptors", "count", needFetch)
	for _, addr := range directory.DirAuthorities {
		if directory.UpdateRelaysWithMicrodescriptors(addr, relays) == nil {
			break
		}
		logger.Warn("microdesc fetch failed", "addr", addr)
	}

	fetchMissingFullDescriptors(relays, logger)
}

// fetchMissingFullDescriptors falls back to descriptor.FetchDescriptor for
// relays the microdescriptor batch fetch still left without an ntor key
// (pathselect otherwise excludes any relay with !HasNtorKey entirely).
func fetchMissingFullDescriptors(relays []directory.Relay, logger *slog.Logger) {
	attempted := 0
	filled := 0
	for i := range relays {
		if relays[i].HasNtorKey {
			continue
		}
		if attempted >= maxDescriptorFallbacks {
			logger.Warn("descriptor fallback cap reached, remaining relays stay unusable",
				"cap", maxDescriptorFallbacks)
			break
		}
		attempted++

		fp := strings.ToUpper(hex.EncodeToString(relays[i].Identity[:]))
		var info *descriptor.RelayInfo
		var err error
		for _, addr := range directory.DirAuthorities {
			info, err = descriptor.FetchDescriptor(addr, fp)
			if err == nil {
				break
			}
		}
		if err != nil {
			logger.Warn("full descriptor fallback failed", "fingerprint", fp, "error", err)
			continue
		}

		relays[i].NtorOnionKey = info.NtorOnionKey
		relays[i].HasNtorKey = true
		filled++
	}
	if attempted > 0 {
		logger.Info("full descriptor fallback complete", "attempted", attempted, "filled", filled)
	}
}
