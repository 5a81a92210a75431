package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/torclientgo/torclient/config"
	"github.com/torclientgo/torclient/errs"
	"github.com/torclientgo/torclient/vclock"
)

// Directory authorities (from tor source, as of 2025).
var DirAuthorities = []string{
	"128.31.0.39:9131",   // moria1
	"86.59.21.38:80",     // tor26
	"194.109.206.212:80", // dizum
	"199.58.81.140:80",   // Faravahar
	"204.13.164.118:80",  // longclaw
	"66.111.2.131:9030",  // bastet
	"193.23.244.244:80",  // dannenberg
	"171.25.193.9:443",   // maatuska
	"154.35.175.225:80",  // gabelmoo
}

// FetchConsensus fetches the microdescriptor consensus from directory authorities.
// It tries each authority in order until one succeeds.
func FetchConsensus() (string, error) {
	var lastErr error
	for _, addr := range DirAuthorities {
		body, err := fetchConsensusFrom(addr)
		if err != nil {
			lastErr = err
			continue
		}
		return body, nil
	}
	return "", errs.Wrap(errs.Transport, "directory: all authorities failed", lastErr)
}

// FetchConsensusFrom fetches the microdescriptor consensus from a specific directory authority.
func FetchConsensusFrom(addr string) (string, error) {
	return fetchConsensusFrom(addr)
}

// FetchConsensusWithBackoff retries full sweeps over DirAuthorities,
// backing off between sweeps with cfg's exponential-backoff-with-jitter
// knobs (BackoffBase/BackoffCap/BackoffJitter) via clock, so bootstrap
// degrades gracefully on a transient network blip instead of failing
// after one unlucky pass over all nine authorities.
func FetchConsensusWithBackoff(ctx context.Context, cfg config.Config, clock vclock.Clock, logger *slog.Logger) (string, error) {
	if clock == nil {
		clock = vclock.Real{}
	}
	var lastErr error
	for attempt := 0; ; attempt++ {
		text, err := FetchConsensus()
		if err == nil {
			return text, nil
		}
		lastErr = err

		delay := backoffDelay(cfg, attempt)
		if delay <= 0 {
			return "", errs.Wrap(errs.Transport, "directory: consensus fetch exhausted retries", lastErr)
		}
		if logger != nil {
			logger.Warn("consensus fetch sweep failed, backing off", "attempt", attempt, "delay", delay, "error", err)
		}
		if err := clock.Sleep(ctx, delay); err != nil {
			return "", errs.Wrap(errs.Cancelled, "directory: consensus fetch cancelled", err)
		}
	}
}

// maxConsensusAttempts bounds FetchConsensusWithBackoff's retry sweeps so a
// directory authority outage that never clears doesn't retry forever.
const maxConsensusAttempts = 5

// backoffDelay returns the wait before retry attempt n (0-indexed), or <=0
// once the attempt budget is exhausted.
func backoffDelay(cfg config.Config, attempt int) time.Duration {
	if attempt >= maxConsensusAttempts-1 {
		return 0
	}
	base := cfg.BackoffBase
	if base <= 0 {
		base = 2 * time.Second
	}
	ceiling := cfg.BackoffCap
	if ceiling <= 0 {
		ceiling = 60 * time.Second
	}
	delay := base << uint(attempt)
	if delay <= 0 || delay > ceiling { // overflow or past the cap
		delay = ceiling
	}
	if cfg.BackoffJitter > 0 {
		jitter := float64(delay) * cfg.BackoffJitter * (rand.Float64()*2 - 1)
		delay += time.Duration(jitter)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

func fetchConsensusFrom(addr string) (string, error) {
	client := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DisableCompression: true, // Tor directory servers mishandle Accept-Encoding
		},
	}
	url := fmt.Sprintf("http://%s/tor/status-vote/current/consensus-microdesc", addr)

	resp, err := client.Get(url)
	if err != nil {
		return "", errs.Wrap(errs.Transport, fmt.Sprintf("directory: fetch consensus from %s", addr), err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", errs.Newf(errs.Transport, "directory: fetch consensus from %s: HTTP %d", addr, resp.StatusCode)
	}

	// Consensus is typically ~2MB, cap at 10MB for safety
	body, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return "", errs.Wrap(errs.Transport, fmt.Sprintf("directory: read consensus from %s", addr), err)
	}

	return string(body), nil
}
