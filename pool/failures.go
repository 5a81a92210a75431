package pool

import (
	"sync"
	"time"

	"github.com/torclientgo/torclient/vclock"
)

// failureTracker counts build failures attributed to a specific key (a
// relay fingerprint, typically) and excludes that key from future builds
// once it crosses threshold failures, for cooldown.
type failureTracker struct {
	mu        sync.Mutex
	clock     vclock.Clock
	threshold int
	cooldown  time.Duration
	counts    map[string]int
	bannedUntil map[string]time.Time
}

func newFailureTracker(clock vclock.Clock, threshold int, cooldown time.Duration) *failureTracker {
	return &failureTracker{
		clock:       clock,
		threshold:   threshold,
		cooldown:    cooldown,
		counts:      make(map[string]int),
		bannedUntil: make(map[string]time.Time),
	}
}

func (f *failureTracker) record(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[key]++
	if f.threshold > 0 && f.counts[key] >= f.threshold {
		f.bannedUntil[key] = f.clock.Now().Add(f.cooldown)
		f.counts[key] = 0
	}
}

// excludedSnapshot returns the set of keys currently under cooldown.
func (f *failureTracker) excludedSnapshot() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.clock.Now()
	out := make(map[string]bool, len(f.bannedUntil))
	for k, until := range f.bannedUntil {
		if now.Before(until) {
			out[k] = true
		} else {
			delete(f.bannedUntil, k)
		}
	}
	return out
}

func (f *failureTracker) excludedCount() int {
	return len(f.excludedSnapshot())
}
