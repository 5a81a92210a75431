// Package config holds the client-wide tunables named throughout spec.md
// (§4.3, §4.7, §5) as one small struct with sane defaults, rather than a
// generic configuration-loading framework — matching the teacher's style
// of plain structs with zero-value-safe defaults.
package config

import "time"

// Config collects every timeout, cache location and pool-sizing knob the
// client needs.
type Config struct {
	// Timeouts (spec.md §5).
	LinkHandshakeTimeout time.Duration
	CircuitBuildTimeout  time.Duration
	RelayRoundTripTimeout time.Duration
	ConsensusFetchTimeout time.Duration
	StreamBeginTimeout    time.Duration

	// Directory plane (spec.md §4.3).
	CacheDir            string
	ConsensusMaxAge      time.Duration
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	BackoffJitter        float64 // fraction, e.g. 0.25 for ±25%

	// Resource pool (spec.md §4.7).
	Pool PoolConfig
}

// PoolConfig mirrors spec.md §3's CircuitPoolConfig.
type PoolConfig struct {
	MinReady        int
	MinInFlight     int
	MaxTotal        int
	IdleTTL         time.Duration
	BuildTimeout    time.Duration
	FailureCooldown time.Duration
	FailureThreshold int
}

// Default returns the configuration used when the caller supplies none,
// with every value spec.md states explicitly.
func Default() Config {
	return Config{
		LinkHandshakeTimeout:  20 * time.Second,
		CircuitBuildTimeout:   30 * time.Second,
		RelayRoundTripTimeout: 10 * time.Second,
		ConsensusFetchTimeout: 60 * time.Second,
		StreamBeginTimeout:    30 * time.Second,

		ConsensusMaxAge: 30 * 24 * time.Hour,
		BackoffBase:     2 * time.Second,
		BackoffCap:      60 * time.Second,
		BackoffJitter:   0.25,

		Pool: PoolConfig{
			MinReady:         2,
			MinInFlight:      2,
			MaxTotal:         16,
			IdleTTL:          10 * time.Minute,
			BuildTimeout:     30 * time.Second,
			FailureCooldown:  15 * time.Minute,
			FailureThreshold: 3,
		},
	}
}
