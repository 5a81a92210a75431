// Package client assembles the directory, circuit, and stream planes (C1-C8)
// behind one reusable entry point, the way cmd/tor-client wires the same
// pieces together by hand: a Client bootstraps a consensus, keeps a
// pool.Pool of pre-built 3-hop circuits, and hands callers a stream over one
// via Dial.
package client

import (
	"context"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/torclientgo/torclient/circuit"
	"github.com/torclientgo/torclient/config"
	"github.com/torclientgo/torclient/descriptor"
	"github.com/torclientgo/torclient/directory"
	"github.com/torclientgo/torclient/errs"
	"github.com/torclientgo/torclient/link"
	"github.com/torclientgo/torclient/onion"
	"github.com/torclientgo/torclient/pathselect"
	"github.com/torclientgo/torclient/pool"
	"github.com/torclientgo/torclient/stream"
	"github.com/torclientgo/torclient/vclock"
)

// builtCircuit bundles a Circuit with the Link it rides on, since both must
// be torn down together.
type builtCircuit struct {
	circ *circuit.Circuit
	link *link.Link
}

// Client is a bootstrapped Tor client: a validated consensus plus a pool of
// ready-to-use 3-hop circuits.
type Client struct {
	cfg    config.Config
	logger *slog.Logger

	mu        sync.RWMutex
	consensus *directory.Consensus
	cache     *directory.Cache

	circuits *pool.Pool[*builtCircuit]
	hsClient *http.Client

	coMu       sync.Mutex
	checkedOut map[*circuit.Circuit]*builtCircuit
}

// New bootstraps a Client: loads or fetches a consensus, validates it,
// populates relay microdescriptors, and starts a circuit pool sized per
// cfg.Pool. The returned Client is ready for Dial.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = directory.DefaultCacheDir()
	}

	cache := &directory.Cache{Dir: cfg.CacheDir}
	consensus, err := bootstrapConsensus(ctx, cfg, cache, logger)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		cache:     cache,
		consensus: consensus,
		hsClient: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				// Rendezvous/descriptor negotiation here rides the
				// already-anonymized circuit; this client only talks to
				// the onion service itself, which self-signs.
				TLSClientConfig:    &tls.Config{InsecureSkipVerify: true},
				DisableCompression: true,
			},
		},
	}

	c.circuits = pool.New(cfg.Pool, c.buildCircuit, classifyCircuitErr, c.disposeCircuit, vclock.Real{})
	c.checkedOut = make(map[*circuit.Circuit]*builtCircuit)
	return c, nil
}

// AcquireCircuit checks out a pool-managed circuit for direct use, e.g. a
// long-lived front end (like the SOCKS5 server) that multiplexes many
// streams over one circuit rather than Dialing a fresh one per connection.
// Call ReleaseCircuit or EvictCircuit when done with it.
func (c *Client) AcquireCircuit(ctx context.Context) (*circuit.Circuit, error) {
	bc, err := c.circuits.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	c.coMu.Lock()
	c.checkedOut[bc.circ] = bc
	c.coMu.Unlock()
	return bc.circ, nil
}

// ReleaseCircuit returns a circuit previously obtained from AcquireCircuit
// to the pool for reuse.
func (c *Client) ReleaseCircuit(circ *circuit.Circuit) {
	bc := c.takeCheckedOut(circ)
	if bc != nil {
		c.circuits.Release(bc)
	}
}

// EvictCircuit disposes of a circuit previously obtained from
// AcquireCircuit instead of returning it to the pool, e.g. because the
// caller observed it to be broken.
func (c *Client) EvictCircuit(circ *circuit.Circuit) {
	bc := c.takeCheckedOut(circ)
	if bc != nil {
		c.circuits.Evict(bc)
	}
}

func (c *Client) takeCheckedOut(circ *circuit.Circuit) *builtCircuit {
	c.coMu.Lock()
	defer c.coMu.Unlock()
	bc := c.checkedOut[circ]
	delete(c.checkedOut, circ)
	return bc
}

// Consensus returns the current validated consensus document.
func (c *Client) Consensus() *directory.Consensus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.consensus
}

// Stats reports the circuit pool's current occupancy, for observability.
func (c *Client) Stats() pool.Stats {
	return c.circuits.Stats()
}

// Close disposes the circuit pool, destroying every ready circuit and
// closing its link.
func (c *Client) Close() error {
	return c.circuits.Close()
}

// relayFailureErr attributes a circuit-build failure to the relay whose hop
// was being built when it occurred, so pool.Pool's FailureClassifier can
// temporarily exclude that relay (spec.md §4.7's FailureCooldown/
// FailureThreshold) instead of retrying it immediately on the next build.
type relayFailureErr struct {
	fingerprint string
	err         error
}

func (e *relayFailureErr) Error() string { return e.err.Error() }
func (e *relayFailureErr) Unwrap() error { return e.err }

func fingerprintOf(r *directory.Relay) string {
	return strings.ToUpper(hex.EncodeToString(r.Identity[:]))
}

// classifyCircuitErr is buildCircuit's pool.FailureClassifier.
func classifyCircuitErr(err error) (string, bool) {
	var rf *relayFailureErr
	if errors.As(err, &rf) {
		return rf.fingerprint, true
	}
	return "", false
}

// buildCircuit is the pool.Factory backing Client.circuits: it selects a
// fresh guard/middle/exit path (excluding any relay fingerprints the pool
// has demoted), completes the link handshake and CREATE2/EXTEND2 chain, and
// returns the finished circuit.
func (c *Client) buildCircuit(ctx context.Context, excluded map[string]bool) (*builtCircuit, error) {
	consensus := c.Consensus()
	path, err := pathselect.SelectPath(excludeRelays(consensus, excluded))
	if err != nil {
		return nil, errs.Wrap(errs.Transport, "client: select path", err)
	}

	guardInfo := relayInfoFromConsensus(&path.Guard)
	l, err := link.Handshake(ctx, fmt.Sprintf("%s:%d", path.Guard.Address, path.Guard.ORPort), c.cfg.LinkHandshakeTimeout, c.logger)
	if err != nil {
		return nil, &relayFailureErr{fingerprintOf(&path.Guard), errs.Wrap(errs.Transport, "client: guard handshake", err)}
	}

	_ = l.SetDeadline(time.Now().Add(c.cfg.CircuitBuildTimeout))
	circ, err := circuit.Create(l, guardInfo, c.logger)
	if err != nil {
		_ = l.Close()
		return nil, &relayFailureErr{fingerprintOf(&path.Guard), errs.Wrap(errs.Crypto, "client: circuit create", err)}
	}

	if err := circ.Extend(relayInfoFromConsensus(&path.Middle), c.logger); err != nil {
		_ = l.Close()
		return nil, &relayFailureErr{fingerprintOf(&path.Middle), errs.Wrap(errs.Protocol, "client: extend to middle", err)}
	}
	if err := circ.Extend(relayInfoFromConsensus(&path.Exit), c.logger); err != nil {
		_ = l.Close()
		return nil, &relayFailureErr{fingerprintOf(&path.Exit), errs.Wrap(errs.Protocol, "client: extend to exit", err)}
	}
	_ = l.SetDeadline(time.Time{})

	c.logger.Info("circuit built", "circID", fmt.Sprintf("0x%08x", circ.ID),
		"guard", path.Guard.Nickname, "middle", path.Middle.Nickname, "exit", path.Exit.Nickname)
	return &builtCircuit{circ: circ, link: l}, nil
}

func (c *Client) disposeCircuit(bc *builtCircuit) {
	_ = bc.circ.Destroy()
	_ = bc.link.Close()
}

func excludeRelays(consensus *directory.Consensus, excluded map[string]bool) *directory.Consensus {
	if len(excluded) == 0 {
		return consensus
	}
	filtered := &directory.Consensus{
		ValidAfter:       consensus.ValidAfter,
		FreshUntil:       consensus.FreshUntil,
		ValidUntil:       consensus.ValidUntil,
		BandwidthWeights: consensus.BandwidthWeights,
	}
	for _, r := range consensus.Relays {
		if excluded[fingerprintOf(&r)] {
			continue
		}
		filtered.Relays = append(filtered.Relays, r)
	}
	return filtered
}

func relayInfoFromConsensus(relay *directory.Relay) *descriptor.RelayInfo {
	return &descriptor.RelayInfo{
		NodeID:       relay.Identity,
		NtorOnionKey: relay.NtorOnionKey,
		Address:      relay.Address,
		ORPort:       relay.ORPort,
	}
}

// Dial opens a connection to addr (host:port, or an ".onion:port" address)
// through a pool-managed circuit; ".onion" targets instead get dedicated
// circuits built for the call (see dialOnion). network is accepted for io-style
// compatibility but must be "tcp" or empty — Tor only carries TCP streams.
func (c *Client) Dial(ctx context.Context, network, addr string) (io.ReadWriteCloser, error) {
	if network != "tcp" && network != "" {
		return nil, errs.Newf(errs.Protocol, "client: unsupported network %q", network)
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, errs.Wrap(errs.Parse, "client: parse dial address", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, errs.Wrap(errs.Parse, "client: parse dial port", err)
	}

	if strings.HasSuffix(host, ".onion") {
		return c.dialOnion(ctx, host, uint16(port))
	}

	bc, err := c.circuits.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	s, err := stream.BeginContext(ctx, bc.circ, fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		c.circuits.Evict(bc)
		return nil, errs.Wrap(errs.Transport, "client: begin stream", err)
	}
	return &pooledStream{Stream: s, client: c, bc: bc}, nil
}

// pooledStream returns its circuit to the pool on Close rather than
// destroying it, so later Dial calls can reuse an already-built circuit.
type pooledStream struct {
	*stream.Stream
	client *Client
	bc     *builtCircuit

	mu     sync.Mutex
	closed bool
}

func (p *pooledStream) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	err := p.Stream.Close()
	p.client.circuits.Release(p.bc)
	return err
}

// dialOnion performs the v3 onion service connection protocol, building a
// dedicated rendezvous circuit (and, per-introduction-point, a dedicated
// introduction circuit) rather than drawing from the shared circuit pool:
// those circuits are single-use by protocol design and can't be recycled
// the way a plain exit stream's circuit can.
func (c *Client) dialOnion(ctx context.Context, onionAddr string, port uint16) (io.ReadWriteCloser, error) {
	cb := &onionCircuitBuilder{client: c}
	return onion.ConnectOnionService(onionAddr, port, c.Consensus(), c.hsClient, cb, c.logger)
}

// onionCircuitBuilder implements onion.CircuitBuilder by building
// dedicated circuits outside the pool, trying up to three times the way
// cmd/tor-client's buildInitialCircuit does.
type onionCircuitBuilder struct {
	client *Client
}

func (cb *onionCircuitBuilder) BuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		built, err := cb.tryBuildCircuit(target)
		if err != nil {
			lastErr = err
			cb.client.logger.Warn("onion circuit build attempt failed", "attempt", attempt, "error", err)
			continue
		}
		return built, nil
	}
	return nil, fmt.Errorf("build onion circuit after %d attempts: %w", maxAttempts, lastErr)
}

func (cb *onionCircuitBuilder) tryBuildCircuit(target *descriptor.RelayInfo) (*onion.BuiltCircuit, error) {
	consensus := cb.client.Consensus()

	var guard, middle *directory.Relay
	var lastHopRelay *directory.Relay
	if target != nil {
		exit, err := pathselect.SelectExit(consensus)
		if err != nil {
			return nil, fmt.Errorf("select exit for path: %w", err)
		}
		guard, err = pathselect.SelectGuard(consensus, exit)
		if err != nil {
			return nil, fmt.Errorf("select guard: %w", err)
		}
		middle, err = pathselect.SelectMiddle(consensus, guard, exit)
		if err != nil {
			return nil, fmt.Errorf("select middle: %w", err)
		}
	} else {
		path, err := pathselect.SelectPath(consensus)
		if err != nil {
			return nil, fmt.Errorf("select path: %w", err)
		}
		guard, middle, lastHopRelay = &path.Guard, &path.Middle, &path.Exit
	}

	l, err := link.Handshake(context.Background(), fmt.Sprintf("%s:%d", guard.Address, guard.ORPort), cb.client.cfg.LinkHandshakeTimeout, cb.client.logger)
	if err != nil {
		return nil, fmt.Errorf("guard handshake: %w", err)
	}

	_ = l.SetDeadline(time.Now().Add(cb.client.cfg.CircuitBuildTimeout))
	c, err := circuit.Create(l, relayInfoFromConsensus(guard), cb.client.logger)
	if err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("circuit create: %w", err)
	}

	if err := c.Extend(relayInfoFromConsensus(middle), cb.client.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to middle: %w", err)
	}

	lastHopInfo := target
	if lastHopInfo == nil {
		lastHopInfo = relayInfoFromConsensus(lastHopRelay)
	}
	if err := c.Extend(lastHopInfo, cb.client.logger); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("extend to last hop: %w", err)
	}
	_ = l.SetDeadline(time.Time{})

	return &onion.BuiltCircuit{Circuit: c, LinkCloser: l, LastHop: lastHopInfo}, nil
}
