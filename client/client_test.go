package client

import (
	"errors"
	"testing"

	"github.com/torclientgo/torclient/directory"
)

func relay(fp [20]byte, bw int64) directory.Relay {
	return directory.Relay{Identity: fp, Bandwidth: bw}
}

func TestFingerprintOfRoundTrips(t *testing.T) {
	var id [20]byte
	for i := range id {
		id[i] = byte(i)
	}
	r := relay(id, 1000)
	got := fingerprintOf(&r)
	if len(got) != 40 {
		t.Fatalf("fingerprint length = %d, want 40 hex chars", len(got))
	}
	if got != "000102030405060708090A0B0C0D0E0F10111213" {
		t.Fatalf("fingerprint = %q", got)
	}
}

func TestExcludeRelaysFiltersByFingerprint(t *testing.T) {
	var idA, idB [20]byte
	idA[0] = 0xAA
	idB[0] = 0xBB
	consensus := &directory.Consensus{
		Relays: []directory.Relay{relay(idA, 100), relay(idB, 200)},
	}

	excluded := map[string]bool{fingerprintOf(&consensus.Relays[0]): true}
	filtered := excludeRelays(consensus, excluded)
	if len(filtered.Relays) != 1 {
		t.Fatalf("got %d relays, want 1", len(filtered.Relays))
	}
	if filtered.Relays[0].Identity != idB {
		t.Fatalf("wrong relay survived filtering")
	}
}

func TestExcludeRelaysNoopWhenEmpty(t *testing.T) {
	consensus := &directory.Consensus{Relays: []directory.Relay{relay([20]byte{1}, 1)}}
	filtered := excludeRelays(consensus, nil)
	if filtered != consensus {
		t.Fatalf("expected the same Consensus pointer when nothing is excluded")
	}
}

func TestClassifyCircuitErrExtractsFingerprint(t *testing.T) {
	wrapped := &relayFailureErr{fingerprint: "DEADBEEF", err: errors.New("guard handshake: timeout")}
	fp, ok := classifyCircuitErr(wrapped)
	if !ok || fp != "DEADBEEF" {
		t.Fatalf("classifyCircuitErr = (%q, %v), want (DEADBEEF, true)", fp, ok)
	}
}

func TestClassifyCircuitErrUnattributed(t *testing.T) {
	_, ok := classifyCircuitErr(errors.New("generic failure"))
	if ok {
		t.Fatalf("classifyCircuitErr should not attribute a plain error to any relay")
	}
}

func TestClassifyCircuitErrNil(t *testing.T) {
	_, ok := classifyCircuitErr(nil)
	if ok {
		t.Fatalf("classifyCircuitErr(nil) should report ok=false")
	}
}
