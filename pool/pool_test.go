package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/torclientgo/torclient/config"
	"github.com/torclientgo/torclient/vclock"
)

func blockingFactory(calls *int32, gate chan struct{}) Factory[string] {
	return func(ctx context.Context, excluded map[string]bool) (string, error) {
		n := atomic.AddInt32(calls, 1)
		<-gate
		return fmt.Sprintf("r%d", n), nil
	}
}

// TestSecondAcquireSubscribesNotRelaunches is the Open-Question-resolving
// test: with MinInFlight=2, two concurrent Acquire calls that arrive while
// the first batch is still building must result in exactly two factory
// invocations, not four.
func TestSecondAcquireSubscribesNotRelaunches(t *testing.T) {
	var calls int32
	gate := make(chan struct{})
	cfg := config.PoolConfig{MinInFlight: 2, MaxTotal: 16}
	clock := vclock.NewVirtual(time.Unix(0, 0))
	p := New(cfg, blockingFactory(&calls, gate), nil, nil, clock)

	var wg sync.WaitGroup
	results := make([]string, 2)
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = p.Acquire(context.Background())
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) < 1 {
		select {
		case <-deadline:
			t.Fatal("first build never started")
		case <-time.After(time.Millisecond):
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[1], errs[1] = p.Acquire(context.Background())
	}()

	deadline = time.After(2 * time.Second)
	for atomic.LoadInt32(&calls) < 2 {
		select {
		case <-deadline:
			t.Fatal("second build never started")
		case <-time.After(time.Millisecond):
		}
	}

	// Give the second Acquire a moment to observe building=2 and refrain
	// from launching a third/fourth build before we release the gate.
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 factory invocations, got %d", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if results[0] == results[1] {
		t.Fatalf("both acquires got the same resource: %q", results[0])
	}
}

func TestAcquireReturnsReadyWithoutBuilding(t *testing.T) {
	var calls int32
	cfg := config.PoolConfig{MinInFlight: 1, MaxTotal: 4}
	clock := vclock.NewVirtual(time.Unix(0, 0))
	factory := func(ctx context.Context, excluded map[string]bool) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "only", nil
	}
	p := New(cfg, factory, nil, nil, clock)

	v, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v != "only" {
		t.Fatalf("got %q", v)
	}
	p.Release(v)

	v2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if v2 != "only" {
		t.Fatalf("expected released resource to be reused, got %q", v2)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 factory invocation after release+reacquire, got %d", got)
	}
}

func TestAcquireAfterCloseFails(t *testing.T) {
	cfg := config.PoolConfig{MinInFlight: 1, MaxTotal: 4}
	clock := vclock.NewVirtual(time.Unix(0, 0))
	var disposed int32
	factory := func(ctx context.Context, excluded map[string]bool) (string, error) {
		return "x", nil
	}
	dispose := func(v string) { atomic.AddInt32(&disposed, 1) }
	p := New(cfg, factory, nil, dispose, clock)

	v, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	p.Release(v)

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if atomic.LoadInt32(&disposed) != 1 {
		t.Fatalf("expected ready resource disposed on Close, got %d", disposed)
	}
	if _, err := p.Acquire(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestFailureClassifierExcludesAfterThreshold(t *testing.T) {
	cfg := config.PoolConfig{MinInFlight: 1, MaxTotal: 4, FailureThreshold: 2, FailureCooldown: time.Hour}
	clock := vclock.NewVirtual(time.Unix(0, 0))
	var attempt int32
	factory := func(ctx context.Context, excluded map[string]bool) (string, error) {
		n := atomic.AddInt32(&attempt, 1)
		if n <= 2 {
			return "", fmt.Errorf("relay-bad:r1")
		}
		return "ok", nil
	}
	classify := func(err error) (string, bool) { return "r1", true }
	p := New(cfg, factory, classify, nil, clock)

	// The first two attempts fail and cross the threshold, excluding r1;
	// Acquire keeps retrying internally (a fresh batch each time the
	// prior one fully drains) until the third attempt succeeds.
	v, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire never succeeded: %v", err)
	}
	if v != "ok" {
		t.Fatalf("got %q", v)
	}
	if p.Stats().Excluded != 1 {
		t.Fatalf("expected r1 excluded after threshold failures")
	}
}
