// Package pool amortizes expensive resource construction (circuit
// building, in the client's case) across concurrent consumers, per
// spec.md §4.7: bounded parallelism, at-most-once build per logical
// slot, and a critical invariant that a second concurrent Acquire must
// not launch another min-in-flight batch while the first one's builds
// are still outstanding — it must subscribe to them instead.
package pool

import (
	"context"
	"sync"

	"github.com/torclientgo/torclient/config"
	"github.com/torclientgo/torclient/errs"
	"github.com/torclientgo/torclient/vclock"
)

// ErrClosed is returned by Acquire once the pool has been Closed.
var ErrClosed = errs.New(errs.Closed, "pool: disposed")

// Factory builds one resource. excluded lists keys (e.g. relay
// fingerprints) the pool has temporarily demoted via FailureClassifier and
// that the factory should avoid selecting.
type Factory[T any] func(ctx context.Context, excluded map[string]bool) (T, error)

// FailureClassifier inspects a build error and, if it implicates a
// specific resource (a relay), returns its key and true so the pool can
// count it toward exclusion; ok=false means the failure is not
// attributable to a single resource (e.g. a directory-side Parse error).
type FailureClassifier func(err error) (key string, ok bool)

// Dispose releases a resource that will never be returned to the pool
// again (e.g. on consumer-driven teardown of a circuit).
type Dispose[T any] func(T)

// Pool builds and hands out resources of type T with bounded concurrent
// construction.
type Pool[T any] struct {
	cfg        config.PoolConfig
	factory    Factory[T]
	classify   FailureClassifier
	dispose    Dispose[T]
	clock      vclock.Clock

	mu          sync.Mutex
	ready       []readyItem[T]
	building    map[uint64]*buildTask[T]
	nextBuildID uint64
	closed      bool
	readySignal chan struct{}

	failures *failureTracker
}

type readyItem[T any] struct {
	value     T
	createdAt int64 // unix nanos at creation, for idle-TTL accounting
}

type buildTask[T any] struct {
	done   chan struct{}
	result T
	err    error
}

// New creates a Pool with the given factory and config. classify and
// dispose may be nil if the caller does not need relay-bad accounting or
// explicit teardown.
func New[T any](cfg config.PoolConfig, factory Factory[T], classify FailureClassifier, dispose Dispose[T], clock vclock.Clock) *Pool[T] {
	if clock == nil {
		clock = vclock.Real{}
	}
	return &Pool[T]{
		cfg:         cfg,
		factory:     factory,
		classify:    classify,
		dispose:     dispose,
		clock:       clock,
		building:    make(map[uint64]*buildTask[T]),
		readySignal: make(chan struct{}),
		failures:    newFailureTracker(clock, cfg.FailureThreshold, cfg.FailureCooldown),
	}
}

// Acquire returns a ready resource, building one (or subscribing to an
// in-flight build) if none is ready yet.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			var zero T
			return zero, ErrClosed
		}
		if len(p.ready) > 0 {
			item := p.ready[0]
			p.ready = p.ready[1:]
			p.mu.Unlock()
			return item.value, nil
		}

		// Only start a fresh batch when nothing is currently building —
		// the invariant in spec.md §4.7 forbids topping off a partial
		// batch; an Acquire that arrives mid-batch just subscribes.
		if len(p.building) == 0 {
			capacity := p.cfg.MaxTotal - len(p.ready) - len(p.building)
			n := p.cfg.MinInFlight
			if n > capacity {
				n = capacity
			}
			if n < 1 && capacity > 0 {
				n = 1
			}
			for i := 0; i < n; i++ {
				p.startBuildLocked(ctx)
			}
			if n <= 0 {
				p.mu.Unlock()
				var zero T
				return zero, errs.New(errs.Closed, "pool: at max-total capacity")
			}
		}

		tasks := make([]*buildTask[T], 0, len(p.building))
		for _, t := range p.building {
			tasks = append(tasks, t)
		}
		sig := p.readySignal
		p.mu.Unlock()

		if err := p.awaitAny(ctx, tasks, sig); err != nil {
			var zero T
			return zero, err
		}
		// Loop: re-check the ready queue under lock.
	}
}

// startBuildLocked launches one build goroutine. Caller must hold p.mu.
func (p *Pool[T]) startBuildLocked(ctx context.Context) {
	id := p.nextBuildID
	p.nextBuildID++
	task := &buildTask[T]{done: make(chan struct{})}
	p.building[id] = task

	excluded := p.failures.excludedSnapshot()
	go func() {
		v, err := p.factory(ctx, excluded)
		task.result, task.err = v, err
		close(task.done)
		p.onBuildComplete(id, task)
	}()
}

func (p *Pool[T]) onBuildComplete(id uint64, task *buildTask[T]) {
	p.mu.Lock()
	delete(p.building, id)
	if task.err == nil {
		p.ready = append(p.ready, readyItem[T]{value: task.result, createdAt: p.clock.Now().UnixNano()})
	} else if p.classify != nil {
		if key, ok := p.classify(task.err); ok {
			p.failures.record(key)
		}
	}
	close(p.readySignal)
	p.readySignal = make(chan struct{})
	p.mu.Unlock()
}

// awaitAny blocks until any of tasks completes, or sig fires (meaning the
// ready queue or building set changed and the caller should re-evaluate),
// or ctx is cancelled.
func (p *Pool[T]) awaitAny(ctx context.Context, tasks []*buildTask[T], sig chan struct{}) error {
	if len(tasks) == 0 {
		select {
		case <-sig:
			return nil
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, "pool: acquire cancelled", ctx.Err())
		}
	}
	cases := make(chan struct{}, len(tasks)+1)
	for _, t := range tasks {
		t := t
		go func() {
			select {
			case <-t.done:
				select {
				case cases <- struct{}{}:
				default:
				}
			case <-ctx.Done():
			}
		}()
	}
	select {
	case <-cases:
		return nil
	case <-sig:
		return nil
	case <-ctx.Done():
		return errs.Wrap(errs.Cancelled, "pool: acquire cancelled", ctx.Err())
	}
}

// Release returns a resource to the ready pool for reuse (e.g. a circuit
// that is idle but still healthy). Callers that consider the resource
// unusable should call Evict instead.
func (p *Pool[T]) Release(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		if p.dispose != nil {
			p.dispose(v)
		}
		return
	}
	p.ready = append(p.ready, readyItem[T]{value: v, createdAt: p.clock.Now().UnixNano()})
	close(p.readySignal)
	p.readySignal = make(chan struct{})
}

// Evict disposes of a resource without returning it to the pool.
func (p *Pool[T]) Evict(v T) {
	if p.dispose != nil {
		p.dispose(v)
	}
}

// EvictIdle disposes of ready resources that have sat unused longer than
// idleTTL, per spec.md's ResourcePoolSlot idle-ttl invariant.
func (p *Pool[T]) EvictIdle() {
	p.mu.Lock()
	now := p.clock.Now().UnixNano()
	ttl := p.cfg.IdleTTL.Nanoseconds()
	kept := p.ready[:0]
	var evicted []T
	for _, item := range p.ready {
		if ttl > 0 && now-item.createdAt > ttl {
			evicted = append(evicted, item.value)
			continue
		}
		kept = append(kept, item)
	}
	p.ready = kept
	p.mu.Unlock()

	for _, v := range evicted {
		p.Evict(v)
	}
}

// Close disposes the pool: further Acquire calls return ErrClosed, and
// every currently-ready resource is disposed.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	ready := p.ready
	p.ready = nil
	close(p.readySignal)
	p.mu.Unlock()

	if p.dispose != nil {
		for _, item := range ready {
			p.dispose(item.value)
		}
	}
	return nil
}

// Stats reports a point-in-time snapshot for observability/tests.
type Stats struct {
	Ready    int
	Building int
	Excluded int
}

func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Ready:    len(p.ready),
		Building: len(p.building),
		Excluded: p.failures.excludedCount(),
	}
}
