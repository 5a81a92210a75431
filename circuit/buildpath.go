package circuit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/torclientgo/torclient/descriptor"
	"github.com/torclientgo/torclient/errs"
	"github.com/torclientgo/torclient/link"
)

// BuildPath establishes a multi-hop circuit over l through relays, in
// order (relays[0] is the guard/entry hop). It wraps Create (for the
// first hop) and Extend (for every subsequent hop) behind one
// cancellable call. If ctx is cancelled mid-build, BuildPath returns a
// Cancelled error at once, without waiting for the Create/Extend in
// progress; DESTROY is not sent before it returns. A build that still
// completes afterwards is torn down with DESTROY in the background, and
// a build that fails destroys its partial circuit itself, so callers
// never have to track a half-built circuit.
func BuildPath(ctx context.Context, l *link.Link, relays []*descriptor.RelayInfo, logger *slog.Logger) (*Circuit, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("circuit: BuildPath needs at least one relay")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return runCancellable(ctx, func() (*Circuit, error) {
		circ, err := Create(l, relays[0], logger)
		if err != nil {
			return nil, fmt.Errorf("create first hop: %w", err)
		}
		for i := 1; i < len(relays); i++ {
			if err := circ.Extend(relays[i], logger); err != nil {
				circ.Destroy()
				return nil, fmt.Errorf("extend to hop %d: %w", i, err)
			}
		}
		return circ, nil
	}, func(circ *Circuit) {
		if circ != nil {
			circ.Destroy()
		}
	})
}

// runCancellable runs work in its own goroutine and races it against
// ctx.Done(). If ctx is cancelled first, work is left running in the
// background; once it finishes successfully, cleanup is handed what it
// produced so a caller that built a real resource never leaks it, even
// though runCancellable itself has already returned the cancellation
// error to its own caller. If work fails, cleanup is not called.
func runCancellable[T any](ctx context.Context, work func() (T, error), cleanup func(T)) (T, error) {
	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)

	go func() {
		val, err := work()
		done <- result{val, err}
	}()

	select {
	case r := <-done:
		return r.val, r.err
	case <-ctx.Done():
		go func() {
			r := <-done
			if r.err == nil && cleanup != nil {
				cleanup(r.val)
			}
		}()
		var zero T
		return zero, errs.Wrap(errs.Cancelled, "circuit: BuildPath cancelled", ctx.Err())
	}
}
