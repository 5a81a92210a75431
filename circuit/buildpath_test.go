package circuit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/torclientgo/torclient/errs"
)

func TestBuildPathRejectsEmptyPath(t *testing.T) {
	_, err := BuildPath(context.Background(), nil, nil, nil)
	if err == nil {
		t.Fatal("expected error for empty relay list")
	}
}

func TestRunCancellableReturnsResultWhenFasterThanCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got, err := runCancellable(ctx, func() (int, error) {
		return 42, nil
	}, func(int) {
		t.Fatal("cleanup should not run when work wins the race")
	})
	if err != nil {
		t.Fatalf("runCancellable: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestRunCancellablePropagatesWorkError(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := runCancellable(context.Background(), func() (int, error) {
		return 0, wantErr
	}, nil)
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want wrapped %v", err, wantErr)
	}
}

func TestRunCancellableReturnsCancelledBeforeWorkFinishes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	cleaned := make(chan int, 1)

	cancel() // already cancelled: the select must take the ctx.Done() branch

	_, err := runCancellable(ctx, func() (int, error) {
		<-release
		return 7, nil
	}, func(v int) {
		cleaned <- v
	})
	if !errs.Is(err, errs.Cancelled) {
		t.Fatalf("expected Cancelled-kind error, got %v", err)
	}

	close(release)
	select {
	case v := <-cleaned:
		if v != 7 {
			t.Fatalf("cleanup got %d, want 7", v)
		}
	case <-time.After(time.Second):
		t.Fatal("cleanup was never invoked for the in-flight result")
	}
}

func TestRunCancellableSkipsCleanupOnLateError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})

	cancel()

	cleanupCalled := make(chan struct{}, 1)
	_, err := runCancellable(ctx, func() (int, error) {
		<-release
		return 0, errors.New("late failure")
	}, func(int) {
		cleanupCalled <- struct{}{}
	})
	if !errs.Is(err, errs.Cancelled) {
		t.Fatalf("expected Cancelled-kind error, got %v", err)
	}

	close(release)
	select {
	case <-cleanupCalled:
		t.Fatal("cleanup must not run when the in-flight work itself failed")
	case <-time.After(100 * time.Millisecond):
	}
}
