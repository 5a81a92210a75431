package vclock

import (
	"context"
	"testing"
	"time"
)

func TestVirtualAdvanceFiresWaiter(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	done := make(chan struct{})
	go func() {
		_ = v.Sleep(context.Background(), 100*time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("sleep fired before Advance")
	case <-time.After(20 * time.Millisecond):
	}

	v.Advance(100 * time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sleep never fired after Advance")
	}
}

func TestVirtualNowMonotonic(t *testing.T) {
	v := NewVirtual(time.Unix(1000, 0))
	start := v.Now()
	v.Advance(5 * time.Second)
	if !v.Now().After(start) {
		t.Fatal("Now() should advance")
	}
	if v.Now().Sub(start) != 5*time.Second {
		t.Fatalf("got delta %v, want 5s", v.Now().Sub(start))
	}
}

func TestVirtualSleepCancellation(t *testing.T) {
	v := NewVirtual(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := v.Sleep(ctx, time.Second); err == nil {
		t.Fatal("expected cancellation error")
	}
}

func TestRealSleepRespectsContext(t *testing.T) {
	var r Real
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := r.Sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected context deadline error")
	}
}
