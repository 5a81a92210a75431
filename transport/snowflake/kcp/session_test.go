package kcp

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"
)

func newSessionPair(t *testing.T) (a, b *Session) {
	t.Helper()
	c1, c2 := net.Pipe()
	t.Cleanup(func() { c1.Close(); c2.Close() })

	a = NewSession(c1, 1)
	b = NewSession(c2, 1)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Run(ctx)
	b.Run(ctx)
	return a, b
}

func TestSessionDeliversDataInOrder(t *testing.T) {
	a, b := newSessionPair(t)

	msg := []byte("hello over kcp")
	if _, err := a.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := readFullWithTimeout(t, b, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("got %q, want %q", buf, msg)
	}
}

func TestSessionReassemblesFragmentedData(t *testing.T) {
	a, b := newSessionPair(t)

	msg := bytes.Repeat([]byte("x"), maxChunkData*3+17) // spans multiple MTU-sized segments
	if _, err := a.Write(msg); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, len(msg))
	if _, err := readFullWithTimeout(t, b, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatalf("reassembled data mismatch, got %d bytes want %d", len(buf), len(msg))
	}
}

func TestSessionDeliversMultipleWritesInOrder(t *testing.T) {
	a, b := newSessionPair(t)

	if _, err := a.Write([]byte("first-")); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Write([]byte("second")); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, len("first-second"))
	if _, err := readFullWithTimeout(t, b, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "first-second" {
		t.Fatalf("got %q, want %q", buf, "first-second")
	}
}

// readFullWithTimeout drains exactly len(buf) bytes from r, failing the
// test instead of hanging forever if delivery never completes.
func readFullWithTimeout(t *testing.T, r io.Reader, buf []byte) (int, error) {
	t.Helper()
	type res struct {
		n   int
		err error
	}
	ch := make(chan res, 1)
	go func() {
		n, err := io.ReadFull(r, buf)
		ch <- res{n, err}
	}()
	select {
	case r := <-ch:
		return r.n, r.err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for data")
		return 0, nil
	}
}
