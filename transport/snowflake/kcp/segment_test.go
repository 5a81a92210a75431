package kcp

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	seg := Segment{Conv: 0xdeadbeef, Cmd: CmdPush, Frg: 2, Wnd: 32, TS: 12345, SN: 7, Una: 3, Data: []byte("payload")}
	wire := Encode(seg)

	got, remaining, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining bytes, got %d", remaining)
	}
	if got.Conv != seg.Conv || got.Cmd != seg.Cmd || got.Frg != seg.Frg || got.Wnd != seg.Wnd ||
		got.TS != seg.TS || got.SN != seg.SN || got.Una != seg.Una || !bytes.Equal(got.Data, seg.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, seg)
	}
}

func TestDecodePacksMultipleSegments(t *testing.T) {
	a := Encode(Segment{Conv: 1, Cmd: CmdPush, SN: 0, Data: []byte("a")})
	b := Encode(Segment{Conv: 1, Cmd: CmdPush, SN: 1, Data: []byte("bb")})
	buf := append(append([]byte{}, a...), b...)

	first, remaining, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode first: %v", err)
	}
	if first.SN != 0 || string(first.Data) != "a" {
		t.Fatalf("unexpected first segment: %+v", first)
	}
	second, remaining2, err := Decode(buf[len(buf)-remaining:])
	if err != nil {
		t.Fatalf("Decode second: %v", err)
	}
	if remaining2 != 0 {
		t.Fatalf("expected 0 trailing bytes, got %d", remaining2)
	}
	if second.SN != 1 || string(second.Data) != "bb" {
		t.Fatalf("unexpected second segment: %+v", second)
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short header")
	}
}

func TestDecodeRejectsLengthBeyondBuffer(t *testing.T) {
	seg := Encode(Segment{Conv: 1, Cmd: CmdPush, SN: 0, Data: []byte("hello")})
	truncated := seg[:len(seg)-2]
	if _, _, err := Decode(truncated); err == nil {
		t.Fatal("expected error on truncated segment")
	}
}
