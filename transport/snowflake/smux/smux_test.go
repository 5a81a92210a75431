package smux

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeFrameRoundTrip(t *testing.T) {
	f := Frame{Version: Version, Cmd: CmdPSH, SID: 0xAABBCCDD, Data: []byte("stream data")}
	wire, err := EncodeFrame(f)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}

	want := []byte{Version, CmdPSH, 0, byte(len(f.Data)), 0xAA, 0xBB, 0xCC, 0xDD}
	want = append(want, f.Data...)
	if !bytes.Equal(wire, want) {
		t.Fatalf("wire mismatch: got %x, want %x", wire, want)
	}

	got, remaining, err := DecodeFrame(wire)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected 0 remaining bytes, got %d", remaining)
	}
	if got.Version != f.Version || got.Cmd != f.Cmd || got.SID != f.SID || !bytes.Equal(got.Data, f.Data) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, f)
	}
}

func TestDecodeFramePacksMultiple(t *testing.T) {
	a, _ := EncodeFrame(Frame{Version: Version, Cmd: CmdSYN, SID: 1})
	b, _ := EncodeFrame(Frame{Version: Version, Cmd: CmdFIN, SID: 1})
	buf := append(append([]byte{}, a...), b...)

	first, remaining, err := DecodeFrame(buf)
	if err != nil {
		t.Fatalf("decode first: %v", err)
	}
	if first.Cmd != CmdSYN {
		t.Fatalf("expected CmdSYN, got %d", first.Cmd)
	}
	second, remaining2, err := DecodeFrame(buf[len(buf)-remaining:])
	if err != nil {
		t.Fatalf("decode second: %v", err)
	}
	if remaining2 != 0 || second.Cmd != CmdFIN {
		t.Fatalf("unexpected second frame: %+v, remaining=%d", second, remaining2)
	}
}

func TestDecodeFrameRejectsShortHeader(t *testing.T) {
	if _, _, err := DecodeFrame([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error on short header")
	}
}

func TestDecodeFrameRejectsLengthBeyondBuffer(t *testing.T) {
	wire, _ := EncodeFrame(Frame{Version: Version, Cmd: CmdPSH, SID: 1, Data: []byte("hello")})
	truncated := wire[:len(wire)-2]
	if _, _, err := DecodeFrame(truncated); err == nil {
		t.Fatal("expected error on truncated frame")
	}
}

func TestEncodeFrameRejectsOversizedData(t *testing.T) {
	_, err := EncodeFrame(Frame{Version: Version, Cmd: CmdPSH, SID: 1, Data: make([]byte, 0x10000)})
	if err == nil {
		t.Fatal("expected error on oversized data")
	}
}
