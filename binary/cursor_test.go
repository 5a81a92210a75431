package binary

import (
	"bytes"
	"testing"
)

func TestUintRoundTrip(t *testing.T) {
	c := NewWriteCursor()
	if err := c.WriteUint8(0xAB); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteUint16(0x1234); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteUint24(0x010203); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteUint32(0xDEADBEEF); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteUint64(0x0102030405060708); err != nil {
		t.Fatal(err)
	}

	r := NewReadCursor(c.Bytes())
	if v, _ := r.ReadUint8(); v != 0xAB {
		t.Fatalf("uint8: got %x", v)
	}
	if v, _ := r.ReadUint16(); v != 0x1234 {
		t.Fatalf("uint16: got %x", v)
	}
	if v, _ := r.ReadUint24(); v != 0x010203 {
		t.Fatalf("uint24: got %x", v)
	}
	if v, _ := r.ReadUint32(); v != 0xDEADBEEF {
		t.Fatalf("uint32: got %x", v)
	}
	if v, _ := r.ReadUint64(); v != 0x0102030405060708 {
		t.Fatalf("uint64: got %x", v)
	}
}

func TestUnderflow(t *testing.T) {
	r := NewReadCursor([]byte{0x01})
	if _, err := r.ReadUint32(); err != ErrUnderflow {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
}

func TestOverflow(t *testing.T) {
	c := NewFixedWriteCursor(make([]byte, 0, 2))
	if err := c.WriteUint16(1); err != nil {
		t.Fatal(err)
	}
	if err := c.WriteUint8(1); err != ErrOverflow {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestVectorRoundTrip(t *testing.T) {
	c := NewWriteCursor()
	payload := []byte("hello tor")
	if err := c.WriteVector16(payload); err != nil {
		t.Fatal(err)
	}
	r := NewReadCursor(c.Bytes())
	got, err := r.ReadVector16()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("vector mismatch: %q", got)
	}
}

func TestNullTerminated(t *testing.T) {
	r := NewReadCursor([]byte("example.com:80\x00\x01\x02"))
	got, err := r.ReadNullTerminated()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "example.com:80" {
		t.Fatalf("got %q", got)
	}
	if r.Remaining() != 2 {
		t.Fatalf("remaining = %d, want 2", r.Remaining())
	}
}

func TestPackLeftUnpackRoundTrip(t *testing.T) {
	for _, b := range [][]byte{
		{0x00}, {0xFF}, {0xA5, 0x3C}, {0x01, 0x02, 0x03, 0x04, 0x05},
	} {
		got := PackLeft(Unpack(b))
		if !bytes.Equal(got, b) {
			t.Fatalf("PackLeft(Unpack(%x)) = %x", b, got)
		}
	}
}

func TestXORInPlaceCyclesKey(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	key := []byte{0xFF, 0x00}
	XORInPlace(data, key)
	want := []byte{0xFE, 0x02, 0xFC, 0x04, 0xFA}
	if !bytes.Equal(data, want) {
		t.Fatalf("got %x, want %x", data, want)
	}
}

func TestReadDerTriplet(t *testing.T) {
	// SEQUENCE { INTEGER 1 }
	der := []byte{0x30, 0x03, 0x02, 0x01, 0x01}
	c := NewReadCursor(der)
	seq, err := ReadDerTriplet(c)
	if err != nil {
		t.Fatal(err)
	}
	if seq.Tag != DerTagSequence {
		t.Fatalf("tag = %x", seq.Tag)
	}
	inner := NewReadCursor(seq.Content)
	intTriplet, err := ReadDerTriplet(inner)
	if err != nil {
		t.Fatal(err)
	}
	if intTriplet.Tag != DerTagInteger || len(intTriplet.Content) != 1 || intTriplet.Content[0] != 1 {
		t.Fatalf("unexpected integer triplet: %+v", intTriplet)
	}
}

func TestReadDerTripletLongLength(t *testing.T) {
	content := bytes.Repeat([]byte{0x42}, 200)
	der := append([]byte{0x04, 0x81, 0xC8}, content...) // OCTET STRING, long-form length 200
	c := NewReadCursor(der)
	tr, err := ReadDerTriplet(c)
	if err != nil {
		t.Fatal(err)
	}
	if tr.Tag != DerTagOctetString || len(tr.Content) != 200 {
		t.Fatalf("unexpected triplet: tag=%x len=%d", tr.Tag, len(tr.Content))
	}
}
