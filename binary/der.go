package binary

import "fmt"

// DerTag is the ASN.1 tag class+number byte of a DER TLV triplet.
type DerTag uint8

const (
	DerTagInteger        DerTag = 0x02
	DerTagBitString      DerTag = 0x03
	DerTagOctetString    DerTag = 0x04
	DerTagNull           DerTag = 0x05
	DerTagObjectID       DerTag = 0x06
	DerTagSequence       DerTag = 0x30
	DerTagSet            DerTag = 0x31
	DerTagContext0       DerTag = 0xA0
	DerTagContext3       DerTag = 0xA3
	DerTagUTCTime        DerTag = 0x17
	DerTagGeneralizedTime DerTag = 0x18
)

// DerTriplet is a tagged-variant view of one ASN.1 TLV: it retains the raw
// byte range of the whole triplet (tag+length+value) so callers that only
// need to locate a sub-structure (e.g. tbsCertificate, subjectPublicKeyInfo)
// can slice the original buffer exactly rather than re-encode it.
type DerTriplet struct {
	Tag     DerTag
	Content []byte // the V of TLV
	Raw     []byte // the full T|L|V span
}

// ReadDerTriplet reads one DER TLV from the cursor's current position,
// supporting short and long definite-length forms (the indefinite form is
// rejected — Tor's on-wire certs never use it).
func ReadDerTriplet(c *Cursor) (DerTriplet, error) {
	start := c.pos
	tagByte, err := c.ReadUint8()
	if err != nil {
		return DerTriplet{}, err
	}
	lenByte, err := c.ReadUint8()
	if err != nil {
		return DerTriplet{}, err
	}

	var length int
	switch {
	case lenByte&0x80 == 0:
		length = int(lenByte)
	case lenByte == 0x80:
		return DerTriplet{}, fmt.Errorf("binary: indefinite-length DER not supported")
	default:
		nOctets := int(lenByte &^ 0x80)
		if nOctets > 4 {
			return DerTriplet{}, fmt.Errorf("binary: DER length too large (%d octets)", nOctets)
		}
		lb, err := c.ReadBytes(nOctets)
		if err != nil {
			return DerTriplet{}, err
		}
		for _, b := range lb {
			length = length<<8 | int(b)
		}
	}

	content, err := c.ReadBytes(length)
	if err != nil {
		return DerTriplet{}, err
	}
	return DerTriplet{
		Tag:     DerTag(tagByte),
		Content: content,
		Raw:     c.buf[start:c.pos],
	}, nil
}
