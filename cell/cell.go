package cell

import (
	"github.com/torclientgo/torclient/binary"
)

// Command constants (tor-spec.txt section 3).
const (
	CmdPadding          uint8 = 0
	CmdCreate           uint8 = 1
	CmdCreated          uint8 = 2
	CmdRelay            uint8 = 3
	CmdDestroy          uint8 = 4
	CmdCreateFast       uint8 = 5
	CmdCreatedFast      uint8 = 6
	CmdVersions         uint8 = 7
	CmdNetInfo          uint8 = 8
	CmdRelayEarly       uint8 = 9
	CmdCreate2          uint8 = 10
	CmdCreated2         uint8 = 11
	CmdPaddingNegotiate uint8 = 12
	CmdVPadding         uint8 = 128
	CmdCerts            uint8 = 129
	CmdAuthChallenge    uint8 = 130
	CmdAuthenticate     uint8 = 131
)

const (
	MaxPayloadLen    = 509
	FixedCellLen     = 514   // 4 (circID) + 1 (cmd) + 509 (payload)
	MaxVarPayloadLen = 10000 // safety cap for variable-length cell payloads
)

// IsVariableLength returns true for VERSIONS (7) and commands >= 128.
func IsVariableLength(cmd uint8) bool {
	return cmd == CmdVersions || cmd >= 128
}

// Cell is a Tor cell backed by a byte slice, laid out per spec.md §3/§6:
// fixed cells are circ-id(4) | command(1) | payload(509); variable-length
// cells (VERSIONS, and commands >= 128) insert a 2-byte length before the
// payload.
type Cell []byte

// NewFixedCell creates a 514-byte fixed-length cell.
func NewFixedCell(circID uint32, cmd uint8) Cell {
	wc := binary.NewFixedWriteCursor(make([]byte, 0, FixedCellLen))
	_ = wc.WriteUint32(circID)
	_ = wc.WriteUint8(cmd)
	_ = wc.WriteBytes(make([]byte, MaxPayloadLen))
	return Cell(wc.Bytes())
}

// NewVarCell creates a variable-length cell with the given payload.
func NewVarCell(circID uint32, cmd uint8, payload []byte) Cell {
	wc := binary.NewWriteCursor()
	_ = wc.WriteUint32(circID)
	_ = wc.WriteUint8(cmd)
	_ = wc.WriteVector16(payload)
	return Cell(wc.Bytes())
}

// NewVersionsCell creates a VERSIONS cell. VERSIONS is the only cell that
// predates the negotiated link protocol version, so per spec.md §4.5 it
// always uses a 2-byte circ-id regardless of what link version is later
// negotiated.
func NewVersionsCell(versions []uint16) Cell {
	payload := binary.NewWriteCursor()
	for _, v := range versions {
		_ = payload.WriteUint16(v)
	}

	wc := binary.NewWriteCursor()
	_ = wc.WriteUint16(0) // 2-byte CircID, always 0 for VERSIONS
	_ = wc.WriteUint8(CmdVersions)
	_ = wc.WriteVector16(payload.Bytes())
	return Cell(wc.Bytes())
}

func (c Cell) CircID() uint32 {
	rc := binary.NewReadCursor(c[:4])
	v, _ := rc.ReadUint32()
	return v
}

func (c Cell) Command() uint8 {
	return c[4]
}

func (c Cell) Payload() []byte {
	if IsVariableLength(c.Command()) {
		return c[7:]
	}
	return c[5:]
}

func (c Cell) PayloadLen() int {
	if IsVariableLength(c.Command()) {
		rc := binary.NewReadCursor(c[5:7])
		n, _ := rc.ReadUint16()
		return int(n)
	}
	return MaxPayloadLen
}
