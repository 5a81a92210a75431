package cell

import (
	"bufio"
	"fmt"
	"io"

	"github.com/torclientgo/torclient/binary"
)

// Reader reads Tor cells from a buffered reader.
type Reader struct {
	r *bufio.Reader
}

func NewReader(r *bufio.Reader) *Reader {
	return &Reader{r: r}
}

// ReadCell reads a cell with 4-byte CircID (link protocol v4+).
func (cr *Reader) ReadCell() (Cell, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read cell header: %w", err)
	}
	cmd := hdr[4]

	if IsVariableLength(cmd) {
		var lenBuf [2]byte
		if _, err := io.ReadFull(cr.r, lenBuf[:]); err != nil {
			return nil, fmt.Errorf("read varlen length: %w", err)
		}
		rc := binary.NewReadCursor(lenBuf[:])
		pLen, _ := rc.ReadUint16()
		if int(pLen) > MaxVarPayloadLen {
			return nil, fmt.Errorf("variable-length cell payload too large: %d bytes (max %d)", pLen, MaxVarPayloadLen)
		}
		c := make(Cell, 7+int(pLen))
		copy(c[0:5], hdr)
		copy(c[5:7], lenBuf[:])
		if pLen > 0 {
			if _, err := io.ReadFull(cr.r, c[7:]); err != nil {
				return nil, fmt.Errorf("read varlen payload: %w", err)
			}
		}
		return c, nil
	}

	// Fixed-length: read remaining 509 bytes.
	c := make(Cell, FixedCellLen)
	copy(c[0:5], hdr)
	if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
		return nil, fmt.Errorf("read fixed payload: %w", err)
	}
	return c, nil
}

// ReadVersionsCell reads a VERSIONS cell, which uses a 2-byte CircID.
func (cr *Reader) ReadVersionsCell() (Cell, error) {
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(cr.r, hdr); err != nil {
		return nil, fmt.Errorf("read versions header: %w", err)
	}
	if hdr[2] != CmdVersions {
		return nil, fmt.Errorf("expected VERSIONS (7), got command %d", hdr[2])
	}
	rc := binary.NewReadCursor(hdr[3:5])
	pLen, _ := rc.ReadUint16()
	c := make(Cell, 5+int(pLen))
	copy(c[0:5], hdr)
	if pLen > 0 {
		if _, err := io.ReadFull(cr.r, c[5:]); err != nil {
			return nil, fmt.Errorf("read versions payload: %w", err)
		}
	}
	return c, nil
}

// ParseVersions extracts version numbers from a VERSIONS cell read with
// ReadVersionsCell. VERSIONS cells have a 2-byte CircID layout, so Cell's
// regular accessor methods (CircID, Command, Payload, PayloadLen) must not
// be used on them directly.
func ParseVersions(c Cell) []uint16 {
	rc := binary.NewReadCursor(c[5:])
	n := rc.Remaining() / 2
	versions := make([]uint16, n)
	for i := range versions {
		versions[i], _ = rc.ReadUint16()
	}
	return versions
}

// Writer writes Tor cells.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (cw *Writer) WriteCell(c Cell) error {
	_, err := cw.w.Write(c)
	return err
}
