// Package turbo implements the lowest layer of the Snowflake transport:
// a small length-prefixed frame codec carried over a WebSocket
// connection, exposing an io.ReadWriter so the KCP session above it
// never has to know about WebSocket message boundaries.
package turbo

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"
)

// FlagPadding marks a frame as padding: Conn.Read discards it, so the KCP
// layer above never sees its payload as session data.
const FlagPadding byte = 1 << 0

const maxFrameLen = 1<<16 - 1

// Frame is one turbo-layer frame: header(1, flags) | length(2, BE) | payload.
type Frame struct {
	Flags   byte
	Payload []byte
}

// EncodeFrame serializes f into the wire format.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Payload) > maxFrameLen {
		return nil, fmt.Errorf("turbo: payload too large: %d bytes", len(f.Payload))
	}
	buf := make([]byte, 3+len(f.Payload))
	buf[0] = f.Flags
	binary.BigEndian.PutUint16(buf[1:3], uint16(len(f.Payload)))
	copy(buf[3:], f.Payload)
	return buf, nil
}

// DecodeFrame parses a single turbo frame from buf, returning an error
// if buf doesn't hold exactly one well-formed frame.
func DecodeFrame(buf []byte) (Frame, error) {
	if len(buf) < 3 {
		return Frame{}, fmt.Errorf("turbo: frame too short: %d bytes", len(buf))
	}
	length := binary.BigEndian.Uint16(buf[1:3])
	if int(length) != len(buf)-3 {
		return Frame{}, fmt.Errorf("turbo: length field %d does not match payload %d", length, len(buf)-3)
	}
	return Frame{Flags: buf[0], Payload: buf[3:]}, nil
}

// Conn adapts a *websocket.Conn into an io.ReadWriter carrying turbo
// frames: each WebSocket binary message holds exactly one frame, and
// Read hands back only the non-padding payloads, buffering a partial
// read across calls the way cell.Reader buffers partial cells.
type Conn struct {
	ws *websocket.Conn

	rmu     sync.Mutex
	pending []byte // leftover payload bytes from a frame not fully consumed yet

	wmu sync.Mutex
}

// NewConn wraps an established WebSocket connection.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Read implements io.Reader, returning payload bytes from non-padding
// turbo frames. It loops internally past any padding frames so callers
// never observe them.
func (c *Conn) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.pending) == 0 {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("turbo: read websocket message: %w", err)
		}
		frame, err := DecodeFrame(data)
		if err != nil {
			return 0, err
		}
		if frame.Flags&FlagPadding != 0 {
			continue
		}
		c.pending = frame.Payload
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements io.Writer, sending p as a single non-padding turbo
// frame per call (callers that need >maxFrameLen should chunk first;
// the KCP segment size sits well under this limit).
func (c *Conn) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame, err := EncodeFrame(Frame{Payload: p})
	if err != nil {
		return 0, err
	}
	if err := c.ws.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return 0, fmt.Errorf("turbo: write websocket message: %w", err)
	}
	return len(p), nil
}

// WritePadding sends a padding frame of n payload bytes, which the
// receiving Conn's Read skips.
func (c *Conn) WritePadding(n int) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	frame, err := EncodeFrame(Frame{Flags: FlagPadding, Payload: make([]byte, n)})
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

// Close closes the underlying WebSocket connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

var _ io.ReadWriter = (*Conn)(nil)
