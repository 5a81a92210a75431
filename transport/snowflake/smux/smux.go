// Package smux reproduces the wire format of Tor's SMUX framing layer:
// version(1) | cmd(1) | length(2, BE) | sid(4, BE) | data(length).
//
// The transport actually multiplexes streams over a KCP session with
// github.com/hashicorp/yamux (no corpus example vendors xtaci/smux, and
// yamux is yamux's nearest ecosystem analogue already present in the
// retrieved dependency set), so this codec is not wired into the live
// data path. It exists so the bit-exact frame layout is still
// implemented and round-trip tested, matching the wire format a peer
// speaking upstream Tor's Snowflake transport would expect to parse.
package smux

import (
	"encoding/binary"
	"fmt"
)

// Command values for the 1-byte cmd field.
const (
	CmdSYN byte = iota // stream open
	CmdFIN             // stream close
	CmdPSH             // data push
	CmdNOP             // keepalive
)

const frameHeaderLen = 1 + 1 + 2 + 4

// Version is the only SMUX protocol version this codec understands.
const Version byte = 1

// Frame is one SMUX frame.
type Frame struct {
	Version byte
	Cmd     byte
	SID     uint32
	Data    []byte
}

// EncodeFrame serializes f into the wire format.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Data) > 0xFFFF {
		return nil, fmt.Errorf("smux: frame data too large: %d bytes", len(f.Data))
	}
	buf := make([]byte, frameHeaderLen+len(f.Data))
	buf[0] = f.Version
	buf[1] = f.Cmd
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(f.Data)))
	binary.BigEndian.PutUint32(buf[4:8], f.SID)
	copy(buf[8:], f.Data)
	return buf, nil
}

// DecodeFrame parses one SMUX frame from buf, returning the frame and
// the number of bytes left over in buf after it (a transport read may
// deliver more than one frame at a time).
func DecodeFrame(buf []byte) (Frame, int, error) {
	if len(buf) < frameHeaderLen {
		return Frame{}, 0, fmt.Errorf("smux: frame header too short: %d bytes", len(buf))
	}
	length := binary.BigEndian.Uint16(buf[2:4])
	end := frameHeaderLen + int(length)
	if end > len(buf) {
		return Frame{}, 0, fmt.Errorf("smux: frame length %d exceeds buffer %d", length, len(buf)-frameHeaderLen)
	}
	f := Frame{
		Version: buf[0],
		Cmd:     buf[1],
		SID:     binary.BigEndian.Uint32(buf[4:8]),
		Data:    buf[frameHeaderLen:end],
	}
	return f, len(buf) - end, nil
}
