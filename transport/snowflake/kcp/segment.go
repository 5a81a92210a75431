// Package kcp implements a minimal selective-ACK reliability session
// over a turbo connection, matching the segment layout Tor's Snowflake
// transport uses: conv(4, LE) | cmd(1) | frg(1) | wnd(2) | ts(4) |
// sn(4) | una(4) | len(4) | data(len).
package kcp

import (
	"encoding/binary"
	"fmt"
)

// Command values for the 1-byte cmd field.
const (
	CmdPush byte = 81 // carries data
	CmdAck  byte = 82 // acknowledges sn
	CmdWask byte = 83 // probe peer window
	CmdWins byte = 84 // tell peer our window
)

const segmentHeaderLen = 4 + 1 + 1 + 2 + 4 + 4 + 4 + 4

// Segment is one KCP packet.
type Segment struct {
	Conv uint32
	Cmd  byte
	Frg  byte
	Wnd  uint16
	TS   uint32
	SN   uint32
	Una  uint32
	Data []byte
}

// Encode serializes s into the wire format.
func Encode(s Segment) []byte {
	buf := make([]byte, segmentHeaderLen+len(s.Data))
	binary.LittleEndian.PutUint32(buf[0:4], s.Conv)
	buf[4] = s.Cmd
	buf[5] = s.Frg
	binary.LittleEndian.PutUint16(buf[6:8], s.Wnd)
	binary.LittleEndian.PutUint32(buf[8:12], s.TS)
	binary.LittleEndian.PutUint32(buf[12:16], s.SN)
	binary.LittleEndian.PutUint32(buf[16:20], s.Una)
	binary.LittleEndian.PutUint32(buf[20:24], uint32(len(s.Data)))
	copy(buf[24:], s.Data)
	return buf
}

// Decode parses one segment from buf, returning the segment and the
// number of trailing bytes in buf that were not consumed (a turbo
// frame may carry more than one packed segment).
func Decode(buf []byte) (Segment, int, error) {
	if len(buf) < segmentHeaderLen {
		return Segment{}, 0, fmt.Errorf("kcp: segment header too short: %d bytes", len(buf))
	}
	s := Segment{
		Conv: binary.LittleEndian.Uint32(buf[0:4]),
		Cmd:  buf[4],
		Frg:  buf[5],
		Wnd:  binary.LittleEndian.Uint16(buf[6:8]),
		TS:   binary.LittleEndian.Uint32(buf[8:12]),
		SN:   binary.LittleEndian.Uint32(buf[12:16]),
		Una:  binary.LittleEndian.Uint32(buf[16:20]),
	}
	length := binary.LittleEndian.Uint32(buf[20:24])
	end := segmentHeaderLen + int(length)
	if end > len(buf) {
		return Segment{}, 0, fmt.Errorf("kcp: segment length %d exceeds buffer %d", length, len(buf)-segmentHeaderLen)
	}
	s.Data = buf[segmentHeaderLen:end]
	return s, len(buf) - end, nil
}
