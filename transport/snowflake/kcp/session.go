package kcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Window, MTU and delay knobs fixed per the transport's configuration:
// window 32, MTU 1400, low-delay retransmit check every 100ms, high-delay
// interval of 1s. Session does not read HighDelay: it sends no window
// probes.
const (
	Window       = 32
	MTU          = 1400
	LowDelay     = 100 * time.Millisecond
	HighDelay    = 1 * time.Second
	initialRTO   = 200 // ms
	maxRTO       = 5000
	maxChunkData = MTU - segmentHeaderLen
)

type sndEntry struct {
	seg    Segment
	sentAt uint32 // ms, relative to session start
	rto    uint32
}

// Session is a minimal selective-ACK reliability session run over a
// turbo.Conn (or any io.ReadWriter carrying turbo frames), reimplementing
// the classic KCP send/ack/retransmit loop rather than sourcing it from a
// library: no corpus dependency implements KCP's segment protocol.
type Session struct {
	conv uint32
	rw   io.ReadWriter

	start time.Time

	mu       sync.Mutex
	sndQueue bytes.Buffer // app bytes written but not yet segmented
	sndBuf   map[uint32]*sndEntry
	sndNext  uint32
	rcvBuf   map[uint32]Segment
	rcvNext  uint32
	rcvQueue bytes.Buffer

	readCond *sync.Cond
	closed   bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session over rw with conversation ID conv. Call
// Run to start its background read/retransmit loops.
func NewSession(rw io.ReadWriter, conv uint32) *Session {
	s := &Session{
		conv:   conv,
		rw:     rw,
		start:  time.Now(),
		sndBuf: make(map[uint32]*sndEntry),
		rcvBuf: make(map[uint32]Segment),
		done:   make(chan struct{}),
	}
	s.readCond = sync.NewCond(&s.mu)
	return s
}

func (s *Session) nowMS() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// Run starts the session's reader and retransmit-ticker goroutines and
// returns at once. The reader stops once ctx is cancelled or the
// underlying connection fails; the ticker stops once ctx is cancelled.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.readLoop(ctx)
	go s.tickLoop(ctx)
}

func (s *Session) readLoop(ctx context.Context) {
	defer close(s.done)
	buf := make([]byte, MTU*2)
	for {
		n, err := s.rw.Read(buf)
		if err != nil {
			s.mu.Lock()
			s.closed = true
			s.readCond.Broadcast()
			s.mu.Unlock()
			return
		}
		if err := s.input(buf[:n]); err != nil {
			continue // malformed segment from peer; drop and keep reading
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(LowDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush()
		}
	}
}

// input parses one or more packed segments out of data and applies them.
func (s *Session) input(data []byte) error {
	for len(data) > 0 {
		seg, rest, err := Decode(data)
		if err != nil {
			return err
		}
		consumed := len(data) - rest
		data = data[consumed:]

		s.mu.Lock()
		switch seg.Cmd {
		case CmdPush:
			if seg.SN >= s.rcvNext {
				s.rcvBuf[seg.SN] = seg
			}
			for {
				next, ok := s.rcvBuf[s.rcvNext]
				if !ok {
					break
				}
				s.rcvQueue.Write(next.Data)
				delete(s.rcvBuf, s.rcvNext)
				s.rcvNext++
			}
			s.readCond.Broadcast()
			ack := Encode(Segment{Conv: s.conv, Cmd: CmdAck, SN: seg.SN, Una: s.rcvNext, TS: seg.TS})
			s.mu.Unlock()
			s.rw.Write(ack)
			continue
		case CmdAck:
			delete(s.sndBuf, seg.SN)
			for sn := range s.sndBuf {
				if sn < seg.Una {
					delete(s.sndBuf, sn)
				}
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// flush segments newly queued app data into sndBuf (bounded by Window)
// and resends any sndBuf entry past its RTO.
func (s *Session) flush() {
	s.mu.Lock()

	now := s.nowMS()
	var out [][]byte

	for s.sndQueue.Len() > 0 && len(s.sndBuf) < Window {
		n := s.sndQueue.Len()
		if n > maxChunkData {
			n = maxChunkData
		}
		chunk := make([]byte, n)
		s.sndQueue.Read(chunk)

		sn := s.sndNext
		s.sndNext++
		seg := Segment{Conv: s.conv, Cmd: CmdPush, Wnd: Window, TS: now, SN: sn, Una: s.rcvNext, Data: chunk}
		s.sndBuf[sn] = &sndEntry{seg: seg, sentAt: now, rto: initialRTO}
		out = append(out, Encode(seg))
	}

	for sn, e := range s.sndBuf {
		if now-e.sentAt >= e.rto {
			e.seg.TS = now
			e.seg.Una = s.rcvNext
			out = append(out, Encode(e.seg))
			e.sentAt = now
			e.rto *= 2
			if e.rto > maxRTO {
				e.rto = maxRTO
			}
			s.sndBuf[sn] = e
		}
	}
	s.mu.Unlock()

	// Write outside the lock, as input does for ACKs: on a synchronous rw
	// the peer's ACK write waits for our readLoop, which needs s.mu.
	for _, pkt := range out {
		s.rw.Write(pkt)
	}
}

// Write queues p for reliable delivery, fragmenting into MTU-sized
// segments as needed, and returns once it has been handed to the
// sender (not once it is acknowledged).
func (s *Session) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, fmt.Errorf("kcp: session closed")
	}
	s.sndQueue.Write(p)
	s.mu.Unlock()
	s.flush()
	return len(p), nil
}

// Read blocks until in-order application data is available, then
// copies as much as fits into p.
func (s *Session) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for s.rcvQueue.Len() == 0 && !s.closed {
		s.readCond.Wait()
	}
	if s.rcvQueue.Len() == 0 && s.closed {
		return 0, io.EOF
	}
	return s.rcvQueue.Read(p)
}

// Close stops the session's background loops and, if the underlying
// connection supports it, closes it too so the blocked read loop
// unblocks promptly.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closed = true
	s.readCond.Broadcast()
	s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	if c, ok := s.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

var _ io.ReadWriteCloser = (*Session)(nil)
