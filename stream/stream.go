package stream

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/torclientgo/torclient/circuit"
	"github.com/torclientgo/torclient/errs"
)

var _ io.ReadWriteCloser = (*Stream)(nil)

// nextStreamID is a global atomic counter for stream ID allocation.
var nextStreamID atomic.Uint32

func init() {
	nextStreamID.Store(1)
}

const (
	relayEndReasonDone = 6
)

// Stream represents a Tor stream over a circuit. Incoming relay cells
// reach it through the circuit's Demux, which hands each registered
// stream its own bounded queue (spec.md §5's "per-stream bounded
// queues"), so multiple streams can be open on one circuit at once
// without racing each other for cells.
type Stream struct {
	ID           uint16
	Circuit      *circuit.Circuit
	CircWindow   int // Circuit-level send package window (init 1000)
	StreamWindow int // Stream-level send package window (init 500)
	wmu          sync.Mutex // guards CircWindow/StreamWindow against the demux's SENDME callback
	demux              *circuit.Demux
	ch                 chan circuit.RelayMsg
	buf                []byte
	closed             bool
	eof                bool
	circDataReceived   int // DATA cells received since last circuit SENDME
	streamDataReceived int // DATA cells received since last stream SENDME
}

// Begin opens a new stream to the given target (host:port) through the circuit.
// It sends RELAY_BEGIN and waits for RELAY_CONNECTED.
func Begin(circ *circuit.Circuit, target string) (*Stream, error) {
	return BeginContext(context.Background(), circ, target)
}

// BeginContext is Begin with cooperative cancellation: per spec.md §5, the
// next suspension point (here, the wait for RELAY_CONNECTED) observes ctx
// and unwinds rather than blocking forever on a relay that never answers.
// The stream-ID registration is released on a cancelled wait so the slot
// doesn't leak if a late RELAY_CONNECTED/RELAY_END eventually arrives.
func BeginContext(ctx context.Context, circ *circuit.Circuit, target string) (*Stream, error) {
	var id uint16
	for {
		raw := nextStreamID.Add(1) - 1
		id = uint16(raw)
		if id != 0 {
			break
		}
		// Prevent infinite loop on overflow — 65535 streams is the uint16 limit
		if raw > 0xFFFF {
			return nil, fmt.Errorf("stream ID space exhausted")
		}
	}

	demux := circ.Demux()
	ch := demux.Register(id)

	// RELAY_BEGIN payload: "host:port\0" + flags(4 bytes, all zero)
	payload := make([]byte, len(target)+1+4)
	copy(payload, target)
	// null terminator and flags are already zero

	if err := circ.SendRelay(circuit.RelayBegin, id, payload); err != nil {
		demux.Unregister(id)
		return nil, fmt.Errorf("send RELAY_BEGIN: %w", err)
	}

	// Wait for RELAY_CONNECTED (or RELAY_END on failure) on our own queue;
	// cells for other streams never land here.
	var msg circuit.RelayMsg
	var ok bool
	select {
	case msg, ok = <-ch:
	case <-ctx.Done():
		demux.Unregister(id)
		return nil, errs.Wrap(errs.Cancelled, "stream: begin cancelled", ctx.Err())
	}
	if !ok {
		if err := demux.Err(); err != nil {
			return nil, fmt.Errorf("circuit closed while opening stream: %w", err)
		}
		return nil, fmt.Errorf("circuit closed while opening stream")
	}

	switch msg.Cmd {
	case circuit.RelayConnected:
		s := &Stream{
			ID:           id,
			Circuit:      circ,
			CircWindow:   1000,
			StreamWindow: 500,
			demux:        demux,
			ch:           ch,
		}
		demux.OnCircuitSendMe(id, func() {
			s.wmu.Lock()
			s.CircWindow += 100
			s.wmu.Unlock()
		})
		return s, nil
	case circuit.RelayEnd:
		demux.Unregister(id)
		reason := uint8(0)
		if len(msg.Data) > 0 {
			reason = msg.Data[0]
		}
		return nil, fmt.Errorf("stream rejected: RELAY_END reason=%d", reason)
	default:
		demux.Unregister(id)
		return nil, fmt.Errorf("unexpected relay command %d while waiting for CONNECTED", msg.Cmd)
	}
}

// Write sends data through the stream as RELAY_DATA cells.
// Data is split into chunks of up to 498 bytes (MaxRelayDataLen).
// Respects send-side flow control windows.
func (s *Stream) Write(p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	total := 0
	for len(p) > 0 {
		// Check send windows. An exhausted window returns an error; Write
		// does not wait for a SENDME to reopen it.
		s.wmu.Lock()
		if s.CircWindow <= 0 || s.StreamWindow <= 0 {
			circW, streamW := s.CircWindow, s.StreamWindow
			s.wmu.Unlock()
			return total, fmt.Errorf("send window exhausted (circ=%d, stream=%d)", circW, streamW)
		}

		chunk := p
		if len(chunk) > circuit.MaxRelayDataLen {
			chunk = p[:circuit.MaxRelayDataLen]
		}
		s.wmu.Unlock()
		if err := s.Circuit.SendRelay(circuit.RelayData, s.ID, chunk); err != nil {
			return total, fmt.Errorf("send RELAY_DATA: %w", err)
		}
		s.wmu.Lock()
		s.CircWindow--
		s.StreamWindow--
		s.wmu.Unlock()
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Read receives data from the stream.
// It reads relay cells off the stream's demuxed queue and buffers their
// contents.
func (s *Stream) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	if s.closed {
		return 0, fmt.Errorf("stream closed")
	}

	// Return buffered data first
	if len(s.buf) > 0 {
		n := copy(p, s.buf)
		s.buf = s.buf[n:]
		return n, nil
	}

	// Read cells until we get data for this stream
	for {
		msg, ok := <-s.ch
		if !ok {
			if err := s.demux.Err(); err != nil {
				return 0, fmt.Errorf("receive relay: %w", err)
			}
			s.eof = true
			return 0, io.EOF
		}

		switch msg.Cmd {
		case circuit.RelayData:
			if err := s.handleDataReceived(); err != nil {
				return 0, err
			}
			n := copy(p, msg.Data)
			if n < len(msg.Data) {
				s.buf = append(s.buf, msg.Data[n:]...)
			}
			return n, nil
		case circuit.RelayEnd:
			s.eof = true
			return 0, io.EOF
		case circuit.RelaySendMe:
			// Stream-level SENDME — relay is ready for more data
			s.wmu.Lock()
			s.StreamWindow += 50
			s.wmu.Unlock()
			continue
		default:
			return 0, fmt.Errorf("unexpected relay command %d on stream", msg.Cmd)
		}
	}
}

// Close sends RELAY_END to close the stream and releases its demux queue.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.demux != nil {
		s.demux.Unregister(s.ID)
	}
	return s.Circuit.SendRelay(circuit.RelayEnd, s.ID, []byte{relayEndReasonDone})
}
