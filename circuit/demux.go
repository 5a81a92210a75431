package circuit

import "sync"

// demuxQueueLen bounds per-stream backlog so one slow stream's consumer
// can't stall every other stream sharing the circuit.
const demuxQueueLen = 64

// RelayMsg is one decrypted relay cell delivered to a stream's queue.
type RelayMsg struct {
	Cmd  uint8
	Data []byte
}

// Demux owns the single goroutine that reads decrypted relay cells off a
// Circuit and fans them out to per-stream queues, per spec.md §5: "relay
// cells pass between the link reader and each stream via per-stream
// bounded queues." Without it, concurrently open streams on one circuit
// would race to call ReceiveRelay and silently discard cells meant for
// each other.
type Demux struct {
	circ *Circuit

	mu          sync.Mutex
	streams     map[uint16]chan RelayMsg
	sendMeHooks map[uint16]func()
	err         error
	done        chan struct{}
}

// NewDemux starts the background reader loop for circ. Register a
// stream's queue before sending its RELAY_BEGIN so no response cell can
// race ahead of registration.
func NewDemux(circ *Circuit) *Demux {
	d := &Demux{
		circ:        circ,
		streams:     make(map[uint16]chan RelayMsg),
		sendMeHooks: make(map[uint16]func()),
		done:        make(chan struct{}),
	}
	go d.run()
	return d
}

// Register allocates a bounded queue for streamID.
func (d *Demux) Register(streamID uint16) chan RelayMsg {
	ch := make(chan RelayMsg, demuxQueueLen)
	d.mu.Lock()
	if d.streams != nil {
		d.streams[streamID] = ch
	} else {
		// Reader loop already exited; hand back a closed channel so
		// Register's caller sees end-of-stream on its first receive.
		close(ch)
	}
	d.mu.Unlock()
	return ch
}

// Unregister removes and closes streamID's queue and any circuit-SENDME
// hook it registered. Safe to call more than once or after the reader
// loop has already exited.
func (d *Demux) Unregister(streamID uint16) {
	d.mu.Lock()
	var ch chan RelayMsg
	if d.streams != nil {
		ch = d.streams[streamID]
		delete(d.streams, streamID)
	}
	delete(d.sendMeHooks, streamID)
	d.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// OnCircuitSendMe registers a per-stream callback invoked whenever a
// circuit-level (streamID==0) RELAY_SENDME arrives, so every open stream
// can credit its view of the circuit-wide send window — the credit isn't
// addressed to any one stream, so every listener must see it.
func (d *Demux) OnCircuitSendMe(streamID uint16, f func()) {
	d.mu.Lock()
	d.sendMeHooks[streamID] = f
	d.mu.Unlock()
}

// Err returns the error that stopped the reader loop, if any.
func (d *Demux) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Done is closed once the reader loop has exited (link failure or DESTROY).
func (d *Demux) Done() <-chan struct{} { return d.done }

func (d *Demux) run() {
	defer close(d.done)
	for {
		_, relayCmd, streamID, data, err := d.circ.ReceiveRelay()
		if err != nil {
			d.mu.Lock()
			d.err = err
			streams := d.streams
			d.streams = nil
			d.mu.Unlock()
			for _, ch := range streams {
				close(ch)
			}
			return
		}

		if streamID == 0 && relayCmd == RelaySendMe {
			d.mu.Lock()
			hooks := make([]func(), 0, len(d.sendMeHooks))
			for _, h := range d.sendMeHooks {
				hooks = append(hooks, h)
			}
			d.mu.Unlock()
			for _, h := range hooks {
				h()
			}
			continue
		}

		d.mu.Lock()
		ch, ok := d.streams[streamID]
		d.mu.Unlock()
		if !ok {
			// Cell for a stream that never registered (protocol
			// violation by the relay) or one that already closed: drop.
			continue
		}
		select {
		case ch <- RelayMsg{Cmd: relayCmd, Data: data}:
		default:
			// Queue full: drop rather than stall every other stream on
			// this circuit waiting on the shared reader loop.
		}
	}
}
