package dvsengine

import (
	"fmt"
	"log"
	"net"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

const (
	readTimeout   = 50 * time.Millisecond
	drainInterval = 10 * time.Millisecond
	drainBudget   = 50 * time.Millisecond
	drainPollWait = time.Millisecond

	maxDatagramSize = 65535
	recvBufferBytes = 20 * 1024 * 1024
)

// Receiver owns the UDP socket and the ingest goroutine. It decodes each
// datagram, stamps receive times, pushes batches into the store and keeps
// the running counters. Backlog control: every drainInterval it flushes
// whatever the OS receive queue has accumulated and discards it, so a slow
// consumer shows up as dropped packets instead of growing latency.
type Receiver struct {
	layout dvswire.RecordLayout
	store  *EventStore
	filter *HotPixelFilter

	counters Counters
	latency  LatencyWindow

	conn *net.UDPConn
	stop chan struct{}
	done chan struct{}
}

// NewReceiver wires a receiver to an existing store. filter may be nil.
func NewReceiver(store *EventStore, layout dvswire.RecordLayout, filter *HotPixelFilter) *Receiver {
	return &Receiver{
		layout: layout,
		store:  store,
		filter: filter,
	}
}

// Store returns the event store the receiver writes into.
func (r *Receiver) Store() *EventStore { return r.store }

// Counters returns the live ingest counters.
func (r *Receiver) Counters() *Counters { return &r.counters }

// Latency returns the rolling per-packet latency sample window.
func (r *Receiver) Latency() *LatencyWindow { return &r.latency }

// Addr returns the bound local address, or nil before Start. Useful when
// binding port 0.
func (r *Receiver) Addr() *net.UDPAddr {
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Start binds the UDP port and launches the receive loop. Bind failures
// surface immediately; everything after that is the loop's problem.
func (r *Receiver) Start(port int) error {
	if !r.layout.Valid() {
		return fmt.Errorf("invalid record layout: size=%d dims=%dx%d", r.layout.RecordSize, r.layout.Width, r.layout.Height)
	}
	if r.conn != nil {
		return fmt.Errorf("receiver already started")
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return fmt.Errorf("bind udp port %d: %w", port, err)
	}
	if err := conn.SetReadBuffer(recvBufferBytes); err != nil {
		log.Printf("SetReadBuffer(%d) failed: %v", recvBufferBytes, err)
	}
	r.conn = conn
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop()
	log.Printf("UDP receiver listening on %s (record size %d, %dx%d)",
		conn.LocalAddr(), r.layout.RecordSize, r.layout.Width, r.layout.Height)
	return nil
}

// Stop signals the loop, closes the socket to unblock any pending read and
// waits for the loop to exit. The store stays intact for final inspection.
func (r *Receiver) Stop() {
	if r.conn == nil {
		return
	}
	close(r.stop)
	r.conn.Close()
	<-r.done
	log.Printf("UDP receiver stopped: %d packets, %d events, %d dropped",
		r.counters.Packets.Load(), r.counters.Events.Load(), r.counters.DroppedPackets.Load())
}

func (r *Receiver) stopped() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Receiver) loop() {
	defer close(r.done)

	buf := make([]byte, maxDatagramSize)
	lastDrain := time.Now()
	for {
		if r.stopped() {
			return
		}
		r.conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Steady state when the producer is idle.
				continue
			}
			if r.stopped() {
				return
			}
			log.Printf("UDP receive error, stopping loop: %v", err)
			return
		}
		r.handlePacket(buf[:n])

		if time.Since(lastDrain) >= drainInterval {
			r.drainBacklog(buf)
			lastDrain = time.Now()
		}
	}
}

func (r *Receiver) handlePacket(b []byte) {
	now := time.Now()
	r.counters.Packets.Add(1)
	r.counters.Bytes.Add(uint64(len(b)))

	packetTS, events := dvswire.Decode(b, r.layout)
	if len(b) >= dvswire.HeaderSize {
		// Approximate: assumes sender and receiver clocks are comparable.
		r.latency.Add(float64(now.UnixMicro()-int64(packetTS)) / 1000.0)
	}
	if len(events) == 0 {
		return
	}
	for i := range events {
		events[i].ReceivedAt = now
	}
	if r.filter != nil {
		events = r.filter.Filter(events, now)
	}
	r.store.InsertBatch(events)
	r.counters.Events.Add(uint64(len(events)))
}

// drainBacklog empties the OS receive queue, discarding the datagrams it
// finds, until the queue is empty or the time budget runs out.
func (r *Receiver) drainBacklog(buf []byte) {
	start := time.Now()
	for time.Since(start) < drainBudget {
		r.conn.SetReadDeadline(time.Now().Add(drainPollWait))
		n, _, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r.counters.DroppedPackets.Add(1)
		r.counters.DroppedBytes.Add(uint64(n))
	}
}
