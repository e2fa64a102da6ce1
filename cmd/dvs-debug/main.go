package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sudorandom/dvs-stream/pkg/dvsengine"
	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

type feedStats struct {
	mu        sync.Mutex
	snapshots []dvsengine.Stats
	startTime time.Time
}

func (s *feedStats) Record(msg []byte, showJSON bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var snap dvsengine.Stats
	if err := json.Unmarshal(msg, &snap); err != nil {
		return
	}
	s.snapshots = append(s.snapshots, snap)
	if len(s.snapshots) > 120 {
		s.snapshots = s.snapshots[1:]
	}

	if showJSON {
		fmt.Printf("%s\n", msg)
	}
}

func (s *feedStats) Report() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.snapshots) == 0 {
		return
	}
	cur := s.snapshots[len(s.snapshots)-1]
	elapsed := time.Since(s.startTime).Seconds()

	fmt.Printf("\033[H\033[2J") // Clear screen
	fmt.Printf("DVS Pipeline Monitor (Running for %.1fs)\n", elapsed)
	fmt.Printf("--------------------------------------------------\n")
	fmt.Printf("Packets:     %d\n", cur.Packets)
	fmt.Printf("Events:      %d\n", cur.Events)
	fmt.Printf("Dropped:     %d packets\n", cur.DroppedPackets)
	fmt.Printf("Event Rate:  %.0f ev/s\n", cur.EventsPerSec)
	fmt.Printf("Throughput:  %.2f MB/s\n", cur.ThroughputMBps)
	fmt.Printf("Latency:     %.2f ms avg / %.2f ms max\n", cur.AvgLatencyMs, cur.MaxLatencyMs)
	fmt.Printf("--------------------------------------------------\n")

	fmt.Printf("LIKELY CONCLUSIONS:\n")
	conclusions := s.analyze(cur)
	if len(conclusions) == 0 {
		fmt.Printf("  - Pipeline looks healthy\n")
	} else {
		for _, c := range conclusions {
			fmt.Printf("  - %s\n", c)
		}
	}
}

func (s *feedStats) analyze(cur dvsengine.Stats) []string {
	var results []string

	if cur.Packets > 100 && float64(cur.DroppedPackets) > float64(cur.Packets)*0.05 {
		results = append(results, "Heavy backlog draining (consumer slower than producer)")
	}
	if cur.MaxLatencyMs > 100 {
		results = append(results, "High packet latency (network queueing or clock skew)")
	}
	if cur.AvgLatencyMs < 0 {
		results = append(results, "Negative latency (sender clock ahead of receiver)")
	}
	if cur.Packets > 0 && cur.Events == 0 {
		results = append(results, "Packets arrive but decode to nothing (record size mismatch?)")
	}
	if len(s.snapshots) >= 5 {
		stalled := true
		for _, snap := range s.snapshots[len(s.snapshots)-5:] {
			if snap.EventsPerSec > 0 {
				stalled = false
				break
			}
		}
		if stalled && cur.Events > 0 {
			results = append(results, "Producer stalled (no events in the last few samples)")
		}
	}
	return results
}

// inspectUDP binds the port itself and dumps a decode summary per datagram.
// Handy for checking a producer's wire format without starting the viewer.
func inspectUDP(port int, layout dvswire.RecordLayout, interrupt chan os.Signal) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		log.Fatalf("Failed to bind UDP port %d: %v", port, err)
	}
	defer conn.Close()
	log.Printf("Inspecting UDP datagrams on %s (record size %d)", conn.LocalAddr(), layout.RecordSize)

	buf := make([]byte, 65535)
	n := 0
	for {
		select {
		case <-interrupt:
			log.Println("Exiting...")
			return
		default:
		}
		conn.SetReadDeadline(time.Now().Add(time.Second))
		size, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			log.Fatalf("Receive error: %v", err)
		}
		n++
		ts, events := dvswire.Decode(buf[:size], layout)
		age := float64(time.Now().UnixMicro()-int64(ts)) / 1000.0
		fmt.Printf("#%d %s: %d bytes, ts=%d (%.2fms old), %d events", n, from, size, ts, age, len(events))
		if len(events) > 0 {
			ev := events[0]
			fmt.Printf(", first=(%d,%d,pol=%+d)", ev.X, ev.Y, ev.Polarity)
		}
		fmt.Println()
	}
}

func main() {
	feedURL := flag.String("feed", "ws://127.0.0.1:8080/ws", "Websocket stats feed of a running viewer")
	timeout := flag.Duration("timeout", 0, "How long to run before exiting (0 for infinite)")
	showJSON := flag.Bool("json", false, "Dump raw JSON snapshots instead of showing stats")
	inspect := flag.Int("inspect", 0, "Bind this UDP port and dump raw datagrams instead of following a feed")
	sourceWidth := flag.Int("source-width", 1280, "Sensor coordinate width (inspect mode)")
	sourceHeight := flag.Int("source-height", 720, "Sensor coordinate height (inspect mode)")
	recordSize := flag.Int("record-size", 13, "Wire record size in bytes (inspect mode)")
	flag.Parse()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	if *timeout > 0 {
		go func() {
			time.Sleep(*timeout)
			log.Printf("Timeout of %v reached, exiting...", *timeout)
			interrupt <- os.Interrupt
		}()
	}

	if *inspect > 0 {
		layout := dvswire.RecordLayout{
			RecordSize: *recordSize,
			Width:      uint16(*sourceWidth),
			Height:     uint16(*sourceHeight),
		}
		if !layout.Valid() {
			log.Fatalf("Invalid layout: record size %d, %dx%d", *recordSize, *sourceWidth, *sourceHeight)
		}
		inspectUDP(*inspect, layout, interrupt)
		return
	}

	log.Printf("Connecting to %s", *feedURL)
	c, _, err := websocket.DefaultDialer.Dial(*feedURL, nil)
	if err != nil {
		log.Printf("dial: %v", err)
		return
	}
	defer func() {
		_ = c.Close()
	}()

	stats := &feedStats{startTime: time.Now()}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				return
			}
			stats.Record(message, *showJSON)
		}
	}()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if !*showJSON {
				stats.Report()
			}
		case <-interrupt:
			log.Println("Exiting...")
			if !*showJSON {
				stats.Report()
			}
			err := c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
