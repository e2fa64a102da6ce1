package main

import (
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

var cli struct {
	Target     string        `help:"Destination host." default:"127.0.0.1"`
	Port       int           `help:"Destination UDP port." default:"9000"`
	Width      uint16        `help:"Sensor coordinate width." default:"1280"`
	Height     uint16        `help:"Sensor coordinate height." default:"720"`
	RecordSize int           `name:"record-size" help:"Wire record size in bytes (13, 16 or 32)." default:"13"`
	Rate       int           `help:"Events per second to generate." default:"100000"`
	Batch      int           `help:"Events per datagram." default:"256"`
	Duration   time.Duration `help:"How long to stream (0 for infinite)." default:"0"`
	Noise      float64       `help:"Fraction of events that are uniform noise." default:"0.2"`
}

// Synthetic sensor: a bright orbiting dot over a noise floor. A real sensor
// emits polarity events where brightness changes, so the dot's leading edge
// fires +1 and its trailing edge fires -1.
func makeBatch(n int, elapsed time.Duration, layout dvswire.RecordLayout) []dvswire.Event {
	ts := uint64(time.Now().UnixMicro())
	t := elapsed.Seconds()
	cx := float64(layout.Width) / 2
	cy := float64(layout.Height) / 2
	r := 0.35 * math.Min(cx, cy)

	events := make([]dvswire.Event, 0, n)
	for i := 0; i < n; i++ {
		if rand.Float64() < cli.Noise {
			events = append(events, dvswire.Event{
				Timestamp: ts,
				X:         uint16(rand.Intn(int(layout.Width))),
				Y:         uint16(rand.Intn(int(layout.Height))),
				Polarity:  int8(rand.Intn(2)*2 - 1),
			})
			continue
		}
		// Cluster around the dot's rim; ahead of the motion brightens,
		// behind it darkens.
		angle := 2 * math.Pi * t / 4
		jitter := (rand.Float64() - 0.5) * 0.6
		pol := int8(1)
		if jitter < 0 {
			pol = -1
		}
		x := cx + r*math.Cos(angle+jitter)*(0.9+0.2*rand.Float64())
		y := cy + r*math.Sin(angle+jitter)*(0.9+0.2*rand.Float64())
		events = append(events, dvswire.Event{
			Timestamp: ts,
			X:         uint16(math.Max(0, math.Min(float64(layout.Width-1), x))),
			Y:         uint16(math.Max(0, math.Min(float64(layout.Height-1), y))),
			Polarity:  pol,
		})
	}
	return events
}

func main() {
	kong.Parse(&cli,
		kong.Name("dvs-streamer"),
		kong.Description("Synthetic DVS event producer for driving the viewer over UDP."),
	)
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	layout := dvswire.RecordLayout{RecordSize: cli.RecordSize, Width: cli.Width, Height: cli.Height}
	if !layout.Valid() {
		log.Fatalf("Invalid layout: record size %d, %dx%d", cli.RecordSize, cli.Width, cli.Height)
	}
	if cli.Batch <= 0 || cli.Rate <= 0 {
		log.Fatal("Rate and batch must be positive")
	}

	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(cli.Target, strconv.Itoa(cli.Port)))
	if err != nil {
		log.Fatalf("Failed to resolve target: %v", err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		log.Fatalf("Failed to dial %s: %v", addr, err)
	}
	defer conn.Close()

	interval := time.Duration(float64(cli.Batch) / float64(cli.Rate) * float64(time.Second))
	if interval <= 0 {
		interval = time.Millisecond
	}
	log.Printf("Streaming to %s: %d ev/s in batches of %d (one packet per %v)",
		addr, cli.Rate, cli.Batch, interval)

	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var packets, events, bytes uint64
	for now := range ticker.C {
		elapsed := now.Sub(start)
		if cli.Duration > 0 && elapsed >= cli.Duration {
			break
		}
		batch := makeBatch(cli.Batch, elapsed, layout)
		pkt := dvswire.Encode(uint64(time.Now().UnixMicro()), batch, layout)
		if _, err := conn.Write(pkt); err != nil {
			log.Printf("Send failed: %v", err)
			continue
		}
		packets++
		events += uint64(len(batch))
		bytes += uint64(len(pkt))
		if packets%100 == 0 {
			log.Printf("Sent %d packets, %d events, %.2f MB (%.0f ev/s)",
				packets, events, float64(bytes)/(1024*1024), float64(events)/elapsed.Seconds())
		}
	}
	log.Printf("Done: %d packets, %d events, %.2f MB in %v",
		packets, events, float64(bytes)/(1024*1024), time.Since(start).Round(time.Millisecond))
}
