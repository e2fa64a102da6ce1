package dvsengine

import (
	"sync"
	"sync/atomic"
	"time"
)

// StatsInterval is the default aggregation cadence.
const StatsInterval = 2 * time.Second

// historyLen snapshots at StatsInterval each = 2 minutes of trendline.
const historyLen = 60

const latencySampleCap = 100

// minElapsed floors rate denominators so a cheap tick never divides by zero.
const minElapsed = 100 * time.Millisecond

// Counters are the receiver's monotonic ingest totals. Written only by the
// receive loop, read by anyone; reset only at process restart.
type Counters struct {
	Packets        atomic.Uint64
	Events         atomic.Uint64
	Bytes          atomic.Uint64
	DroppedPackets atomic.Uint64
	DroppedBytes   atomic.Uint64
}

// LatencyWindow is a bounded rolling sample of per-packet latencies in
// milliseconds. Sender/receiver clock sync is assumed, not guaranteed, so
// these numbers are diagnostic only.
type LatencyWindow struct {
	mu      sync.Mutex
	samples [latencySampleCap]float64
	next    int
	count   int
}

// Add records one latency sample, evicting the oldest when full.
func (w *LatencyWindow) Add(ms float64) {
	w.mu.Lock()
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencySampleCap
	if w.count < latencySampleCap {
		w.count++
	}
	w.mu.Unlock()
}

// AvgMax returns the average and maximum over the current window.
func (w *LatencyWindow) AvgMax() (avg, max float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0, 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		s := w.samples[i]
		sum += s
		if s > max {
			max = s
		}
	}
	return sum / float64(w.count), max
}

// Stats is one reportable snapshot of the pipeline.
type Stats struct {
	Packets        uint64  `json:"packets"`
	Events         uint64  `json:"events"`
	Bytes          uint64  `json:"bytes"`
	DroppedPackets uint64  `json:"droppedPackets"`
	EventsPerSec   float64 `json:"eventsPerSec"`
	ThroughputMBps float64 `json:"throughputMBps"`
	AvgLatencyMs   float64 `json:"avgLatencyMs"`
	MaxLatencyMs   float64 `json:"maxLatencyMs"`
}

// Aggregator periodically turns counter deltas into rates. Pure read of the
// receiver's counters; it never mutates ingest state.
type Aggregator struct {
	counters *Counters
	latency  *LatencyWindow

	mu         sync.Mutex
	lastSample time.Time
	lastEvents uint64
	lastBytes  uint64
	current    Stats
	history    []Stats

	stop chan struct{}
	done chan struct{}
}

// NewAggregator reads from the given counters and latency window.
func NewAggregator(c *Counters, lat *LatencyWindow) *Aggregator {
	return &Aggregator{
		counters:   c,
		latency:    lat,
		lastSample: time.Now(),
	}
}

// Start runs the sampling loop at interval until Stop.
func (a *Aggregator) Start(interval time.Duration) {
	if interval <= 0 {
		interval = StatsInterval
	}
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go func() {
		defer close(a.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stop:
				return
			case now := <-ticker.C:
				a.Sample(now)
			}
		}
	}()
}

// Stop halts the sampling loop.
func (a *Aggregator) Stop() {
	if a.stop == nil {
		return
	}
	close(a.stop)
	<-a.done
	a.stop = nil
}

// Sample computes a snapshot at now from the counter deltas since the
// previous sample and appends it to the trendline history.
func (a *Aggregator) Sample(now time.Time) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	elapsed := now.Sub(a.lastSample)
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	events := a.counters.Events.Load()
	bytes := a.counters.Bytes.Load()
	avg, max := a.latency.AvgMax()

	a.current = Stats{
		Packets:        a.counters.Packets.Load(),
		Events:         events,
		Bytes:          bytes,
		DroppedPackets: a.counters.DroppedPackets.Load(),
		EventsPerSec:   float64(events-a.lastEvents) / elapsed.Seconds(),
		ThroughputMBps: float64(bytes-a.lastBytes) / elapsed.Seconds() / (1024 * 1024),
		AvgLatencyMs:   avg,
		MaxLatencyMs:   max,
	}
	a.lastSample = now
	a.lastEvents = events
	a.lastBytes = bytes

	a.history = append(a.history, a.current)
	if len(a.history) > historyLen {
		a.history = a.history[1:]
	}
	return a.current
}

// Snapshot returns the most recent sample.
func (a *Aggregator) Snapshot() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// History returns a copy of the recent snapshots, oldest first.
func (a *Aggregator) History() []Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Stats, len(a.history))
	copy(out, a.history)
	return out
}
