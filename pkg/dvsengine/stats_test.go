package dvsengine

import (
	"math"
	"testing"
	"time"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAggregatorRates(t *testing.T) {
	var c Counters
	var lat LatencyWindow
	a := NewAggregator(&c, &lat)

	base := time.Now()
	a.mu.Lock()
	a.lastSample = base
	a.mu.Unlock()

	c.Packets.Store(10)
	c.Events.Store(1000)
	c.Bytes.Store(2 * 1024 * 1024)
	lat.Add(2.0)
	lat.Add(4.0)

	s := a.Sample(base.Add(2 * time.Second))
	if !almostEqual(s.EventsPerSec, 500) {
		t.Errorf("EventsPerSec = %v, want 500", s.EventsPerSec)
	}
	if !almostEqual(s.ThroughputMBps, 1) {
		t.Errorf("ThroughputMBps = %v, want 1", s.ThroughputMBps)
	}
	if !almostEqual(s.AvgLatencyMs, 3) || !almostEqual(s.MaxLatencyMs, 4) {
		t.Errorf("Latency avg/max = %v/%v, want 3/4", s.AvgLatencyMs, s.MaxLatencyMs)
	}
	if s.Packets != 10 || s.Events != 1000 {
		t.Errorf("Totals = %d packets / %d events", s.Packets, s.Events)
	}

	// Rates are deltas, not lifetime averages.
	c.Events.Store(1500)
	c.Bytes.Store(3 * 1024 * 1024)
	s = a.Sample(base.Add(4 * time.Second))
	if !almostEqual(s.EventsPerSec, 250) {
		t.Errorf("Second window EventsPerSec = %v, want 250", s.EventsPerSec)
	}
	if !almostEqual(s.ThroughputMBps, 0.5) {
		t.Errorf("Second window ThroughputMBps = %v, want 0.5", s.ThroughputMBps)
	}
}

func TestAggregatorElapsedFloor(t *testing.T) {
	var c Counters
	var lat LatencyWindow
	a := NewAggregator(&c, &lat)

	c.Events.Store(100)
	// Sampling immediately after construction floors elapsed to minElapsed
	// instead of dividing by ~zero.
	s := a.Sample(time.Now())
	wantMax := float64(100) / minElapsed.Seconds()
	if s.EventsPerSec > wantMax+1e-6 {
		t.Errorf("EventsPerSec = %v, exceeds floor-bounded max %v", s.EventsPerSec, wantMax)
	}
	if math.IsInf(s.EventsPerSec, 1) || math.IsNaN(s.EventsPerSec) {
		t.Errorf("EventsPerSec not finite: %v", s.EventsPerSec)
	}
}

func TestAggregatorHistoryBounded(t *testing.T) {
	var c Counters
	var lat LatencyWindow
	a := NewAggregator(&c, &lat)

	now := time.Now()
	for i := 0; i < historyLen+15; i++ {
		c.Events.Store(uint64(i * 100))
		a.Sample(now.Add(time.Duration(i) * StatsInterval))
	}
	h := a.History()
	if len(h) != historyLen {
		t.Fatalf("History len = %d, want %d", len(h), historyLen)
	}
	// Oldest entries fell off the front; the newest sample is last.
	if h[len(h)-1].Events != uint64((historyLen+14)*100) {
		t.Errorf("Last history entry Events = %d", h[len(h)-1].Events)
	}
	if h[0].Events <= h[1].Events-200 {
		// Entries stay in sample order.
		t.Errorf("History out of order: %d then %d", h[0].Events, h[1].Events)
	}
}

func TestAggregatorSnapshotMatchesLastSample(t *testing.T) {
	var c Counters
	var lat LatencyWindow
	a := NewAggregator(&c, &lat)

	c.Events.Store(42)
	want := a.Sample(time.Now().Add(time.Second))
	if got := a.Snapshot(); got != want {
		t.Errorf("Snapshot = %+v, want %+v", got, want)
	}
}

func TestAggregatorStartStop(t *testing.T) {
	var c Counters
	var lat LatencyWindow
	a := NewAggregator(&c, &lat)

	c.Events.Store(10)
	a.Start(10 * time.Millisecond)
	defer a.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(a.History()) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if len(a.History()) < 2 {
		t.Fatalf("Expected periodic samples, got %d", len(a.History()))
	}
	a.Stop()
	n := len(a.History())
	time.Sleep(50 * time.Millisecond)
	if len(a.History()) != n {
		t.Error("Sampling continued after Stop")
	}
	// Stop is idempotent.
	a.Stop()
}

func TestLatencyWindowEviction(t *testing.T) {
	var w LatencyWindow
	if avg, max := w.AvgMax(); avg != 0 || max != 0 {
		t.Errorf("Empty window avg/max = %v/%v", avg, max)
	}

	// Fill with a large spike first, then overwrite the whole ring.
	w.Add(1000)
	for i := 0; i < latencySampleCap; i++ {
		w.Add(5)
	}
	avg, max := w.AvgMax()
	if !almostEqual(avg, 5) || !almostEqual(max, 5) {
		t.Errorf("Spike survived eviction: avg/max = %v/%v", avg, max)
	}
}
