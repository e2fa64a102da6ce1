package dvsengine

import (
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

func TestProjectAlphaFade(t *testing.T) {
	p := NewProjector(100, 100)
	now := time.Now()
	window := 100 * time.Millisecond

	tests := []struct {
		age       time.Duration
		wantAlpha float64
		included  bool
	}{
		{0, 1.0, true},
		{25 * time.Millisecond, 0.75, true},
		{50 * time.Millisecond, 0.5, true},
		{100 * time.Millisecond, 0.0, true}, // exactly at the edge: alpha 0
		{101 * time.Millisecond, 0, false},  // past the edge: excluded
	}

	for _, tt := range tests {
		events := []dvswire.Event{{X: 10, Y: 10, Polarity: 1, ReceivedAt: now.Add(-tt.age)}}
		got := p.ProjectEvents(events, now, window)
		if !tt.included {
			if len(got) != 0 {
				t.Errorf("age %v: expected exclusion, got %+v", tt.age, got)
			}
			continue
		}
		if len(got) != 1 {
			t.Fatalf("age %v: expected 1 active event, got %d", tt.age, len(got))
		}
		if math.Abs(got[0].Alpha-tt.wantAlpha) > 1e-9 {
			t.Errorf("age %v: alpha %.4f, want %.4f", tt.age, got[0].Alpha, tt.wantAlpha)
		}
	}
}

func TestProjectAlphaMonotone(t *testing.T) {
	p := NewProjector(100, 100)
	now := time.Now()
	window := 200 * time.Millisecond

	prev := 2.0
	for age := time.Duration(0); age <= window; age += 10 * time.Millisecond {
		got := p.ProjectEvents([]dvswire.Event{{X: 1, Y: 1, ReceivedAt: now.Add(-age)}}, now, window)
		if len(got) != 1 {
			t.Fatalf("age %v: missing event", age)
		}
		if got[0].Alpha >= prev {
			t.Errorf("alpha not strictly decreasing at age %v: %.4f >= %.4f", age, got[0].Alpha, prev)
		}
		prev = got[0].Alpha
	}
}

func TestProjectCoordinateScaling(t *testing.T) {
	p := NewProjector(1920, 1080)
	p.SetCanvasSize(800, 600)
	now := time.Now()

	got := p.ProjectEvents([]dvswire.Event{
		{X: 1920 / 2, Y: 1080 / 2, Polarity: 1, ReceivedAt: now},
		{X: 0, Y: 0, Polarity: -1, ReceivedAt: now},
	}, now, time.Second)
	if len(got) != 2 {
		t.Fatalf("Expected 2 events, got %d", len(got))
	}
	if math.Abs(got[0].X-400) > 1e-9 || math.Abs(got[0].Y-300) > 1e-9 {
		t.Errorf("Center pixel scaled to (%.1f, %.1f), want (400, 300)", got[0].X, got[0].Y)
	}
	if got[1].X != 0 || got[1].Y != 0 {
		t.Errorf("Origin moved: (%.1f, %.1f)", got[1].X, got[1].Y)
	}

	// Resizing recomputes the factors.
	p.SetCanvasSize(1920, 1080)
	got = p.ProjectEvents([]dvswire.Event{{X: 960, Y: 540, ReceivedAt: now}}, now, time.Second)
	if got[0].X != 960 || got[0].Y != 540 {
		t.Errorf("1:1 canvas: got (%.1f, %.1f)", got[0].X, got[0].Y)
	}
}

func TestProjectConcreteScenario(t *testing.T) {
	// Capacity 4, fade window 100ms. Events at 0, 20, 50, 120 and 150ms;
	// the first is evicted, the query at 160ms keeps only D and E.
	store := NewEventStore(4)
	base := time.Now()
	offsets := []time.Duration{0, 20 * time.Millisecond, 50 * time.Millisecond, 120 * time.Millisecond, 150 * time.Millisecond}
	for i, off := range offsets {
		store.Insert(dvswire.Event{Timestamp: uint64(i), X: uint16(i), Y: uint16(i), Polarity: 1, ReceivedAt: base.Add(off)})
	}
	if store.Len() != 4 {
		t.Fatalf("Expected store of 4 after eviction, got %d", store.Len())
	}

	p := NewProjector(100, 100)
	now := base.Add(160 * time.Millisecond)
	got := p.Project(store, now, 100*time.Millisecond)

	if len(got) != 2 {
		t.Fatalf("Expected D and E active, got %d events", len(got))
	}
	// D: age 40ms -> alpha 0.6; E: age 10ms -> alpha 0.9.
	if math.Abs(got[0].Alpha-0.6) > 1e-9 {
		t.Errorf("D alpha %.4f, want 0.6", got[0].Alpha)
	}
	if math.Abs(got[1].Alpha-0.9) > 1e-9 {
		t.Errorf("E alpha %.4f, want 0.9", got[1].Alpha)
	}
}

func TestProjectBatchedMatchesSequential(t *testing.T) {
	p := NewProjector(1920, 1080)
	p.SetCanvasSize(640, 480)
	now := time.Now()
	window := time.Second

	rng := rand.New(rand.NewSource(1))
	events := make([]dvswire.Event, 5000)
	for i := range events {
		pol := int8(1)
		if rng.Intn(2) == 0 {
			pol = -1
		}
		events[i] = dvswire.Event{
			X:          uint16(rng.Intn(1920)),
			Y:          uint16(rng.Intn(1080)),
			Polarity:   pol,
			ReceivedAt: now.Add(-time.Duration(rng.Intn(1200)) * time.Millisecond),
		}
	}

	parallel := p.ProjectEvents(events, now, window)

	p.mu.Lock()
	p.parallel = len(events) + 1 // force the sequential path
	p.mu.Unlock()
	sequential := p.ProjectEvents(events, now, window)

	if len(parallel) != len(sequential) {
		t.Fatalf("Batched path returned %d events, sequential %d", len(parallel), len(sequential))
	}
	for i := range parallel {
		if parallel[i] != sequential[i] {
			t.Fatalf("Mismatch at %d: parallel %+v, sequential %+v", i, parallel[i], sequential[i])
		}
	}
}

func TestProjectEmptyInput(t *testing.T) {
	p := NewProjector(100, 100)
	if got := p.ProjectEvents(nil, time.Now(), time.Second); got != nil {
		t.Errorf("Expected nil for empty input, got %v", got)
	}
	if got := p.ProjectEvents([]dvswire.Event{{X: 1, Y: 1}}, time.Now(), 0); got != nil {
		t.Errorf("Expected nil for zero fade window, got %v", got)
	}
}

// BenchmarkProject measures the per-tick cost of fading a full render set.
// High allocations per op here show up directly as frame jitter.
func BenchmarkProject(b *testing.B) {
	p := NewProjector(1920, 1080)
	p.SetCanvasSize(1920, 1080)
	now := time.Now()

	rng := rand.New(rand.NewSource(7))
	events := make([]dvswire.Event, 20000)
	for i := range events {
		events[i] = dvswire.Event{
			X:          uint16(rng.Intn(1920)),
			Y:          uint16(rng.Intn(1080)),
			Polarity:   1,
			ReceivedAt: now.Add(-time.Duration(rng.Intn(90)) * time.Millisecond),
		}
	}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		p.ProjectEvents(events, now, 100*time.Millisecond)
	}
}
