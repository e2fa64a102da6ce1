package dvsengine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
	"github.com/sudorandom/dvs-stream/pkg/utils"
)

func burst(x, y uint16, n int) []dvswire.Event {
	events := make([]dvswire.Event, n)
	for i := range events {
		events[i] = dvswire.Event{Timestamp: uint64(i), X: x, Y: y, Polarity: 1}
	}
	return events
}

func TestHotPixelMasking(t *testing.T) {
	f := NewHotPixelFilter(time.Second, 50, nil)
	base := time.Now()

	// A stuck pixel at (3,7) firing 200/s alongside a quiet one at (1,1).
	kept := f.Filter(append(burst(3, 7, 200), burst(1, 1, 5)...), base)
	if len(kept) != 205 {
		t.Fatalf("First window should keep everything, got %d", len(kept))
	}
	if f.MaskedCount() != 0 {
		t.Fatalf("Nothing should be masked mid-window, got %d", f.MaskedCount())
	}

	// Crossing the window boundary triggers evaluation.
	f.Filter(nil, base.Add(1100*time.Millisecond))
	if f.MaskedCount() != 1 {
		t.Fatalf("Expected 1 masked pixel, got %d", f.MaskedCount())
	}

	kept = f.Filter(append(burst(3, 7, 10), burst(1, 1, 3)...), base.Add(1200*time.Millisecond))
	if len(kept) != 3 {
		t.Errorf("Expected 3 surviving events, got %d", len(kept))
	}
	for _, ev := range kept {
		if ev.X == 3 && ev.Y == 7 {
			t.Error("Masked pixel leaked through the filter")
		}
	}
	if f.Dropped() != 10 {
		t.Errorf("Dropped = %d, want 10", f.Dropped())
	}
}

func TestHotPixelQuietPixelsStayUnmasked(t *testing.T) {
	f := NewHotPixelFilter(time.Second, 50, nil)
	base := time.Now()

	for i := 0; i < 5; i++ {
		now := base.Add(time.Duration(i) * 1100 * time.Millisecond)
		if kept := f.Filter(burst(10, 10, 20), now); len(kept) != 20 {
			t.Fatalf("Window %d dropped events from a quiet pixel: kept %d", i, len(kept))
		}
	}
	if f.MaskedCount() != 0 {
		t.Errorf("Quiet pixel was masked, mask size %d", f.MaskedCount())
	}
}

func TestHotPixelCountsResetEachWindow(t *testing.T) {
	f := NewHotPixelFilter(time.Second, 50, nil)
	base := time.Now()

	// ~36/s per window, above threshold only if counts leaked across.
	for i := 0; i < 3; i++ {
		f.Filter(burst(2, 2, 40), base.Add(time.Duration(2*i)*1100*time.Millisecond))
		f.Filter(nil, base.Add(time.Duration(2*i+1)*1100*time.Millisecond))
	}
	if f.MaskedCount() != 0 {
		t.Errorf("Counts leaked across windows, mask size %d", f.MaskedCount())
	}
}

func TestHotPixelPersistence(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hotpixels")

	ps, err := utils.OpenPixelStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to open pixel store: %v", err)
	}
	f := NewHotPixelFilter(time.Second, 50, ps)
	base := time.Now()
	f.Filter(burst(9, 9, 200), base)
	f.Filter(nil, base.Add(1100*time.Millisecond))
	if f.MaskedCount() != 1 {
		t.Fatalf("Expected 1 masked pixel before restart, got %d", f.MaskedCount())
	}
	if err := ps.Close(); err != nil {
		t.Fatalf("Failed to close pixel store: %v", err)
	}

	// A fresh filter over the same store starts with the mask pre-loaded.
	ps2, err := utils.OpenPixelStore(dbPath)
	if err != nil {
		t.Fatalf("Failed to reopen pixel store: %v", err)
	}
	defer ps2.Close()
	f2 := NewHotPixelFilter(time.Second, 50, ps2)
	if f2.MaskedCount() != 1 {
		t.Fatalf("Expected persisted mask of 1, got %d", f2.MaskedCount())
	}
	if kept := f2.Filter(burst(9, 9, 5), time.Now()); len(kept) != 0 {
		t.Errorf("Persisted hot pixel leaked %d events", len(kept))
	}
}
