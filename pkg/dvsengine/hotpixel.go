package dvsengine

import (
	"log"
	"sync"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
	"github.com/sudorandom/dvs-stream/pkg/utils"
)

const (
	// DefaultHotPixelWindow is how long per-pixel rates accumulate before
	// evaluation.
	DefaultHotPixelWindow = 5 * time.Second
	// DefaultHotPixelRate is the per-pixel events/sec above which a pixel is
	// considered stuck. A healthy pixel fires on real change; a broken one
	// fires continuously.
	DefaultHotPixelRate = 500.0
)

// HotPixelFilter masks sensor pixels that fire implausibly often. Counting is
// windowed: every window the per-pixel totals are evaluated, offenders join
// the mask and counts reset. The mask can be persisted across sessions
// through a utils.PixelStore.
type HotPixelFilter struct {
	window  time.Duration
	maxRate float64
	persist *utils.PixelStore

	mu          sync.Mutex
	counts      map[uint32]uint32
	masked      map[uint32]struct{}
	windowStart time.Time
	dropped     uint64
}

// NewHotPixelFilter creates a filter. persist may be nil for a purely
// in-memory mask; when set, previously persisted hot pixels are loaded so a
// restart does not relearn them.
func NewHotPixelFilter(window time.Duration, maxRate float64, persist *utils.PixelStore) *HotPixelFilter {
	if window <= 0 {
		window = DefaultHotPixelWindow
	}
	if maxRate <= 0 {
		maxRate = DefaultHotPixelRate
	}
	f := &HotPixelFilter{
		window:  window,
		maxRate: maxRate,
		persist: persist,
		counts:  make(map[uint32]uint32),
		masked:  make(map[uint32]struct{}),
	}
	if persist != nil {
		loaded := 0
		err := persist.ForEach(func(x, y uint16) error {
			f.masked[pixelKey(x, y)] = struct{}{}
			loaded++
			return nil
		})
		if err != nil {
			log.Printf("Failed to load persisted hot pixels: %v", err)
		} else if loaded > 0 {
			log.Printf("Loaded %d persisted hot pixels", loaded)
		}
	}
	return f
}

// Bit-packed coordinate key, cheaper than a struct map key on the hot path.
func pixelKey(x, y uint16) uint32 { return uint32(x)<<16 | uint32(y) }

// Filter drops events from masked pixels and feeds the survivors into the
// rate counters. It compacts in place and returns the surviving prefix.
func (f *HotPixelFilter) Filter(events []dvswire.Event, now time.Time) []dvswire.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowStart.IsZero() {
		f.windowStart = now
	}
	kept := events[:0]
	for _, ev := range events {
		k := pixelKey(ev.X, ev.Y)
		if _, hot := f.masked[k]; hot {
			f.dropped++
			continue
		}
		f.counts[k]++
		kept = append(kept, ev)
	}
	if now.Sub(f.windowStart) >= f.window {
		f.evaluateLocked(now)
	}
	return kept
}

func (f *HotPixelFilter) evaluateLocked(now time.Time) {
	elapsed := now.Sub(f.windowStart).Seconds()
	if elapsed <= 0 {
		return
	}
	var newlyHot [][2]uint16
	for k, n := range f.counts {
		if float64(n)/elapsed > f.maxRate {
			f.masked[k] = struct{}{}
			newlyHot = append(newlyHot, [2]uint16{uint16(k >> 16), uint16(k & 0xffff)})
		}
	}
	f.counts = make(map[uint32]uint32)
	f.windowStart = now

	if len(newlyHot) == 0 {
		return
	}
	log.Printf("Masking %d hot pixels (%d total)", len(newlyHot), len(f.masked))
	if f.persist != nil {
		if err := f.persist.BatchMark(newlyHot); err != nil {
			log.Printf("Warning: failed to persist hot pixels: %v", err)
		}
	}
}

// MaskedCount returns the current mask size.
func (f *HotPixelFilter) MaskedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.masked)
}

// Dropped returns how many events the mask has suppressed.
func (f *HotPixelFilter) Dropped() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}
