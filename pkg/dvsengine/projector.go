package dvsengine

import (
	"runtime"
	"sync"
	"time"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
)

// DefaultParallelThreshold is the active-event count above which Project
// fans the fade computation out across workers.
const DefaultParallelThreshold = 512

// ActiveEvent is one event inside the fade window, scaled to canvas
// coordinates and annotated with its fade alpha.
type ActiveEvent struct {
	X, Y     float64
	Polarity int8
	Alpha    float64
}

// Projector turns the store's recent history into the render set for one
// tick. Scaling factors are derived from source dimensions and the current
// canvas size; the fade is linear from 1.0 (just arrived) to 0.0 (at the
// window edge).
type Projector struct {
	sourceW, sourceH uint16

	mu       sync.Mutex
	scaleX   float64
	scaleY   float64
	canvasW  int
	canvasH  int
	parallel int
}

// NewProjector creates a projector for a given source resolution. The canvas
// starts at source size (scale 1:1) until SetCanvasSize is called.
func NewProjector(sourceW, sourceH uint16) *Projector {
	p := &Projector{
		sourceW:  sourceW,
		sourceH:  sourceH,
		parallel: DefaultParallelThreshold,
	}
	p.SetCanvasSize(int(sourceW), int(sourceH))
	return p
}

// SetCanvasSize recomputes the per-axis scale factors. Call whenever the
// canvas dimensions change.
func (p *Projector) SetCanvasSize(w, h int) {
	p.mu.Lock()
	p.canvasW, p.canvasH = w, h
	p.scaleX = float64(w) / float64(p.sourceW)
	p.scaleY = float64(h) / float64(p.sourceH)
	p.mu.Unlock()
}

// Project returns the active set at now: every stored event younger than
// fadeWindow, scaled and alpha-annotated, in insertion order.
func (p *Projector) Project(store *EventStore, now time.Time, fadeWindow time.Duration) []ActiveEvent {
	return p.ProjectEvents(store.QueryWindow(now, fadeWindow), now, fadeWindow)
}

// ProjectEvents fades an already-queried slice. The query window may be wider
// than the fade window (the wider window feeds rate statistics), so events
// older than fadeWindow are excluded here. Output order always matches input
// order, with or without the parallel path.
func (p *Projector) ProjectEvents(events []dvswire.Event, now time.Time, fadeWindow time.Duration) []ActiveEvent {
	if len(events) == 0 || fadeWindow <= 0 {
		return nil
	}
	p.mu.Lock()
	sx, sy := p.scaleX, p.scaleY
	threshold := p.parallel
	p.mu.Unlock()

	out := make([]ActiveEvent, len(events))
	keep := make([]bool, len(events))
	fade := func(lo, hi int) {
		for i := lo; i < hi; i++ {
			ev := events[i]
			age := now.Sub(ev.ReceivedAt)
			if age > fadeWindow {
				continue
			}
			// Clock skew can make age slightly negative; clamp instead of dropping.
			alpha := float64(fadeWindow-age) / float64(fadeWindow)
			if alpha > 1 {
				alpha = 1
			}
			out[i] = ActiveEvent{
				X:        float64(ev.X) * sx,
				Y:        float64(ev.Y) * sy,
				Polarity: ev.Polarity,
				Alpha:    alpha,
			}
			keep[i] = true
		}
	}

	if len(events) <= threshold {
		fade(0, len(events))
	} else {
		workers := runtime.GOMAXPROCS(0)
		if workers > len(events) {
			workers = len(events)
		}
		chunk := (len(events) + workers - 1) / workers
		var wg sync.WaitGroup
		for lo := 0; lo < len(events); lo += chunk {
			hi := lo + chunk
			if hi > len(events) {
				hi = len(events)
			}
			wg.Add(1)
			go func(lo, hi int) {
				defer wg.Done()
				fade(lo, hi)
			}(lo, hi)
		}
		wg.Wait()
	}

	// Compact in place, preserving input order.
	active := out[:0]
	for i, ok := range keep {
		if ok {
			active = append(active, out[i])
		}
	}
	return active
}
