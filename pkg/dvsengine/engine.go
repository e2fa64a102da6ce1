// Package dvsengine implements the DVS event ingestion pipeline and the
// real-time viewer built on top of it: UDP receiver, bounded event store,
// fade projector, stats aggregation and the ebiten render loop.
package dvsengine

import (
	"bytes"
	"fmt"
	"image/color"
	"log"
	"math"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	"github.com/hajimehoshi/ebiten/v2/text/v2"
	"github.com/hajimehoshi/ebiten/v2/vector"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/sudorandom/dvs-stream/pkg/dvswire"
	"github.com/sudorandom/dvs-stream/pkg/utils"
)

var (
	ColorOn   = color.RGBA{0, 255, 70, 255}   // brightness increase
	ColorOff  = color.RGBA{255, 50, 50, 255}  // brightness decrease
	ColorGrid = color.RGBA{36, 42, 53, 255}   // panel outlines
)

// Config carries the injected parameters for one viewer instance.
type Config struct {
	Width, Height int // render canvas dimensions

	SourceWidth  uint16 // producer coordinate space
	SourceHeight uint16
	RecordSize   int

	FadeWindow    time.Duration
	StoreCapacity int

	HotPixelDB      string // badger path; empty disables persistence and the filter
	FrameCaptureDir string // PNG capture target; empty disables
}

// Engine owns the ingestion pipeline and implements ebiten.Game. The receive
// loop runs on its own goroutine; Update/Draw are the consumer side and only
// ever touch the store through its lock.
type Engine struct {
	Width, Height int
	FadeWindow    time.Duration

	store     *EventStore
	receiver  *Receiver
	projector *Projector
	agg       *Aggregator
	filter    *HotPixelFilter
	pixels    *utils.PixelStore

	dotImage   *ebiten.Image
	fontSource *text.GoTextFaceSource
	monoSource *text.GoTextFaceSource

	FrameCaptureDir string
	activeCount     int
	clearHeld       bool
	captureHeld     bool
}

// NewEngine assembles the pipeline. The socket is not touched until Start.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.FadeWindow <= 0 {
		cfg.FadeWindow = 100 * time.Millisecond
	}
	layout := dvswire.RecordLayout{
		RecordSize: cfg.RecordSize,
		Width:      cfg.SourceWidth,
		Height:     cfg.SourceHeight,
	}
	if !layout.Valid() {
		return nil, fmt.Errorf("invalid layout: record size %d, source %dx%d",
			cfg.RecordSize, cfg.SourceWidth, cfg.SourceHeight)
	}

	var pixels *utils.PixelStore
	var filter *HotPixelFilter
	if cfg.HotPixelDB != "" {
		var err error
		pixels, err = utils.OpenPixelStore(cfg.HotPixelDB)
		if err != nil {
			return nil, fmt.Errorf("open hot pixel db: %w", err)
		}
		filter = NewHotPixelFilter(DefaultHotPixelWindow, DefaultHotPixelRate, pixels)
	}

	store := NewEventStore(cfg.StoreCapacity)
	receiver := NewReceiver(store, layout, filter)
	projector := NewProjector(cfg.SourceWidth, cfg.SourceHeight)
	projector.SetCanvasSize(cfg.Width, cfg.Height)

	s, _ := text.NewGoTextFaceSource(bytes.NewReader(goregular.TTF))
	m, _ := text.NewGoTextFaceSource(bytes.NewReader(gomono.TTF))

	e := &Engine{
		Width:           cfg.Width,
		Height:          cfg.Height,
		FadeWindow:      cfg.FadeWindow,
		store:           store,
		receiver:        receiver,
		projector:       projector,
		agg:             NewAggregator(receiver.Counters(), receiver.Latency()),
		filter:          filter,
		pixels:          pixels,
		fontSource:      s,
		monoSource:      m,
		FrameCaptureDir: cfg.FrameCaptureDir,
	}
	return e, nil
}

// Store exposes the event store for diagnostics.
func (e *Engine) Store() *EventStore { return e.store }

// Aggregator exposes the stats loop, e.g. for the websocket feed.
func (e *Engine) Aggregator() *Aggregator { return e.agg }

// Start binds the UDP port and starts the ingest and stats loops.
func (e *Engine) Start(port int) error {
	if err := e.receiver.Start(port); err != nil {
		return err
	}
	e.agg.Start(StatsInterval)
	return nil
}

// Stop shuts the pipeline down. The store stays queryable afterwards.
func (e *Engine) Stop() {
	e.receiver.Stop()
	e.agg.Stop()
	if e.pixels != nil {
		if err := e.pixels.Close(); err != nil {
			log.Printf("Error closing hot pixel db: %v", err)
		}
	}
}

// ActiveEvents returns the faded render set at now.
func (e *Engine) ActiveEvents(now time.Time) []ActiveEvent {
	return e.projector.Project(e.store, now, e.FadeWindow)
}

// Stats returns the latest aggregated snapshot.
func (e *Engine) Stats() Stats { return e.agg.Snapshot() }

// InitDotTexture builds the radial dot sprite events are drawn with.
func (e *Engine) InitDotTexture() {
	const size = 8
	e.dotImage = ebiten.NewImage(size, size)
	pixels := make([]byte, size*size*4)
	center, maxDist := float64(size)/2.0, float64(size)/2.0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx, dy := float64(x)-center+0.5, float64(y)-center+0.5
			dist := math.Sqrt(dx*dx + dy*dy)
			if dist < maxDist {
				val := math.Cos(dist / maxDist * (math.Pi / 2))
				off := (y*size + x) * 4
				pixels[off], pixels[off+1], pixels[off+2] = 255, 255, 255
				pixels[off+3] = uint8(val * 255)
			}
		}
	}
	e.dotImage.WritePixels(pixels)
}

func (e *Engine) Update() error {
	// Operator reset: C clears the event history.
	if ebiten.IsKeyPressed(ebiten.KeyC) {
		if !e.clearHeld {
			e.store.Clear()
			log.Println("Event store cleared")
		}
		e.clearHeld = true
	} else {
		e.clearHeld = false
	}
	return nil
}

func (e *Engine) Draw(screen *ebiten.Image) {
	screen.Fill(color.RGBA{8, 10, 15, 255})

	active := e.ActiveEvents(time.Now())
	e.activeCount = len(active)

	op := &ebiten.DrawImageOptions{}
	op.Blend = ebiten.BlendLighter
	halfW := float64(e.dotImage.Bounds().Dx()) / 2
	for _, ev := range active {
		c := ColorOn
		if ev.Polarity <= 0 {
			c = ColorOff
		}
		r, g, b := float64(c.R)/255.0, float64(c.G)/255.0, float64(c.B)/255.0
		op.GeoM.Reset()
		op.GeoM.Translate(ev.X-halfW, ev.Y-halfW)
		op.ColorScale.Reset()
		op.ColorScale.Scale(float32(r*ev.Alpha), float32(g*ev.Alpha), float32(b*ev.Alpha), float32(ev.Alpha))
		screen.DrawImage(e.dotImage, op)
	}

	e.drawStatsPanel(screen)
	e.drawTrendline(screen)
	e.drawLegend(screen)

	// P captures the rendered frame.
	if ebiten.IsKeyPressed(ebiten.KeyP) {
		if !e.captureHeld {
			e.captureFrame(screen, "frame", time.Now())
		}
		e.captureHeld = true
	} else {
		e.captureHeld = false
	}
}

func (e *Engine) Layout(w, h int) (int, int) { return e.Width, e.Height }

func (e *Engine) drawStatsPanel(screen *ebiten.Image) {
	if e.monoSource == nil {
		return
	}
	margin, fontSize := 20.0, 14.0
	boxW, boxH := 280.0, 170.0
	bx, by := float64(e.Width)-margin-boxW, margin

	vector.DrawFilledRect(screen, float32(bx), float32(by), float32(boxW), float32(boxH), color.RGBA{0, 0, 0, 100}, false)
	vector.StrokeRect(screen, float32(bx), float32(by), float32(boxW), float32(boxH), 1, ColorGrid, false)
	vector.DrawFilledRect(screen, float32(bx), float32(by), 4, float32(fontSize+10), ColorOn, false)

	stats := e.agg.Snapshot()
	face := &text.GoTextFace{Source: e.monoSource, Size: fontSize}
	lines := []string{
		"STREAM",
		fmt.Sprintf("packets   %d", stats.Packets),
		fmt.Sprintf("events    %d", stats.Events),
		fmt.Sprintf("dropped   %d", stats.DroppedPackets),
		fmt.Sprintf("rate      %.0f ev/s", stats.EventsPerSec),
		fmt.Sprintf("bandwidth %.2f MB/s", stats.ThroughputMBps),
		fmt.Sprintf("latency   %.1f / %.1f ms", stats.AvgLatencyMs, stats.MaxLatencyMs),
		fmt.Sprintf("active    %d dots", e.activeCount),
	}
	if e.filter != nil {
		lines = append(lines, fmt.Sprintf("hot px    %d masked", e.filter.MaskedCount()))
	}
	for i, line := range lines {
		top := &text.DrawOptions{}
		top.GeoM.Translate(bx+12, by+8+float64(i)*(fontSize+4))
		alpha := float32(0.8)
		if i == 0 {
			alpha = 0.5
		}
		top.ColorScale.Scale(1, 1, 1, alpha)
		text.Draw(screen, line, face, top)
	}
}

func (e *Engine) drawTrendline(screen *ebiten.Image) {
	history := e.agg.History()
	if len(history) < 2 {
		return
	}
	margin := 20.0
	graphW, graphH := 280.0, 70.0
	gx := float64(e.Width) - margin - graphW
	gy := float64(e.Height) - margin - graphH

	vector.DrawFilledRect(screen, float32(gx), float32(gy), float32(graphW), float32(graphH), color.RGBA{0, 0, 0, 100}, false)
	vector.StrokeRect(screen, float32(gx), float32(gy), float32(graphW), float32(graphH), 1, ColorGrid, false)

	logVal := func(v float64) float64 {
		if v <= 0 {
			return 0
		}
		return math.Log10(v + 1)
	}
	maxLog := 1.0
	for _, s := range history {
		if l := logVal(s.EventsPerSec); l > maxLog {
			maxLog = l
		}
	}
	step := graphW / float64(historyLen)
	for i := 0; i < len(history)-1; i++ {
		x1 := gx + float64(i)*step
		x2 := gx + float64(i+1)*step
		y1 := gy + graphH - (logVal(history[i].EventsPerSec)/maxLog)*graphH
		y2 := gy + graphH - (logVal(history[i+1].EventsPerSec)/maxLog)*graphH
		vector.StrokeLine(screen, float32(x1), float32(y1), float32(x2), float32(y2), 2, ColorOn, false)
	}

	if e.fontSource != nil {
		face := &text.GoTextFace{Source: e.fontSource, Size: 12}
		top := &text.DrawOptions{}
		top.GeoM.Translate(gx+6, gy-16)
		top.ColorScale.Scale(1, 1, 1, 0.5)
		text.Draw(screen, "EVENT RATE (2m)", face, top)
	}
}

func (e *Engine) drawLegend(screen *ebiten.Image) {
	if e.fontSource == nil {
		return
	}
	margin, fontSize := 20.0, 14.0
	spacing, swatch := 24.0, 10.0
	lx := margin
	ly := float64(e.Height) - margin - 2*spacing

	items := []struct {
		Label string
		Color color.RGBA
	}{
		{"Brightness up", ColorOn},
		{"Brightness down", ColorOff},
	}
	face := &text.GoTextFace{Source: e.fontSource, Size: fontSize}
	for i, it := range items {
		ty := ly + float64(i)*spacing
		vector.DrawFilledCircle(screen, float32(lx+swatch/2), float32(ty+swatch/2), float32(swatch/2), it.Color, false)
		top := &text.DrawOptions{}
		top.GeoM.Translate(lx+swatch+10, ty-fontSize/2+swatch/2)
		top.ColorScale.Scale(1, 1, 1, 0.8)
		text.Draw(screen, it.Label, face, top)
	}
}
