package main

import (
	"flag"
	"log"
	"os"
	"time"

	"github.com/hajimehoshi/ebiten/v2"
	_ "github.com/silbinarywolf/preferdiscretegpu"
	"github.com/sudorandom/dvs-stream/pkg/dvsengine"
)

var (
	portFlag      = flag.Int("port", 9000, "UDP port to listen on for event packets")
	sourceWidth   = flag.Int("source-width", 1280, "Sensor coordinate width")
	sourceHeight  = flag.Int("source-height", 720, "Sensor coordinate height")
	recordSize    = flag.Int("record-size", 13, "Wire record size in bytes (13, 16 or 32)")
	fadeMs        = flag.Int("fade-ms", 100, "Event fade duration in milliseconds")
	storeCap      = flag.Int("store-cap", dvsengine.DefaultStoreCapacity, "Maximum events kept in memory")
	renderWidth   = flag.Int("width", 1280, "Internal rendering width")
	renderHeight  = flag.Int("height", 720, "Internal rendering height")
	windowWidth   = flag.Int("window-width", 1280, "Initial window width")
	windowHeight  = flag.Int("window-height", 720, "Initial window height")
	tpsFlag       = flag.Int("tps", 60, "Ticks per second (engine updates)")
	captureDir    = flag.String("capture-dir", "captures", "Directory for P-key frame captures")
	hotPixelDB    = flag.String("hotpixel-db", "", "Badger path for the persistent hot pixel mask (empty disables filtering)")
	statsAddrFlag = flag.String("stats-addr", "", "Listen address for the websocket stats feed, e.g. :8080 (empty disables)")
)

func main() {
	flag.Parse()
	log.SetOutput(os.Stderr)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	engine, err := dvsengine.NewEngine(dvsengine.Config{
		Width:           *renderWidth,
		Height:          *renderHeight,
		SourceWidth:     uint16(*sourceWidth),
		SourceHeight:    uint16(*sourceHeight),
		RecordSize:      *recordSize,
		FadeWindow:      time.Duration(*fadeMs) * time.Millisecond,
		StoreCapacity:   *storeCap,
		HotPixelDB:      *hotPixelDB,
		FrameCaptureDir: *captureDir,
	})
	if err != nil {
		log.Fatalf("Failed to initialize engine: %v", err)
	}

	engine.InitDotTexture()
	if err := engine.Start(*portFlag); err != nil {
		log.Fatalf("Failed to start receiver: %v", err)
	}
	defer engine.Stop()

	if *statsAddrFlag != "" {
		statServer := dvsengine.NewStatServer(engine.Stats, dvsengine.StatsInterval)
		if err := statServer.Start(*statsAddrFlag); err != nil {
			log.Fatalf("Failed to start stats feed: %v", err)
		}
		defer statServer.Stop()
		log.Printf("Websocket stats feed on ws://%s/ws", statServer.Addr())
	}

	ebiten.SetTPS(*tpsFlag)
	ebiten.SetWindowSize(*windowWidth, *windowHeight)
	ebiten.SetWindowResizingMode(ebiten.WindowResizingModeEnabled)
	ebiten.SetWindowTitle("DVS Event Stream Viewer")
	if err := ebiten.RunGame(engine); err != nil {
		log.Fatal(err)
	}
}
