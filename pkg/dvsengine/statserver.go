package dvsengine

import (
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StatServer pushes aggregator snapshots to websocket subscribers so the
// stream can be watched without a window (dvs-debug, dashboards).
type StatServer struct {
	source   func() Stats
	interval time.Duration
	upgrader websocket.Upgrader

	listener net.Listener
	server   *http.Server

	// Upgraded connections are hijacked, so server.Close does not reach
	// them; track them for Stop.
	mu   sync.Mutex
	subs map[*websocket.Conn]struct{}
}

// NewStatServer broadcasts whatever source returns, every interval.
func NewStatServer(source func() Stats, interval time.Duration) *StatServer {
	if interval <= 0 {
		interval = StatsInterval
	}
	return &StatServer{
		source:   source,
		interval: interval,
		upgrader: websocket.Upgrader{
			// Local diagnostic endpoint; cross-origin tooling is fine.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		subs: make(map[*websocket.Conn]struct{}),
	}
}

// Start listens on addr and serves /ws in the background. Bind errors
// surface immediately.
func (s *StatServer) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Handler: mux}
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("Stats server error: %v", err)
		}
	}()
	log.Printf("Stats feed on ws://%s/ws", ln.Addr())
	return nil
}

// Addr returns the bound address, or empty before Start.
func (s *StatServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop closes the server and all subscriber connections.
func (s *StatServer) Stop() {
	if s.server != nil {
		s.server.Close()
	}
	s.mu.Lock()
	for conn := range s.subs {
		conn.Close()
	}
	s.mu.Unlock()
}

func (s *StatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	log.Printf("Stats subscriber connected: %s", conn.RemoteAddr())
	s.mu.Lock()
	s.subs[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.subs, conn)
		s.mu.Unlock()
	}()

	// Reads only surface close/errors; subscribers never send.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Push the current snapshot immediately, then on every tick.
	if err := conn.WriteJSON(s.source()); err != nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-ticker.C:
			if err := conn.WriteJSON(s.source()); err != nil {
				return
			}
		}
	}
}
