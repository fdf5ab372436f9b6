// Package websrv is the local status surface: a loopback HTTP server with a
// health check, the Prometheus scrape endpoint, and a WebSocket feed of bus
// events for dashboards and debugging.
package websrv

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/clanbot/pkg/events"
)

// feedBuffer is the per-connection event backlog. A reader that falls this
// far behind starts losing events rather than stalling the bus.
const feedBuffer = 64

// Config wires the status server.
type Config struct {
	Port int
	Host string // empty means loopback only
	Bus  *events.Bus

	// Status supplies extra fields for the health endpoint. May be nil.
	Status func() map[string]any
}

// Server serves /health, /metrics and /ws. All endpoints are unauthenticated,
// so the default bind is loopback.
type Server struct {
	cfg       Config
	httpSrv   *http.Server
	mux       *http.ServeMux
	upgrader  websocket.Upgrader
	startTime time.Time

	mu    sync.Mutex
	feeds map[*feed]struct{}
}

// New creates the status server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		feeds:     make(map[*feed]struct{}),
		upgrader: websocket.Upgrader{
			// loopback-only service, origin checks add nothing
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.httpSrv = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: s.mux,
	}
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWebSocket)
	return s
}

// Start registers the bus tap and listens until Stop. It blocks the calling
// goroutine.
func (s *Server) Start() error {
	if s.cfg.Bus != nil {
		err := s.cfg.Bus.Register(s, "websrv", "websrv", nil, s.onEvent)
		if err != nil {
			return fmt.Errorf("websrv: bus register: %w", err)
		}
		defer s.cfg.Bus.Unregister(s)
	}
	log.Printf("WEB: status server listening on %s", s.httpSrv.Addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop gracefully shuts the server down and closes every event feed.
func (s *Server) Stop(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	s.mu.Lock()
	for f := range s.feeds {
		f.close()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":         "ok",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
	}
	if s.cfg.Status != nil {
		for k, v := range s.cfg.Status() {
			body[k] = v
		}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// WSEvent is the wire form of a bus event on the /ws feed.
type WSEvent struct {
	SenderType string         `json:"sender_type"`
	SenderID   string         `json:"sender_id"`
	Subject    string         `json:"subject"`
	Data       map[string]any `json:"data,omitempty"`
	Time       int64          `json:"time"`
}

// onEvent fans a raised event out to every connected feed. Raise holds the
// bus lock, so delivery must never block: full feeds drop.
func (s *Server) onEvent(_ *events.Dispatch, ev events.Event) error {
	msg := WSEvent{
		SenderType: ev.SenderType,
		SenderID:   ev.SenderID,
		Subject:    ev.Subject,
		Data:       ev.Data,
		Time:       time.Now().Unix(),
	}
	s.mu.Lock()
	for f := range s.feeds {
		select {
		case f.out <- msg:
		default:
		}
	}
	s.mu.Unlock()
	return nil
}

// feed is one connected /ws client.
type feed struct {
	conn *websocket.Conn
	out  chan WSEvent
	once sync.Once
}

func (f *feed) close() {
	f.once.Do(func() {
		close(f.out)
		f.conn.Close()
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WEB: websocket upgrade: %v", err)
		return
	}
	f := &feed{conn: conn, out: make(chan WSEvent, feedBuffer)}
	s.mu.Lock()
	s.feeds[f] = struct{}{}
	s.mu.Unlock()
	log.Printf("WEB: event feed connected from %s", r.RemoteAddr)

	go s.feedWriter(f)
	go s.feedReader(f)
}

func (s *Server) feedWriter(f *feed) {
	for msg := range f.out {
		f.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := f.conn.WriteJSON(msg); err != nil {
			break
		}
	}
	s.dropFeed(f)
}

// feedReader discards client input; its job is noticing the close.
func (s *Server) feedReader(f *feed) {
	for {
		if _, _, err := f.conn.ReadMessage(); err != nil {
			break
		}
	}
	s.dropFeed(f)
}

func (s *Server) dropFeed(f *feed) {
	s.mu.Lock()
	delete(s.feeds, f)
	s.mu.Unlock()
	f.close()
}
