package telemetry

import (
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	simtelemetry "agentworld.ai/internal/sim/telemetry"
)

// Server streams telemetry frames to loopback websocket clients. WriteFrame
// never blocks the simulation: a client that falls behind loses frames.
type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[uint64]chan []byte
	last    []byte

	nextID  atomic.Uint64
	dropped atomic.Uint64
}

var _ simtelemetry.Sink = (*Server)(nil)

func NewServer(logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{
		log: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: map[uint64]chan []byte{},
	}
}

// Mux serves /telemetry (websocket) and /telemetry/latest (last frame as JSON).
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", s.WSHandler())
	mux.HandleFunc("/telemetry/latest", s.LatestHandler())
	return mux
}

func (s *Server) WriteFrame(f simtelemetry.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = b
	for _, ch := range s.clients {
		select {
		case ch <- b:
		default:
			s.dropped.Add(1)
		}
	}
	return nil
}

// Clients is the number of connected streams.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Dropped counts frames not delivered to slow clients.
func (s *Server) Dropped() uint64 { return s.dropped.Load() }

func (s *Server) LatestHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		s.mu.Lock()
		b := s.last
		s.mu.Unlock()
		if b == nil {
			rw.WriteHeader(http.StatusNoContent)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write(b)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		id := s.nextID.Add(1)
		out := make(chan []byte, 256)
		s.mu.Lock()
		s.clients[id] = out
		s.mu.Unlock()
		s.log.Printf("client %d connected from %s", id, r.RemoteAddr)
		defer func() {
			s.mu.Lock()
			delete(s.clients, id)
			s.mu.Unlock()
			s.log.Printf("client %d gone", id)
		}()

		// The stream is one-way; reading only detects the peer closing.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-done:
				return
			case b := <-out:
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return
				}
			}
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
