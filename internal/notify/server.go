package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server pushes bus events to WebSocket clients.
type Server struct {
	addr     string
	bus      *Bus
	snapshot func() []Event
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Port to listen on, on the loopback interface. Zero picks a free port.
	Port int
	// Bus is the event source.
	Bus *Bus
	// Snapshot returns the events sent to a client when it connects, so
	// it starts from the current state.
	Snapshot func() []Event
	Logger   *log.Logger
}

const writeTimeout = 5 * time.Second

// NewServer creates a server. Start must be called to serve.
func NewServer(config *ServerConfig) (*Server, error) {
	if config == nil || config.Bus == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:     fmt.Sprintf("127.0.0.1:%d", config.Port),
		bus:      config.Bus,
		snapshot: config.Snapshot,
		clients:  make(map[*websocket.Conn]bool),
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
	}, nil
}

// Start listens and begins forwarding events.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	events, unsubscribe := s.bus.Subscribe(DefaultBuffer * 4)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer unsubscribe()
		s.forward(events)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("server error: %v", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shut down notify server: %w", err)
		}
	}
	s.wg.Wait()
	return nil
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (s *Server) forward(events <-chan Event) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Printf("failed to marshal %s: %v", ev.Type, err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				if err := s.write(conn, data); err != nil {
					s.logger.Printf("failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Only local pages may connect.
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("websocket upgrade failed: %v", err)
		return
	}

	if s.snapshot != nil {
		for _, ev := range s.snapshot() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := s.write(conn, data); err != nil {
				_ = conn.Close(websocket.StatusInternalError, "")
				return
			}
		}
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("client connected (total: %d)", n)

	go s.readLoop(conn)
}

// readLoop detects disconnects; clients never send anything useful.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	n := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("client disconnected (total: %d)", n)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}
