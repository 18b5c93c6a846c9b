// Package dashboard serves the sync status of a running client over HTTP
// and WebSocket.
//
// Endpoints:
//
//	/ws       status on connect, then every transition as it happens
//	/status   current orchestrator.StatusInfo as JSON
//	/health   liveness and client count
//	/metrics  Prometheus exposition of the configured gatherer
package dashboard

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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stocksync/stocksync/internal/orchestrator"
)

const (
	writeTimeout = 5 * time.Second

	// clientQueue is how many frames a client may lag behind before it is
	// disconnected.
	clientQueue = 16
)

// StatusSource provides the current status. *orchestrator.Orchestrator
// satisfies it.
type StatusSource interface {
	Status() orchestrator.StatusInfo
}

// Config holds server configuration.
type Config struct {
	// Addr to listen on (default: 127.0.0.1:8765). Port 0 picks a free port.
	Addr string

	// Gatherer backs /metrics. Defaults to the Prometheus default registry.
	Gatherer prometheus.Gatherer

	// Logger for server activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Addr:     "127.0.0.1:8765",
		Gatherer: prometheus.DefaultGatherer,
		Logger:   log.New(os.Stderr, "[dashboard] ", log.LstdFlags),
	}
}

// client is one WebSocket connection with its own outgoing queue, so a slow
// reader never holds up the others.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	gone chan struct{}
}

func (c *client) close() {
	c.once.Do(func() { close(c.gone) })
}

// Server fans dashboard messages out to WebSocket clients and serves the
// HTTP endpoints.
type Server struct {
	config   *Config
	source   StatusSource
	listener net.Listener
	http     *http.Server

	mu      sync.RWMutex
	clients map[*client]struct{}

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a dashboard server reporting source.
func NewServer(source StatusSource, config *Config) (*Server, error) {
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Addr == "" {
		config.Addr = defaults.Addr
	}
	if config.Gatherer == nil {
		config.Gatherer = defaults.Gatherer
	}
	if config.Logger == nil {
		config.Logger = defaults.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:    config,
		source:    source,
		clients:   make(map[*client]struct{}),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start listens and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.fanOut()
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.config.Logger.Printf("Serve failed: %v", err)
		}
	}()
	return nil
}

// Run starts the server and stops it when ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Stop()
}

// Stop disconnects every client and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for c := range s.clients {
		c.close()
	}
	s.mu.Unlock()

	var err error
	if s.http != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if shutdownErr := s.http.Shutdown(ctx); shutdownErr != nil {
			err = fmt.Errorf("failed to shut down: %w", shutdownErr)
		}
	}
	s.wg.Wait()
	s.config.Logger.Println("Stopped")
	return err
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Broadcast queues msg for every connected client. It never blocks; when
// the queue is full the message is dropped.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.config.Logger.Printf("Broadcast queue full, dropping %s message", msg.Type)
	}
}

// fanOut encodes each queued message once and hands it to every client.
// Clients whose queue is full are dropped.
func (s *Server) fanOut() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := frame(msg)
			if err != nil {
				s.config.Logger.Printf("Failed to encode %s message: %v", msg.Type, err)
				continue
			}
			s.mu.RLock()
			for c := range s.clients {
				select {
				case c.send <- data:
				default:
					s.config.Logger.Println("Client too slow, disconnecting")
					c.close()
				}
			}
			s.mu.RUnlock()
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	// The welcome status is written before the client joins the fan-out,
	// so broadcasts never overtake it.
	welcome, err := statusMessage(s.source.Status())
	if err == nil {
		err = s.write(r.Context(), conn, welcome)
	}
	if err != nil {
		s.config.Logger.Printf("Failed to send welcome: %v", err)
		_ = conn.Close(websocket.StatusInternalError, "")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientQueue), gone: make(chan struct{})}
	n, ok := s.register(c)
	if !ok {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		return
	}
	s.config.Logger.Printf("Client connected (total: %d)", n)
	go s.serveClient(c)
}

func (s *Server) write(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := frame(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

// serveClient writes queued frames until the client goes away. Incoming
// client messages are read only to notice disconnects.
func (s *Server) serveClient(c *client) {
	defer s.wg.Done()
	defer func() {
		n := s.unregister(c)
		_ = c.conn.Close(websocket.StatusGoingAway, "")
		s.config.Logger.Printf("Client disconnected (total: %d)", n)
	}()

	go func() {
		defer c.close()
		for {
			if _, _, err := c.conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.gone:
			return
		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// register adds c unless the server is stopping. The caller must run
// serveClient for a registered client.
func (s *Server) register(c *client) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return 0, false
	}
	s.clients[c] = struct{}{}
	s.wg.Add(1)
	return len(s.clients), true
}

func (s *Server) unregister(c *client) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
	return len(s.clients)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.source.Status())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// GetAddr returns the listening address, or the configured one before
// Start.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
