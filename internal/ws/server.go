// Package ws handles WebSocket connection management for the gateway:
// authenticating and upgrading HTTP connections, running one read loop per
// client, keeping the connection registry, and dispatching incoming messages
// to the appropriate handlers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/livematch/quickmatch/internal/auth"
	"github.com/livematch/quickmatch/internal/metrics"
	"github.com/livematch/quickmatch/internal/ratelimit"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	MaxMessageSize int64         // largest accepted data frame in bytes
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		MaxMessageSize: 4096,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator verifies the token presented on the upgrade request.
type Authenticator interface {
	Verify(token string) (auth.Identity, error)
}

// ConnectLimiter throttles upgrade attempts per client address.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Server is the WebSocket server built on gobwas/ws. Each upgraded
// connection gets its own read goroutine; frames are handed to onMessage in
// the order they arrive.
type Server struct {
	config       ServerConfig
	auth         Authenticator
	limiter      ConnectLimiter
	conns        *ConnectionManager
	onMessage    func(conn *Connection, data []byte) // message handler callback
	onConnect    func(conn *Connection)              // called once the connection is registered
	onDisconnect func(conn *Connection)              // called when a connection is removed
	mux          *http.ServeMux
	httpServer   *http.Server
	wg           sync.WaitGroup
	done         chan struct{}
	closeOnce    sync.Once
	startedAt    time.Time // server start time for uptime calculation
}

// NewServer creates a Server with the given configuration, authenticator,
// and message callback. onMessage is called from the connection's read
// goroutine whenever a complete WebSocket text frame is received.
func NewServer(config ServerConfig, authn Authenticator, onMessage func(conn *Connection, data []byte)) *Server {
	s := &Server{
		config:    config,
		auth:      authn,
		conns:     NewConnectionManager(),
		onMessage: onMessage,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/ws", s.handleUpgrade)
	s.mux.HandleFunc("/health", s.handleHealth)
	return s
}

// SetConnectLimiter enables per-address rate limiting of upgrades.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnConnect registers a callback invoked on the connection's goroutine
// before its first frame is read.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (due to read error, heartbeat timeout, or graceful close). It runs exactly
// once per connection.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Handler returns the HTTP handler serving /ws and /health.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start begins the heartbeat monitor and blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.mux,
	}

	StartHeartbeat(s, s.config.Heartbeat)

	log.Printf("ws: server listening on %s (max_conns=%d)", s.config.ListenAddr, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to a WebSocket
// connection using the gobwas/ws zero-copy upgrader, registers the
// connection and starts its read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ok, err := s.limiter.Allow(r.Context(), clientIP(r), ratelimit.RuleConnect)
		if err == nil && !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	id, err := s.auth.Verify(auth.TokenFromRequest(r))
	if err != nil {
		log.Printf("ws: rejected upgrade from %s: %v", clientIP(r), err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed: %v", err)
		return
	}

	c := newConnection(uuid.New().String(), id.UserID, id.Priority, conn, s.config.WriteTimeout)
	s.conns.Add(c)
	metrics.GatewayConnections.Inc()

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())

	s.wg.Add(1)
	go s.serve(c)
}

// serve runs the read loop of one connection. Control frames are answered
// inline; data frames are passed to onMessage. Any read error ends the loop
// and removes the connection.
func (s *Server) serve(c *Connection) {
	defer s.wg.Done()
	defer s.RemoveConnection(c)

	if s.onConnect != nil {
		s.onConnect(c)
	}

	readTimeout := s.config.Heartbeat.Interval + s.config.Heartbeat.Timeout
	for {
		if readTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("ws: read error conn=%s: %v", c.ID, err)
			}
			return
		}

		// Any frame proves the connection is alive.
		c.Touch()

		if header.OpCode.IsControl() {
			payload, err := io.ReadAll(reader)
			if err != nil {
				return
			}
			switch header.OpCode {
			case ws.OpClose:
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					return
				}
			}
			continue
		}

		if s.config.MaxMessageSize > 0 && header.Length > s.config.MaxMessageSize {
			log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
			return
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				return
			}
		}

		if len(data) == 0 || header.OpCode != ws.OpText {
			continue
		}

		if s.onMessage != nil {
			s.onMessage(c, data)
		}
	}
}

// handleHealth responds with the server's health status as JSON, including the
// current connection count and uptime.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// RemoveConnection removes a connection from the registry and closes the
// underlying network connection. It is exported so that the heartbeat
// monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	// Only the caller that actually removed the connection runs the cleanup,
	// so a read error racing a heartbeat eviction notifies once.
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.GatewayConnections.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// SendMessage writes a WebSocket text frame to the connection identified by
// connID.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("ws: connection %s not found", connID)
	}
	return c.WriteMessage(data)
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, closes all active connections and waits
// for their read loops (and disconnect callbacks) to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Println("ws: shutting down server...")

	s.closeOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		c.Close()
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		log.Printf("ws: server stopped, all connections closed")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ws: shutdown: %w", ctx.Err())
	}
}

// clientIP returns the first X-Forwarded-For hop, or the remote host.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
