package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/capsule/internal/observability"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
)

// ServerConfig holds bridge server configuration
type ServerConfig struct {
	// Addr is the listen address. Port 0 picks a free port.
	Addr string

	// Metrics is mounted at /metrics when set
	Metrics http.Handler

	ShutdownTimeout time.Duration
}

type connection struct {
	id          string
	handle      string
	conn        *websocket.Conn
	writeMu     sync.Mutex
	connectedAt time.Time
}

func (c *connection) send(resp RPCResponse) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(resp)
}

// Server exposes a Bridge to browser windows over websocket JSON-RPC. Each
// connection is bound to the window handle it presented at upgrade.
type Server struct {
	bridge   *Bridge
	config   ServerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	server   *http.Server
	listener net.Listener

	mu             sync.RWMutex
	conns          map[string]*connection
	isShuttingDown bool
	inFlightReqs   sync.WaitGroup
}

// NewServer creates a bridge server
func NewServer(cfg ServerConfig, b *Bridge, logger zerolog.Logger) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Server{
		bridge: b,
		config: cfg,
		logger: logger.With().Str("component", "bridge_server").Logger(),
		conns:  make(map[string]*connection),
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
}

// checkOrigin admits local documents and loopback pages only
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Scheme == "file" {
		return true
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Handler returns the HTTP handler serving /bridge, /healthz and /metrics
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/bridge", s.handleWebSocket)
	if s.config.Metrics != nil {
		mux.Handle("/metrics", s.config.Metrics)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	return mux
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("Starting bridge server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Bridge server error")
		}
	}()
	return nil
}

// Addr returns the bound listen address
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// URL returns the websocket endpoint windows connect to
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/bridge"
}

// Stop drains in-flight calls, closes every connection and shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.isShuttingDown = true
	s.mu.Unlock()

	s.logger.Info().Msg("Shutting down bridge server")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.config.ShutdownTimeout):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	case <-ctx.Done():
	}

	s.mu.Lock()
	for _, c := range s.conns {
		c.conn.Close()
	}
	s.mu.Unlock()

	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown bridge server: %w", err)
	}
	return nil
}

// Disconnect closes every connection bound to handle
func (s *Server) Disconnect(handle string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.conns {
		if c.handle == handle {
			c.conn.Close()
			n++
		}
	}
	return n
}

// Connections returns the number of open connections
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	shuttingDown := s.isShuttingDown
	s.mu.RUnlock()
	if shuttingDown {
		http.Error(w, "Server is shutting down", http.StatusServiceUnavailable)
		return
	}

	handle := r.URL.Query().Get("handle")
	plugin, ok := s.bridge.windows.Resolve(handle)
	if !ok {
		s.logger.Warn().Str("ip", r.RemoteAddr).Msg("Refused bridge connection for unregistered handle")
		observability.RecordSecurityAudit(r.Context(), "bridge:unknown_handle", "", "refused", map[string]interface{}{
			"ip": r.RemoteAddr,
		})
		http.Error(w, "unknown handle", http.StatusForbidden)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to upgrade connection")
		return
	}

	id, _ := gonanoid.New()
	c := &connection{id: id, handle: handle, conn: conn, connectedAt: time.Now()}

	s.mu.Lock()
	s.conns[id] = c
	s.mu.Unlock()

	s.logger.Info().Str("connection_id", id).Str("plugin_id", plugin.ID).Msg("Window connected")

	go s.handleConnection(c)
}

func (s *Server) handleConnection(c *connection) {
	defer func() {
		c.conn.Close()
		s.mu.Lock()
		delete(s.conns, c.id)
		s.mu.Unlock()
		s.logger.Debug().Str("connection_id", c.id).Msg("Window disconnected")
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Error().Err(err).Str("connection_id", c.id).Msg("WebSocket error")
			}
			return
		}
		s.handleMessage(c, message)
	}
}

func (s *Server) handleMessage(c *connection, message []byte) {
	var req RPCRequest
	if err := json.Unmarshal(message, &req); err != nil {
		s.reply(c, RPCResponse{JSONRPC: "2.0", Error: &RPCError{Code: ParseError, Message: "invalid JSON"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		s.reply(c, RPCResponse{ID: req.ID, JSONRPC: "2.0", Error: &RPCError{Code: InvalidRequest, Message: "invalid request"}})
		return
	}

	s.inFlightReqs.Add(1)
	go func() {
		defer s.inFlightReqs.Done()

		resp := RPCResponse{ID: req.ID, JSONRPC: "2.0"}
		result, err := s.bridge.Invoke(context.Background(), c.handle, req.Method, req.Params)
		if err != nil {
			resp.Error = NewRPCError(err)
		} else {
			resp.Result = result
		}
		s.reply(c, resp)
	}()
}

func (s *Server) reply(c *connection, resp RPCResponse) {
	if err := c.send(resp); err != nil {
		s.logger.Error().
			Err(err).
			Str("connection_id", c.id).
			Str("request_id", resp.ID).
			Msg("Failed to send response")
	}
}
