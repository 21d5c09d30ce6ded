// Package ws handles WebSocket connection management: authenticating and
// upgrading HTTP requests, running one read loop per connection, and
// dispatching incoming messages to the registered handlers.
package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/windi/messenger/internal/auth"
	"github.com/windi/messenger/internal/metrics"
	"github.com/windi/messenger/internal/protocol"
	"github.com/windi/messenger/internal/ratelimit"
	"github.com/windi/messenger/internal/registry"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // max silence before a read fails
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	MaxFrameSize   int64         // largest accepted inbound frame payload
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxFrameSize:   64 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Engine owns the connection lifecycle behind the transport.
type Engine interface {
	Connect(userID int64, conn registry.Conn) (*registry.Handle, error)
	Disconnect(h *registry.Handle)
}

// ConnectLimiter throttles upgrades per remote IP.
type ConnectLimiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// OnlineLister lists users currently online on this node.
type OnlineLister interface {
	OnlineUsers() []int64
}

// Server is the WebSocket server built on gobwas/ws. Each connection gets a
// goroutine that reads frames and dispatches them in arrival order; outbound
// frames go through the registry's per-connection writer.
type Server struct {
	config     ServerConfig
	conns      *ConnectionManager
	engine     Engine
	verifier   auth.Verifier
	dispatcher *MessageDispatcher
	limiter    ConnectLimiter
	online     OnlineLister
	log        zerolog.Logger

	httpServer *http.Server
	done       chan struct{}
	doneOnce   sync.Once
	readers    sync.WaitGroup
	startedAt  time.Time
}

// NewServer creates a Server. The dispatcher receives every data frame.
func NewServer(config ServerConfig, engine Engine, verifier auth.Verifier, dispatcher *MessageDispatcher, log zerolog.Logger) *Server {
	return &Server{
		config:     config,
		conns:      NewConnectionManager(),
		engine:     engine,
		verifier:   verifier,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "ws").Logger(),
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetConnectLimiter enables per-IP upgrade throttling.
func (s *Server) SetConnectLimiter(l ConnectLimiter) {
	s.limiter = l
}

// SetOnlineLister enables the /online endpoint.
func (s *Server) SetOnlineLister(o OnlineLister) {
	s.online = o
}

// Handler returns the HTTP routes served by the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/online", s.handleOnline)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start begins the heartbeat and blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startHeartbeat(s.config.Heartbeat)

	s.log.Info().
		Str("addr", s.config.ListenAddr).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates the request, upgrades it to WebSocket and
// starts the connection's read loop.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	if s.limiter != nil {
		ip := remoteIP(r)
		if ok, _ := s.limiter.Allow(r.Context(), ip, ratelimit.RuleConnect); !ok {
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		s.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("rejected upgrade")
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug().Err(err).Msg("upgrade failed")
		return
	}

	c := newConnection(netConn, userID, s.config.WriteTimeout)
	h, err := s.engine.Connect(userID, c)
	if err != nil {
		s.log.Info().Err(err).Int64("user_id", userID).Msg("connection refused")
		if frame, ferr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    protocol.CodeCapacityExceeded,
			Message: "too many connections",
		}); ferr == nil {
			_ = c.WriteMessage(frame)
		}
		_ = c.writeClose(ws.StatusPolicyViolation, "too many connections")
		_ = c.Close()
		return
	}

	c.ID = h.ID
	s.conns.Add(c)
	s.readers.Add(1)
	go s.readLoop(c, h)

	s.log.Debug().Str("conn_id", h.ID).Int64("user_id", userID).Int("total", s.conns.Count()).Msg("new connection")
}

// readLoop processes frames one at a time until the connection fails or
// closes, then unregisters it.
func (s *Server) readLoop(c *Connection, h *registry.Handle) {
	defer s.readers.Done()
	defer s.removeConnection(c, h)

	rd := &wsutil.Reader{
		Source:       c.Conn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxFrameSize,
	}
	rd.OnIntermediate = func(hdr ws.Header, src io.Reader) error {
		return c.handleControl(hdr, src)
	}

	for {
		if s.config.ReadTimeout > 0 {
			_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		hdr, err := rd.NextFrame()
		if err != nil {
			s.logReadError(c, err)
			return
		}
		c.Touch()

		if hdr.OpCode.IsControl() {
			if err := c.handleControl(hdr, rd); err != nil {
				s.logReadError(c, err)
				return
			}
			continue
		}

		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				s.logReadError(c, err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			s.logReadError(c, err)
			return
		}
		if len(data) == 0 {
			continue
		}

		s.dispatcher.Dispatch(c.Context(), h, data)
	}
}

// handleControl answers ping and close frames. The reply is encoded into a
// buffer first so it is written under the connection's write mutex.
func (c *Connection) handleControl(hdr ws.Header, src io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlHandler{
		Src:   src,
		Dst:   &buf,
		State: ws.StateServerSide,
	}.Handle(hdr)
	if buf.Len() > 0 {
		if werr := c.writeRaw(buf.Bytes()); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

func (s *Server) logReadError(c *Connection, err error) {
	var closed wsutil.ClosedError
	var netErr net.Error
	switch {
	case errors.As(err, &closed):
		s.log.Debug().Str("conn_id", c.ID).Int("code", int(closed.Code)).Msg("client closed")
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		s.log.Debug().Str("conn_id", c.ID).Msg("connection closed")
	case errors.As(err, &netErr) && netErr.Timeout():
		s.log.Debug().Str("conn_id", c.ID).Msg("read timeout")
	default:
		s.log.Info().Err(err).Str("conn_id", c.ID).Msg("read failed")
	}
}

// removeConnection closes the transport and unregisters the handle. It runs
// once per connection, from its read loop.
func (s *Server) removeConnection(c *Connection, h *registry.Handle) {
	s.conns.Remove(c.ID)
	_ = c.Close()
	s.engine.Disconnect(h)
	s.log.Debug().Str("conn_id", c.ID).Int("total", s.conns.Count()).Msg("connection removed")
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

// handleOnline lists the users currently online on this node.
func (s *Server) handleOnline(w http.ResponseWriter, r *http.Request) {
	users := []int64{}
	if s.online != nil {
		users = append(users, s.online.OnlineUsers()...)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Users []int64 `json:"users"`
		Count int     `json:"count"`
	}{Users: users, Count: len(users)})
}

// Connections returns the ConnectionManager for external access to connection
// state.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections and waits for read loops to exit.
// Connections still open when ctx is done are closed forcibly.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down server")
	s.doneOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn().Err(err).Msg("http shutdown")
		}
	}

	wait := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(wait)
	}()

	select {
	case <-wait:
	case <-ctx.Done():
		for _, c := range s.conns.All() {
			_ = c.writeClose(ws.StatusGoingAway, "server shutting down")
			_ = c.Close()
		}
		<-wait
	}

	s.log.Info().Msg("server stopped, all connections closed")
	return nil
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
