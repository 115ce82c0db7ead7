package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/origin"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/registry"
)

const (
	defaultAuthTimeout       = 2 * time.Second
	defaultIdleTimeout       = 60 * time.Second
	defaultPingInterval      = 20 * time.Second
	defaultMaxMessageBytes   = 64 * 1024
	defaultMessagesPerSecond = 50
	defaultSendQueueLen      = 256
)

// Config wires together the runtime dependencies for the signaling service.
type Config struct {
	// Registry defaults to a fresh registry with the "lan" default network.
	Registry *registry.Registry

	// Authorizer defaults to AllowAllAuthorizer.
	Authorizer Authorizer
	// Origins is checked before the WebSocket upgrade.
	Origins origin.Policy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// Clock drives the rate limiters and the ping ticker.
	Clock clock.Clock

	AuthTimeout  time.Duration
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes           int64
	MessagesPerSecond         int
	BytesPerSecond            int
	SignalsPerSecondPerTarget int

	// SendQueueLen bounds the frames queued to one connection. A connection
	// that overflows it is closed.
	SendQueueLen int
}

// Server implements the relay's signaling surface.
//
// Endpoints:
//   - GET /mesh/signal                     : WebSocket signaling
//   - GET /mesh/networks                   : networks and member counts
//   - GET /mesh/networks/{network}/peers   : members of one network
type Server struct {
	cfg     Config
	reg     *registry.Registry
	metrics *metrics.Metrics
	log     *slog.Logger

	mu     sync.Mutex
	conns  map[*wsConn]struct{}
	closed bool
}

func NewServer(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = registry.New(registry.Config{Logger: cfg.Logger, Metrics: cfg.Metrics})
	}
	if cfg.Authorizer == nil {
		cfg.Authorizer = AllowAllAuthorizer{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = defaultAuthTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.IdleTimeout {
		cfg.PingInterval = min(defaultPingInterval, cfg.IdleTimeout/2)
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = defaultMaxMessageBytes
	}
	if cfg.MessagesPerSecond <= 0 {
		cfg.MessagesPerSecond = defaultMessagesPerSecond
	}
	if cfg.SendQueueLen <= 0 {
		cfg.SendQueueLen = defaultSendQueueLen
	}
	return &Server{
		cfg:     cfg,
		reg:     cfg.Registry,
		metrics: cfg.Metrics,
		log:     cfg.Logger,
		conns:   make(map[*wsConn]struct{}),
	}
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /mesh/signal", s.handleSignal)
	mux.HandleFunc("GET /mesh/networks", s.handleNetworks)
	mux.HandleFunc("GET /mesh/networks/{network}/peers", s.handleNetworkPeers)
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// Close closes every live connection with "going away". Each connection's
// membership is removed by its own handler as it exits.
func (s *Server) Close() {
	s.mu.Lock()
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.closed = true
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		c.close()
	}
}

// ConnCount reports the number of open signaling connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) handleSignal(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.cfg.Origins.Check(r); !ok {
		s.metrics.Inc(metrics.OriginRejected)
		writeJSONError(w, http.StatusForbidden, "forbidden_origin", "origin not allowed")
		return
	}

	upgrader := websocket.Upgrader{
		// The origin policy was applied above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := uuid.NewString()
	c := &wsConn{
		srv:     s,
		id:      id,
		conn:    conn,
		req:     r,
		addr:    remoteHost(r.RemoteAddr),
		log:     s.log.With("conn_id", id),
		out:     make(chan []byte, s.cfg.SendQueueLen),
		done:    make(chan struct{}),
		limiter: s.newLimiter(),
	}
	if !s.track(c) {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		_ = conn.Close()
		return
	}
	defer s.untrack(c)

	s.metrics.Inc(metrics.ConnAccepted)
	c.log.Debug("signaling connection opened", "remote", r.RemoteAddr)
	c.run()
}

func (s *Server) newLimiter() *ratelimit.ConnLimiter {
	return ratelimit.NewConnLimiter(s.cfg.Clock, ratelimit.ConnConfig{
		MessagesPerSecond:         s.cfg.MessagesPerSecond,
		BytesPerSecond:            s.cfg.BytesPerSecond,
		SignalsPerSecondPerTarget: s.cfg.SignalsPerSecondPerTarget,
		OnTargetBucketEvicted:     func() { s.metrics.Inc(metrics.TargetBucketEvicted) },
	})
}

type networksResponse struct {
	Networks []registry.NetworkInfo `json:"networks"`
}

type peersResponse struct {
	Network string                 `json:"network"`
	Peers   []meshproto.PeerRecord `json:"peers"`
}

// authorizeHTTP applies AUTH_MODE to the read-only HTTP endpoints. Credentials
// come from the request headers or query string.
func (s *Server) authorizeHTTP(w http.ResponseWriter, r *http.Request) bool {
	err := s.cfg.Authorizer.Authorize(r, nil)
	if err == nil {
		return true
	}
	s.metrics.Inc(metrics.AuthFailed)
	if IsUnauthorized(err) {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
	} else {
		writeJSONError(w, http.StatusInternalServerError, "internal", unauthorizedMessage(err))
	}
	return false
}

func (s *Server) handleNetworks(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	networks := s.reg.Networks()
	if networks == nil {
		networks = []registry.NetworkInfo{}
	}
	writeJSON(w, http.StatusOK, networksResponse{Networks: networks})
}

func (s *Server) handleNetworkPeers(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeHTTP(w, r) {
		return
	}
	name := strings.TrimSpace(r.PathValue("network"))
	if name == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "missing network")
		return
	}
	peers := s.reg.Peers(name)
	if peers == nil {
		peers = []meshproto.PeerRecord{}
	}
	writeJSON(w, http.StatusOK, peersResponse{Network: name, Peers: peers})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"code": code, "message": message})
}
