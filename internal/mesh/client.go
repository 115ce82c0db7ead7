package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
)

const (
	// SignalPath is where the relay serves the signaling WebSocket.
	SignalPath = "/mesh/signal"

	clientWriteWait        = 5 * time.Second
	clientHandshakeTimeout = 10 * time.Second
)

var (
	ErrNotConnected = errors.New("mesh: relay connection not established")
	ErrClosed       = errors.New("mesh: relay connection closed")
)

// RelayError is an error frame sent by the relay before it closed the
// connection.
type RelayError struct {
	Code    string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay error %s: %s", e.Code, e.Message)
}

// Membership receives the relay's view of the network.
type Membership interface {
	ApplyPeerList(records []meshproto.PeerRecord)
	PeerJoined(rec meshproto.PeerRecord)
	PeerLeft(id string) bool
	ClearPeers()
}

// SignalHandler receives offer, answer and ice-candidate envelopes addressed
// to this client. env.Sender is the relay-stamped id of the remote peer.
type SignalHandler interface {
	HandleSignal(env meshproto.Envelope)
}

type SignalHandlerFunc func(env meshproto.Envelope)

func (f SignalHandlerFunc) HandleSignal(env meshproto.Envelope) { f(env) }

type ClientConfig struct {
	// RelayURL is a ws://, wss://, http:// or https:// URL. An empty path
	// means SignalPath.
	RelayURL string
	Username string
	Network  string
	Kind     meshproto.PeerKind

	APIKey string
	Token  string
	// Origin is sent as the Origin header when set.
	Origin string

	Membership Membership
	Signals    SignalHandler
	Logger     *slog.Logger
	Dialer     *websocket.Dialer
}

// Client is one signaling connection to the relay.
type Client struct {
	cfg ClientConfig
	log *slog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	self     string
	network  string
	relayErr error

	writeMu sync.Mutex

	joined     chan struct{}
	joinedOnce sync.Once
	done       chan struct{}
	doneOnce   sync.Once
}

func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Logger,
		joined: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// SignalURL resolves a relay base URL to its signaling WebSocket URL.
func SignalURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("relay url %q has no host", raw)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = SignalPath
	}
	return u.String(), nil
}

// Run dials the relay, joins the configured network and processes relay
// frames until the connection ends or ctx is cancelled. The membership is
// cleared on return. A Client runs at most once.
func (c *Client) Run(ctx context.Context) error {
	defer c.finish()

	target, err := SignalURL(c.cfg.RelayURL)
	if err != nil {
		return err
	}
	dialer := c.cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: clientHandshakeTimeout,
		}
	}
	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}

	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if c.cfg.APIKey != "" || c.cfg.Token != "" {
		auth := meshproto.Auth{Type: meshproto.MessageTypeAuth, APIKey: c.cfg.APIKey, Token: c.cfg.Token}
		if err := c.writeJSON(auth); err != nil {
			return fmt.Errorf("send auth: %w", err)
		}
	}
	if err := c.join(); err != nil {
		return err
	}
	c.log.Info("joined relay", "relay", target, "network", c.cfg.Network, "username", c.cfg.Username)

	err = c.readLoop(conn)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if relayErr := c.RelayError(); relayErr != nil {
		return relayErr
	}
	return err
}

func (c *Client) join() error {
	join := meshproto.JoinNetwork{
		Type:     meshproto.MessageTypeJoinNetwork,
		Username: c.cfg.Username,
		Network:  c.cfg.Network,
		Kind:     string(c.cfg.Kind),
	}
	if err := c.writeJSON(join); err != nil {
		return fmt.Errorf("send join-network: %w", err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		msg, err := meshproto.ParseOutbound(data)
		if err != nil {
			c.log.Debug("ignoring relay frame", "err", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg meshproto.Outbound) {
	switch {
	case msg.PeerList != nil:
		if msg.PeerList.Version != meshproto.ProtocolVersion {
			c.log.Warn("relay speaks a different protocol version", "version", msg.PeerList.Version, "want", meshproto.ProtocolVersion)
		}
		c.mu.Lock()
		c.self = msg.PeerList.Self
		c.network = msg.PeerList.Network
		c.mu.Unlock()
		if c.cfg.Membership != nil {
			c.cfg.Membership.ApplyPeerList(msg.PeerList.Peers)
		}
		c.joinedOnce.Do(func() { close(c.joined) })
	case msg.PeerJoined != nil:
		if c.cfg.Membership != nil {
			c.cfg.Membership.PeerJoined(meshproto.PeerRecord{
				ID:      msg.PeerJoined.ID,
				Name:    msg.PeerJoined.Name,
				Address: msg.PeerJoined.Address,
				Kind:    msg.PeerJoined.Kind,
			})
		}
	case msg.PeerLeft != nil:
		if c.cfg.Membership != nil {
			c.cfg.Membership.PeerLeft(msg.PeerLeft.ID)
		}
	case msg.Signal != nil:
		if c.cfg.Signals != nil {
			c.cfg.Signals.HandleSignal(*msg.Signal)
		} else {
			c.log.Debug("dropping signal without handler", "kind", msg.Signal.Kind, "sender", msg.Signal.Sender)
		}
	case msg.Error != nil:
		c.log.Warn("relay error", "code", msg.Error.Code, "message", msg.Error.Message)
		c.mu.Lock()
		c.relayErr = &RelayError{Code: msg.Error.Code, Message: msg.Error.Message}
		c.mu.Unlock()
	}
}

// finish clears the membership before closing done, so a caller woken by
// Done never sees stale peers.
func (c *Client) finish() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if c.cfg.Membership != nil {
		c.cfg.Membership.ClearPeers()
	}
	c.doneOnce.Do(func() { close(c.done) })
}

// Handshake reports success once the relay has answered the join with a
// peer-list. It lets a Manager treat "joined the relay" as its link setup.
func (c *Client) Handshake(ctx context.Context, _ []Peer) error {
	select {
	case <-c.joined:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Joined is closed when the first peer-list arrives.
func (c *Client) Joined() <-chan struct{} { return c.joined }

// Done is closed when Run returns.
func (c *Client) Done() <-chan struct{} { return c.done }

// Self returns the connection id the relay assigned, once joined.
func (c *Client) Self() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Network returns the network the relay placed this client in, once joined.
func (c *Client) Network() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.network
}

// RelayError returns the last error frame received from the relay, if any.
func (c *Client) RelayError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.relayErr == nil {
		return nil
	}
	return c.relayErr
}

func (c *Client) SendOffer(target string, desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeOffer {
		return fmt.Errorf("SendOffer: sdp type %q", desc.Type.String())
	}
	env, err := meshproto.SessionDescriptionEnvelope(target, desc)
	if err != nil {
		return err
	}
	return c.SendSignal(env)
}

func (c *Client) SendAnswer(target string, desc webrtc.SessionDescription) error {
	if desc.Type != webrtc.SDPTypeAnswer {
		return fmt.Errorf("SendAnswer: sdp type %q", desc.Type.String())
	}
	env, err := meshproto.SessionDescriptionEnvelope(target, desc)
	if err != nil {
		return err
	}
	return c.SendSignal(env)
}

func (c *Client) SendCandidate(target string, candidate webrtc.ICECandidateInit) error {
	env, err := meshproto.CandidateEnvelope(target, candidate)
	if err != nil {
		return err
	}
	return c.SendSignal(env)
}

// SendSignal sends env as-is. The relay overwrites its sender.
func (c *Client) SendSignal(env meshproto.Envelope) error {
	if !env.Kind.IsSignal() {
		return fmt.Errorf("%w %q", meshproto.ErrUnknownType, env.Kind)
	}
	return c.writeJSON(env)
}

// Leave leaves the network but keeps the connection open.
func (c *Client) Leave() error {
	if err := c.writeJSON(meshproto.LeaveNetwork{Type: meshproto.MessageTypeLeaveNetwork}); err != nil {
		return err
	}
	if c.cfg.Membership != nil {
		c.cfg.Membership.ClearPeers()
	}
	return nil
}

// Close sends a normal close frame. Run returns once the relay closes its
// side.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	err := conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(clientWriteWait))
	c.writeMu.Unlock()
	if err != nil {
		_ = conn.Close()
	}
	return nil
}

func (c *Client) writeJSON(v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
