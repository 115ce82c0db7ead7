package signaling

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/meshproto"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/mesh-signaling-relay/internal/registry"
)

const wsWriteWait = 1 * time.Second

// wsConn is one signaling WebSocket. The handler goroutine reads and
// dispatches; writeLoop drains the send queue and sends pings.
type wsConn struct {
	srv  *Server
	id   string
	conn *websocket.Conn
	req  *http.Request
	addr string
	log  *slog.Logger

	limiter *ratelimit.ConnLimiter

	// joined is only touched by the handler goroutine.
	joined bool

	out       chan []byte
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

var _ registry.Conn = (*wsConn)(nil)

func (c *wsConn) ID() string { return c.id }

// Send queues m without blocking. When the queue is full the connection is
// closed; its membership is then removed by the handler.
func (c *wsConn) Send(m meshproto.Message) {
	data, err := meshproto.Encode(m)
	if err != nil {
		c.log.Error("encode outbound message", "type", m.MessageType(), "err", err)
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- data:
	default:
		c.srv.metrics.Inc(metrics.SendQueueOverflow)
		c.log.Warn("send queue overflow; closing connection", "queue_len", cap(c.out))
		go func() {
			c.closeWith(websocket.CloseTryAgainLater, "send queue overflow")
			c.close()
		}()
	}
}

type protocolError struct {
	Code    string
	Message string
}

func (e *protocolError) Error() string { return e.Code + ": " + e.Message }

func (c *wsConn) run() {
	defer c.close()
	// Registered after close so it runs first: peers see peer-left however
	// the socket ended.
	defer c.leave()

	c.conn.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	go c.writeLoop()

	authorized := false
	if err := c.srv.cfg.Authorizer.Authorize(c.req, nil); err != nil {
		if !IsAuthMissing(err) {
			c.srv.metrics.Inc(metrics.AuthFailed)
			c.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.AuthTimeout))
	} else {
		authorized = true
		c.extendDeadline()
	}
	c.conn.SetPongHandler(func(string) error {
		if authorized {
			c.extendDeadline()
		}
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case !authorized && isTimeout(err):
				c.srv.metrics.Inc(metrics.AuthFailed)
				c.closeWith(websocket.ClosePolicyViolation, "authentication timeout")
			case errors.Is(err, websocket.ErrReadLimit):
				// gorilla has already sent 1009 (message too big).
				c.srv.metrics.Inc(metrics.DropReasonTooLarge)
			case isTimeout(err):
				c.log.Debug("signaling connection idle", "err", err)
			}
			return
		}
		// Apply the rate limit *after* reading the message so we consume any
		// bytes already in the TCP receive buffer; closing with unread data may
		// turn into an RST that hides the close code from the client.
		if ok, reason := c.limiter.AllowMessage(len(data)); !ok {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.fail("rate_limited", "rate limit exceeded ("+reason+")", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if authorized {
			c.extendDeadline()
		}
		if msgType != websocket.TextMessage {
			c.srv.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail("bad_message", "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		msg, err := meshproto.ParseInbound(data)
		if err != nil {
			c.srv.metrics.Inc(metrics.DropReasonBadMessage)
			c.fail("bad_message", err.Error(), websocket.ClosePolicyViolation, "bad message")
			return
		}

		if !authorized {
			if msg.Type != meshproto.MessageTypeAuth {
				c.srv.metrics.Inc(metrics.AuthFailed)
				c.fail("unauthorized", "authentication required", websocket.ClosePolicyViolation, "authentication required")
				return
			}
			if err := c.srv.cfg.Authorizer.Authorize(c.req, &ClientHello{Auth: *msg.Auth}); err != nil {
				c.srv.metrics.Inc(metrics.AuthFailed)
				c.fail("unauthorized", unauthorizedMessage(err), websocket.ClosePolicyViolation, "unauthorized")
				return
			}
			authorized = true
			c.extendDeadline()
			continue
		}

		if err := c.dispatch(msg); err != nil {
			var protoErr *protocolError
			if errors.As(err, &protoErr) {
				c.fail(protoErr.Code, protoErr.Message, websocket.ClosePolicyViolation, protoErr.Code)
				return
			}
			c.fail("internal_error", err.Error(), websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}

func (c *wsConn) dispatch(msg meshproto.Inbound) error {
	switch {
	case msg.Auth != nil:
		// Tolerated: clients may authenticate even when the query string
		// already did, or when AUTH_MODE=none.
		return nil
	case msg.Join != nil:
		kind, err := meshproto.ParsePeerKind(msg.Join.Kind)
		if err != nil {
			return &protocolError{Code: "bad_message", Message: err.Error()}
		}
		peers := c.srv.reg.Join(c, registry.JoinRequest{
			Name:    msg.Join.Username,
			Address: c.addr,
			Kind:    kind,
			Network: msg.Join.Network,
		})
		c.joined = true
		c.log.Info("peer joined", "name", msg.Join.Username, "network", msg.Join.Network, "peers", len(peers))
		return nil
	case msg.Leave != nil:
		if c.srv.reg.Leave(c.id) {
			c.log.Info("peer left")
		}
		c.joined = false
		return nil
	case msg.Signal != nil:
		env := *msg.Signal
		if !c.joined {
			c.srv.metrics.Inc(metrics.DropReasonNotJoined)
			c.srv.metrics.Inc(metrics.SignalDropped)
			c.log.Debug("dropping signal before join", "kind", env.Kind, "target", env.Target)
			return nil
		}
		if ok, reason := c.limiter.AllowSignal(env.Target); !ok {
			c.srv.metrics.Inc(metrics.DropReasonRateLimited)
			c.srv.metrics.Inc(metrics.SignalDropped)
			c.log.Debug("dropping signal", "kind", env.Kind, "target", env.Target, "reason", reason)
			return nil
		}
		if !c.srv.reg.Relay(c.id, env) {
			c.log.Debug("signal not delivered", "kind", env.Kind, "target", env.Target)
		}
		return nil
	default:
		return fmt.Errorf("unhandled message type %q", msg.Type)
	}
}

func (c *wsConn) leave() {
	if c.srv.reg.Leave(c.id) {
		c.log.Info("peer left", "reason", "connection closed")
	}
}

func (c *wsConn) extendDeadline() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.srv.cfg.IdleTimeout))
}

func (c *wsConn) writeLoop() {
	ping := c.srv.cfg.Clock.Ticker(c.srv.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.write(data); err != nil {
				c.log.Debug("signaling write failed", "err", err)
				c.close()
				return
			}
		case <-ping.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			c.writeMu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *wsConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// fail sends an error frame followed by a close frame. It bypasses the send
// queue.
func (c *wsConn) fail(code, message string, closeCode int, closeReason string) {
	c.log.Debug("closing signaling connection", "code", code, "message", message)
	if data, err := meshproto.Encode(meshproto.NewError(code, message)); err == nil {
		_ = c.write(data)
	}
	c.closeWith(closeCode, closeReason)
}

func (c *wsConn) closeWith(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (c *wsConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		c.srv.metrics.Inc(metrics.ConnClosed)
	})
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func remoteHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
