package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/devices"
	"github.com/haasonsaas/relay/pkg/wire"
)

const writeWait = 10 * time.Second

// conn is one live gateway connection. The read pump owns the socket
// reads; all writes funnel through the send channel so the write pump is
// the only writer. A connection that cannot drain its send queue is
// dropped rather than allowed to stall the publisher.
type conn struct {
	server *Server
	ws     *websocket.Conn
	send   chan []byte

	mu         sync.Mutex
	identity   auth.Identity
	handshaken bool
	clientName string
	buffered   bool
	batchSize  int
	nodeID     string

	closeOnce sync.Once
	done      chan struct{}

	// Server-initiated requests (node invocation) wait here for the
	// client's response, keyed by frame id.
	pendingMu   sync.Mutex
	pendingResp map[string]chan *wire.Frame
}

func newConn(s *Server, ws *websocket.Conn) *conn {
	return &conn{
		server:      s,
		ws:          ws,
		send:        make(chan []byte, s.cfg.WriteBuffer),
		done:        make(chan struct{}),
		pendingResp: make(map[string]chan *wire.Frame),
	}
}

// Identity returns the authenticated identity, zero before the handshake.
func (c *conn) Identity() auth.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

func (c *conn) ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// sendFrame queues a frame for delivery. Returns false when the queue is
// full or the connection is closing; the caller must not retry.
func (c *conn) sendFrame(frame *wire.Frame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		c.server.logger.Error("frame marshal failed", "error", err)
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- data:
		return true
	default:
		c.server.logger.Warn("dropping connection with full send buffer",
			"client", c.clientName)
		c.close()
		return false
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) readPump() {
	defer func() {
		c.teardown()
		c.close()
	}()

	pongWait := c.server.cfg.PingInterval * 2
	c.ws.SetReadLimit(c.server.cfg.ReadLimit)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.logger.Debug("connection read error", "error", err)
			}
			return
		}
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendFrame(wire.NewErrorFrame("", wire.NewError(wire.CodeInvalidRequest, "malformed frame")))
			continue
		}
		if frame.Type == wire.TypeResponse || frame.Type == wire.TypeError {
			c.resolvePending(&frame)
			continue
		}
		if frame.Type != wire.TypeRequest {
			continue
		}
		if frame.Method == "connect" {
			c.handleConnect(&frame)
			continue
		}
		if !c.ready() {
			c.sendFrame(wire.NewErrorFrame(frame.ID,
				wire.NewError(wire.CodeNotLinked, "connect must be the first request")))
			continue
		}
		// Each request runs on its own goroutine so a slow handler never
		// blocks the socket.
		go c.server.dispatch(c, &frame)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(c.server.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown releases everything the connection holds: its node link and
// its registration with the stream proxy.
func (c *conn) teardown() {
	c.mu.Lock()
	nodeID := c.nodeID
	handshaken := c.handshaken
	role := string(c.identity.Role)
	c.mu.Unlock()

	if nodeID != "" && c.server.deps.Nodes != nil {
		c.server.deps.Nodes.Disconnect(nodeID)
	}
	c.server.proxy.Detach(c)
	if handshaken && c.server.deps.Metrics != nil {
		c.server.deps.Metrics.GatewayDisconnected(role)
	}
}

// handleConnect runs the mandatory handshake: negotiate the protocol,
// authenticate, and reply with the hello payload.
func (c *conn) handleConnect(frame *wire.Frame) {
	var params wire.ConnectParams
	if len(frame.Params) > 0 {
		if err := json.Unmarshal(frame.Params, &params); err != nil {
			c.sendFrame(wire.NewErrorFrame(frame.ID,
				wire.NewError(wire.CodeInvalidRequest, "malformed connect params")))
			return
		}
	}

	protocol := wire.ProtocolV1
	if params.MaxProtocol > protocol {
		protocol = wire.MaxProtocol
	}

	identity, werr := c.server.authenticate(params.Auth)
	if werr != nil {
		c.sendFrame(wire.NewErrorFrame(frame.ID, werr))
		return
	}

	c.mu.Lock()
	c.identity = identity
	c.handshaken = true
	c.clientName = params.Client.Name
	c.buffered = params.Buffered
	c.batchSize = params.BatchSize
	c.mu.Unlock()

	c.server.proxy.Attach(c)
	if c.server.deps.Metrics != nil {
		c.server.deps.Metrics.GatewayConnected(string(identity.Role))
	}
	c.server.logger.Info("gateway client connected",
		"client", params.Client.Name, "role", identity.Role, "subject", identity.Subject)

	hello := wire.Hello{
		Protocol: protocol,
		Server:   ServerName,
		Version:  c.server.cfg.Version,
		Role:     string(identity.Role),
		Methods:  c.server.policy.MethodsFor(identity),
		Events:   eventStreams(),
	}
	resp, err := wire.NewResponse(frame.ID, hello)
	if err != nil {
		c.sendFrame(wire.NewErrorFrame(frame.ID, wire.NewError(wire.CodeInternalError, "hello encoding failed")))
		return
	}
	c.sendFrame(resp)
}

// authenticate resolves connect credentials to an identity. With no
// credentials: a fully open gateway (no JWT secret, no shared secret)
// trusts the local caller as operator; otherwise the connection is a
// guest that may only request device pairing.
func (s *Server) authenticate(params *wire.AuthParams) (auth.Identity, *wire.Error) {
	svc := s.deps.Auth

	if params == nil || (params.Token == "" && params.DeviceID == "") {
		if (svc == nil || !svc.Enabled()) && s.cfg.SharedSecret == "" {
			return auth.Identity{
				Subject: "local",
				Name:    "local operator",
				Role:    auth.RoleOperator,
				Scopes:  []string{"*"},
			}, nil
		}
		return auth.Identity{Subject: "guest", Role: auth.RoleGuest}, nil
	}

	if params.DeviceID != "" {
		if s.deps.Devices == nil {
			return auth.Identity{}, wire.NewError(wire.CodeAuthFailed, "device auth is not enabled")
		}
		dev, err := s.deps.Devices.VerifySignature(params.DeviceID, params.SignedAt, params.Nonce, params.Signature)
		if err != nil {
			return auth.Identity{}, deviceAuthError(err)
		}
		return auth.Identity{
			Subject: dev.ID,
			Name:    dev.Name,
			Role:    auth.RoleDevice,
			Scopes:  dev.Scopes,
		}, nil
	}

	if svc != nil {
		if id, err := svc.VerifyToken(params.Token); err == nil {
			return id, nil
		}
		if id, err := svc.VerifySharedSecret(params.Token); err == nil {
			return id, nil
		}
	}
	return auth.Identity{}, wire.NewError(wire.CodeAuthFailed, "credentials rejected")
}

func deviceAuthError(err error) *wire.Error {
	switch {
	case errors.Is(err, devices.ErrDeviceNotFound):
		return wire.NewError(wire.CodeNotPaired, "device is not paired")
	case errors.Is(err, devices.ErrDeviceRevoked):
		return wire.NewError(wire.CodeAuthFailed, "device access revoked")
	case errors.Is(err, devices.ErrSignatureExpired),
		errors.Is(err, devices.ErrNonceReplayed),
		errors.Is(err, devices.ErrBadSignature):
		return wire.NewError(wire.CodeAuthFailed, err.Error())
	}
	return wire.NewError(wire.CodeAuthFailed, "device verification failed")
}

// identityContext returns a request context carrying the connection's
// identity for downstream components.
func (c *conn) identityContext(ctx context.Context) context.Context {
	return auth.WithIdentity(ctx, c.Identity())
}

// resolvePending routes a response frame to the waiter that issued the
// matching server-initiated request. Unmatched responses are dropped.
func (c *conn) resolvePending(frame *wire.Frame) {
	c.pendingMu.Lock()
	ch, ok := c.pendingResp[frame.ID]
	if ok {
		delete(c.pendingResp, frame.ID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- frame
	}
}

// call issues a server-initiated request over this connection and waits
// for the client's response. Used to route node.invoke to a node daemon.
func (c *conn) call(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	id := "srv_" + uuid.NewString()
	ch := make(chan *wire.Frame, 1)
	c.pendingMu.Lock()
	c.pendingResp[id] = ch
	c.pendingMu.Unlock()
	cleanup := func() {
		c.pendingMu.Lock()
		delete(c.pendingResp, id)
		c.pendingMu.Unlock()
	}

	if !c.sendFrame(wire.NewRequest(id, method, params)) {
		cleanup()
		return nil, errors.New("connection closed")
	}
	select {
	case <-ctx.Done():
		cleanup()
		return nil, ctx.Err()
	case <-c.done:
		cleanup()
		return nil, errors.New("connection closed")
	case frame := <-ch:
		if frame.Error != nil {
			return nil, frame.Error
		}
		return frame.Result, nil
	}
}
