// Package wsbridge connects to a JSON-over-WebSocket chat backend and
// exposes it as a channel plugin. It is the reference plugin exercising
// the full channel stack: lifecycle hooks, connection manager with
// backoff, periodic health checks, and outbound chunking.
package wsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/pkg/models"
)

// Config holds the bridge connection settings.
type Config struct {
	// URL is the ws:// or wss:// endpoint of the chat backend.
	URL string `yaml:"url" json:"url"`
	// Token, when set, is sent as a bearer Authorization header.
	Token string `yaml:"token,omitempty" json:"token,omitempty"`
	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout,omitempty" json:"handshake_timeout,omitempty"`
	// Reconnect overrides the default backoff settings.
	Reconnect channels.ConnConfig `yaml:"reconnect,omitempty" json:"reconnect,omitempty"`
	// Health overrides the default health check cadence.
	Health channels.HealthConfig `yaml:"health,omitempty" json:"health,omitempty"`
}

// frame is the bridge wire format, both directions.
type frame struct {
	Type       string `json:"type"` // message, send, ping, pong
	ID         string `json:"id,omitempty"`
	ChannelID  string `json:"channel_id,omitempty"`
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Text       string `json:"text,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
	MediaURL   string `json:"media_url,omitempty"`
	MediaType  string `json:"media_type,omitempty"`
}

// Bridge is the wsbridge channel plugin.
type Bridge struct {
	channels.NopHooks
	*channels.BasePlugin

	cfg     Config
	dialer  *websocket.Dialer
	chunker *channels.Chunker
	manager *channels.ConnectionManager
	health  *channels.HealthChecker
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	readCancel context.CancelFunc
}

// New creates a bridge plugin for the given backend.
func New(cfg Config, logger *slog.Logger) (*Bridge, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("wsbridge: url is required")
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		chunker: channels.ChunkerFor(models.ChannelBridge, channels.ChunkNewline),
		logger:  logger.With("channel", models.ChannelBridge),
	}
	b.BasePlugin = channels.NewBasePlugin(models.ChannelBridge, b, channels.WithLogger(b.logger))
	b.manager = channels.NewConnectionManager(
		b.dial,
		b.closeConn,
		cfg.Reconnect,
		channels.WithManagerLogger(b.logger),
		channels.WithManagerMetrics(b.Raw()),
		channels.WithStateChange(b.onStateChange),
	)
	b.health = channels.NewHealthChecker(b.HealthCheck, b.onUnhealthy, cfg.Health, b.logger)
	return b, nil
}

// OnStart connects to the backend and starts the health loop.
func (b *Bridge) OnStart(ctx context.Context, _ map[string]any) error {
	if err := b.manager.Connect(ctx); err != nil {
		return err
	}
	b.health.Start()
	return nil
}

// OnStop stops health checking and tears the connection down.
func (b *Bridge) OnStop(ctx context.Context) error {
	b.health.Stop()
	return b.manager.Disconnect(ctx)
}

// dial establishes the websocket and launches the read loop.
func (b *Bridge) dial(ctx context.Context) error {
	var header http.Header
	if b.cfg.Token != "" {
		header = http.Header{"Authorization": {"Bearer " + b.cfg.Token}}
	}
	conn, resp, err := b.dialer.DialContext(ctx, b.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return channels.ErrConnection(fmt.Sprintf("dial %s (status %d)", b.cfg.URL, resp.StatusCode), err)
		}
		return channels.ErrConnection("dial "+b.cfg.URL, err)
	}
	if resp != nil {
		resp.Body.Close()
	}

	readCtx, cancel := context.WithCancel(context.Background())
	b.connMu.Lock()
	b.conn = conn
	b.readCancel = cancel
	b.connMu.Unlock()

	b.SetStatus(true, "")
	go b.readLoop(readCtx, conn)
	return nil
}

// closeConn shuts the active websocket down.
func (b *Bridge) closeConn(ctx context.Context) error {
	b.connMu.Lock()
	conn := b.conn
	cancel := b.readCancel
	b.conn = nil
	b.readCancel = nil
	b.connMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

// readLoop pumps inbound frames until the connection breaks, then hands
// recovery to the connection manager.
func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return // deliberate shutdown
			}
			b.SetStatus(false, err.Error())
			b.manager.ConnectionError(channels.ErrConnection("read", err))
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		switch f.Type {
		case "ping":
			b.writeFrame(frame{Type: "pong", ID: f.ID})
		case "message":
			start := time.Now()
			msg := inboundMessage(f)
			if err := b.Deliver(ctx, msg); err != nil {
				b.logger.Warn("inbound delivery failed", "message_id", f.ID, "error", err)
				continue
			}
			b.Raw().RecordReceiveLatency(time.Since(start))
		}
	}
}

// inboundMessage converts a wire frame to the unified message shape.
func inboundMessage(f frame) *models.Message {
	msg := &models.Message{
		ID:         f.ID,
		Channel:    models.ChannelBridge,
		ChannelID:  f.ChannelID,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		Direction:  models.DirectionInbound,
		Content:    f.Text,
		ReplyToID:  f.ReplyTo,
		CreatedAt:  time.Now(),
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if f.MediaURL != "" {
		msg.Attachments = []models.Attachment{{
			ID:   uuid.NewString(),
			Type: f.MediaType,
			URL:  f.MediaURL,
		}}
	}
	return msg
}

// SendText chunks text to the channel limit and writes one frame per
// chunk. Only the first chunk carries the reply reference.
func (b *Bridge) SendText(ctx context.Context, target, text, replyTo string) (string, error) {
	chunks := b.chunker.Split(text)
	if len(chunks) == 0 {
		return "", channels.ErrInvalidInput("empty message", nil)
	}

	start := time.Now()
	firstID := ""
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return firstID, err
		}
		f := frame{
			Type:      "send",
			ID:        uuid.NewString(),
			ChannelID: target,
			Text:      chunk,
		}
		if i == 0 {
			f.ReplyTo = replyTo
			firstID = f.ID
		}
		if err := b.writeFrame(f); err != nil {
			b.NoteSendFailed(err)
			return firstID, err
		}
	}
	b.Raw().RecordSendLatency(time.Since(start))
	b.NoteSent(&models.Message{
		ID:        firstID,
		Channel:   models.ChannelBridge,
		ChannelID: target,
		Direction: models.DirectionOutbound,
		Content:   text,
		ReplyToID: replyTo,
		CreatedAt: time.Now(),
	})
	return firstID, nil
}

// SendMedia forwards an attachment reference with an optional caption.
func (b *Bridge) SendMedia(ctx context.Context, target string, att models.Attachment, caption string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if att.URL == "" {
		return "", channels.ErrInvalidInput("attachment url is required", nil)
	}
	f := frame{
		Type:      "send",
		ID:        uuid.NewString(),
		ChannelID: target,
		Text:      caption,
		MediaURL:  att.URL,
		MediaType: att.Type,
	}
	if err := b.writeFrame(f); err != nil {
		b.NoteSendFailed(err)
		return "", err
	}
	b.NoteSent(&models.Message{
		ID:          f.ID,
		Channel:     models.ChannelBridge,
		ChannelID:   target,
		Direction:   models.DirectionOutbound,
		Content:     caption,
		Attachments: []models.Attachment{att},
		CreatedAt:   time.Now(),
	})
	return f.ID, nil
}

// writeFrame serializes one frame onto the connection. Writes are
// serialized because gorilla connections allow one concurrent writer.
func (b *Bridge) writeFrame(f frame) error {
	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		return channels.ErrConnection("not connected", nil)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := conn.WriteJSON(f); err != nil {
		return channels.ErrConnection("write frame", err)
	}
	return nil
}

// HealthCheck pings the backend over the live connection.
func (b *Bridge) HealthCheck(ctx context.Context) channels.HealthStatus {
	start := time.Now()
	status := channels.HealthStatus{LastCheck: start}

	b.connMu.Lock()
	conn := b.conn
	b.connMu.Unlock()
	if conn == nil {
		status.Message = "not connected"
		status.Latency = time.Since(start)
		return status
	}

	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		status.Message = err.Error()
		status.Latency = time.Since(start)
		return status
	}

	status.Healthy = true
	status.Message = "ok"
	status.Latency = time.Since(start)
	return status
}

// onUnhealthy reacts to a failed health streak by forcing a reconnect.
func (b *Bridge) onUnhealthy(status channels.HealthStatus) {
	b.logger.Warn("bridge unhealthy, forcing reconnect", "message", status.Message)
	_ = b.closeConn(context.Background())
	b.SetStatus(false, status.Message)
	b.manager.ConnectionError(channels.ErrConnection("health check failures", nil))
}

// onStateChange mirrors manager transitions into the plugin status.
func (b *Bridge) onStateChange(from, to channels.ConnState, err error) {
	switch to {
	case channels.StateConnected:
		b.SetStatus(true, "")
	case channels.StateReconnecting, channels.StateError:
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		b.SetStatus(false, msg)
	}
	b.logger.Debug("connection state change", "from", from, "to", to, "error", err)
}

// ConnectionState exposes the manager state for diagnostics.
func (b *Bridge) ConnectionState() channels.ConnState {
	return b.manager.State()
}
