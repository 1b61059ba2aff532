package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/relay/internal/channels"
	"github.com/haasonsaas/relay/internal/cron"
	"github.com/haasonsaas/relay/internal/devices"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/pkg/models"
	"github.com/haasonsaas/relay/pkg/wire"
)

// --- channels ---

type channelParams struct {
	Channel string `json:"channel"`
	Target  string `json:"target,omitempty"`
	Text    string `json:"text,omitempty"`
	ReplyTo string `json:"replyTo,omitempty"`
}

func (s *Server) channelPlugin(name string) (channels.Plugin, *wire.Error) {
	if s.deps.Channels == nil {
		return nil, unavailable("channels")
	}
	p, ok := s.deps.Channels.Get(models.ChannelType(name))
	if !ok {
		return nil, wire.NewErrorf(wire.CodeChannelNotFound, "unknown channel %q", name)
	}
	return p, nil
}

func (s *Server) handleChannelsList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	if s.deps.Channels == nil {
		return nil, unavailable("channels")
	}
	type entry struct {
		Type      string `json:"type"`
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}
	var out []entry
	for typ, status := range s.deps.Channels.Statuses() {
		out = append(out, entry{Type: string(typ), Connected: status.Connected, Error: status.Error})
	}
	return map[string]any{"channels": out}, nil
}

func (s *Server) handleChannelsStatus(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p channelParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	plugin, werr := s.channelPlugin(p.Channel)
	if werr != nil {
		return nil, werr
	}
	return map[string]any{
		"status":  plugin.Status(),
		"health":  plugin.HealthCheck(ctx),
		"metrics": plugin.Metrics(),
	}, nil
}

func (s *Server) handleChannelsConnect(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p channelParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	plugin, werr := s.channelPlugin(p.Channel)
	if werr != nil {
		return nil, werr
	}
	if err := plugin.Start(ctx); err != nil {
		return nil, wire.NewError(wire.CodeChannelError, err.Error())
	}
	return map[string]any{"connected": true}, nil
}

func (s *Server) handleChannelsDisconnect(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p channelParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	plugin, werr := s.channelPlugin(p.Channel)
	if werr != nil {
		return nil, werr
	}
	if err := plugin.Stop(ctx); err != nil {
		return nil, wire.NewError(wire.CodeChannelError, err.Error())
	}
	return map[string]any{"disconnected": true}, nil
}

func (s *Server) handleChannelsSend(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p channelParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.Text == "" || p.Target == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "channel, target, and text are required")
	}
	plugin, werr := s.channelPlugin(p.Channel)
	if werr != nil {
		return nil, werr
	}
	id, err := plugin.SendText(ctx, p.Target, p.Text, p.ReplyTo)
	if err != nil {
		return nil, wire.NewError(wire.CodeChannelError, err.Error())
	}
	return map[string]any{"messageId": id}, nil
}

// handleChannelsLogout stops the channel; re-connecting requires fresh
// credentials from config.
func (s *Server) handleChannelsLogout(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	var p channelParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	plugin, werr := s.channelPlugin(p.Channel)
	if werr != nil {
		return nil, werr
	}
	if err := plugin.Stop(ctx); err != nil {
		return nil, wire.NewError(wire.CodeChannelError, err.Error())
	}
	return map[string]any{"loggedOut": true}, nil
}

// --- cron ---

func (s *Server) cronEngine() (*cron.Engine, *wire.Error) {
	if s.deps.Cron == nil {
		return nil, unavailable("cron")
	}
	return s.deps.Cron, nil
}

func (s *Server) handleCronStatus(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	jobs := engine.List()
	enabled := 0
	var next time.Time
	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		enabled++
		if !job.NextRun.IsZero() && (next.IsZero() || job.NextRun.Before(next)) {
			next = job.NextRun
		}
	}
	result := map[string]any{
		"running": engine.Running(),
		"jobs":    len(jobs),
		"enabled": enabled,
	}
	if !next.IsZero() {
		result["nextRun"] = next.UnixMilli()
	}
	return result, nil
}

func (s *Server) handleCronList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	return map[string]any{"jobs": engine.List()}, nil
}

type cronAddParams struct {
	Name           string        `json:"name,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	Schedule       cron.Schedule `json:"schedule"`
	Payload        cron.Payload  `json:"payload"`
	AgentID        string        `json:"agentId,omitempty"`
	DeleteAfterRun bool          `json:"deleteAfterRun,omitempty"`
}

func (s *Server) handleCronAdd(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	var p cronAddParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	job, err := engine.Add(ctx, cron.Job{
		Name:           p.Name,
		Enabled:        enabled,
		Schedule:       p.Schedule,
		Payload:        p.Payload,
		AgentID:        p.AgentID,
		DeleteAfterRun: p.DeleteAfterRun,
	})
	if err != nil {
		return nil, wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return map[string]any{"job": job}, nil
}

type cronUpdateParams struct {
	ID             string         `json:"id"`
	Name           *string        `json:"name,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	Schedule       *cron.Schedule `json:"schedule,omitempty"`
	Payload        *cron.Payload  `json:"payload,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
}

func (s *Server) handleCronUpdate(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	var p cronUpdateParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	job, err := engine.Update(ctx, p.ID, func(job *cron.Job) error {
		if p.Name != nil {
			job.Name = *p.Name
		}
		if p.Enabled != nil {
			job.Enabled = *p.Enabled
		}
		if p.Schedule != nil {
			job.Schedule = *p.Schedule
		}
		if p.Payload != nil {
			job.Payload = *p.Payload
		}
		if p.DeleteAfterRun != nil {
			job.DeleteAfterRun = *p.DeleteAfterRun
		}
		return nil
	})
	if err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"job": job}, nil
}

type cronIDParams struct {
	ID    string `json:"id"`
	Limit int    `json:"limit,omitempty"`
}

func (s *Server) handleCronRemove(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	var p cronIDParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := engine.Remove(ctx, p.ID); err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"removed": true}, nil
}

func (s *Server) handleCronRun(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	var p cronIDParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := engine.RunNow(ctx, p.ID); err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"triggered": true}, nil
}

func (s *Server) handleCronRuns(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	engine, werr := s.cronEngine()
	if werr != nil {
		return nil, werr
	}
	var p cronIDParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	runs, err := engine.Runs(p.ID, p.Limit)
	if err != nil {
		return nil, cronError(err)
	}
	return map[string]any{"runs": runs}, nil
}

func cronError(err error) *wire.Error {
	if err == cron.ErrJobNotFound {
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	}
	return wireError(err)
}

// --- devices ---

func (s *Server) deviceStore() (*devices.Store, *wire.Error) {
	if s.deps.Devices == nil {
		return nil, unavailable("device pairing")
	}
	return s.deps.Devices, nil
}

type devicePairParams struct {
	DeviceID string `json:"deviceId,omitempty"`
	Name     string `json:"name,omitempty"`
	Code     string `json:"code,omitempty"`
}

func (s *Server) handleDevicePairRequest(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	var p devicePairParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	req, reused, err := store.BeginPairing(p.DeviceID, p.Name)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{
		"code":      req.Code,
		"deviceId":  req.DeviceID,
		"expiresAt": req.ExpiresAt.UnixMilli(),
		"reused":    reused,
	}, nil
}

func (s *Server) handleDevicePairList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	pending, err := store.Pending()
	if err != nil {
		return nil, wireError(err)
	}
	list, err := store.List()
	if err != nil {
		return nil, wireError(err)
	}
	// Tokens never cross the wire on listings.
	type deviceView struct {
		ID       string   `json:"id"`
		Name     string   `json:"name,omitempty"`
		Scopes   []string `json:"scopes,omitempty"`
		PairedAt int64    `json:"paired_at"`
		LastSeen int64    `json:"last_seen,omitempty"`
		Revoked  bool     `json:"revoked,omitempty"`
	}
	paired := make([]deviceView, 0, len(list))
	for _, d := range list {
		v := deviceView{ID: d.ID, Name: d.Name, Scopes: d.Scopes, PairedAt: d.PairedAt.UnixMilli(), Revoked: d.Revoked}
		if !d.LastSeen.IsZero() {
			v.LastSeen = d.LastSeen.UnixMilli()
		}
		paired = append(paired, v)
	}
	return map[string]any{"pending": pending, "devices": paired}, nil
}

func (s *Server) handleDevicePairApprove(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	var p devicePairParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	dev, err := store.Approve(p.Code)
	if err != nil {
		return nil, deviceError(err)
	}
	// The token is shown exactly once, at approval.
	return map[string]any{"deviceId": dev.ID, "name": dev.Name, "token": dev.Token}, nil
}

func (s *Server) handleDevicePairReject(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	var p devicePairParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	req, err := store.Reject(p.Code)
	if err != nil {
		return nil, deviceError(err)
	}
	return map[string]any{"rejected": true, "deviceId": req.DeviceID}, nil
}

func (s *Server) handleDeviceTokenRotate(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	var p devicePairParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	dev, err := store.RotateToken(p.DeviceID)
	if err != nil {
		return nil, deviceError(err)
	}
	return map[string]any{"deviceId": dev.ID, "token": dev.Token}, nil
}

func (s *Server) handleDeviceTokenRevoke(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	store, werr := s.deviceStore()
	if werr != nil {
		return nil, werr
	}
	var p devicePairParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := store.Revoke(p.DeviceID); err != nil {
		return nil, deviceError(err)
	}
	return map[string]any{"revoked": true}, nil
}

func deviceError(err error) *wire.Error {
	switch err {
	case devices.ErrCodeNotFound, devices.ErrDeviceNotFound:
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	case devices.ErrDeviceRevoked:
		return wire.NewError(wire.CodePermissionDenied, err.Error())
	}
	return wireError(err)
}

// --- nodes ---

func (s *Server) nodeRegistry() (*nodes.Registry, *wire.Error) {
	if s.deps.Nodes == nil {
		return nil, unavailable("node registry")
	}
	return s.deps.Nodes, nil
}

type nodeParams struct {
	NodeID       string            `json:"nodeId,omitempty"`
	Name         string            `json:"name,omitempty"`
	Platform     string            `json:"platform,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Method       string            `json:"method,omitempty"`
	Params       json.RawMessage   `json:"params,omitempty"`
}

func (s *Server) handleNodeList(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	return map[string]any{"nodes": reg.List()}, nil
}

func (s *Server) handleNodeDescribe(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	node, err := reg.Get(p.NodeID)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"node": node}, nil
}

// handleNodeRegister links the calling connection as the node's live
// transport. Registration starts pending; an operator approves it.
func (s *Server) handleNodeRegister(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	node, err := reg.Register(nodes.RegisterRequest{
		NodeID:       p.NodeID,
		Name:         p.Name,
		Platform:     p.Platform,
		Capabilities: p.Capabilities,
		Metadata:     p.Metadata,
	})
	if err != nil {
		return nil, wireError(err)
	}

	invoker := nodes.InvokerFunc(func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
		raw, err := json.Marshal(map[string]any{"method": method, "params": params})
		if err != nil {
			return nil, err
		}
		return c.call(ctx, "node.dispatch", raw)
	})
	if err := reg.Connect(node.ID, invoker); err != nil {
		return nil, wireError(err)
	}
	c.mu.Lock()
	c.nodeID = node.ID
	c.mu.Unlock()
	return map[string]any{"node": node}, nil
}

func (s *Server) handleNodeUnregister(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := reg.Unregister(p.NodeID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"unregistered": true}, nil
}

// handleNodeStatus doubles as the node heartbeat: a node calling about
// itself refreshes last_seen.
func (s *Server) handleNodeStatus(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	c.mu.Lock()
	own := c.nodeID != "" && c.nodeID == p.NodeID
	c.mu.Unlock()
	if own {
		reg.Heartbeat(p.NodeID)
	}
	node, err := reg.Get(p.NodeID)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"status": node.Status, "lastSeen": node.LastSeen.UnixMilli()}, nil
}

func (s *Server) handleNodeInvoke(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if p.NodeID == "" || p.Method == "" {
		return nil, wire.NewError(wire.CodeInvalidRequest, "nodeId and method are required")
	}
	result, err := reg.Invoke(ctx, p.NodeID, p.Method, p.Params)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"result": result}, nil
}

func (s *Server) handleNodePairApprove(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	node, err := reg.Approve(p.NodeID)
	if err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"node": node}, nil
}

func (s *Server) handleNodePairReject(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error) {
	reg, werr := s.nodeRegistry()
	if werr != nil {
		return nil, werr
	}
	var p nodeParams
	if werr := decode(params, &p); werr != nil {
		return nil, werr
	}
	if err := reg.Reject(p.NodeID); err != nil {
		return nil, wireError(err)
	}
	return map[string]any{"rejected": true}, nil
}
