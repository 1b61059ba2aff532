package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/relay/internal/agent"
	"github.com/haasonsaas/relay/internal/approval"
	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/nodes"
	"github.com/haasonsaas/relay/internal/sessions"
	"github.com/haasonsaas/relay/pkg/wire"
)

// Handler serves one gateway method. It returns the result payload or a
// structured wire error; never both.
type Handler func(ctx context.Context, c *conn, params json.RawMessage) (any, *wire.Error)

// methodTable builds the dispatch table. The access policy decides who
// may call what; this only binds names to code.
func (s *Server) methodTable() map[string]Handler {
	return map[string]Handler{
		"agent":        s.handleAgent,
		"chat.send":    s.handleChatSend,
		"chat.history": s.handleChatHistory,
		"chat.abort":   s.handleChatAbort,
		"chat.inject":  s.handleChatInject,

		"sessions.list":    s.handleSessionsList,
		"sessions.preview": s.handleSessionsPreview,
		"sessions.resolve": s.handleSessionsResolve,
		"sessions.patch":   s.handleSessionsPatch,
		"sessions.reset":   s.handleSessionsReset,
		"sessions.delete":  s.handleSessionsDelete,
		"sessions.compact": s.handleSessionsCompact,

		"channels.list":       s.handleChannelsList,
		"channels.status":     s.handleChannelsStatus,
		"channels.connect":    s.handleChannelsConnect,
		"channels.disconnect": s.handleChannelsDisconnect,
		"channels.send":       s.handleChannelsSend,
		"channels.logout":     s.handleChannelsLogout,

		"cron.status": s.handleCronStatus,
		"cron.list":   s.handleCronList,
		"cron.add":    s.handleCronAdd,
		"cron.update": s.handleCronUpdate,
		"cron.remove": s.handleCronRemove,
		"cron.run":    s.handleCronRun,
		"cron.runs":   s.handleCronRuns,

		"device.pair.request": s.handleDevicePairRequest,
		"device.pair.list":    s.handleDevicePairList,
		"device.pair.approve": s.handleDevicePairApprove,
		"device.pair.reject":  s.handleDevicePairReject,
		"device.token.rotate": s.handleDeviceTokenRotate,
		"device.token.revoke": s.handleDeviceTokenRevoke,

		"exec.approval.request": s.handleApprovalRequest,
		"exec.approval.resolve": s.handleApprovalResolve,
		"exec.approval.list":    s.handleApprovalList,
		"exec.approval.approve": s.handleApprovalApprove,
		"exec.approval.deny":    s.handleApprovalDeny,
		"exec.approval.timeout": s.handleApprovalTimeout,

		"node.list":         s.handleNodeList,
		"node.describe":     s.handleNodeDescribe,
		"node.invoke":       s.handleNodeInvoke,
		"node.register":     s.handleNodeRegister,
		"node.unregister":   s.handleNodeUnregister,
		"node.status":       s.handleNodeStatus,
		"node.pair.approve": s.handleNodePairApprove,
		"node.pair.reject":  s.handleNodePairReject,

		"memory.search": s.handleMemorySearch,
		"memory.add":    s.handleMemoryAdd,
		"memory.sync":   s.handleMemorySync,

		"config.get":    s.handleConfigGet,
		"config.set":    s.handleConfigSet,
		"config.patch":  s.handleConfigPatch,
		"config.schema": s.handleConfigSchema,
		"config.apply":  s.handleConfigApply,

		"system.presence": s.handleSystemPresence,
		"system.event":    s.handleSystemEvent,
		"system.shutdown": s.handleSystemShutdown,
		"system.restart":  s.handleSystemRestart,
	}
}

// dispatch runs one request through policy, handler, and response
// delivery. Panics become INTERNAL_ERROR; every outcome is metered.
func (s *Server) dispatch(c *conn, frame *wire.Frame) {
	start := time.Now()
	identity := c.Identity()
	code := "ok"
	defer func() {
		if s.deps.Metrics != nil {
			s.deps.Metrics.RecordGatewayRequest(frame.Method, code, time.Since(start).Seconds())
		}
	}()

	handler, ok := s.handlers[frame.Method]
	if !ok || !s.policy.Known(frame.Method) {
		code = wire.CodeMethodNotFound
		c.sendFrame(wire.NewErrorFrame(frame.ID,
			wire.NewErrorf(wire.CodeMethodNotFound, "unknown method %q", frame.Method)))
		return
	}
	if !s.policy.Allowed(identity, frame.Method) {
		if identity.Role == auth.RoleGuest {
			code = wire.CodeAuthRequired
			c.sendFrame(wire.NewErrorFrame(frame.ID,
				wire.NewError(wire.CodeAuthRequired, "authentication required")))
			return
		}
		code = wire.CodePermissionDenied
		c.sendFrame(wire.NewErrorFrame(frame.ID,
			wire.NewErrorf(wire.CodePermissionDenied, "role %s may not call %s", identity.Role, frame.Method)))
		return
	}

	ctx := c.identityContext(context.Background())
	result, werr := s.invoke(ctx, c, handler, frame)
	if werr != nil {
		code = werr.Code
		c.sendFrame(wire.NewErrorFrame(frame.ID, werr))
		return
	}
	resp, err := wire.NewResponse(frame.ID, result)
	if err != nil {
		code = wire.CodeInternalError
		c.sendFrame(wire.NewErrorFrame(frame.ID,
			wire.NewError(wire.CodeInternalError, "result encoding failed")))
		return
	}
	c.sendFrame(resp)
}

func (s *Server) invoke(ctx context.Context, c *conn, handler Handler, frame *wire.Frame) (result any, werr *wire.Error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"method", frame.Method, "panic", r, "stack", string(debug.Stack()))
			result, werr = nil, wire.NewError(wire.CodeInternalError, "internal error")
		}
	}()
	return handler(ctx, c, frame.Params)
}

// decode unmarshals params into dst, mapping failures to INVALID_REQUEST.
func decode(params json.RawMessage, dst any) *wire.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return wire.NewErrorf(wire.CodeInvalidRequest, "bad params: %v", err)
	}
	return nil
}

// wireError maps well-known subsystem errors onto structured codes.
// Anything unrecognized becomes INTERNAL_ERROR with the message kept.
func wireError(err error) *wire.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sessions.ErrNotFound):
		return wire.NewError(wire.CodeSessionNotFound, err.Error())
	case errors.Is(err, agent.ErrRunning):
		return wire.NewRetryable(wire.CodeUnavailable, err.Error(), retryAfterMs)
	case errors.Is(err, ErrRunActive):
		return wire.NewRetryable(wire.CodeUnavailable, err.Error(), retryAfterMs)
	case errors.Is(err, approval.ErrNotFound),
		errors.Is(err, nodes.ErrNodeNotFound):
		return wire.NewError(wire.CodeInvalidRequest, err.Error())
	case errors.Is(err, nodes.ErrNodeNotApproved),
		errors.Is(err, nodes.ErrNodeRevoked),
		errors.Is(err, nodes.ErrCapabilityDenied):
		return wire.NewError(wire.CodePermissionDenied, err.Error())
	case errors.Is(err, nodes.ErrNodeOffline):
		return wire.NewRetryable(wire.CodeUnavailable, err.Error(), retryAfterMs)
	case errors.Is(err, context.DeadlineExceeded):
		return wire.NewRetryable(wire.CodeAgentTimeout, err.Error(), 0)
	}
	return wire.NewError(wire.CodeInternalError, err.Error())
}

// retryAfterMs is the hint attached to UNAVAILABLE responses.
const retryAfterMs = 1000

// unavailable is the stock error for method groups whose subsystem is
// not wired into this process.
func unavailable(what string) *wire.Error {
	return wire.NewRetryable(wire.CodeUnavailable, what+" is not available", 0)
}
