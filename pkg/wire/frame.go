// Package wire defines the gateway's JSON frame protocol: request/response
// envelopes, structured error codes, server event frames, and the
// client-side accumulator that rebuilds streamed assistant content from
// deltas. Both the gateway server and external clients (bridge channels,
// node daemons, CLIs) share these shapes.
package wire

import "encoding/json"

// Protocol versions the gateway can speak. Negotiated during connect.
const (
	ProtocolV1 = 1

	// MaxProtocol is the newest protocol this build understands.
	MaxProtocol = ProtocolV1
)

// Frame types.
const (
	TypeRequest  = "req"
	TypeResponse = "resp"
	TypeError    = "err"
	TypeEvent    = "event"
)

// Frame is the single envelope exchanged over a gateway connection.
// Exactly one of the role-specific field groups is populated, keyed by Type.
type Frame struct {
	Type string `json:"type"`

	// Request/response correlation. Empty for events.
	ID string `json:"id,omitempty"`

	// Request fields.
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// Response fields.
	Result json.RawMessage `json:"result,omitempty"`

	// Error fields (type "err").
	Error *Error `json:"error,omitempty"`

	// Event fields. Method doubles as the event stream name; Data carries
	// the event payload. RunID tags events belonging to one agent run.
	Data  json.RawMessage `json:"data,omitempty"`
	RunID string          `json:"runId,omitempty"`
	Seq   uint64          `json:"seq,omitempty"`
}

// NewRequest builds a request frame. Params must already be JSON.
func NewRequest(id, method string, params json.RawMessage) *Frame {
	return &Frame{Type: TypeRequest, ID: id, Method: method, Params: params}
}

// NewResponse builds a success response for the request with the given id.
func NewResponse(id string, result any) (*Frame, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeResponse, ID: id, Result: raw}, nil
}

// NewErrorFrame builds an error response.
func NewErrorFrame(id string, werr *Error) *Frame {
	return &Frame{Type: TypeError, ID: id, Error: werr}
}

// NewEventFrame builds a server-initiated event frame.
func NewEventFrame(stream string, data any, runID string, seq uint64) (*Frame, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: TypeEvent, Method: stream, Data: raw, RunID: runID, Seq: seq}, nil
}

// ConnectParams is the payload of the mandatory first request on every
// connection.
type ConnectParams struct {
	MaxProtocol int         `json:"maxProtocol,omitempty"`
	Client      ClientInfo  `json:"client"`
	Auth        *AuthParams `json:"auth,omitempty"`

	// Buffered asks the server to batch event frames, flushing on any
	// *_end event or after BatchSize events (server default when zero).
	Buffered  bool `json:"buffered,omitempty"`
	BatchSize int  `json:"batchSize,omitempty"`
}

// ClientInfo identifies the connecting program.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// AuthParams carries one of the supported credential shapes: an operator
// JWT or shared-secret token, or a signed device assertion.
type AuthParams struct {
	Token string `json:"token,omitempty"`

	// Device assertion fields. Signature is HMAC-SHA256 over
	// "deviceID|signedAt|nonce" keyed with the device token.
	DeviceID  string `json:"deviceId,omitempty"`
	SignedAt  int64  `json:"signedAt,omitempty"` // unix milliseconds
	Nonce     string `json:"nonce,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// Hello is the connect response payload.
type Hello struct {
	Protocol     int      `json:"protocol"`
	Server       string   `json:"server"`
	Version      string   `json:"version,omitempty"`
	Role         string   `json:"role"`
	Methods      []string `json:"methods"`
	Events       []string `json:"events"`
	Capabilities []string `json:"capabilities,omitempty"`
}
