// Package wire defines the JSON-RPC envelopes exchanged with agent clients.
package wire

import (
	"bytes"
	"encoding/json"

	"github.com/gaspardpetit/mcpgate/internal/rpcerr"
)

// Version is the only accepted protocol version literal.
const Version = "2.0"

// Request is an inbound call or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether no reply is expected.
func (r *Request) IsNotification() bool {
	return isNullID(r.ID)
}

// ErrorObject is the error member of a response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Response carries exactly one of Result or Error. The version is written
// under both "jsonrpc" and "version" so clients keyed on either find it.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Version string          `json:"version"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// Notification is a server-to-client message without an id.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Version string `json:"version"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewResult builds a success response. A nil result is rendered as an
// empty object so the result member is never dropped.
func NewResult(id json.RawMessage, result any) *Response {
	if result == nil {
		result = struct{}{}
	}
	return &Response{JSONRPC: Version, Version: Version, ID: normalizeID(id), Result: result}
}

// NewError builds an error response from a classified error.
func NewError(id json.RawMessage, e *rpcerr.Error) *Response {
	return &Response{
		JSONRPC: Version,
		Version: Version,
		ID:      normalizeID(id),
		Error:   &ErrorObject{Code: e.Kind.Code(), Message: e.Message, Data: e.Data},
	}
}

// NewNotification builds a notification envelope.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: Version, Version: Version, Method: method, Params: params}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if isNullID(id) {
		return nil
	}
	return id
}

func isNullID(id json.RawMessage) bool {
	t := bytes.TrimSpace(id)
	return len(t) == 0 || bytes.Equal(t, []byte("null"))
}

// rawRequest accepts "version" as an alias of "jsonrpc".
type rawRequest struct {
	JSONRPC *string         `json:"jsonrpc"`
	Version *string         `json:"version"`
	ID      json.RawMessage `json:"id"`
	Method  json.RawMessage `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Parse decodes and validates a single request envelope. Parse and
// structural failures are reported with the matching error kind; callers
// must answer them with a null id.
func Parse(body []byte) (*Request, *rpcerr.Error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, rpcerr.New(rpcerr.KindParse, "empty request body")
	}
	if !json.Valid(trimmed) {
		return nil, rpcerr.New(rpcerr.KindParse, "invalid JSON")
	}
	switch trimmed[0] {
	case '{':
	case '[':
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "batch requests are not supported")
	default:
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "request must be a JSON object")
	}
	var raw rawRequest
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "malformed envelope: %v", err)
	}

	version := raw.JSONRPC
	if version == nil {
		version = raw.Version
	}
	if version == nil || *version != Version {
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "unsupported protocol version, expected %q", Version)
	}
	var method string
	if len(raw.Method) == 0 || json.Unmarshal(raw.Method, &method) != nil || method == "" {
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "method must be a non-empty string")
	}
	if !isNullID(raw.ID) && !validID(raw.ID) {
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "id must be a string or a number")
	}
	params := bytes.TrimSpace(raw.Params)
	if len(params) > 0 && !bytes.Equal(params, []byte("null")) && params[0] != '{' {
		return nil, rpcerr.New(rpcerr.KindInvalidRequest, "params must be an object")
	}
	if bytes.Equal(params, []byte("null")) {
		params = nil
	}
	return &Request{JSONRPC: Version, ID: normalizeID(raw.ID), Method: method, Params: params}, nil
}

func validID(id json.RawMessage) bool {
	t := bytes.TrimSpace(id)
	if len(t) == 0 {
		return false
	}
	switch c := t[0]; {
	case c == '"':
		return true
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		return json.Unmarshal(t, &n) == nil
	default:
		return false
	}
}

// PeekID extracts the id of a body without validating the rest of the
// envelope. It is used to correlate errors raised before parsing, such as
// authentication failures.
func PeekID(body []byte) json.RawMessage {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if json.Unmarshal(body, &probe) != nil || !validID(probe.ID) {
		return nil
	}
	return probe.ID
}

// DecodeParams unmarshals params into v; absent params leave v untouched.
func DecodeParams(params json.RawMessage, v any) *rpcerr.Error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return rpcerr.New(rpcerr.KindInvalidParams, "invalid params: %v", err)
	}
	return nil
}

// IDString renders an id for logs.
func IDString(id json.RawMessage) string {
	if isNullID(id) {
		return "null"
	}
	return string(id)
}
