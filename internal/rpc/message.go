// Package rpc provides the JSON-RPC 2.0 message types shared across the
// tapguard packages. Inbound wire bytes are decoded into a tagged union of
// the four message shapes so that downstream code can switch exhaustively
// instead of probing optional fields.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the JSON-RPC protocol version used by MCP.
const Version = "2.0"

// Null is the JSON literal "null", used to detect nil-equivalent
// json.RawMessage values that are non-nil Go slices.
const Null = "null"

// MethodToolCall is the MCP method invoking a tool on the server.
const MethodToolCall = "tools/call"

// Message is one of *Request, *Notification, *Response, or *ErrorResponse.
// The interface is sealed; no other implementations exist.
type Message interface {
	isMessage()
}

// Request is a client- or server-initiated call that expects a response.
// ID is the correlation identifier pairing it to that response.
type Request struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

// Notification is a one-way call with no correlation identifier.
type Notification struct {
	Method string
	Params json.RawMessage
}

// Response is a successful reply carrying a result payload.
type Response struct {
	ID     json.RawMessage
	Result json.RawMessage
}

// ErrorResponse is a failed reply carrying a JSON-RPC error object.
type ErrorResponse struct {
	ID    json.RawMessage
	Error *Error
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (*Request) isMessage()       {}
func (*Notification) isMessage()  {}
func (*Response) isMessage()      {}
func (*ErrorResponse) isMessage() {}

// ContentBlock is a single item in an MCP tool result content array.
// Data carries base64 image payloads; Resource carries embedded resources.
type ContentBlock struct {
	Type     string            `json:"type"`
	Text     string            `json:"text,omitempty"`
	Data     string            `json:"data,omitempty"`
	MimeType string            `json:"mimeType,omitempty"`
	Resource *EmbeddedResource `json:"resource,omitempty"`
}

// EmbeddedResource is the resource payload of a resource-typed content block.
// Blob is base64-encoded binary content.
type EmbeddedResource struct {
	URI      string `json:"uri,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// envelope is the loose wire shape used to classify inbound messages.
// Result uses *json.RawMessage so that "result": null (valid for void
// results) is distinguishable from an absent result field.
type envelope struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  *json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage  `json:"error,omitempty"`
}

// present reports whether a raw JSON field was supplied and is not null.
func present(raw json.RawMessage) bool {
	return len(raw) > 0 && string(raw) != Null
}

// Parse decodes one JSON-RPC 2.0 message into its concrete shape.
//
// Classification:
//   - method set, id present  → *Request
//   - method set, id absent   → *Notification
//   - error present           → *ErrorResponse
//   - result field supplied   → *Response
//
// Anything else is a protocol violation and returns an error.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	if env.JSONRPC != Version {
		return nil, fmt.Errorf("not a JSON-RPC 2.0 message: jsonrpc=%q", env.JSONRPC)
	}

	switch {
	case env.Method != "" && present(env.ID):
		return &Request{ID: env.ID, Method: env.Method, Params: env.Params}, nil
	case env.Method != "":
		return &Notification{Method: env.Method, Params: env.Params}, nil
	case present(env.Error):
		var rpcErr Error
		if err := json.Unmarshal(env.Error, &rpcErr); err != nil {
			return nil, fmt.Errorf("parsing error object: %w", err)
		}
		return &ErrorResponse{ID: env.ID, Error: &rpcErr}, nil
	case env.Result != nil:
		var result json.RawMessage
		if env.Result != nil {
			result = *env.Result
		}
		return &Response{ID: env.ID, Result: result}, nil
	default:
		return nil, fmt.Errorf("message has neither method, result, nor error")
	}
}

// Marshal encodes a message back to its wire form. Payload fields are
// json.RawMessage throughout, so a Parse/Marshal round trip preserves
// payload bytes exactly.
func Marshal(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Request:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{Version, m.ID, m.Method, m.Params})
	case *Notification:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			Method  string          `json:"method"`
			Params  json.RawMessage `json:"params,omitempty"`
		}{Version, m.Method, m.Params})
	case *Response:
		result := m.Result
		if len(result) == 0 {
			result = json.RawMessage(Null)
		}
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Result  json.RawMessage `json:"result"`
		}{Version, m.ID, result})
	case *ErrorResponse:
		return json.Marshal(struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Error   *Error          `json:"error"`
		}{Version, m.ID, m.Error})
	default:
		return nil, fmt.Errorf("unknown message type %T", msg)
	}
}

// CorrelationID returns the message's correlation identifier, or nil for
// notifications (which have none).
func CorrelationID(msg Message) json.RawMessage {
	switch m := msg.(type) {
	case *Request:
		return m.ID
	case *Response:
		return m.ID
	case *ErrorResponse:
		return m.ID
	default:
		return nil
	}
}
