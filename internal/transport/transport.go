// Package transport provides the bidirectional message transport contract
// the tapguard interception layer wraps, plus stdio, subprocess, and
// WebSocket client implementations speaking newline-delimited or framed
// JSON-RPC 2.0.
package transport

import (
	"context"
	"errors"

	"github.com/tapguard/tapguard/internal/rpc"
)

// MaxMessageSize is the maximum size of one JSON-RPC message (10 MB).
const MaxMessageSize = 10 * 1024 * 1024

// Lifecycle misuse errors shared by all transport implementations.
var (
	ErrNotStarted     = errors.New("transport not started")
	ErrAlreadyStarted = errors.New("transport already started")
	ErrClosed         = errors.New("transport closed")
)

// Handler receives one inbound message. Handlers are invoked sequentially
// from the transport's read loop; a slow handler delays subsequent messages.
type Handler func(msg rpc.Message)

// ErrorHandler receives transport-level and processing errors.
type ErrorHandler func(err error)

// CloseHandler is invoked once when the transport's inbound stream ends.
type CloseHandler func()

// Transport is a bidirectional JSON-RPC message channel. Callback setters
// must be called before Start; implementations do not synchronize handler
// replacement against a running read loop.
type Transport interface {
	// Start begins delivering inbound messages to the OnMessage handler.
	// The context bounds the transport's lifetime.
	Start(ctx context.Context) error
	// Send transmits one outbound message.
	Send(ctx context.Context, msg rpc.Message) error
	// Close tears down the transport. Safe to call more than once.
	Close() error

	SetOnMessage(h Handler)
	SetOnError(h ErrorHandler)
	SetOnClose(h CloseHandler)

	// SessionID returns the transport's session identifier once established,
	// or empty. Populated after Start for transports that negotiate one.
	SessionID() string
	// ProtocolVersion returns the negotiated protocol version, or empty.
	ProtocolVersion() string
	// SetProtocolVersion records the negotiated protocol version.
	SetProtocolVersion(v string)
}
