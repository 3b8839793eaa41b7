package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"unicode/utf8"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/tapguard/tapguard/internal/rpc"
)

// WSTransport is a WebSocket client transport to an upstream MCP server.
// MCP is JSON-RPC over text frames only; binary frames end the connection
// (fail-closed).
type WSTransport struct {
	url string

	onMessage Handler
	onError   ErrorHandler
	onClose   CloseHandler

	// writeMu serializes frame writes: Send and the read loop's control
	// replies share the connection.
	writeMu sync.Mutex

	mu       sync.Mutex
	conn     net.Conn
	started  bool
	closed   bool
	protoVer string
}

// NewWSTransport prepares a client transport for the given ws:// or wss://
// URL. Nothing is dialed until Start.
func NewWSTransport(rawURL string) *WSTransport {
	return &WSTransport{url: rawURL}
}

func (t *WSTransport) SetOnMessage(h Handler)    { t.onMessage = h }
func (t *WSTransport) SetOnError(h ErrorHandler) { t.onError = h }
func (t *WSTransport) SetOnClose(h CloseHandler) { t.onClose = h }

// SessionID returns empty: the WebSocket transport has no session header.
func (t *WSTransport) SessionID() string { return "" }

func (t *WSTransport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protoVer
}

func (t *WSTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protoVer = v
	t.mu.Unlock()
}

// Start dials the upstream server and launches the read loop.
func (t *WSTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.started {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = true
	t.mu.Unlock()

	conn, _, _, err := ws.Dial(ctx, t.url)
	if err != nil {
		return fmt.Errorf("ws dial %s: %w", t.url, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	go t.readLoop(ctx)
	return nil
}

func (t *WSTransport) readLoop(ctx context.Context) {
	defer func() {
		if t.onClose != nil {
			t.onClose()
		}
	}()

	var frag []byte
	assembling := false

	for {
		hdr, err := ws.ReadHeader(t.conn)
		if err != nil {
			if ctx.Err() != nil || t.isClosed() || errors.Is(err, io.EOF) {
				return
			}
			t.reportError(fmt.Errorf("reading ws header: %w", err))
			return
		}

		// Enforce limits before allocation: a malicious upstream could
		// claim a huge payload.
		if hdr.Length > int64(MaxMessageSize) || int64(len(frag))+hdr.Length > int64(MaxMessageSize) {
			t.writeClose(ws.StatusMessageTooBig, "frame too large")
			t.reportError(fmt.Errorf("frame too large: %d bytes", hdr.Length))
			return
		}

		payload := make([]byte, hdr.Length)
		if hdr.Length > 0 {
			if _, err := io.ReadFull(t.conn, payload); err != nil {
				if !t.isClosed() {
					t.reportError(fmt.Errorf("reading ws payload: %w", err))
				}
				return
			}
		}
		if hdr.Masked {
			ws.Cipher(payload, hdr.Mask, 0)
		}

		if hdr.OpCode.IsControl() {
			switch hdr.OpCode {
			case ws.OpClose:
				t.writeClose(ws.StatusNormalClosure, "")
				return
			case ws.OpPing:
				t.writeMu.Lock()
				_ = wsutil.WriteClientMessage(t.conn, ws.OpPong, payload)
				t.writeMu.Unlock()
			case ws.OpPong:
				// Ignore unsolicited pongs.
			}
			continue
		}

		if hdr.OpCode == ws.OpBinary {
			t.writeClose(ws.StatusPolicyViolation, "binary frames not allowed")
			t.reportError(fmt.Errorf("binary frame rejected"))
			return
		}
		if hdr.OpCode == ws.OpContinuation && !assembling {
			t.writeClose(ws.StatusProtocolError, "unexpected continuation")
			t.reportError(fmt.Errorf("continuation frame without initial frame"))
			return
		}

		frag = append(frag, payload...)
		assembling = true
		if !hdr.Fin {
			continue
		}

		msg := frag
		frag = nil
		assembling = false

		if !utf8.Valid(msg) {
			t.writeClose(ws.StatusInvalidFramePayloadData, "invalid UTF-8")
			t.reportError(fmt.Errorf("invalid UTF-8 in text frame"))
			return
		}

		parsed, err := rpc.Parse(msg)
		if err != nil {
			t.reportError(fmt.Errorf("inbound message: %w", err))
			continue
		}
		if t.onMessage != nil {
			t.onMessage(parsed)
		}
	}
}

// Send transmits one message as a single masked text frame.
func (t *WSTransport) Send(_ context.Context, msg rpc.Message) error {
	t.mu.Lock()
	conn := t.conn
	closed := t.closed
	t.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if conn == nil {
		return ErrNotStarted
	}

	data, err := rpc.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wsutil.WriteClientMessage(conn, ws.OpText, data)
}

// Close sends a close frame and closes the connection. Idempotent.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		return nil
	}
	t.writeClose(ws.StatusNormalClosure, "")
	return conn.Close()
}

func (t *WSTransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}

func (t *WSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *WSTransport) writeClose(code ws.StatusCode, reason string) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	body := ws.NewCloseFrameBody(code, reason)
	_ = wsutil.WriteClientMessage(t.conn, ws.OpClose, body)
}
