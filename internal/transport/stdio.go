package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tapguard/tapguard/internal/rpc"
)

// StdioTransport speaks newline-delimited JSON-RPC 2.0 over a reader/writer
// pair, matching the MCP stdio transport specification: one message per
// line, no framing beyond the newline.
type StdioTransport struct {
	r io.Reader
	w io.Writer

	onMessage Handler
	onError   ErrorHandler
	onClose   CloseHandler

	mu       sync.Mutex
	started  bool
	closed   bool
	protoVer string
	closers  []io.Closer
}

// NewStdioTransport creates a transport reading messages from r and writing
// to w. Neither is closed by default; use WithCloser to attach resources
// that Close should release.
func NewStdioTransport(r io.Reader, w io.Writer) *StdioTransport {
	return &StdioTransport{r: r, w: w}
}

// WithCloser registers a resource released when the transport closes.
func (t *StdioTransport) WithCloser(c io.Closer) *StdioTransport {
	t.closers = append(t.closers, c)
	return t
}

func (t *StdioTransport) SetOnMessage(h Handler)    { t.onMessage = h }
func (t *StdioTransport) SetOnError(h ErrorHandler) { t.onError = h }
func (t *StdioTransport) SetOnClose(h CloseHandler) { t.onClose = h }

// SessionID returns empty: stdio transports have no session negotiation.
func (t *StdioTransport) SessionID() string { return "" }

func (t *StdioTransport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.protoVer
}

func (t *StdioTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	t.protoVer = v
	t.mu.Unlock()
}

// Start launches the read loop. Empty lines are skipped; lines that fail to
// parse are reported through the error handler and reading continues. The
// loop ends on EOF, read error, or context cancellation, after which the
// close handler fires exactly once.
func (t *StdioTransport) Start(ctx context.Context) error {
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

	go t.readLoop(ctx)
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context) {
	defer func() {
		if t.onClose != nil {
			t.onClose()
		}
	}()

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageSize)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		msg, err := rpc.Parse(line)
		if err != nil {
			t.reportError(fmt.Errorf("inbound message: %w", err))
			continue
		}
		if t.onMessage != nil {
			t.onMessage(msg)
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		t.reportError(fmt.Errorf("reading transport: %w", err))
	}
}

// Send writes one message followed by a newline in a single Write call.
// The single-call write avoids interleaving with concurrent senders.
func (t *StdioTransport) Send(_ context.Context, msg rpc.Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if !t.started {
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.mu.Unlock()

	data, err := rpc.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message too large: %d bytes", len(data))
	}

	buf := make([]byte, len(data)+1)
	copy(buf, data)
	buf[len(data)] = '\n'

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(buf); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

// Close releases attached resources. Idempotent.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	closers := t.closers
	t.mu.Unlock()

	var firstErr error
	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *StdioTransport) reportError(err error) {
	if t.onError != nil {
		t.onError(err)
	}
}
