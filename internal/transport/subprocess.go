package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/tapguard/tapguard/internal/rpc"
)

// SubprocessTransport launches an MCP server subprocess and speaks the stdio
// transport over its pipes: messages are written to the child's stdin and
// read from its stdout. Child stderr is copied to the configured writer.
type SubprocessTransport struct {
	command []string
	stderr  io.Writer

	onMessage Handler
	onError   ErrorHandler
	onClose   CloseHandler

	mu    sync.Mutex
	cmd   *exec.Cmd
	inner *StdioTransport
}

// NewSubprocessTransport prepares a transport for the given server command.
// Nothing is spawned until Start. stderr may be nil to discard child stderr.
func NewSubprocessTransport(command []string, stderr io.Writer) (*SubprocessTransport, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("no server command specified")
	}
	return &SubprocessTransport{command: command, stderr: stderr}, nil
}

func (t *SubprocessTransport) SetOnMessage(h Handler)    { t.onMessage = h }
func (t *SubprocessTransport) SetOnError(h ErrorHandler) { t.onError = h }
func (t *SubprocessTransport) SetOnClose(h CloseHandler) { t.onClose = h }

// SessionID returns empty: stdio transports have no session negotiation.
func (t *SubprocessTransport) SessionID() string { return "" }

func (t *SubprocessTransport) ProtocolVersion() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inner == nil {
		return ""
	}
	return t.inner.ProtocolVersion()
}

func (t *SubprocessTransport) SetProtocolVersion(v string) {
	t.mu.Lock()
	inner := t.inner
	t.mu.Unlock()
	if inner != nil {
		inner.SetProtocolVersion(v)
	}
}

// Start spawns the subprocess and begins reading its stdout.
func (t *SubprocessTransport) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.cmd != nil {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}

	cmd := exec.CommandContext(ctx, t.command[0], t.command[1:]...) //nolint:gosec // command comes from operator CLI args
	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	if t.stderr != nil {
		cmd.Stderr = t.stderr
	}

	if err := cmd.Start(); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("starting server %q: %w", t.command[0], err)
	}

	inner := NewStdioTransport(stdout, stdin).WithCloser(stdin)
	inner.SetOnMessage(t.onMessage)
	inner.SetOnError(t.onError)
	inner.SetOnClose(t.onClose)

	t.cmd = cmd
	t.inner = inner
	t.mu.Unlock()

	return inner.Start(ctx)
}

// Send transmits one message to the child's stdin.
func (t *SubprocessTransport) Send(ctx context.Context, msg rpc.Message) error {
	t.mu.Lock()
	inner := t.inner
	t.mu.Unlock()
	if inner == nil {
		return ErrNotStarted
	}
	return inner.Send(ctx, msg)
}

// Close closes the child's stdin (letting well-behaved servers exit) and
// waits for the subprocess. Idempotent.
func (t *SubprocessTransport) Close() error {
	t.mu.Lock()
	cmd := t.cmd
	inner := t.inner
	t.cmd = nil
	t.mu.Unlock()

	var firstErr error
	if inner != nil {
		firstErr = inner.Close()
	}
	if cmd != nil {
		if err := cmd.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
