// Package guard implements the security-scanning interception layer: a
// transport wrapper that scans every inbound JSON-RPC message for unsafe
// content before it reaches the application, with optional policy hooks
// controlling what gets scanned and how unsafe content is handled.
// Outbound messages are never scanned.
package guard

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/tapguard/tapguard/internal/audit"
	"github.com/tapguard/tapguard/internal/emit"
	"github.com/tapguard/tapguard/internal/metrics"
	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
	"github.com/tapguard/tapguard/internal/transport"
)

const (
	stateUnstarted = iota
	stateStarted
	stateClosed
)

// Config carries the optional collaborators of a ScanningTransport.
type Config struct {
	Hooks   Hooks
	Logger  *audit.Logger    // nil for no audit logging
	Metrics *metrics.Metrics // nil for no instrumentation
	Emitter *emit.Emitter    // nil for no external event emission
}

// ScanningTransport wraps a base transport and runs every inbound message
// through the interception pipeline before delivery. It satisfies
// transport.Transport itself, so it drops in wherever the wrapped transport
// was used. One instance owns exactly one wrapped transport.
//
// Inbound messages are processed synchronously on the wrapped transport's
// delivery goroutine, so cross-message ordering follows whatever the
// wrapped transport guarantees; the wrapper adds no serialization of its
// own.
type ScanningTransport struct {
	inner   transport.Transport
	pl      pipeline
	logger  *audit.Logger
	metrics *metrics.Metrics
	emitter *emit.Emitter

	mu        sync.Mutex
	state     int
	ctx       context.Context
	onMessage transport.Handler
	onError   transport.ErrorHandler
	onClose   transport.CloseHandler
}

// Wrap builds a ScanningTransport around inner. The wrapped transport and
// the scan client are required; everything in cfg is optional.
func Wrap(inner transport.Transport, client scan.Client, cfg Config) (*ScanningTransport, error) {
	if inner == nil {
		return nil, errors.New("guard: wrapped transport is required")
	}
	if client == nil {
		return nil, errors.New("guard: scan client is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = audit.NewNop()
	}
	return &ScanningTransport{
		inner:   inner,
		pl:      pipeline{client: client, hooks: cfg.Hooks},
		logger:  logger,
		metrics: cfg.Metrics,
		emitter: cfg.Emitter,
	}, nil
}

// Start subscribes to the wrapped transport's events, installs the
// interception pipeline as its message handler, and starts it.
func (s *ScanningTransport) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateStarted:
		s.mu.Unlock()
		return transport.ErrAlreadyStarted
	case stateClosed:
		s.mu.Unlock()
		return transport.ErrClosed
	}
	s.ctx = ctx
	s.inner.SetOnMessage(s.handleInbound)
	s.inner.SetOnError(s.handleTransportError)
	s.inner.SetOnClose(s.handleClose)
	s.state = stateStarted
	s.mu.Unlock()

	if err := s.inner.Start(ctx); err != nil {
		s.mu.Lock()
		s.state = stateUnstarted
		s.mu.Unlock()
		return err
	}
	return nil
}

// Send forwards an outbound message verbatim. The scanning boundary is
// inbound only.
func (s *ScanningTransport) Send(ctx context.Context, msg rpc.Message) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	switch state {
	case stateUnstarted:
		return transport.ErrNotStarted
	case stateClosed:
		return transport.ErrClosed
	}
	return s.inner.Send(ctx, msg)
}

// Close closes the wrapped transport. Safe to call more than once.
func (s *ScanningTransport) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = stateClosed
	s.mu.Unlock()
	return s.inner.Close()
}

func (s *ScanningTransport) SetOnMessage(h transport.Handler) {
	s.mu.Lock()
	s.onMessage = h
	s.mu.Unlock()
}

func (s *ScanningTransport) SetOnError(h transport.ErrorHandler) {
	s.mu.Lock()
	s.onError = h
	s.mu.Unlock()
}

func (s *ScanningTransport) SetOnClose(h transport.CloseHandler) {
	s.mu.Lock()
	s.onClose = h
	s.mu.Unlock()
}

func (s *ScanningTransport) SessionID() string           { return s.inner.SessionID() }
func (s *ScanningTransport) ProtocolVersion() string     { return s.inner.ProtocolVersion() }
func (s *ScanningTransport) SetProtocolVersion(v string) { s.inner.SetProtocolVersion(v) }

// handleInbound runs one inbound message through the pipeline and delivers
// its disposition. A pipeline error is fail-closed: the error callback
// fires once and the message is neither delivered nor blocked.
func (s *ScanningTransport) handleInbound(msg rpc.Message) {
	pipelineID := uuid.NewString()

	disp, err := s.pl.run(s.ctx, msg, s.inner.SessionID(), s.inner.ProtocolVersion())
	if err != nil {
		s.metrics.RecordMessage("error")
		s.logger.LogScanError(pipelineID, err)
		s.emitter.Emit(s.ctx, "scan_error", map[string]any{
			"pipeline_id": pipelineID,
			"error":       err.Error(),
		})
		s.emitError(err)
		return
	}

	s.metrics.RecordMessage(string(disp.Outcome))
	if disp.Scanned {
		s.metrics.RecordScan(disp.TextFragments, disp.ImageFragments, disp.ScanDuration)
	}
	var categories []string
	if disp.Verdict != nil && !disp.Verdict.Safe {
		categories = disp.Verdict.CategoryCodes()
		s.metrics.RecordCategories(categories)
	}

	msgType, method := describe(msg)
	switch disp.Outcome {
	case OutcomeForwarded:
		s.logger.LogForwarded(pipelineID, msgType, method, disp.Scanned)
	case OutcomeBypassed:
		s.logger.LogBypassed(pipelineID, msgType, method)
	case OutcomeReplaced:
		s.logger.LogReplaced(pipelineID, msgType, method, categories)
	case OutcomeBlocked:
		s.logger.LogBlocked(pipelineID, method, string(rpc.CorrelationID(msg)), categories)
	case OutcomeDropped:
		s.logger.LogDropped(pipelineID, msgType, categories)
	}

	if disp.Outcome != OutcomeForwarded || disp.Verdict != nil {
		fields := map[string]any{
			"pipeline_id": pipelineID,
			"msg_type":    msgType,
		}
		if method != "" {
			fields["method"] = method
		}
		if len(categories) > 0 {
			fields["categories"] = categories
		}
		s.emitter.Emit(s.ctx, string(disp.Outcome), fields)
	}

	if disp.Deliver == nil {
		return
	}
	s.mu.Lock()
	h := s.onMessage
	s.mu.Unlock()
	if h != nil {
		h(disp.Deliver)
	}
}

func (s *ScanningTransport) handleTransportError(err error) {
	s.logger.LogTransportError(err)
	s.emitError(err)
}

func (s *ScanningTransport) handleClose() {
	s.mu.Lock()
	h := s.onClose
	s.mu.Unlock()
	if h != nil {
		h()
	}
}

func (s *ScanningTransport) emitError(err error) {
	s.mu.Lock()
	h := s.onError
	s.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func describe(msg rpc.Message) (msgType, method string) {
	switch m := msg.(type) {
	case *rpc.Request:
		return "request", m.Method
	case *rpc.Notification:
		return "notification", m.Method
	case *rpc.Response:
		return "response", ""
	case *rpc.ErrorResponse:
		return "error", ""
	default:
		return "unknown", ""
	}
}
