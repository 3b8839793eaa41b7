package guard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
	"github.com/tapguard/tapguard/internal/transport"
)

// fakeTransport is a scriptable base transport. emit drives an inbound
// message through whatever handler the wrapper installed.
type fakeTransport struct {
	mu        sync.Mutex
	onMessage transport.Handler
	onError   transport.ErrorHandler
	onClose   transport.CloseHandler
	sent      []rpc.Message
	started   bool
	closed    bool
	session   string
	proto     string
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, msg rpc.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SetOnMessage(h transport.Handler)      { f.onMessage = h }
func (f *fakeTransport) SetOnError(h transport.ErrorHandler)   { f.onError = h }
func (f *fakeTransport) SetOnClose(h transport.CloseHandler)   { f.onClose = h }
func (f *fakeTransport) SessionID() string                     { return f.session }
func (f *fakeTransport) ProtocolVersion() string               { return f.proto }
func (f *fakeTransport) SetProtocolVersion(v string)           { f.proto = v }

func (f *fakeTransport) emit(msg rpc.Message) { f.onMessage(msg) }

// scriptClient returns a fixed verdict (or error) and counts calls.
// Counters need the mutex: fragment scans run on concurrent goroutines.
type scriptClient struct {
	mu         sync.Mutex
	textCalls  int
	imageCalls int
	verdict    scan.Verdict
	textErr    error
	imageErr   error
}

func (c *scriptClient) ScanText(ctx context.Context, text string) (*scan.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.textCalls++
	if c.textErr != nil {
		return nil, c.textErr
	}
	v := c.verdict
	return &v, nil
}

func (c *scriptClient) ScanImage(ctx context.Context, data []byte) (*scan.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.imageCalls++
	if c.imageErr != nil {
		return nil, c.imageErr
	}
	v := c.verdict
	return &v, nil
}

func (c *scriptClient) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.textCalls + c.imageCalls
}

// harness wires a started wrapper to a fake transport and records what
// reaches the application.
type harness struct {
	base      *fakeTransport
	client    *scriptClient
	wrapper   *ScanningTransport
	delivered []rpc.Message
	errs      []error
}

func newHarness(t *testing.T, client *scriptClient, hooks Hooks) *harness {
	t.Helper()
	h := &harness{base: &fakeTransport{}, client: client}
	w, err := Wrap(h.base, client, Config{Hooks: hooks})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	w.SetOnMessage(func(msg rpc.Message) { h.delivered = append(h.delivered, msg) })
	w.SetOnError(func(err error) { h.errs = append(h.errs, err) })
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.wrapper = w
	return h
}

func TestWrap_RequiresCollaborators(t *testing.T) {
	if _, err := Wrap(nil, &scriptClient{}, Config{}); err == nil {
		t.Error("nil transport accepted")
	}
	if _, err := Wrap(&fakeTransport{}, nil, Config{}); err == nil {
		t.Error("nil scan client accepted")
	}
}

func TestNoExtractableContent_ForwardedWithoutScan(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: scan.Verdict{Safe: true}}, Hooks{})
	msg := &rpc.Notification{Method: "initialized"}
	h.base.emit(msg)

	if h.client.calls() != 0 {
		t.Errorf("scan client called %d times, want 0", h.client.calls())
	}
	if len(h.delivered) != 1 || h.delivered[0] != rpc.Message(msg) {
		t.Fatalf("delivered = %v, want the original message", h.delivered)
	}
}

func TestPreScanGateFalse_SkipsExtractionAndScan(t *testing.T) {
	hooks := Hooks{
		ShouldScan: func(ctx context.Context, hc *HookContext) (bool, error) { return false, nil },
	}
	h := newHarness(t, &scriptClient{}, hooks)
	msg := &rpc.Request{ID: json.RawMessage(`1`), Method: "tools/call", Params: json.RawMessage(`{"x":1}`)}
	h.base.emit(msg)

	if h.client.calls() != 0 {
		t.Errorf("scan client called %d times, want 0", h.client.calls())
	}
	if len(h.delivered) != 1 || h.delivered[0] != rpc.Message(msg) {
		t.Fatalf("delivered = %v, want the original message forwarded unchanged", h.delivered)
	}
}

func TestSafeVerdict_Forwarded(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: scan.Verdict{Safe: true}}, Hooks{})
	msg := &rpc.Request{ID: json.RawMessage(`1`), Method: "tools/call", Params: json.RawMessage(`{"q":"hi"}`)}
	h.base.emit(msg)

	if h.client.calls() != 1 {
		t.Errorf("scan calls = %d, want 1", h.client.calls())
	}
	if len(h.delivered) != 1 || h.delivered[0] != rpc.Message(msg) {
		t.Fatalf("delivered = %v", h.delivered)
	}
}

func TestPostScanPassthrough_SkipsUnsafeResolution(t *testing.T) {
	unsafeHookCalled := false
	hooks := Hooks{
		OnAfterScan: func(ctx context.Context, hc *HookContext) (AfterScanResult, error) {
			if hc.Verdict == nil {
				t.Error("OnAfterScan invoked without a verdict")
			}
			return AfterScanResult{Passthrough: true}, nil
		},
		OnUnsafeMessage: func(ctx context.Context, hc *HookContext) (UnsafeResult, error) {
			unsafeHookCalled = true
			return UnsafeResult{}, nil
		},
	}
	h := newHarness(t, &scriptClient{verdict: *unsafeVerdict("prompt_injection")}, hooks)
	msg := &rpc.Request{ID: json.RawMessage(`1`), Method: "tools/call", Params: json.RawMessage(`{"q":"x"}`)}
	h.base.emit(msg)

	if unsafeHookCalled {
		t.Error("OnUnsafeMessage invoked despite passthrough")
	}
	if len(h.delivered) != 1 || h.delivered[0] != rpc.Message(msg) {
		t.Fatalf("delivered = %v, want original despite unsafe verdict", h.delivered)
	}
}

func TestUnsafeToolCall_DefaultBlockResponse(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: *unsafeVerdict("data_exfiltration")}, Hooks{})
	h.base.emit(&rpc.Request{ID: json.RawMessage(`7`), Method: rpc.MethodToolCall, Params: json.RawMessage(`{"name":"fetch"}`)})

	if len(h.delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(h.delivered))
	}
	resp, ok := h.delivered[0].(*rpc.Response)
	if !ok {
		t.Fatalf("delivered %T, want *rpc.Response", h.delivered[0])
	}
	if string(resp.ID) != "7" {
		t.Errorf("id = %s, want 7", resp.ID)
	}
	if !bytes.Contains(resp.Result, []byte(`"isError":true`)) {
		t.Errorf("result lacks isError flag: %s", resp.Result)
	}
	if !strings.Contains(string(resp.Result), "data_exfiltration") {
		t.Errorf("result does not name the category: %s", resp.Result)
	}
}

func TestUnsafeNonToolRequest_DefaultErrorResponse(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: *unsafeVerdict("jailbreak")}, Hooks{})
	h.base.emit(&rpc.Request{ID: json.RawMessage(`3`), Method: "resources/read", Params: json.RawMessage(`{"uri":"x"}`)})

	if len(h.delivered) != 1 {
		t.Fatalf("delivered %d messages, want 1", len(h.delivered))
	}
	errResp, ok := h.delivered[0].(*rpc.ErrorResponse)
	if !ok {
		t.Fatalf("delivered %T, want *rpc.ErrorResponse", h.delivered[0])
	}
	if errResp.Error.Code != CodeBlocked {
		t.Errorf("code = %d, want %d", errResp.Error.Code, CodeBlocked)
	}
	if string(errResp.ID) != "3" {
		t.Errorf("id = %s, want 3", errResp.ID)
	}
}

func TestUnsafeNotification_Dropped(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: *unsafeVerdict("prompt_injection")}, Hooks{})
	h.base.emit(&rpc.Notification{Method: "notifications/message", Params: json.RawMessage(`{"text":"bad"}`)})

	if len(h.delivered) != 0 {
		t.Errorf("delivered = %v, want nothing", h.delivered)
	}
	if len(h.errs) != 0 {
		t.Errorf("errors = %v, drop is not an error", h.errs)
	}
}

func TestUnsafeReplacement_ForwardedVerbatim(t *testing.T) {
	replacement := &rpc.Response{ID: json.RawMessage(`9`), Result: json.RawMessage(`{"redacted":true}`)}
	hooks := Hooks{
		OnUnsafeMessage: func(ctx context.Context, hc *HookContext) (UnsafeResult, error) {
			return UnsafeResult{Replace: replacement}, nil
		},
	}
	h := newHarness(t, &scriptClient{verdict: *unsafeVerdict("pii")}, hooks)
	h.base.emit(&rpc.Response{ID: json.RawMessage(`9`), Result: json.RawMessage(`{"content":"secret"}`)})

	if len(h.delivered) != 1 || h.delivered[0] != rpc.Message(replacement) {
		t.Fatalf("delivered = %v, want the hook's replacement", h.delivered)
	}
}

func TestScanFailure_FailClosed(t *testing.T) {
	scanErr := errors.New("connection reset")
	h := newHarness(t, &scriptClient{imageErr: scanErr}, Hooks{})

	// Two image fragments; one failing call withholds the whole message.
	img := `{"content":[{"type":"image","data":"aGk="},{"type":"image","data":"eW8="}]}`
	h.base.emit(&rpc.Response{ID: json.RawMessage(`1`), Result: json.RawMessage(img)})

	if len(h.delivered) != 0 {
		t.Errorf("delivered = %v, want nothing on scan failure", h.delivered)
	}
	if len(h.errs) != 1 {
		t.Fatalf("error callback fired %d times, want 1", len(h.errs))
	}
	if !errors.Is(h.errs[0], scanErr) {
		t.Errorf("error = %v, want wrapped %v", h.errs[0], scanErr)
	}
}

func TestHookError_FailClosed(t *testing.T) {
	hookErr := errors.New("policy store unavailable")
	hooks := Hooks{
		ShouldScan: func(ctx context.Context, hc *HookContext) (bool, error) { return false, hookErr },
	}
	h := newHarness(t, &scriptClient{}, hooks)
	h.base.emit(&rpc.Notification{Method: "x", Params: json.RawMessage(`{}`)})

	if len(h.delivered) != 0 {
		t.Errorf("delivered = %v, want nothing", h.delivered)
	}
	if len(h.errs) != 1 || !errors.Is(h.errs[0], hookErr) {
		t.Errorf("errors = %v, want one wrapping the hook error", h.errs)
	}
}

func TestSend_NeverScanned(t *testing.T) {
	h := newHarness(t, &scriptClient{}, Hooks{})
	out := &rpc.Request{ID: json.RawMessage(`5`), Method: "tools/call", Params: json.RawMessage(`{"q":"anything"}`)}
	if err := h.wrapper.Send(context.Background(), out); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if h.client.calls() != 0 {
		t.Errorf("scan client called for outbound message")
	}
	if len(h.base.sent) != 1 || h.base.sent[0] != rpc.Message(out) {
		t.Fatalf("base transport sent = %v", h.base.sent)
	}
}

func TestLifecycle_StateErrors(t *testing.T) {
	w, err := Wrap(&fakeTransport{}, &scriptClient{}, Config{})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	if err := w.Send(context.Background(), &rpc.Notification{Method: "x"}); !errors.Is(err, transport.ErrNotStarted) {
		t.Errorf("Send before Start: %v, want ErrNotStarted", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); !errors.Is(err, transport.ErrAlreadyStarted) {
		t.Errorf("second Start: %v, want ErrAlreadyStarted", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v, want nil", err)
	}
	if err := w.Send(context.Background(), &rpc.Notification{Method: "x"}); !errors.Is(err, transport.ErrClosed) {
		t.Errorf("Send after Close: %v, want ErrClosed", err)
	}
}

func TestTransportEvents_ForwardedUpward(t *testing.T) {
	h := newHarness(t, &scriptClient{}, Hooks{})
	closed := false
	h.wrapper.SetOnClose(func() { closed = true })

	baseErr := errors.New("peer reset")
	h.base.onError(baseErr)
	h.base.onClose()

	if len(h.errs) != 1 || !errors.Is(h.errs[0], baseErr) {
		t.Errorf("errors = %v, want the base transport error verbatim", h.errs)
	}
	if !closed {
		t.Error("close event not forwarded")
	}
}

// The wrapper processes each inbound message synchronously on the delivery
// goroutine and adds no cross-message serialization of its own: ordering
// is exactly the wrapped transport's ordering.
func TestSequentialDelivery_PreservesOrder(t *testing.T) {
	h := newHarness(t, &scriptClient{verdict: scan.Verdict{Safe: true}}, Hooks{})
	for i := 0; i < 5; i++ {
		h.base.emit(&rpc.Request{
			ID:     json.RawMessage{byte('1' + i)},
			Method: "ping",
			Params: json.RawMessage(`{}`),
		})
	}

	if len(h.delivered) != 5 {
		t.Fatalf("delivered %d messages, want 5", len(h.delivered))
	}
	for i, msg := range h.delivered {
		req := msg.(*rpc.Request)
		if string(req.ID) != string(rune('1'+i)) {
			t.Errorf("position %d has id %s", i, req.ID)
		}
	}
}

func TestProtocolVersionAndSession_Mirrored(t *testing.T) {
	base := &fakeTransport{session: "sess-1", proto: "2025-06-18"}
	w, err := Wrap(base, &scriptClient{}, Config{})
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if w.SessionID() != "sess-1" {
		t.Errorf("SessionID = %q", w.SessionID())
	}
	if w.ProtocolVersion() != "2025-06-18" {
		t.Errorf("ProtocolVersion = %q", w.ProtocolVersion())
	}
	w.SetProtocolVersion("2026-01-01")
	if base.proto != "2026-01-01" {
		t.Errorf("SetProtocolVersion not forwarded: %q", base.proto)
	}
}
