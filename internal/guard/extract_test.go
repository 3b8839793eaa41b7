package guard

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/tapguard/tapguard/internal/rpc"
)

func TestExtract_ContentArray(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte{0x89, 'P', 'N', 'G'})
	blob := base64.StdEncoding.EncodeToString([]byte("pixels"))
	result := `{"content":[
		{"type":"text","text":"hello"},
		{"type":"image","data":"` + img + `","mimeType":"image/png"},
		{"type":"resource","resource":{"uri":"file:///a.png","mimeType":"image/png","blob":"` + blob + `"}},
		{"type":"resource","resource":{"uri":"file:///a.txt","mimeType":"text/plain","blob":"` + blob + `"}},
		{"type":"audio","data":"zzzz"}
	]}`

	f := Extract(&rpc.Response{ID: json.RawMessage(`1`), Result: json.RawMessage(result)})

	if len(f.Texts) != 1 || f.Texts[0] != "hello" {
		t.Errorf("texts = %q, want [hello]", f.Texts)
	}
	if len(f.Images) != 2 {
		t.Fatalf("got %d images, want 2", len(f.Images))
	}
	if string(f.Images[0]) != "\x89PNG" {
		t.Errorf("image 0 = %q", f.Images[0])
	}
	if string(f.Images[1]) != "pixels" {
		t.Errorf("image 1 = %q", f.Images[1])
	}
}

func TestExtract_PlainStringContent(t *testing.T) {
	f := Extract(&rpc.Response{Result: json.RawMessage(`{"content":"just text"}`)})
	if len(f.Texts) != 1 || f.Texts[0] != "just text" {
		t.Errorf("texts = %q", f.Texts)
	}
	if len(f.Images) != 0 {
		t.Errorf("images = %v", f.Images)
	}
}

func TestExtract_UnrecognizedResultSerialized(t *testing.T) {
	raw := `{"tools":[{"name":"search"}]}`
	f := Extract(&rpc.Response{Result: json.RawMessage(raw)})
	if len(f.Texts) != 1 || f.Texts[0] != raw {
		t.Errorf("texts = %q, want serialized result", f.Texts)
	}
}

func TestExtract_RequestParams(t *testing.T) {
	params := `{"name":"search","arguments":{"q":"x"}}`
	f := Extract(&rpc.Request{ID: json.RawMessage(`1`), Method: "tools/call", Params: json.RawMessage(params)})
	if len(f.Texts) != 1 || f.Texts[0] != params {
		t.Errorf("texts = %q", f.Texts)
	}
}

func TestExtract_NothingScannable(t *testing.T) {
	cases := []struct {
		name string
		msg  rpc.Message
	}{
		{"notification without params", &rpc.Notification{Method: "initialized"}},
		{"request without params", &rpc.Request{ID: json.RawMessage(`1`), Method: "ping"}},
		{"null result", &rpc.Response{ID: json.RawMessage(`1`), Result: json.RawMessage(`null`)}},
		{"empty result", &rpc.Response{ID: json.RawMessage(`1`)}},
		{"error response", &rpc.ErrorResponse{ID: json.RawMessage(`1`), Error: &rpc.Error{Code: -32600, Message: "bad"}}},
		{"content array with only ignored items", &rpc.Response{Result: json.RawMessage(`{"content":[{"type":"audio","data":"x"}]}`)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if f := Extract(tc.msg); !f.Empty() {
				t.Errorf("Extract yielded %+v, want nothing", f)
			}
		})
	}
}

func TestExtract_BadBase64FallsBackToText(t *testing.T) {
	f := Extract(&rpc.Response{Result: json.RawMessage(`{"content":[{"type":"image","data":"!!not-base64!!"}]}`)})
	if len(f.Images) != 0 {
		t.Errorf("undecodable payload kept as image: %v", f.Images)
	}
	if len(f.Texts) != 1 || f.Texts[0] != "!!not-base64!!" {
		t.Errorf("texts = %q, want the raw payload", f.Texts)
	}
}
