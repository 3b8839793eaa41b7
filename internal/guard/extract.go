package guard

import (
	"encoding/base64"
	"encoding/json"

	"github.com/tapguard/tapguard/internal/rpc"
)

// Fragments holds the scannable content extracted from one message: text
// fragments as raw strings and image fragments as decoded bytes.
type Fragments struct {
	Texts  []string
	Images [][]byte
}

// Empty reports whether the message yielded nothing to scan.
func (f Fragments) Empty() bool {
	return len(f.Texts) == 0 && len(f.Images) == 0
}

// Extract produces the fragments requiring a scan for one inbound message.
// It is total: unrecognized payload shapes fall back to scanning the raw
// serialized bytes rather than passing unscanned.
//
//   - Responses are extracted from their result payload (content arrays,
//     plain-string content, or the serialized result as a fallback).
//   - Requests and notifications contribute their serialized params.
//   - Error responses carry no result or params and yield nothing.
func Extract(msg rpc.Message) Fragments {
	switch m := msg.(type) {
	case *rpc.Response:
		return extractResult(m.Result)
	case *rpc.Request:
		return paramsFragment(m.Params)
	case *rpc.Notification:
		return paramsFragment(m.Params)
	default:
		return Fragments{}
	}
}

func paramsFragment(params json.RawMessage) Fragments {
	if len(params) == 0 || string(params) == rpc.Null {
		return Fragments{}
	}
	return Fragments{Texts: []string{string(params)}}
}

func extractResult(result json.RawMessage) Fragments {
	if len(result) == 0 || string(result) == rpc.Null {
		return Fragments{}
	}

	var shape struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(result, &shape); err == nil &&
		len(shape.Content) > 0 && string(shape.Content) != rpc.Null {
		var blocks []rpc.ContentBlock
		if err := json.Unmarshal(shape.Content, &blocks); err == nil {
			return contentFragments(blocks)
		}
		var s string
		if err := json.Unmarshal(shape.Content, &s); err == nil {
			return Fragments{Texts: []string{s}}
		}
	}

	// Unrecognized shape: scan the whole serialized result.
	return Fragments{Texts: []string{string(result)}}
}

func contentFragments(blocks []rpc.ContentBlock) Fragments {
	var f Fragments
	for _, b := range blocks {
		switch {
		case b.Type == "text" && b.Text != "":
			f.Texts = append(f.Texts, b.Text)
		case b.Type == "image" && b.Data != "":
			f.appendImage(b.Data)
		case b.Type == "resource" && b.Resource != nil &&
			rpc.IsImageMIME(b.Resource.MimeType) && b.Resource.Blob != "":
			f.appendImage(b.Resource.Blob)
		}
	}
	return f
}

// appendImage decodes a base64 image payload. A payload that fails to decode
// is scanned as text instead so that nothing goes through unscanned.
func (f *Fragments) appendImage(b64 string) {
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		f.Texts = append(f.Texts, b64)
		return
	}
	f.Images = append(f.Images, data)
}
