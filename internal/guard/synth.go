package guard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
)

// CodeBlocked is the reserved JSON-RPC error code for security blocks. It
// sits in the implementation-defined server error range (-32000..-32099)
// and is used for every block, so callers can distinguish security blocks
// from all other error responses.
const CodeBlocked = -32050

const blockedMessage = "blocked by security scan"

type blockedResult struct {
	Content []rpc.ContentBlock `json:"content"`
	IsError bool               `json:"isError"`
}

type blockedData struct {
	Categories []string `json:"categories"`
	Reason     string   `json:"reason"`
}

// SynthesizeBlock builds the reply sent in place of a blocked request.
//
// Tool invocations get a normal response whose result carries isError plus
// a human-readable explanation: many peers render tool-call failures from
// that flag and would mishandle a protocol-level error. Every other method
// gets a standard error response with the reserved code.
func SynthesizeBlock(req *rpc.Request, verdict *scan.Verdict) rpc.Message {
	codes := verdict.CategoryCodes()

	if req.Method == rpc.MethodToolCall {
		result, _ := json.Marshal(blockedResult{
			Content: []rpc.ContentBlock{{
				Type: "text",
				Text: fmt.Sprintf("Request blocked by security scan. Detected categories: %s",
					strings.Join(codes, ", ")),
			}},
			IsError: true,
		})
		return &rpc.Response{ID: req.ID, Result: result}
	}

	data, _ := json.Marshal(blockedData{
		Categories: codes,
		Reason:     "content flagged by security scanning",
	})
	return &rpc.ErrorResponse{ID: req.ID, Error: &rpc.Error{
		Code:    CodeBlocked,
		Message: blockedMessage,
		Data:    data,
	}}
}
