package guard

import (
	"context"

	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
)

// HookContext carries the information a policy hook can act on. Verdict is
// nil for the pre-scan gate and populated for the post-scan hooks.
type HookContext struct {
	Message         rpc.Message
	SessionID       string
	ProtocolVersion string
	Verdict         *scan.Verdict
}

// AfterScanResult is the post-scan hook's decision. Passthrough forwards the
// original message unchanged and skips unsafe-message resolution entirely,
// regardless of the verdict.
type AfterScanResult struct {
	Passthrough bool
}

// UnsafeResult is the unsafe-message hook's decision.
//
//   - Passthrough true: forward Replace if set, else the original message.
//   - Passthrough false with Replace set: forward the replacement.
//   - Passthrough false without Replace: default handling, which
//     synthesizes a block response for requests and drops everything else.
type UnsafeResult struct {
	Passthrough bool
	Replace     rpc.Message
}

// Hooks are the optional policy extension points evaluated per inbound
// message. A nil hook gets default behavior: always scan, no post-scan
// override, block-or-drop on unsafe. Hook errors abort the message's
// pipeline exactly like a scan failure.
type Hooks struct {
	ShouldScan      func(ctx context.Context, hc *HookContext) (bool, error)
	OnAfterScan     func(ctx context.Context, hc *HookContext) (AfterScanResult, error)
	OnUnsafeMessage func(ctx context.Context, hc *HookContext) (UnsafeResult, error)
}
