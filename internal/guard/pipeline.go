package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/tapguard/tapguard/internal/rpc"
	"github.com/tapguard/tapguard/internal/scan"
)

// Outcome is the pipeline's final decision for one inbound message.
type Outcome string

const (
	OutcomeForwarded Outcome = "forwarded"
	OutcomeBypassed  Outcome = "bypassed"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeBlocked   Outcome = "blocked"
	OutcomeDropped   Outcome = "dropped"
)

// Disposition is the result of running one message through the pipeline.
// Deliver is the message handed to the application, nil when the outcome
// is a drop. At most one Disposition exists per inbound message.
type Disposition struct {
	Outcome Outcome
	Deliver rpc.Message

	Verdict        *scan.Verdict
	Scanned        bool
	TextFragments  int
	ImageFragments int
	ScanDuration   time.Duration
}

// pipeline is the per-message decision sequence. Configuration is captured
// at construction and never mutated; no state persists across messages.
type pipeline struct {
	client scan.Client
	hooks  Hooks
}

// run evaluates one inbound message: pre-scan gate, extraction, concurrent
// scan aggregation, post-scan override, then unsafe-message resolution.
// A scan or hook error returns with no Disposition; the caller must treat
// that as fail-closed and deliver nothing.
func (p pipeline) run(ctx context.Context, msg rpc.Message, sessionID, protocolVersion string) (*Disposition, error) {
	hc := &HookContext{Message: msg, SessionID: sessionID, ProtocolVersion: protocolVersion}

	if p.hooks.ShouldScan != nil {
		ok, err := p.hooks.ShouldScan(ctx, hc)
		if err != nil {
			return nil, fmt.Errorf("shouldScan hook: %w", err)
		}
		if !ok {
			return &Disposition{Outcome: OutcomeBypassed, Deliver: msg}, nil
		}
	}

	frags := Extract(msg)
	if frags.Empty() {
		return &Disposition{Outcome: OutcomeForwarded, Deliver: msg}, nil
	}

	start := time.Now()
	verdict, err := scan.Aggregate(ctx, p.client, frags.Texts, frags.Images)
	if err != nil {
		return nil, err
	}
	hc.Verdict = verdict

	d := &Disposition{
		Verdict:        verdict,
		Scanned:        true,
		TextFragments:  len(frags.Texts),
		ImageFragments: len(frags.Images),
		ScanDuration:   time.Since(start),
	}

	if p.hooks.OnAfterScan != nil {
		res, err := p.hooks.OnAfterScan(ctx, hc)
		if err != nil {
			return nil, fmt.Errorf("onAfterScan hook: %w", err)
		}
		if res.Passthrough {
			d.Outcome, d.Deliver = OutcomeForwarded, msg
			return d, nil
		}
	}

	if verdict.Safe {
		d.Outcome, d.Deliver = OutcomeForwarded, msg
		return d, nil
	}

	if p.hooks.OnUnsafeMessage != nil {
		res, err := p.hooks.OnUnsafeMessage(ctx, hc)
		if err != nil {
			return nil, fmt.Errorf("onUnsafeMessage hook: %w", err)
		}
		switch {
		case res.Passthrough && res.Replace != nil:
			d.Outcome, d.Deliver = OutcomeReplaced, res.Replace
			return d, nil
		case res.Passthrough:
			d.Outcome, d.Deliver = OutcomeForwarded, msg
			return d, nil
		case res.Replace != nil:
			d.Outcome, d.Deliver = OutcomeReplaced, res.Replace
			return d, nil
		}
	}

	// Default unsafe handling: requests can be answered, so they get a
	// synthesized block reply; anything without a reply path is dropped.
	if req, ok := msg.(*rpc.Request); ok {
		d.Outcome, d.Deliver = OutcomeBlocked, SynthesizeBlock(req, verdict)
		return d, nil
	}
	d.Outcome = OutcomeDropped
	return d, nil
}
