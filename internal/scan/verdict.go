// Package scan provides the content-safety scanning client and verdict
// aggregation for tapguard. One verdict is produced per scanned fragment;
// all fragments of one message fold into a single combined verdict.
package scan

// Category is one detected threat category with its confidence level.
type Category struct {
	Code       string `json:"code"`
	Confidence string `json:"confidence"`
}

// Usage counts the scanning service resources consumed by one call.
type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Verdict is the safety assessment for one fragment, or the fold of all
// fragment verdicts for one message (same shape).
type Verdict struct {
	Safe       bool       `json:"safe"`
	Categories []Category `json:"categories,omitempty"`
	RequestID  string     `json:"request_id,omitempty"`
	BillingID  string     `json:"billing_id,omitempty"`
	Usage      Usage      `json:"usage"`
	Tier       string     `json:"tier,omitempty"`
}

// CategoryCodes returns the category codes in order, duplicates retained.
func (v *Verdict) CategoryCodes() []string {
	codes := make([]string, 0, len(v.Categories))
	for _, c := range v.Categories {
		codes = append(codes, c.Code)
	}
	return codes
}

// Combine folds per-fragment verdicts into one combined verdict:
// Safe is the AND over all verdicts, Categories are concatenated in
// fragment-dispatch order without dedup, usage counters are summed, and
// identifying metadata and tier come from the first verdict. Combining an
// empty slice yields a safe verdict, though callers skip aggregation
// entirely when a message has no fragments.
func Combine(verdicts []Verdict) Verdict {
	combined := Verdict{Safe: true}
	for i, v := range verdicts {
		if i == 0 {
			combined.RequestID = v.RequestID
			combined.BillingID = v.BillingID
			combined.Tier = v.Tier
		}
		combined.Safe = combined.Safe && v.Safe
		combined.Categories = append(combined.Categories, v.Categories...)
		combined.Usage.InputTokens += v.Usage.InputTokens
		combined.Usage.OutputTokens += v.Usage.OutputTokens
	}
	return combined
}
