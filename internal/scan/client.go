package scan

import "context"

// Client is the scanning service contract the interception pipeline depends
// on: two calls, each returning one verdict or failing. Transport mechanics,
// authentication, and status mapping are the implementation's concern.
type Client interface {
	ScanText(ctx context.Context, text string) (*Verdict, error)
	ScanImage(ctx context.Context, data []byte) (*Verdict, error)
}
