package scan

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// maxErrorBody caps how much of an error response body is included in the
// returned error.
const maxErrorBody = 4 * 1024

// HTTPClient implements Client against the scanning service's HTTP API.
// Each fragment is POSTed to {BaseURL}/v1/scan and the verdict decoded from
// the JSON response. There is no retry: a failed call fails the fragment and
// the caller fails the whole message scan.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter // nil = unlimited
}

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	APIKey  string
	Timeout time.Duration // per-call timeout, 0 = no client-side timeout
	// MaxCallsPerSecond throttles outgoing scan calls client-side.
	// Zero disables throttling.
	MaxCallsPerSecond float64
}

// NewHTTPClient creates an HTTPClient POSTing to the given base URL.
func NewHTTPClient(baseURL string, opts HTTPOptions) *HTTPClient {
	var limiter *rate.Limiter
	if opts.MaxCallsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.MaxCallsPerSecond), 1)
	}
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  opts.APIKey,
		client:  &http.Client{Timeout: opts.Timeout},
		limiter: limiter,
	}
}

// scanRequest is the wire shape of one scan call.
type scanRequest struct {
	Type    string `json:"type"` // "text" or "image"
	Content string `json:"content,omitempty"`
	Data    string `json:"data,omitempty"` // base64 image payload
}

// ScanText submits one text fragment for scanning.
func (c *HTTPClient) ScanText(ctx context.Context, text string) (*Verdict, error) {
	return c.scan(ctx, scanRequest{Type: "text", Content: text})
}

// ScanImage submits one image fragment for scanning.
func (c *HTTPClient) ScanImage(ctx context.Context, data []byte) (*Verdict, error) {
	return c.scan(ctx, scanRequest{Type: "image", Data: base64.StdEncoding.EncodeToString(data)})
}

func (c *HTTPClient) scan(ctx context.Context, sr scanRequest) (*Verdict, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("scan rate limit: %w", err)
		}
	}

	body, err := json.Marshal(sr)
	if err != nil {
		return nil, fmt.Errorf("encoding scan request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/scan", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating scan request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scan call: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort cleanup

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("scan service returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var v Verdict
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding verdict: %w", err)
	}
	return &v, nil
}
