package capability

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// HTTPPort is the capability the reducer calls through to perform an
// outbound HTTP effect. Execute never panics on a bad request — validation
// happens earlier, at HttpRequest construction — but does return an
// HTTPError for every transport or protocol failure.
type HTTPPort interface {
	Execute(ctx context.Context, req *HttpRequest) (*HttpResponse, error)
}

// RetryableHTTPClient implements HTTPPort over go-retryablehttp, honoring
// per-request timeout, retry policy, response-size cap, and AllowedHosts.
type RetryableHTTPClient struct {
	client  *retryablehttp.Client
	allowed AllowedHosts
}

// NewRetryableHTTPClient constructs a client restricted to allowed hosts.
// Retryablehttp's own logger is silenced; callers observe outcomes through
// the returned HTTPError/HttpResponse instead.
func NewRetryableHTTPClient(allowed AllowedHosts) *RetryableHTTPClient {
	client := retryablehttp.NewClient()
	client.Logger = nil
	client.RetryWaitMin = time.Second
	client.RetryWaitMax = 30 * time.Second
	client.RetryMax = 3
	return &RetryableHTTPClient{client: client, allowed: allowed}
}

// Execute implements HTTPPort.
func (c *RetryableHTTPClient) Execute(ctx context.Context, req *HttpRequest) (*HttpResponse, error) {
	if !c.allowed.IsAllowed(req.URL.Host()) {
		return nil, newHTTPErr(ErrPrivateNetworkBlocked, "host %s is not in the allowed set", req.URL.Host())
	}

	retryMax := c.client.RetryMax
	if req.Retry != nil {
		retryMax = int(req.Retry.MaxRetries)
	} else {
		retryMax = 0
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
	defer cancel()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, req.Method.String(), req.URL.String(), body)
	if err != nil {
		return nil, newHTTPErr(ErrInvalidRequest, "building request: %v", err)
	}
	for _, h := range req.Headers.Iter() {
		httpReq.Header.Set(h.Name, h.Value)
	}

	client := c.client
	if retryMax != c.client.RetryMax {
		cloned := *c.client
		cloned.RetryMax = retryMax
		client = &cloned
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, newHTTPErr(ErrTimeout, "timeout after %dms", req.TimeoutMs)
		}
		return nil, newHTTPErr(ErrConnection, "request failed: %v", err)
	}
	defer resp.Body.Close()

	limited := io.LimitReader(resp.Body, int64(req.MaxResponseSize)+1)
	respBody, err := io.ReadAll(limited)
	if err != nil {
		return nil, newHTTPErr(ErrInvalidResponse, "reading response body: %v", err)
	}
	if len(respBody) > req.MaxResponseSize {
		return nil, newHTTPErr(ErrResponseTooLarge, "response body too large: exceeds maximum of %d bytes", req.MaxResponseSize)
	}

	headers := NewHttpHeaders()
	for name, values := range resp.Header {
		if len(values) > 0 {
			_ = headers.Insert(name, values[0])
		}
	}

	return &HttpResponse{
		Status:     resp.StatusCode,
		Headers:    headers,
		Body:       respBody,
		DurationMs: duration.Milliseconds(),
	}, nil
}
