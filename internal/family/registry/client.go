// Package registry is the client for the external family (civil) registry.
//
// The client performs exactly one HTTP call per lookup and never retries:
// retry, backoff and breaker decisions belong to the caller, which uses the
// error Category to make them.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	resty "github.com/go-resty/resty/v2"
)

const (
	DefaultTimeout = 30 * time.Second

	// LargePayloadBytes is the size above which a response is logged as large.
	LargePayloadBytes = 10_000
)

type Client struct {
	http   *resty.Client
	url    string
	logger *slog.Logger
}

type Option func(*Client)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTransport replaces the HTTP transport, mainly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.http.SetTransport(rt)
	}
}

func NewClient(url string, timeout time.Duration, opts ...Option) (*Client, error) {
	if url == "" {
		return nil, fmt.Errorf("registry url is required")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		http: resty.New().
			SetTimeout(timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		url:    url,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// LookupFamily asks the registry for the children of the person identified by
// nationalID. recordID is echoed back by the registry as the request id.
func (c *Client) LookupFamily(ctx context.Context, recordID int64, nationalID, requestorTIN string) (*FamilyLookupResult, error) {
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(Request{
			ID:   strconv.FormatInt(recordID, 10),
			PNFL: nationalID,
			TIN:  requestorTIN,
		}).
		Post(c.url)
	elapsed := time.Since(start)
	if err != nil {
		regErr := classifyTransport(err)
		c.logger.DebugContext(ctx, "family registry call failed",
			"record_id", recordID,
			"category", regErr.Category,
			"duration", elapsed,
			"error", err,
		)
		return nil, regErr
	}

	status := resp.StatusCode()
	body := resp.Body()
	switch {
	case status == http.StatusTooManyRequests:
		return nil, newError(CategoryRateLimited, status, "too many requests", nil)
	case status >= 400 && status < 500:
		return nil, newError(CategoryClientError, status, truncate(string(body), 200), nil)
	case status >= 500:
		return nil, newError(CategoryServerError, status, truncate(string(body), 200), nil)
	case status < 200 || status >= 300:
		return nil, newError(CategoryServerError, status, "unexpected status", nil)
	}

	var decoded Response
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, newError(CategoryBadData, status, "decode response body", err)
	}
	if len(body) > LargePayloadBytes {
		c.logger.InfoContext(ctx, "large family registry payload",
			"record_id", recordID,
			"bytes", len(body),
			"items", len(decoded.Items),
		)
	}
	return &FamilyLookupResult{
		Response: decoded,
		Raw:      string(body),
		Duration: elapsed,
	}, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
