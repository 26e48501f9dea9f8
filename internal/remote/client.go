// Package remote is the HTTP transport to the licensing server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/metrics"
)

const (
	maxResponseBytes = 1 << 20
	userAgent        = "extmgr"
)

// Client posts licensing requests as forms and decodes JSON replies.
type Client struct {
	endpoint string
	http     *http.Client
	resolver *dnscache.Resolver
	logger   zerolog.Logger
	site     string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The DNS cache is not used then.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithSite sends the site domain with every request.
func WithSite(domain string) Option {
	return func(c *Client) { c.site = domain }
}

// New returns a client for endpoint with the given per-request timeout.
func New(endpoint string, timeout time.Duration, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid licensing endpoint %q", endpoint)
	}

	c := &Client{
		endpoint: u.String(),
		resolver: &dnscache.Resolver{},
		logger:   zerolog.Nop(),
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = c.dialContext
	c.http = &http.Client{Timeout: timeout, Transport: transport}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RefreshDNS drops unused cache entries and refreshes the rest.
func (c *Client) RefreshDNS() {
	c.resolver.Refresh(true)
}

// Request performs one licensing request. A 2xx reply with an empty body
// yields (nil, nil).
func (c *Client) Request(ctx context.Context, requestType string, args map[string]string) (map[string]any, error) {
	op := "remote_" + requestType

	form := url.Values{}
	form.Set("request", requestType)
	if c.site != "" {
		form.Set("site", c.site)
	}
	for k, v := range args {
		form.Set(k, v)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errs.Validation(op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.RecordRemoteRequest(requestType, "error")
		return nil, errs.Transient(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		metrics.RecordRemoteRequest(requestType, "error")
		return nil, errs.Transient(op, err)
	}
	if len(body) > maxResponseBytes {
		metrics.RecordRemoteRequest(requestType, "error")
		return nil, errs.New(errs.ClassValidation, op, fmt.Errorf("response exceeds %d bytes", maxResponseBytes))
	}

	c.logger.Debug().
		Str("request_type", requestType).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("Licensing request completed")

	if resp.StatusCode >= http.StatusInternalServerError {
		metrics.RecordRemoteRequest(requestType, "error")
		return nil, errs.Transient(op, fmt.Errorf("licensing server returned %s", resp.Status))
	}

	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		metrics.RecordRemoteRequest(requestType, "empty")
		return nil, nil
	}

	var out map[string]any
	if err := json.Unmarshal(body, &out); err != nil {
		metrics.RecordRemoteRequest(requestType, "error")
		return nil, errs.New(errs.ClassValidation, op, fmt.Errorf("decode response: %w", err))
	}
	metrics.RecordRemoteRequest(requestType, "ok")
	return out, nil
}

func (c *Client) dialContext(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	ips, err := c.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, &net.DNSError{
			Err:  "no IP addresses found",
			Name: host,
		}
	}

	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
}
