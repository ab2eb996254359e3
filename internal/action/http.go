package action

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fyrsmithlabs/cogflow/internal/config"
	"golang.org/x/time/rate"
)

// KindHTTPRequest performs an HTTP request.
const KindHTTPRequest = "http_request"

// HTTPCapability fetches URLs from an allow-list of hosts at a bounded rate.
type HTTPCapability struct {
	client       *http.Client
	limiter      *rate.Limiter
	allowed      []string
	maxBodyBytes int64
}

// NewHTTPCapability builds the capability from cfg. An empty allow-list
// permits every host.
func NewHTTPCapability(cfg config.HTTPActionConfig, client *http.Client) *HTTPCapability {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout.Duration()}
	}
	c := &HTTPCapability{
		client:       client,
		allowed:      cfg.AllowedHosts,
		maxBodyBytes: cfg.MaxBodyBytes,
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}
	if c.maxBodyBytes <= 0 {
		c.maxBodyBytes = 1 << 20
	}
	return c
}

func (c *HTTPCapability) Kind() string { return KindHTTPRequest }

// CanHandle accepts GET, HEAD and POST. The operation, when set, is the
// method.
func (c *HTTPCapability) CanHandle(req Request) bool {
	if req.Kind != KindHTTPRequest {
		return false
	}
	switch method(req) {
	case http.MethodGet, http.MethodHead, http.MethodPost:
		return true
	}
	return false
}

func method(req Request) string {
	m := req.Operation
	if m == "" {
		m = req.Param("method")
	}
	if m == "" {
		return http.MethodGet
	}
	return strings.ToUpper(m)
}

// ValidateRequest checks the url and its host.
func (c *HTTPCapability) ValidateRequest(req Request) error {
	_, err := c.checkURL(req.Param("url"))
	return err
}

func (c *HTTPCapability) checkURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidRequest)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q", ErrInvalidRequest, u.Scheme)
	}
	if !c.hostAllowed(u.Hostname()) {
		return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
	}
	return u, nil
}

// hostAllowed matches exact hosts and "*.example.com" suffixes.
func (c *HTTPCapability) hostAllowed(host string) bool {
	if len(c.allowed) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, a := range c.allowed {
		a = strings.ToLower(a)
		if suffix, ok := strings.CutPrefix(a, "*."); ok {
			if host == suffix || strings.HasSuffix(host, "."+suffix) {
				return true
			}
			continue
		}
		if host == a {
			return true
		}
	}
	return false
}

// Execute performs the request. Non-2xx statuses are failures.
func (c *HTTPCapability) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	body, status, ctype, err := c.fetch(ctx, method(req), req.Param("url"), req.Param("body"), req.Param("content_type"))
	res := Result{
		Duration: time.Since(start),
		Data:     map[string]any{"status_code": status, "content_type": ctype},
	}
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Output = body
	if status < 200 || status > 299 {
		res.Error = fmt.Sprintf("unexpected status %d", status)
		return res
	}
	res.Success = true
	return res
}

// Fetch GETs raw and returns the body. Used by other capabilities.
func (c *HTTPCapability) Fetch(ctx context.Context, raw string) (string, error) {
	if _, err := c.checkURL(raw); err != nil {
		return "", err
	}
	body, status, _, err := c.fetch(ctx, http.MethodGet, raw, "", "")
	if err != nil {
		return "", err
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("fetching %s: unexpected status %d", raw, status)
	}
	return body, nil
}

func (c *HTTPCapability) fetch(ctx context.Context, method, raw, body, contentType string) (string, int, string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", 0, "", fmt.Errorf("waiting for rate limit: %w", err)
		}
	}
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, raw, rd)
	if err != nil {
		return "", 0, "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "cogflow/1")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", 0, "", fmt.Errorf("%s %s: %w", method, raw, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes))
	if err != nil {
		return "", resp.StatusCode, "", fmt.Errorf("reading body: %w", err)
	}
	return string(data), resp.StatusCode, resp.Header.Get("Content-Type"), nil
}
