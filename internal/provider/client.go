// Package provider implements the HTTP client for the remote vaccination
// booking service: session login, center directory, availability queries
// and the appointment hold/confirm flow. Provider-specific response shapes
// are normalized here; nothing outside this package touches the wire
// format.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/openvax/slotgun/pkg/logging"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) slotgun/1.0"
	maxBodyBytes     = 1 << 20
)

// Client is the booking provider API client. It is safe for concurrent use;
// all state is set at construction time.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
	userAgent  string
	tracer     trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (cookie jars, proxies
// and socket-level retries belong to the caller).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient creates a provider client rooted at baseURL.
func NewClient(baseURL string, logger *logging.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger:    logger,
		userAgent: defaultUserAgent,
		tracer:    otel.Tracer("slotgun.internal.provider"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do issues one provider request and decodes the JSON response into out.
// Every failure is classified: ErrAuthRejected, *RateLimitError,
// *UnavailableError, ErrNotFound or *MalformedResponseError.
func (c *Client) do(ctx context.Context, sess *Session, method, path string, query url.Values, payload, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("provider: marshal %s request: %w", path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("provider: create %s request: %w", path, err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if sess != nil && sess.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sess.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Cancellation is not a provider failure; let the caller see it.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnavailableError{Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &UnavailableError{Err: err}
	}

	if err := classifyStatus(resp, respBody); err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return &MalformedResponseError{Op: path, Err: err}
		}
	}
	return nil
}

// classifyStatus maps non-2xx responses onto the error taxonomy.
func classifyStatus(resp *http.Response, body []byte) error {
	status := resp.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuthRejected
	case status == http.StatusTooManyRequests:
		return &RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return &UnavailableError{Status: status}
	default:
		msg := string(body)
		if len(msg) > 300 {
			msg = msg[:300]
		}
		return &MalformedResponseError{
			Op:  resp.Request.URL.Path,
			Err: fmt.Errorf("unexpected status %d: %s", status, msg),
		}
	}
}

// parseRetryAfter accepts both delay-seconds and HTTP-date forms.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// Some endpoints report domain failures with 200 + {"error": "..."}; those
// envelopes are decoded by their callers. Structurally empty success bodies
// are classified as malformed.
var errEmptyResponse = errors.New("empty response")
