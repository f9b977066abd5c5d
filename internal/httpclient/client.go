// Package httpclient provides a resilient HTTP client used by the URL
// resolvers: automatic retries with exponential backoff, a small circuit
// breaker per host, transparent decompression (gzip, deflate, brotli),
// and structured logging with credential redaction.
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultTimeout          = 30 * time.Second
	DefaultRetryAttempts    = 3
	DefaultRetryDelay       = 1 * time.Second
	DefaultRetryMaxDelay    = 30 * time.Second
	DefaultCircuitThreshold = 5
	DefaultCircuitTimeout   = 30 * time.Second
	DefaultUserAgent        = "chanarr-httpclient/1.0"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	Timeout          time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration
	CircuitThreshold int
	CircuitTimeout   time.Duration
	UserAgent        string
	Logger           *slog.Logger
	// BaseClient is the underlying http.Client; nil creates a default.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:          DefaultTimeout,
		RetryAttempts:    DefaultRetryAttempts,
		RetryDelay:       DefaultRetryDelay,
		RetryMaxDelay:    DefaultRetryMaxDelay,
		CircuitThreshold: DefaultCircuitThreshold,
		CircuitTimeout:   DefaultCircuitTimeout,
		UserAgent:        DefaultUserAgent,
		Logger:           slog.Default(),
	}
}

// Client is a resilient HTTP client.
type Client struct {
	cfg  Config
	base *http.Client

	mu       sync.Mutex
	circuits map[string]*circuit
}

type circuit struct {
	failures int
	openedAt time.Time
}

// New creates a new Client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	base := cfg.BaseClient
	if base == nil {
		base = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{
		cfg:      cfg,
		base:     base,
		circuits: make(map[string]*circuit),
	}
}

// Get performs a GET request with retries and decompression.
func (c *Client) Get(ctx context.Context, rawURL string, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.Do(req)
}

// GetJSON performs a GET request and returns the response body, retried
// and decompressed. The caller owns closing nothing; the body is fully
// read before return.
func (c *Client) GetJSON(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	if headers == nil {
		headers = map[string]string{}
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "application/json"
	}
	resp, err := c.Get(ctx, rawURL, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d from %s", resp.StatusCode, redactURL(rawURL))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return body, nil
}

// Do executes a request with retries, backoff, and circuit breaking.
// Responses with retryable status codes (429, 5xx) are retried; the final
// response is returned even when its status is an error so callers can
// classify it.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	if err := c.checkCircuit(host); err != nil {
		return nil, err
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")

	var lastErr error
	delay := c.cfg.RetryDelay

	for attempt := 0; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(delay):
			}
			delay = min(delay*2, c.cfg.RetryMaxDelay)
		}

		resp, err := c.base.Do(req)
		if err != nil {
			lastErr = err
			c.recordFailure(host)
			c.cfg.Logger.Debug("request failed",
				slog.String("url", redactURL(req.URL.String())),
				slog.Int("attempt", attempt+1),
				slog.String("error", err.Error()))
			continue
		}

		if retryableStatus(resp.StatusCode) {
			c.recordFailure(host)
			if attempt < c.cfg.RetryAttempts {
				lastErr = fmt.Errorf("HTTP %d", resp.StatusCode)
				resp.Body.Close()
				continue
			}
			// Out of retries: hand the response back for classification.
			return decompress(resp)
		}

		c.recordSuccess(host)
		return decompress(resp)
	}

	return nil, fmt.Errorf("%w: %v", ErrMaxRetries, lastErr)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func (c *Client) checkCircuit(host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cb, ok := c.circuits[host]
	if !ok || cb.failures < c.cfg.CircuitThreshold {
		return nil
	}
	if time.Since(cb.openedAt) > c.cfg.CircuitTimeout {
		// Half-open: allow one probe through.
		cb.failures = c.cfg.CircuitThreshold - 1
		return nil
	}
	return fmt.Errorf("%w for host %s", ErrCircuitOpen, host)
}

func (c *Client) recordFailure(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cb, ok := c.circuits[host]
	if !ok {
		cb = &circuit{}
		c.circuits[host] = cb
	}
	cb.failures++
	if cb.failures == c.cfg.CircuitThreshold {
		cb.openedAt = time.Now()
		c.cfg.Logger.Warn("circuit opened", slog.String("host", host))
	}
}

func (c *Client) recordSuccess(host string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.circuits[host]; ok {
		cb.failures = 0
	}
}

// decompress wraps the response body with the matching decompressor.
func decompress(resp *http.Response) (*http.Response, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "gzip":
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		resp.Body = &wrappedBody{reader: gz, closer: resp.Body}
		resp.Header.Del("Content-Encoding")
	case "deflate":
		fl := flate.NewReader(resp.Body)
		resp.Body = &wrappedBody{reader: fl, closer: resp.Body}
		resp.Header.Del("Content-Encoding")
	case "br":
		br := brotli.NewReader(resp.Body)
		resp.Body = &wrappedBody{reader: io.NopCloser(br), closer: resp.Body}
		resp.Header.Del("Content-Encoding")
	}
	return resp, nil
}

type wrappedBody struct {
	reader io.Reader
	closer io.Closer
}

func (w *wrappedBody) Read(p []byte) (int, error) { return w.reader.Read(p) }

func (w *wrappedBody) Close() error {
	if rc, ok := w.reader.(io.Closer); ok {
		rc.Close()
	}
	return w.closer.Close()
}

// redactURL strips credential query parameters for logging.
func redactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for key := range q {
		lower := strings.ToLower(key)
		if strings.Contains(lower, "token") || strings.Contains(lower, "key") ||
			strings.Contains(lower, "secret") || strings.Contains(lower, "password") {
			q.Set(key, "REDACTED")
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
