package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"

	"github.com/Hoyotoon/HoyoToon-sub001/internal/logging"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrServerError  = errors.New("http: server error")
	ErrTooLarge     = errors.New("http: response body too large")
)

// StatusError is returned for non-success responses that have no sentinel.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http: unexpected status code: %d", e.Code)
}

// Options configures the HTTP client.
type Options struct {
	// MaxIdleConnsPerHost sets the maximum idle connections per host.
	// Default: 16
	MaxIdleConnsPerHost int

	// Timeout for individual requests, including reading the body.
	// Default: 10m
	Timeout time.Duration

	// RetryAttempts is the maximum number of retry attempts.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the initial backoff duration.
	// Default: 1s
	RetryBackoff time.Duration

	// RetryMaxBackoff is the maximum backoff duration.
	// Default: 30s
	RetryMaxBackoff time.Duration

	// UserAgent is sent with every request.
	UserAgent string

	// Logger receives retry notices. Defaults to the global logger.
	Logger *zap.Logger
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxIdleConnsPerHost: 16,
		Timeout:             10 * time.Minute,
		RetryAttempts:       3,
		RetryBackoff:        time.Second,
		RetryMaxBackoff:     30 * time.Second,
		UserAgent:           "hoyosync/1.0",
	}
}

// FileInfo contains metadata about a remote file.
type FileInfo struct {
	Size         int64
	ETag         string
	ContentType  string
	LastModified time.Time
}

// Response is a successful response whose body the caller must close.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          io.ReadCloser
	ContentLength int64
	ETag          string
}

// Client is an HTTP client tuned for share listings and large file downloads.
type Client struct {
	client *http.Client
	opts   Options
	log    *zap.Logger
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.MaxIdleConnsPerHost <= 0 {
		opts.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = def.RetryBackoff
	}
	if opts.RetryMaxBackoff <= 0 {
		opts.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if opts.UserAgent == "" {
		opts.UserAgent = def.UserAgent
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Named("http")
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		MaxIdleConns:        opts.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts: opts,
		log:  logger,
	}
}

// Head performs a HEAD request to get file metadata.
func (c *Client) Head(ctx context.Context, rawURL string) (*FileInfo, error) {
	resp, err := c.Do(ctx, http.MethodHead, rawURL, nil, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	info := &FileInfo{
		Size:        resp.ContentLength,
		ETag:        resp.ETag,
		ContentType: resp.Header.Get("Content-Type"),
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// Get performs a GET request and returns the streaming response.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	return c.Do(ctx, http.MethodGet, rawURL, nil, nil)
}

// GetBytes performs a GET request and reads at most limit bytes of the body.
// A body longer than limit yields ErrTooLarge.
func (c *Client) GetBytes(ctx context.Context, rawURL string, limit int64) ([]byte, error) {
	resp, err := c.Get(ctx, rawURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return readLimited(resp.Body, limit)
}

// Do performs a request with retries. body may be nil; it is replayed on
// every attempt. 5xx responses (except 501), 429 and transport errors are
// retried; any other non-2xx status is returned immediately.
func (c *Client) Do(ctx context.Context, method, rawURL string, header http.Header, body []byte) (*Response, error) {
	var out *Response

	jitter := c.opts.RetryBackoff / 2
	if jitter <= 0 {
		jitter = time.Millisecond
	}

	err := retry.Do(
		func() error {
			var reader io.Reader
			if body != nil {
				reader = bytes.NewReader(body)
			}
			req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			for k, vs := range header {
				for _, v := range vs {
					req.Header.Add(k, v)
				}
			}
			req.Header.Set("User-Agent", c.opts.UserAgent)

			resp, err := c.client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return retry.Unrecoverable(ctx.Err())
				}
				return err
			}

			if retryable(resp.StatusCode) {
				drain(resp.Body)
				return fmt.Errorf("%w: %w", ErrServerError, &StatusError{Code: resp.StatusCode})
			}
			if err := checkStatusCode(resp.StatusCode); err != nil {
				drain(resp.Body)
				return retry.Unrecoverable(err)
			}

			out = &Response{
				StatusCode:    resp.StatusCode,
				Header:        resp.Header,
				Body:          resp.Body,
				ContentLength: resp.ContentLength,
				ETag:          CleanETag(resp.Header.Get("ETag")),
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.opts.RetryAttempts+1)),
		retry.Delay(c.opts.RetryBackoff),
		retry.MaxDelay(c.opts.RetryMaxBackoff),
		retry.MaxJitter(jitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.Debug("retrying request",
				zap.String("method", method),
				zap.String("url", Redact(rawURL)),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, Redact(rawURL), err)
	}
	return out, nil
}

// retryable reports whether a response status is worth another attempt.
// 501 means the server will never support the request.
func retryable(code int) bool {
	if code == http.StatusNotImplemented {
		return false
	}
	return code >= 500 || code == http.StatusTooManyRequests
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return &StatusError{Code: code}
	}
}

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	switch {
	case errors.As(err, &se):
		return se.Code
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	}
	return 0
}

// CleanETag removes the weak prefix and quotes from an ETag value.
func CleanETag(etag string) string {
	etag = strings.TrimSpace(etag)
	etag = strings.TrimPrefix(etag, "W/")
	etag = strings.Trim(etag, `"`)
	return etag
}

// Redact hides userinfo passwords so URLs can be logged. Query values that
// are themselves URLs with credentials are redacted too.
func Redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if u.RawQuery != "" {
		q := u.Query()
		for k, vs := range q {
			for i, v := range vs {
				if inner, err := url.Parse(v); err == nil && inner.User != nil {
					vs[i] = inner.Redacted()
				}
			}
			q[k] = vs
		}
		u.RawQuery = q.Encode()
	}
	return u.Redacted()
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, ErrTooLarge
	}
	return data, nil
}

func drain(body io.ReadCloser) {
	io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	body.Close()
}
