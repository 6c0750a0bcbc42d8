package retryhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/appfetch/appfetch/internal/logctx"
)

const (
	// DefaultTimeout bounds a single attempt, not the whole call.
	DefaultTimeout = 25 * time.Second
	// DefaultRetries is the number of retries after the first attempt.
	DefaultRetries = 3

	drainLimit = 4 * 1024
)

// Client executes HTTP requests with a per-attempt timeout and bounded
// retries on transient failures. Connections are reused aggressively; the
// chunked downloader depends on keep-alive for throughput.
type Client struct {
	httpClient *http.Client
	retries    int
	timeout    time.Duration
	backoff    func(attempt int) time.Duration
}

// NewTransport returns the keep-alive transport shared by all outbound
// calls. Exposed so the downloader can reuse the same connection pool.
func NewTransport(maxPerHost int) *http.Transport {
	if maxPerHost <= 0 {
		maxPerHost = 20
	}

	return &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: maxPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
}

// NewClient creates a retrying client. Zero values select the defaults.
func NewClient(transport http.RoundTripper, timeout time.Duration, retries int) *Client {
	if transport == nil {
		transport = NewTransport(0)
	}

	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if retries < 0 {
		retries = DefaultRetries
	}

	return &Client{
		httpClient: &http.Client{Transport: transport},
		retries:    retries,
		timeout:    timeout,
		backoff:    func(attempt int) time.Duration { return time.Duration(attempt+1) * time.Second },
	}
}

// Do executes the request, retrying on 5xx responses and transient transport
// errors. 4xx responses are returned as-is; vendor-level failures inside a
// 200 body are the caller's problem. Requests with a body must be replayable
// (http.NewRequest sets GetBody for the common reader types).
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	logger := logctx.LoggerFromContext(req.Context())

	var lastErr error

	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		resp, err := c.attempt(req, attempt)
		if err == nil {
			if resp.StatusCode < http.StatusInternalServerError || attempt == c.retries {
				return resp, nil
			}

			logger.Debug("retrying after server error",
				"url", req.URL.String(), "status", resp.StatusCode, "attempt", attempt+1)
			discard(resp)
			lastErr = fmt.Errorf("server error: %s", resp.Status)

			continue
		}

		if req.Context().Err() != nil {
			return nil, err
		}

		if !isTransient(err) || attempt == c.retries {
			return nil, err
		}

		logger.Debug("retrying after transport error",
			"url", req.URL.String(), "err", err, "attempt", attempt+1)
		lastErr = err
	}

	return nil, lastErr
}

// attempt runs one try under its own deadline. The deadline is released when
// the response body is closed, not when the headers arrive.
func (c *Client) attempt(req *http.Request, attempt int) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(req.Context(), c.timeout)

	r := req.Clone(ctx)

	if attempt > 0 && req.Body != nil {
		if req.GetBody == nil {
			cancel()

			return nil, fmt.Errorf("request body is not replayable")
		}

		body, err := req.GetBody()
		if err != nil {
			cancel()

			return nil, fmt.Errorf("failed to rewind request body: %w", err)
		}

		r.Body = body
	}

	resp, err := c.httpClient.Do(r)
	if err != nil {
		cancel()

		return nil, err
	}

	resp.Body = &cancelBody{ReadCloser: resp.Body, cancel: cancel}

	return resp, nil
}

type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()

	return err
}

func discard(resp *http.Response) {
	_, _ = io.CopyN(io.Discard, resp.Body, drainLimit)
	resp.Body.Close()
}

// isTransient reports whether the transport error is worth another attempt:
// timeouts, connection resets, broken pipes and abrupt peer closes.
func isTransient(err error) bool {
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}

	msg := err.Error()
	for _, pattern := range []string{"connection reset", "broken pipe", "socket hang up", "unexpected EOF"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}

	return false
}
