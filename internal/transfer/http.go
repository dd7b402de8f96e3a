package transfer

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// HTTPOptions configures the HTTP client.
type HTTPOptions struct {
	// ConnectTimeout bounds connection setup. There is no overall request
	// timeout since downloads can take hours.
	ConnectTimeout time.Duration

	// IdleConnTimeout controls connection reuse.
	IdleConnTimeout time.Duration

	UserAgent string
}

func DefaultHTTPOptions() HTTPOptions {
	return HTTPOptions{
		ConnectTimeout:  30 * time.Second,
		IdleConnTimeout: 90 * time.Second,
		UserAgent:       "artifactd",
	}
}

// HTTPClient implements Client over net/http.
type HTTPClient struct {
	client *http.Client
	opts   HTTPOptions
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(opts HTTPOptions) *HTTPClient {
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: opts.ConnectTimeout,
		IdleConnTimeout:     opts.IdleConnTimeout,
		MaxIdleConnsPerHost: 4,
		DisableCompression:  true, // raw bytes, offsets must match the file on disk
	}

	return &HTTPClient{
		client: &http.Client{Transport: otelhttp.NewTransport(transport)},
		opts:   opts,
	}
}

// Head performs a header-only request and returns the remote size.
func (c *HTTPClient) Head(ctx context.Context, url string) (*RemoteFile, error) {
	req, err := c.newRequest(ctx, http.MethodHead, url)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "head", URL: url, Err: err}
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &ProtocolError{Operation: "head", URL: url, StatusCode: resp.StatusCode, Reason: resp.Status}
	}

	if resp.ContentLength < 0 {
		return nil, &ProtocolError{Operation: "head", URL: url, Reason: "no content length", Err: ErrMissingContentLength}
	}

	return &RemoteFile{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		ETag:          strings.Trim(resp.Header.Get("ETag"), `"`),
	}, nil
}

// Get issues a GET for url, adding a Range header when offset > 0. Only 200 and
// 206 are accepted, and a ranged request must come back starting at offset.
func (c *HTTPClient) Get(ctx context.Context, url string, offset int64) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodGet, url)
	if err != nil {
		return nil, err
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "get", URL: url, Err: err}
	}

	if err := checkRangeResponse(resp, url, offset); err != nil {
		resp.Body.Close()

		return nil, err
	}

	return resp.Body, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", strings.ToLower(method), err)
	}

	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}

	return req, nil
}

func checkRangeResponse(resp *http.Response, url string, offset int64) error {
	switch resp.StatusCode {
	case http.StatusOK:
		if offset == 0 {
			return nil
		}

		// Appending a full body to a partial file would corrupt it.
		if start, ok := contentRangeStart(resp.Header.Get("Content-Range")); ok && start == offset {
			return nil
		}

		return &ProtocolError{Operation: "get", URL: url, Reason: "server ignored range request"}
	case http.StatusPartialContent:
		start, ok := contentRangeStart(resp.Header.Get("Content-Range"))
		if ok && start != offset {
			return &ProtocolError{
				Operation: "get",
				URL:       url,
				Reason:    fmt.Sprintf("range starts at %d, expected %d", start, offset),
			}
		}

		return nil
	default:
		return &ProtocolError{Operation: "get", URL: url, StatusCode: resp.StatusCode, Reason: resp.Status}
	}
}

// contentRangeStart parses the first byte position of "bytes 100-199/200".
func contentRangeStart(header string) (int64, bool) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !ok {
		return 0, false
	}

	first, _, ok := strings.Cut(rest, "-")
	if !ok {
		return 0, false
	}

	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil {
		return 0, false
	}

	return start, true
}
