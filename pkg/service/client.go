// Package service provides the HTTP client type stored in the registry.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/funnyzak/tapkit/pkg/progress"
)

// ErrNoBaseURL is returned for relative paths on a client without a base URL.
var ErrNoBaseURL = errors.New("service: relative path without base url")

// StatusError reports a non-2xx answer from a JSON or transfer helper.
type StatusError struct {
	Service    string
	StatusCode int
	Status     string
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("service %q returned %s", e.Service, e.Status)
	}
	return fmt.Sprintf("service %q returned %s: %s", e.Service, e.Status, e.Body)
}

// Client issues requests for one named service against its base URL.
type Client struct {
	name    string
	baseURL *url.URL
	http    *http.Client

	mu       sync.Mutex
	headers  http.Header
	seq      uint64
	inflight map[uint64]context.CancelFunc
}

// New creates a client. baseURL may be empty when every call uses absolute URLs.
func New(name, baseURL string, hc *http.Client) (*Client, error) {
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{
		name:     name,
		http:     hc,
		headers:  make(http.Header),
		inflight: make(map[uint64]context.CancelFunc),
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid base url %q: %w", baseURL, err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("invalid base url %q: scheme and host required", baseURL)
		}
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		c.baseURL = u
	}
	return c, nil
}

// Name returns the service name.
func (c *Client) Name() string { return c.name }

// BaseURL returns the base URL, or "" if none.
func (c *Client) BaseURL() string {
	if c.baseURL == nil {
		return ""
	}
	return c.baseURL.String()
}

// HTTPClient exposes the underlying client.
func (c *Client) HTTPClient() *http.Client { return c.http }

// SetHeader sets a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.mu.Lock()
	c.headers.Set(key, value)
	c.mu.Unlock()
}

// Headers returns a copy of the per-client headers.
func (c *Client) Headers() http.Header {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headers.Clone()
}

// Resolve turns path into an absolute URL against the base URL.
func (c *Client) Resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	if c.baseURL == nil {
		return "", ErrNoBaseURL
	}
	ref.Path = strings.TrimPrefix(ref.Path, "/")
	return c.baseURL.ResolveReference(ref).String(), nil
}

// Do sends a request. The response body must be closed; until then the
// request counts as in flight and CancelAll aborts it.
func (c *Client) Do(ctx context.Context, method, path string, body io.Reader, headers http.Header) (*http.Response, error) {
	return c.send(ctx, method, path, body, -1, headers)
}

// send is Do with an explicit content length; size < 0 keeps what
// net/http infers from body.
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, size int64, headers http.Header) (*http.Response, error) {
	target, err := c.Resolve(path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	id := c.track(cancel)
	release := func() {
		c.untrack(id)
		cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		release()
		return nil, err
	}
	if size >= 0 && body != nil && req.ContentLength == 0 {
		req.ContentLength = size
	}
	for k, vs := range c.Headers() {
		req.Header[k] = vs
	}
	for k, vs := range headers {
		req.Header[http.CanonicalHeaderKey(k)] = vs
	}

	resp, err := c.http.Do(req)
	if err != nil {
		release()
		return nil, err
	}
	resp.Body = &trackedBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// GetJSON decodes the JSON answer of a GET into out.
func (c *Client) GetJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.Do(ctx, http.MethodGet, path, nil, http.Header{"Accept": {"application/json"}})
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

// PostJSON sends in as JSON and decodes the answer into out, which may be nil.
func (c *Client) PostJSON(ctx context.Context, path string, in, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	resp, err := c.Do(ctx, http.MethodPost, path, bytes.NewReader(payload), http.Header{
		"Content-Type": {"application/json"},
		"Accept":       {"application/json"},
	})
	if err != nil {
		return err
	}
	return c.decode(resp, out)
}

// Download streams the body of a GET into w, reporting progress to listener
// when it is non-nil. It returns the number of bytes written.
func (c *Client) Download(ctx context.Context, path string, w io.Writer, listener progress.Listener) (int64, error) {
	if listener != nil {
		ctx = progress.WithDownload(ctx, listener)
	}
	resp, err := c.Do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return 0, err
	}
	return io.Copy(w, resp.Body)
}

// Upload sends body with method (POST when empty) and reports upload progress
// to listener. size may be -1 when unknown.
func (c *Client) Upload(ctx context.Context, method, path, contentType string, body io.Reader, size int64, listener progress.Listener) (*http.Response, error) {
	if method == "" {
		method = http.MethodPost
	}
	if listener != nil {
		ctx = progress.WithUpload(ctx, listener)
	}
	headers := http.Header{}
	if contentType != "" {
		headers.Set("Content-Type", contentType)
	}
	resp, err := c.send(ctx, method, path, body, size, headers)
	if err != nil {
		return nil, err
	}
	if err := c.checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

// CancelAll aborts every request still in flight and returns how many there were.
func (c *Client) CancelAll() int {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.inflight))
	for id, cancel := range c.inflight {
		cancels = append(cancels, cancel)
		delete(c.inflight, id)
	}
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// InFlight returns the number of requests whose bodies are still open.
func (c *Client) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// CloseIdleConnections releases pooled connections of the underlying client.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *Client) track(cancel context.CancelFunc) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.inflight[c.seq] = cancel
	return c.seq
}

func (c *Client) untrack(id uint64) {
	c.mu.Lock()
	delete(c.inflight, id)
	c.mu.Unlock()
}

func (c *Client) decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.name, err)
	}
	return nil
}

func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{
		Service:    c.name,
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

type trackedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *trackedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
