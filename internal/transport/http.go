package transport

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
)

// ProductHeader is checked by official clients to reject non-Elasticsearch
// servers. Managed offerings and old versions omit it, so HTTPNode fills it
// in when missing.
const ProductHeader = "X-Elastic-Product"

const productName = "Elasticsearch"

// ErrInvalidURL is returned for a node URL without scheme or host.
var ErrInvalidURL = errors.New("invalid node URL")

// HTTPNode performs requests against a single cluster endpoint over
// net/http. Credentials are carried on the node and added to every request.
type HTTPNode struct {
	base     *url.URL
	client   *http.Client
	username string
	password string
	timeout  time.Duration
}

// NodeOption configures an HTTPNode.
type NodeOption func(*HTTPNode)

// WithBasicAuth sends HTTP basic credentials with every request.
func WithBasicAuth(username, password string) NodeOption {
	return func(n *HTTPNode) {
		n.username = username
		n.password = password
	}
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) NodeOption {
	return func(n *HTTPNode) {
		n.client = c
	}
}

// WithDefaultTimeout sets the timeout for requests that do not carry one.
func WithDefaultTimeout(d time.Duration) NodeOption {
	return func(n *HTTPNode) {
		n.timeout = d
	}
}

// NewHTTPNode creates a node for baseURL, e.g. "http://localhost:9200".
func NewHTTPNode(baseURL string, opts ...NodeOption) (*HTTPNode, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")

	n := &HTTPNode{
		base:   u,
		client: &http.Client{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n, nil
}

// Name identifies the node in responses and logs.
func (n *HTTPNode) Name() string {
	return n.base.String()
}

// Perform sends req to the node.
func (n *HTTPNode) Perform(ctx context.Context, req *Request) (*Response, error) {
	timeout := req.Timeout
	if timeout == 0 {
		timeout = n.timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	target := req.Target
	if !strings.HasPrefix(target, "/") {
		target = "/" + target
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), n.base.String()+target, body)
	if err != nil {
		return nil, fmt.Errorf("building request %s %s: %w", req.Method, req.Target, err)
	}
	httpReq.Header = req.Header.Clone()
	if httpReq.Header == nil {
		httpReq.Header = http.Header{}
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if n.username != "" {
		httpReq.SetBasicAuth(n.username, n.password)
	}

	start := time.Now()
	resp, err := n.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("performing %s %s: %w", req.Method, req.Target, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response for %s %s: %w", req.Method, req.Target, err)
	}

	if resp.Header.Get(ProductHeader) == "" {
		resp.Header.Set(ProductHeader, productName)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Proto:      resp.Proto,
		Body:       data,
		Duration:   time.Since(start),
		Node:       n.Name(),
	}, nil
}
