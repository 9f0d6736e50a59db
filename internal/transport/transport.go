// Package transport issues HTTP requests against a search cluster.
//
// Everything above the wire talks to a Performer. HTTPNode is the network
// implementation; the response cache wraps a Performer with another
// Performer, and Client adds the cluster-version specific headers chosen
// once at start-up.
package transport

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Request is a single call against the cluster.
type Request struct {
	Method  string
	Target  string // path plus optional query, e.g. "/_cat/indices?v"
	Body    []byte
	Header  http.Header
	Timeout time.Duration
}

// Response is what the cluster returned. Duration and Node describe how
// this particular copy was obtained and are not part of its identity.
type Response struct {
	StatusCode int
	Header     http.Header
	Proto      string
	Body       []byte

	Duration time.Duration
	Node     string
}

// Performer issues a request and returns the genuine response or an error.
type Performer interface {
	Perform(ctx context.Context, req *Request) (*Response, error)
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, req *Request) (*Response, error)

// Perform calls f.
func (f PerformerFunc) Perform(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// IsReadOnly reports whether method is one of the verbs that never change
// server state and may therefore be cached.
func IsReadOnly(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// Success reports whether the status code is 2xx.
func (r *Response) Success() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// Clone returns a deep copy of the request so decorators can add headers
// without mutating the caller's value.
func (r *Request) Clone() *Request {
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	return &c
}
