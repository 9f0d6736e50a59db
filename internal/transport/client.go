package transport

import (
	"context"
	"errors"

	"github.com/rshade/esctl/internal/logging"
)

// Client applies the adapter selected for the cluster to every request and
// hands it to the underlying Performer.
type Client struct {
	performer Performer
	adapter   Adapter
	info      *ClusterInfo
}

// NewClient probes the cluster once and selects an adapter. A root endpoint
// the caller may not read (403, proxies) falls back to plain JSON; transport
// errors are returned.
func NewClient(ctx context.Context, p Performer) (*Client, error) {
	info, err := Detect(ctx, p)
	if err != nil {
		if !errors.Is(err, ErrUnexpectedRoot) {
			return nil, err
		}
		logging.FromContext(ctx).Warn().
			Ctx(ctx).
			Str("component", "transport").
			Err(err).
			Msg("version detection failed, using plain JSON requests")
		info = nil
	}

	c := &Client{performer: p, adapter: SelectAdapter(info), info: info}
	if info != nil {
		logging.FromContext(ctx).Debug().
			Ctx(ctx).
			Str("component", "transport").
			Str("version", info.Version.String()).
			Str("distribution", info.Distribution).
			Str("adapter", c.adapter.Name()).
			Msg("cluster detected")
	}
	return c, nil
}

// NewClientWithAdapter builds a client without probing.
func NewClientWithAdapter(p Performer, a Adapter) *Client {
	return &Client{performer: p, adapter: a}
}

// Perform decorates a copy of req and sends it.
func (c *Client) Perform(ctx context.Context, req *Request) (*Response, error) {
	prepared := req.Clone()
	c.adapter.Prepare(prepared)
	return c.performer.Perform(ctx, prepared)
}

// Info returns the detected cluster, or nil if detection was skipped or failed.
func (c *Client) Info() *ClusterInfo {
	return c.info
}

// Adapter returns the adapter in use.
func (c *Client) Adapter() Adapter {
	return c.adapter
}
