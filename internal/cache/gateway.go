package cache

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rshade/esctl/internal/logging"
	"github.com/rshade/esctl/internal/transport"
)

// Outcome is what the gateway decided for one request.
type Outcome string

// Gateway outcomes.
const (
	OutcomeBypass     Outcome = "bypass"   // verb may change state, never cached
	OutcomeDisabled   Outcome = "disabled" // caching switched off for this run
	OutcomeMiss       Outcome = "miss"
	OutcomeHit        Outcome = "hit"
	OutcomeStale      Outcome = "stale"
	OutcomeCollision  Outcome = "collision" // key matched, headers did not
	OutcomeCorrupt    Outcome = "corrupt"
	OutcomeStoreError Outcome = "store_error"
)

// TTLResolver maps a "<METHOD> <TARGET>" signature to seconds.
type TTLResolver interface {
	Resolve(ctx context.Context, signature string) int
}

// Gateway is a transport.Performer that answers read-only requests from the
// store when it can and records genuine responses for next time.
type Gateway struct {
	next    transport.Performer
	store   Store
	policy  TTLResolver
	enabled bool
	node    string
	now     func() time.Time
	metrics *Metrics

	group singleflight.Group
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithEnabled turns caching on or off for the lifetime of the gateway.
func WithEnabled(enabled bool) GatewayOption {
	return func(g *Gateway) {
		g.enabled = enabled
	}
}

// WithClock replaces time.Now for freshness decisions.
func WithClock(now func() time.Time) GatewayOption {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithMetrics records outcomes on m.
func WithMetrics(m *Metrics) GatewayOption {
	return func(g *Gateway) {
		g.metrics = m
	}
}

// WithNodeName sets the node reported on replayed responses.
func WithNodeName(name string) GatewayOption {
	return func(g *Gateway) {
		g.node = name
	}
}

// NewGateway wraps next. A nil store disables caching; a nil policy uses
// DefaultTTLSeconds for everything.
func NewGateway(next transport.Performer, store Store, policy TTLResolver, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		next:    next,
		store:   store,
		policy:  policy,
		enabled: true,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if store == nil {
		g.enabled = false
	}
	return g
}

// Enabled reports whether the gateway consults the store at all.
func (g *Gateway) Enabled() bool {
	return g.enabled
}

// Perform serves req from the cache or forwards it.
func (g *Gateway) Perform(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	method := strings.ToUpper(req.Method)
	if !transport.IsReadOnly(method) {
		g.metrics.observe(OutcomeBypass)
		return g.next.Perform(ctx, req)
	}
	if !g.enabled {
		g.metrics.observe(OutcomeDisabled)
		return g.next.Perform(ctx, req)
	}

	start := time.Now()
	headers := CanonicalHeaders(req.Header)
	key := Fingerprint(method, req.Target, headers)

	if resp, ok := g.lookup(ctx, key, method, req.Target, headers); ok {
		resp.Duration = time.Since(start)
		resp.Node = g.node
		return resp, nil
	}

	v, err, shared := g.group.Do(key.String(), func() (any, error) {
		return g.forward(ctx, req, key, method, headers)
	})
	if err != nil {
		return nil, err
	}
	resp, _ := v.(*transport.Response)
	if shared {
		resp = cloneResponse(resp)
	}
	return resp, nil
}

// lookup returns a fresh stored response. Every failure is a miss.
func (g *Gateway) lookup(ctx context.Context, key Key, method, target, headers string) (*transport.Response, bool) {
	log := logging.FromContext(ctx)

	entry, err := g.store.Get(ctx, key)
	if errors.Is(err, ErrCacheNotFound) {
		g.metrics.observe(OutcomeMiss)
		log.Debug().Ctx(ctx).Str("component", "cache").Str("method", method).Str("target", target).
			Msg("cache miss")
		return nil, false
	}
	if err != nil {
		g.metrics.observe(OutcomeStoreError)
		g.metrics.storeError("get")
		log.Warn().Ctx(ctx).Str("component", "cache").Str("operation", "get").Err(err).
			Msg("cache read failed, forwarding request")
		return nil, false
	}

	if entry.Headers != headers {
		// Same key, different headers: more likely a keying bug than a real
		// BLAKE3 collision, so it is logged louder than a miss.
		g.metrics.observe(OutcomeCollision)
		log.Warn().Ctx(ctx).Str("component", "cache").
			Str("key", key.String()).
			Str("method", method).
			Str("target", target).
			Str("stored_target", entry.Target).
			Str("stored_headers", entry.Headers).
			Str("request_headers", headers).
			Msg("cache key matched but request headers differ, treating as miss")
		g.evict(ctx, key)
		return nil, false
	}

	if !entry.Fresh(g.now()) {
		g.metrics.observe(OutcomeStale)
		log.Debug().Ctx(ctx).Str("component", "cache").Str("method", method).Str("target", target).
			Time("expired_at", entry.ExpiresAt()).
			Msg("evicting stale cache entry")
		g.evict(ctx, key)
		return nil, false
	}

	resp, err := DeserializeResponse(entry.Response)
	if err != nil {
		g.metrics.observe(OutcomeCorrupt)
		log.Warn().Ctx(ctx).Str("component", "cache").Str("key", key.String()).Err(err).
			Msg("dropping undecodable cache entry")
		g.evict(ctx, key)
		return nil, false
	}

	g.metrics.observe(OutcomeHit)
	log.Debug().Ctx(ctx).Str("component", "cache").Str("method", method).Str("target", target).
		Msg("cache hit")
	return resp, true
}

// forward performs the real request and stores a successful response.
// Upstream errors are returned untouched; store errors are only logged.
func (g *Gateway) forward(
	ctx context.Context,
	req *transport.Request,
	key Key,
	method, headers string,
) (*transport.Response, error) {
	resp, err := g.next.Perform(ctx, req)
	if err != nil {
		return nil, err
	}

	log := logging.FromContext(ctx)
	if !resp.Success() {
		log.Debug().Ctx(ctx).Str("component", "cache").Int("status", resp.StatusCode).
			Msg("not caching unsuccessful response")
		return resp, nil
	}

	ttl := DefaultTTLSeconds
	if g.policy != nil {
		ttl = g.policy.Resolve(ctx, Signature(method, req.Target))
	}
	if ttl <= 0 {
		return resp, nil
	}

	entry, err := NewEntry(method, req.Target, headers, resp, g.now(), ttl)
	if err != nil {
		g.metrics.storeError("serialize")
		log.Warn().Ctx(ctx).Str("component", "cache").Err(err).Msg("cannot serialize response")
		return resp, nil
	}
	if err = g.store.Put(ctx, entry); err != nil {
		g.metrics.storeError("put")
		log.Warn().Ctx(ctx).Str("component", "cache").Str("operation", "put").Err(err).
			Msg("cache write failed, response returned uncached")
		return resp, nil
	}

	g.metrics.stored()
	log.Debug().Ctx(ctx).Str("component", "cache").Str("key", key.String()).Int("ttl", ttl).
		Msg("response cached")
	return resp, nil
}

func (g *Gateway) evict(ctx context.Context, key Key) {
	if err := g.store.Delete(ctx, key); err != nil {
		g.metrics.storeError("delete")
		logging.FromContext(ctx).Warn().Ctx(ctx).Str("component", "cache").Err(err).
			Msg("failed to delete cache entry")
	}
}

func cloneResponse(r *transport.Response) *transport.Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if c.Header == nil {
		c.Header = http.Header{}
	}
	c.Body = append([]byte(nil), r.Body...)
	return &c
}
