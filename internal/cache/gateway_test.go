package cache

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rshade/esctl/internal/transport"
)

// spyStore is an in-memory Store that counts calls.
type spyStore struct {
	mu      sync.Mutex
	rows    map[Key]*Entry
	gets    int
	puts    int
	deletes int
	getErr  error
	putErr  error
}

func newSpyStore() *spyStore {
	return &spyStore{rows: make(map[Key]*Entry)}
}

func (s *spyStore) Get(_ context.Context, key Key) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if s.getErr != nil {
		return nil, s.getErr
	}
	e, ok := s.rows[key]
	if !ok {
		return nil, ErrCacheNotFound
	}
	c := *e
	return &c, nil
}

func (s *spyStore) Put(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if s.putErr != nil {
		return s.putErr
	}
	c := *e
	s.rows[e.Key] = &c
	return nil
}

func (s *spyStore) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes++
	delete(s.rows, key)
	return nil
}

func (s *spyStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[Key]*Entry)
	return nil
}

func (s *spyStore) has(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[key]
	return ok
}

// upstream counts genuine network calls.
type upstream struct {
	calls  atomic.Int32
	status int
	body   string
	err    error
	delay  time.Duration
}

func (u *upstream) Perform(_ context.Context, _ *transport.Request) (*transport.Response, error) {
	u.calls.Add(1)
	if u.delay > 0 {
		time.Sleep(u.delay)
	}
	if u.err != nil {
		return nil, u.err
	}
	status := u.status
	if status == 0 {
		status = http.StatusOK
	}
	return &transport.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Proto:      "HTTP/1.1",
		Body:       []byte(u.body),
		Duration:   250 * time.Millisecond,
		Node:       "http://upstream:9200",
	}, nil
}

type fixedTTL int

func (f fixedTTL) Resolve(context.Context, string) int { return int(f) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func healthRequest() *transport.Request {
	return &transport.Request{
		Method: http.MethodGet,
		Target: "/_cluster/health",
		Header: http.Header{"Accept": {"application/json"}},
	}
}

func healthKey() Key {
	return Fingerprint("GET", "/_cluster/health", `{"accept":"application/json"}`)
}

func TestGateway_VerbSafety(t *testing.T) {
	for _, method := range []string{"POST", "PUT", "DELETE", "PATCH", "post"} {
		t.Run(method, func(t *testing.T) {
			store := newSpyStore()
			up := &upstream{body: `{"acknowledged":true}`}
			m := NewMetrics()
			g := NewGateway(up, store, fixedTTL(300), WithMetrics(m))

			for range 3 {
				resp, err := g.Perform(context.Background(), &transport.Request{Method: method, Target: "/logs/_doc"})
				require.NoError(t, err)
				assert.Equal(t, `{"acknowledged":true}`, string(resp.Body))
			}

			assert.Zero(t, store.gets)
			assert.Zero(t, store.puts)
			assert.Zero(t, store.deletes)
			assert.Equal(t, int32(3), up.calls.Load())
			assert.InDelta(t, 3, testutil.ToFloat64(m.Lookups.WithLabelValues(string(OutcomeBypass))), 0)
		})
	}
}

func TestGateway_Disabled(t *testing.T) {
	store := newSpyStore()
	up := &upstream{body: "{}"}
	g := NewGateway(up, store, fixedTTL(300), WithEnabled(false))
	assert.False(t, g.Enabled())

	for range 2 {
		_, err := g.Perform(context.Background(), healthRequest())
		require.NoError(t, err)
	}
	assert.Zero(t, store.gets)
	assert.Zero(t, store.puts)
	assert.Equal(t, int32(2), up.calls.Load())

	assert.False(t, NewGateway(up, nil, nil).Enabled())
}

func TestGateway_HitAndMiss(t *testing.T) {
	store := newSpyStore()
	up := &upstream{body: `{"status":"green"}`}
	m := NewMetrics()
	g := NewGateway(up, store, fixedTTL(300), WithMetrics(m), WithNodeName("http://cached:9200"))
	ctx := context.Background()

	first, err := g.Perform(ctx, healthRequest())
	require.NoError(t, err)
	assert.Equal(t, "http://upstream:9200", first.Node, "genuine response is returned unmodified")
	assert.Equal(t, 250*time.Millisecond, first.Duration)
	assert.True(t, store.has(healthKey()))

	second, err := g.Perform(ctx, healthRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.calls.Load())
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, first.StatusCode, second.StatusCode)
	assert.Equal(t, first.Header, second.Header)
	assert.Equal(t, "http://cached:9200", second.Node)
	assert.Less(t, second.Duration, 250*time.Millisecond)

	// Lower-case method and shuffled header case hit the same entry.
	req := &transport.Request{Method: "get", Target: "/_cluster/health", Header: http.Header{}}
	req.Header["ACCEPT"] = []string{"application/json"}
	req.Header.Set("Authorization", "Basic c29tZW9uZTplbHNl")
	_, err = g.Perform(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.calls.Load())

	assert.InDelta(t, 1, testutil.ToFloat64(m.Lookups.WithLabelValues(string(OutcomeMiss))), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.Lookups.WithLabelValues(string(OutcomeHit))), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Stored), 0)

	summary, err := m.Summary()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"esctl_cache_lookups_total{outcome=hit}",
		"esctl_cache_lookups_total{outcome=miss}",
		"esctl_cache_stored_total",
	}, SummaryKeys(summary))
}

func TestGateway_HeadIsCached(t *testing.T) {
	store := newSpyStore()
	up := &upstream{}
	g := NewGateway(up, store, fixedTTL(300))

	for range 2 {
		resp, err := g.Perform(context.Background(), &transport.Request{Method: http.MethodHead, Target: "/logs"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestGateway_TTLExpiry(t *testing.T) {
	store := newSpyStore()
	up := &upstream{body: `{"status":"yellow"}`}
	storedAt := time.Unix(1_700_000_000, 0)
	clk := &clock{now: storedAt}
	g := NewGateway(up, store, fixedTTL(1), WithClock(clk.Now))
	ctx := context.Background()

	_, err := g.Perform(ctx, healthRequest())
	require.NoError(t, err)
	require.Equal(t, int32(1), up.calls.Load())

	clk.Set(storedAt.Add(500 * time.Millisecond))
	_, err = g.Perform(ctx, healthRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.calls.Load(), "hit within TTL")

	// Expired: the row is evicted on lookup and the request goes out.
	up.err = errors.New("offline")
	clk.Set(storedAt.Add(1500 * time.Millisecond))
	_, err = g.Perform(ctx, healthRequest())
	require.Error(t, err)
	assert.Equal(t, int32(2), up.calls.Load())
	assert.Equal(t, 1, store.deletes)
	assert.False(t, store.has(healthKey()), "stale row removed and error not cached")
}

func TestGateway_PolicyTTLStored(t *testing.T) {
	store := newSpyStore()
	policy := writePolicy(t, `{"^GET /_cluster/health$": 42}`)
	now := time.Unix(1_700_000_000, 0)
	g := NewGateway(&upstream{body: "{}"}, store, policy, WithClock(func() time.Time { return now }))

	_, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)

	e := store.rows[healthKey()]
	require.NotNil(t, e)
	assert.Equal(t, int64(42), e.TTL)
	assert.Equal(t, now.Unix(), e.StoredAt)
	assert.Equal(t, "GET", e.Method)
	assert.Equal(t, `{"accept":"application/json"}`, e.Headers)
}

func TestGateway_ZeroTTLNotStored(t *testing.T) {
	store := newSpyStore()
	g := NewGateway(&upstream{body: "{}"}, store, fixedTTL(0))
	_, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Zero(t, store.puts)
}

func TestGateway_CollisionGuard(t *testing.T) {
	store := newSpyStore()
	// A row under the request's key whose headers belong to another request.
	store.rows[healthKey()] = &Entry{
		Key:      healthKey(),
		Method:   "GET",
		Target:   "/_cluster/health",
		Headers:  `{"accept":"text/plain"}`,
		Response: `{"body":"WRONG","headers":{},"http_version":"HTTP/1.1","status":200}`,
		StoredAt: time.Now().Unix(),
		TTL:      3600,
	}
	up := &upstream{body: `{"status":"green"}`}
	m := NewMetrics()
	g := NewGateway(up, store, fixedTTL(300), WithMetrics(m))

	resp, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"green"}`, string(resp.Body))
	assert.Equal(t, int32(1), up.calls.Load())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Lookups.WithLabelValues(string(OutcomeCollision))), 0)
}

func TestGateway_CollisionRowDeletedOnUnsuccessfulAnswer(t *testing.T) {
	store := newSpyStore()
	store.rows[healthKey()] = &Entry{
		Key:      healthKey(),
		Method:   "GET",
		Target:   "/_cluster/health",
		Headers:  `{"accept":"text/plain"}`,
		Response: `{"body":"WRONG","headers":{},"http_version":"HTTP/1.1","status":200}`,
		StoredAt: time.Now().Unix(),
		TTL:      3600,
	}
	up := &upstream{status: http.StatusServiceUnavailable, body: `{"error":"unavailable"}`}
	g := NewGateway(up, store, fixedTTL(300))

	resp, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, 1, store.deletes)
	assert.False(t, store.has(healthKey()))
}

func TestGateway_CorruptEntry(t *testing.T) {
	store := newSpyStore()
	store.rows[healthKey()] = &Entry{
		Key:      healthKey(),
		Headers:  `{"accept":"application/json"}`,
		Response: `{not json`,
		StoredAt: time.Now().Unix(),
		TTL:      3600,
	}
	up := &upstream{body: `{"status":"green"}`}
	g := NewGateway(up, store, fixedTTL(300))

	resp, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"green"}`, string(resp.Body))
	assert.Equal(t, 1, store.deletes)

	// Replaced by the fresh response.
	_, err = g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Equal(t, int32(1), up.calls.Load())
}

func TestGateway_StoreFailuresAreSwallowed(t *testing.T) {
	store := newSpyStore()
	store.getErr = errors.New("disk I/O error")
	store.putErr = errors.New("database or disk is full")
	up := &upstream{body: `{"status":"green"}`}
	m := NewMetrics()
	g := NewGateway(up, store, fixedTTL(300), WithMetrics(m))

	resp, err := g.Perform(context.Background(), healthRequest())
	require.NoError(t, err)
	assert.Equal(t, `{"status":"green"}`, string(resp.Body))
	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreErrors.WithLabelValues("get")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StoreErrors.WithLabelValues("put")), 0)
}

func TestGateway_UpstreamErrorsPropagate(t *testing.T) {
	store := newSpyStore()
	boom := errors.New("connection reset by peer")
	g := NewGateway(&upstream{err: boom}, store, fixedTTL(300))

	_, err := g.Perform(context.Background(), healthRequest())
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.puts)
}

func TestGateway_UnsuccessfulNotCached(t *testing.T) {
	store := newSpyStore()
	up := &upstream{status: http.StatusServiceUnavailable, body: `{"error":"unavailable"}`}
	g := NewGateway(up, store, fixedTTL(300))

	for range 2 {
		resp, err := g.Perform(context.Background(), healthRequest())
		require.NoError(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	}
	assert.Zero(t, store.puts)
	assert.Equal(t, int32(2), up.calls.Load())
}

func TestGateway_CollapsesConcurrentMisses(t *testing.T) {
	store := newSpyStore()
	up := &upstream{body: "{}", delay: 50 * time.Millisecond}
	g := NewGateway(up, store, fixedTTL(300))

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := g.Perform(context.Background(), healthRequest())
			assert.NoError(t, err)
			assert.Equal(t, "{}", string(resp.Body))
		}()
	}
	wg.Wait()
	assert.Less(t, up.calls.Load(), int32(8))
}

func TestGateway_WithSQLStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cache.db")
	store, err := OpenStore(path, "prod")
	require.NoError(t, err)
	defer store.Close()

	up := &upstream{body: `{"cluster_name":"prod"}`}
	g := NewGateway(up, store, NewPolicy(filepath.Join(t.TempDir(), "ttl.json")))

	for range 3 {
		resp, err := g.Perform(ctx, healthRequest())
		require.NoError(t, err)
		assert.Equal(t, `{"cluster_name":"prod"}`, string(resp.Body))
	}
	assert.Equal(t, int32(1), up.calls.Load())

	entry, err := store.Get(ctx, healthKey())
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultTTLSeconds), entry.TTL)
}
