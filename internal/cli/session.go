package cli

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/rshade/esctl/internal/cache"
	"github.com/rshade/esctl/internal/config"
	"github.com/rshade/esctl/internal/logging"
	"github.com/rshade/esctl/internal/transport"
	"github.com/rshade/esctl/internal/tunnel"
)

// session is everything one invocation needs to talk to a cluster. It owns
// the tunnel and the store handle and releases both in Close.
type session struct {
	esCtx   *config.Context
	client  *transport.Client
	gateway *cache.Gateway
	metrics *cache.Metrics
	store   *cache.SQLStore
	tunnel  *tunnel.Tunnel
}

// resolveContext returns the context selected by --context, $ESCTL_CONTEXT
// or the config's current context.
func resolveContext(cmd *cobra.Command) (*config.Context, error) {
	name, _ := cmd.Flags().GetString("context")
	esCtx, err := config.GetGlobalConfig().ResolveContext(name)
	if err != nil {
		return nil, fmt.Errorf("resolving context: %w", err)
	}
	return esCtx, nil
}

// openSession starts the tunnel if the context needs one, opens the cache
// store and probes the cluster version. A store that cannot be opened is
// logged and the session runs uncached.
func openSession(cmd *cobra.Command) (*session, error) {
	ctx := cmd.Context()
	log := logging.FromContext(ctx)
	cfg := config.GetGlobalConfig()

	esCtx, err := resolveContext(cmd)
	if err != nil {
		return nil, err
	}
	s := &session{esCtx: esCtx, metrics: cache.NewMetrics()}

	baseURL, err := s.endpoint(ctx)
	if err != nil {
		return nil, err
	}

	opts := []transport.NodeOption{transport.WithDefaultTimeout(esCtx.RequestTimeout())}
	if user, pass, ok := esCtx.BasicAuth(); ok {
		opts = append(opts, transport.WithBasicAuth(user, pass))
	}
	node, err := transport.NewHTTPNode(baseURL, opts...)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	noCache, _ := cmd.Flags().GetBool("no-cache")
	enabled := cfg.CacheEnabled() && !noCache

	var store cache.Store
	if enabled {
		s.store, err = cache.OpenStore(cfg.CacheDBPath(), esCtx.Name)
		if err != nil {
			log.Warn().
				Ctx(ctx).
				Str("component", "cli").
				Str("path", cfg.CacheDBPath()).
				Err(err).
				Msg("cache unavailable, running uncached")
		} else {
			store = s.store
		}
	}

	s.gateway = cache.NewGateway(node, store, cache.NewPolicy(cfg.TTLFilePath()),
		cache.WithEnabled(enabled),
		cache.WithMetrics(s.metrics),
		cache.WithNodeName(node.Name()),
	)

	s.client, err = transport.NewClient(ctx, s.gateway)
	if err != nil {
		s.Close(ctx)
		return nil, err
	}

	log.Debug().
		Ctx(ctx).
		Str("component", "cli").
		Str("context", esCtx.Name).
		Str("node", node.Name()).
		Str("adapter", s.client.Adapter().Name()).
		Bool("cache_enabled", s.gateway.Enabled()).
		Msg("session ready")
	return s, nil
}

// endpoint returns the base URL for the context, starting a tunnel first
// for kubernetes and ssh contexts.
func (s *session) endpoint(ctx context.Context) (string, error) {
	c := s.esCtx
	switch c.Type {
	case config.ContextTypeKubernetes:
		s.tunnel = tunnel.NewKubernetes(c.KubeContext, c.KubeNamespace, c.ESName, c.LocalPort, c.Port)
	case config.ContextTypeSSH:
		s.tunnel = tunnel.NewSSH(c.SSHUser, c.SSHHost, c.LocalPort, c.Port)
	default:
		u := url.URL{Scheme: c.Scheme, Host: net.JoinHostPort(c.Host, strconv.Itoa(c.Port))}
		return u.String(), nil
	}

	if err := s.tunnel.Start(ctx); err != nil {
		return "", fmt.Errorf("starting tunnel for context %s: %w", c.Name, err)
	}
	u := url.URL{Scheme: c.Scheme, Host: s.tunnel.Addr()}
	return u.String(), nil
}

// Close stops the tunnel, closes the store and logs the cache counters.
func (s *session) Close(ctx context.Context) {
	log := logging.FromContext(ctx)

	if summary, err := s.metrics.Summary(); err == nil && len(summary) > 0 {
		ev := log.Debug().Ctx(ctx).Str("component", "cache")
		for _, k := range cache.SummaryKeys(summary) {
			ev = ev.Float64(k, summary[k])
		}
		ev.Msg("cache summary")
	}

	if s.tunnel != nil {
		if err := s.tunnel.Stop(); err != nil {
			log.Warn().Ctx(ctx).Str("component", "cli").Err(err).Msg("stopping tunnel")
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Warn().Ctx(ctx).Str("component", "cli").Err(err).Msg("closing cache store")
		}
	}
}

// Perform sends one request through the client.
func (s *session) Perform(ctx context.Context, req *transport.Request) (*transport.Response, error) {
	return s.client.Perform(ctx, req)
}
