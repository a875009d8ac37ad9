package destination

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/consul/api"

	"github.com/c360/edgegate/errors"
)

// ConsulConfig locates the Consul agent used for consul:// targets. Empty
// fields fall back to the CONSUL_HTTP_* environment and agent defaults.
type ConsulConfig struct {
	Address    string `json:"address,omitempty"`
	Datacenter string `json:"datacenter,omitempty"`
	Token      string `json:"token,omitempty"`
	// Tag restricts instances to those carrying the tag
	Tag string `json:"tag,omitempty"`
	// InstanceScheme is used to call resolved instances: http or https
	InstanceScheme string `json:"instance_scheme,omitempty"`
	// RefreshInterval bounds how long a resolved instance list is reused
	RefreshInterval time.Duration `json:"refresh_interval,omitempty"`
}

// DefaultConsulConfig calls instances over http and refreshes every 5s
func DefaultConsulConfig() ConsulConfig {
	return ConsulConfig{InstanceScheme: "http", RefreshInterval: 5 * time.Second}
}

// healthCatalog is the part of the Consul health API used here
type healthCatalog interface {
	Service(service, tag string, passingOnly bool, q *api.QueryOptions) ([]*api.ServiceEntry, *api.QueryMeta, error)
}

// Consul resolves consul://<service>/<base> targets to a passing instance of
// the service and forwards the call through an HTTP destination. Instances
// are picked round-robin.
type Consul struct {
	catalog healthCatalog
	http    *HTTP
	cfg     ConsulConfig
	now     func() time.Time
	logger  *slog.Logger

	mu        sync.Mutex
	instances map[string]resolved
}

type resolved struct {
	addrs     []string
	fetchedAt time.Time
	next      int
}

// NewConsul connects to the Consul agent described by cfg
func NewConsul(cfg ConsulConfig, upstream *HTTP, logger *slog.Logger) (*Consul, error) {
	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}
	if cfg.Datacenter != "" {
		apiCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		apiCfg.Token = cfg.Token
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, errors.WrapInvalid(err, "destination", "NewConsul", "create consul client")
	}
	return newConsul(client.Health(), upstream, cfg, logger), nil
}

func newConsul(catalog healthCatalog, upstream *HTTP, cfg ConsulConfig, logger *slog.Logger) *Consul {
	defaults := DefaultConsulConfig()
	if cfg.InstanceScheme == "" {
		cfg.InstanceScheme = defaults.InstanceScheme
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Consul{
		catalog:   catalog,
		http:      upstream,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With("component", "destination", "destination", "consul"),
		instances: make(map[string]resolved),
	}
}

// Name implements Destination
func (c *Consul) Name() string { return "consul" }

// Do implements Destination
func (c *Consul) Do(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.Route.TargetBase)
	if err != nil || u.Scheme != "consul" || u.Host == "" {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("invalid consul target %q", req.Route.TargetBase)}
	}

	addr, err := c.pick(ctx, u.Host)
	if err != nil {
		return nil, err
	}

	forwarded := *req
	forwarded.Route.TargetBase = c.cfg.InstanceScheme + "://" + addr + u.Path
	resp, err := c.http.Do(ctx, &forwarded)
	if err != nil {
		de := AsError(err)
		if de.Kind == KindUnavailable || de.Kind == KindTransport {
			// Drop the cached list so the next call sees fresh health
			c.invalidate(u.Host)
		}
		return nil, de
	}
	return resp, nil
}

func (c *Consul) pick(ctx context.Context, service string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.instances[service]
	if !ok || c.now().Sub(r.fetchedAt) >= c.cfg.RefreshInterval {
		addrs, err := c.lookup(ctx, service)
		if err != nil {
			return "", err
		}
		r = resolved{addrs: addrs, fetchedAt: c.now(), next: r.next}
	}

	addr := r.addrs[r.next%len(r.addrs)]
	r.next++
	c.instances[service] = r
	return addr, nil
}

func (c *Consul) lookup(ctx context.Context, service string) ([]string, error) {
	entries, _, err := c.catalog.Service(service, c.cfg.Tag, true, (&api.QueryOptions{}).WithContext(ctx))
	if err != nil {
		c.logger.Warn("Consul lookup failed", "service", service, "error", err)
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("%w: consul lookup %s: %w", errors.ErrUpstreamUnreachable, service, err)}
	}

	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" || e.Service.Port == 0 {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	if len(addrs) == 0 {
		return nil, &Error{Kind: KindUnavailable, Err: fmt.Errorf("%w: no passing instances of %s", errors.ErrUpstreamUnreachable, service)}
	}
	return addrs, nil
}

func (c *Consul) invalidate(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.instances[service]; ok {
		r.fetchedAt = time.Time{}
		c.instances[service] = r
	}
}
