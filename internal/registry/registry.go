// Package registry holds the set of dispatch targets built from configuration.
//
// A target is either a flat endpoint or one standin of a virtual deployment on
// an endpoint. Targets are immutable after startup except for the blocked-until
// timestamp, which the dispatcher advances when a backend signals throttling.
// Slice order equals declared configuration order and is the selection
// priority.
package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/powerproxy/powerproxy-aoai/internal/config"
)

// Kind distinguishes the two flavours of dispatch target.
type Kind int

const (
	KindEndpoint Kind = iota
	KindVirtualDeploymentStandin
)

const (
	// ConnectTimeout bounds dialing and request writing to the backend.
	ConnectTimeout = 5 * time.Second
	// ReadTimeout bounds waiting for the backend response.
	ReadTimeout = 120 * time.Second
)

// Target is a single dispatch unit.
type Target struct {
	ID                string
	Kind              Kind
	EndpointName      string
	VirtualDeployment string
	Standin           string

	// Scheme, Addr and PathPrefix are derived from the endpoint URL.
	Scheme     string
	Addr       string
	PathPrefix string

	// BackendKey replaces the caller's api-key header. Empty means the caller's
	// Authorization header passes through instead.
	BackendKey string

	// NonStreamingFraction is the admission probability for non-streaming
	// requests (1 = always admit).
	NonStreamingFraction float64

	// Mock, when set, short-circuits dispatch with a synthetic response.
	Mock *config.MockResponse

	client *fasthttp.HostClient

	blockedUntilMS atomic.Int64
}

// BlockedUntilMS returns the unix-millisecond timestamp before which the
// target must not be selected.
func (t *Target) BlockedUntilMS() int64 {
	return t.blockedUntilMS.Load()
}

// BlockUntil advances the blocked-until timestamp to untilMS. The timestamp
// only ever moves forward; concurrent throttle events keep the later value.
func (t *Target) BlockUntil(untilMS int64) {
	for {
		cur := t.blockedUntilMS.Load()
		if untilMS <= cur || t.blockedUntilMS.CompareAndSwap(cur, untilMS) {
			return
		}
	}
}

// Do issues the upstream request over the target's connection pool.
func (t *Target) Do(req *fasthttp.Request, resp *fasthttp.Response) error {
	return t.client.Do(req, resp)
}

// Registry is the ordered set of dispatch targets.
type Registry struct {
	targets []*Target
}

// New builds the registry from validated configuration. When mock_response is
// configured a single synthetic target replaces all endpoints.
func New(cfg *config.Config) (*Registry, error) {
	if cfg.AOAI.MockResponse != nil {
		return &Registry{targets: []*Target{{
			ID:                   "mock",
			Kind:                 KindEndpoint,
			EndpointName:         "mock",
			NonStreamingFraction: 1,
			Mock:                 cfg.AOAI.MockResponse,
		}}}, nil
	}

	r := &Registry{}
	for _, ep := range cfg.AOAI.Endpoints {
		scheme, addr, prefix, err := splitURL(ep.URL)
		if err != nil {
			return nil, fmt.Errorf("registry: endpoint %q: %w", ep.Name, err)
		}
		client := newHostClient(scheme, addr)

		if len(ep.VirtualDeployments) == 0 {
			r.targets = append(r.targets, &Target{
				ID:                   ep.Name,
				Kind:                 KindEndpoint,
				EndpointName:         ep.Name,
				Scheme:               scheme,
				Addr:                 addr,
				PathPrefix:           prefix,
				BackendKey:           ep.Key,
				NonStreamingFraction: fraction(ep.NonStreamingFraction),
				client:               client,
			})
			continue
		}

		// One target per (endpoint, virtual deployment, standin) tuple, in
		// declared order. All tuples of an endpoint share its connection pool.
		for _, vd := range ep.VirtualDeployments {
			for _, st := range vd.Standins {
				r.targets = append(r.targets, &Target{
					ID:                   ep.Name + "/" + vd.Name + "/" + st.Name,
					Kind:                 KindVirtualDeploymentStandin,
					EndpointName:         ep.Name,
					VirtualDeployment:    vd.Name,
					Standin:              st.Name,
					Scheme:               scheme,
					Addr:                 addr,
					PathPrefix:           prefix,
					BackendKey:           ep.Key,
					NonStreamingFraction: fraction(st.NonStreamingFraction),
					client:               client,
				})
			}
		}
	}

	return r, nil
}

// Targets returns the targets in selection-priority order. Callers must not
// mutate the slice.
func (r *Registry) Targets() []*Target {
	return r.targets
}

// Close releases idle backend connections.
func (r *Registry) Close() {
	seen := make(map[*fasthttp.HostClient]bool)
	for _, t := range r.targets {
		if t.client != nil && !seen[t.client] {
			seen[t.client] = true
			t.client.CloseIdleConnections()
		}
	}
}

func fraction(f *float64) float64 {
	if f == nil {
		return 1
	}
	return *f
}

// splitURL decomposes an endpoint URL into scheme, host:port and path prefix.
func splitURL(raw string) (scheme, addr, prefix string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", "", fmt.Errorf("parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return "", "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	addr = u.Host
	if _, _, splitErr := net.SplitHostPort(addr); splitErr != nil {
		if u.Scheme == "https" {
			addr = net.JoinHostPort(addr, "443")
		} else {
			addr = net.JoinHostPort(addr, "80")
		}
	}
	return u.Scheme, addr, strings.TrimRight(u.Path, "/"), nil
}

// newHostClient builds the long-lived connection pool for one endpoint.
// Response bodies are streamed so event streams can be forwarded line by line
// without buffering.
func newHostClient(scheme, addr string) *fasthttp.HostClient {
	return &fasthttp.HostClient{
		Addr:               addr,
		IsTLS:              scheme == "https",
		ReadTimeout:        ReadTimeout,
		WriteTimeout:       ConnectTimeout,
		StreamResponseBody: true,
		Dial: func(addr string) (net.Conn, error) {
			return fasthttp.DialTimeout(addr, ConnectTimeout)
		},
	}
}
