// Package proxy routes /user/<name>/ requests to single-user servers
package proxy

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"sdcc-bnl/nbhub/pkg/config"
	helpers "sdcc-bnl/nbhub/pkg/shared"
)

var ErrNoRoute = errors.New("no route")

type route struct {
	target  *url.URL
	handler *httputil.ReverseProxy
}

// Proxy is a prefix routing table in front of reverse proxies. Websocket upgrades pass through.
type Proxy struct {
	logger *slog.Logger
	debug  bool

	mu     sync.RWMutex
	routes map[string]*route
}

func New(cfg config.ProxyConfig, logger *slog.Logger) *Proxy {
	return &Proxy{
		logger: helpers.ComponentLogger(logger, "proxy", cfg.Debug),
		debug:  cfg.Debug,
		routes: make(map[string]*route),
	}
}

func normalizePrefix(prefix string) string {
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}

// AddRoute sends requests under prefix to target, replacing any existing route for prefix
func (p *Proxy) AddRoute(prefix, target string) error {
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid proxy target %q", target)
	}
	prefix = normalizePrefix(prefix)

	rp := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(u)
			r.SetXForwarded()
			r.Out.Host = r.In.Host
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.logger.Error("Proxy error", "prefix", prefix, "target", u.String(), "path", r.URL.Path, "error", err)
			http.Error(w, "Bad gateway", http.StatusBadGateway)
		},
	}

	p.mu.Lock()
	p.routes[prefix] = &route{target: u, handler: rp}
	p.mu.Unlock()

	p.logger.Info("Added route", "prefix", prefix, "target", u.String())
	return nil
}

func (p *Proxy) DeleteRoute(prefix string) {
	prefix = normalizePrefix(prefix)
	p.mu.Lock()
	_, ok := p.routes[prefix]
	delete(p.routes, prefix)
	p.mu.Unlock()
	if ok {
		p.logger.Info("Deleted route", "prefix", prefix)
	}
}

// Routes returns a copy of the routing table, prefix to target
func (p *Proxy) Routes() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.routes))
	for prefix, r := range p.routes {
		out[prefix] = r.target.String()
	}
	return out
}

// match returns the route with the longest prefix of path
func (p *Proxy) match(path string) (string, *route) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	prefixes := make([]string, 0, len(p.routes))
	for prefix := range p.routes {
		prefixes = append(prefixes, prefix)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })

	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(path, prefix) {
			return prefix, p.routes[prefix]
		}
	}
	return "", nil
}

// Has reports whether a request for path would be routed
func (p *Proxy) Has(path string) bool {
	_, r := p.match(path)
	return r != nil
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	prefix, rt := p.match(r.URL.Path)
	if rt == nil {
		p.logger.Debug("No route", "path", r.URL.Path)
		http.Error(w, ErrNoRoute.Error(), http.StatusServiceUnavailable)
		return
	}

	if !p.debug {
		rt.handler.ServeHTTP(w, r)
		return
	}

	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	rt.handler.ServeHTTP(rec, r)
	p.logger.Debug("Proxied request",
		"method", r.Method,
		"path", r.URL.Path,
		"prefix", prefix,
		"target", rt.target.String(),
		"upgrade", r.Header.Get("Upgrade"),
		"status", rec.status,
		"duration", time.Since(start),
	)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach Hijack for websocket upgrades
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}
