// Package hub wires authentication, spawning and proxying into the hub's HTTP surface
package hub

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/singleflight"

	"sdcc-bnl/nbhub/pkg/config"
	"sdcc-bnl/nbhub/services/hub/internal/auth"
	"sdcc-bnl/nbhub/services/hub/internal/authstate"
	"sdcc-bnl/nbhub/services/hub/internal/database"
	"sdcc-bnl/nbhub/services/hub/internal/proxy"
	"sdcc-bnl/nbhub/services/hub/internal/spawner"
)

//go:embed templates/*.html
var templateFiles embed.FS

var templates = template.Must(template.ParseFS(templateFiles, "templates/*.html"))

// touchInterval limits last_activity writes from proxied traffic
const touchInterval = time.Minute

type Options struct {
	Config   *config.Config
	Logger   *slog.Logger
	Auth     auth.Authenticator
	Spawner  spawner.Spawner
	Proxy    *proxy.Proxy
	Store    *database.Store
	Sessions *auth.Sessions
	Tokens   *auth.Tokens
	// Crypt is nil when auth state is disabled
	Crypt    *authstate.CryptKeeper
	Registry *prometheus.Registry
}

type Hub struct {
	cfg      *config.Config
	logger   *slog.Logger
	auth     auth.Authenticator
	spawner  spawner.Spawner
	proxy    *proxy.Proxy
	store    *database.Store
	sessions *auth.Sessions
	tokens   *auth.Tokens
	crypt    *authstate.CryptKeeper
	admins   auth.AdminSet
	metrics  *metrics
	registry *prometheus.Registry

	// base is the URL prefix without a trailing slash, empty for "/"
	base      string
	hubAPIURL string

	spawns singleflight.Group

	touchMu   sync.Mutex
	lastTouch map[string]time.Time
}

func New(opts Options) *Hub {
	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	h := &Hub{
		cfg:       opts.Config,
		logger:    opts.Logger,
		auth:      opts.Auth,
		spawner:   opts.Spawner,
		proxy:     opts.Proxy,
		store:     opts.Store,
		sessions:  opts.Sessions,
		tokens:    opts.Tokens,
		crypt:     opts.Crypt,
		admins:    auth.NewAdminSet(opts.Config.Authenticator.AdminUsers),
		registry:  registry,
		base:      strings.TrimSuffix(opts.Config.Hub.BaseURL, "/"),
		lastTouch: make(map[string]time.Time),
	}
	h.hubAPIURL = HubAPIURL(opts.Config.Hub, h.base)
	h.metrics = newMetrics(registry, func() float64 { return float64(len(h.spawner.List())) })
	return h
}

// HubAPIURL is the address single-user servers use to reach the hub API
func HubAPIURL(cfg config.HubConfig, base string) string {
	scheme, host, port := "http", "127.0.0.1", "8000"
	if u, err := url.Parse(cfg.BindURL); err == nil {
		if h, p, err := net.SplitHostPort(u.Host); err == nil {
			if h != "" && h != "0.0.0.0" && h != "::" {
				host = h
			}
			port = p
		}
	}
	if cfg.SSLCert != "" && cfg.SSLKey != "" {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s/hub/api", scheme, net.JoinHostPort(host, port), base)
}

func (h *Hub) url(path string) string {
	return h.base + path
}

// UserPrefix is the proxied URL prefix of name's server
func (h *Hub) UserPrefix(name string) string {
	return h.url("/user/" + name + "/")
}

func (h *Hub) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route(h.url("/hub"), func(r chi.Router) {
		r.Use(h.instrument)

		r.Get("/", h.handleHome)
		r.Get("/home", h.handleHome)
		r.Get("/login", h.handleLoginPage)
		r.Post("/login", h.handleLoginForm)
		r.Get("/oauth_login", h.handleOAuthLogin)
		r.Get("/oauth_callback", h.handleOAuthCallback)
		r.Get("/logout", h.handleLogout)
		r.Get("/spawn", h.handleSpawn)
		r.Post("/spawn", h.handleSpawn)
		r.Get("/health", h.handleHealth)
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))

		r.Route("/api", func(r chi.Router) {
			r.Use(h.requireAPIUser)
			r.Get("/user", h.handleWhoAmI)
			r.Get("/users", h.adminOnly(h.handleListUsers))
			r.Get("/users/{name}", h.selfOrAdmin(h.handleGetUser))
			r.Delete("/users/{name}", h.adminOnly(h.handleDeleteUser))
			r.Post("/users/{name}/server", h.selfOrAdmin(h.handleStartServer))
			r.Delete("/users/{name}/server", h.selfOrAdmin(h.handleStopServer))
			r.Get("/proxy", h.adminOnly(h.handleProxyRoutes))
		})
	})

	r.Handle(h.url("/user/{name}"), http.HandlerFunc(h.handleUserRedirect))
	r.Handle(h.url("/user/{name}/*"), http.HandlerFunc(h.handleUser))

	if h.base != "" {
		r.Get(h.base, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, h.url("/hub/"), http.StatusFound)
		})
	}
	r.Get(h.url("/"), func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, h.url("/hub/"), http.StatusFound)
	})
	return r
}

// Shutdown stops every single-user server and removes their routes
func (h *Hub) Shutdown(ctx context.Context) error {
	for _, srv := range h.spawner.List() {
		h.proxy.DeleteRoute(h.UserPrefix(srv.User))
	}
	return h.spawner.Shutdown(ctx)
}

// SpawnServer starts name's server and routes its prefix to it. Concurrent calls for one user share a
// single start.
func (h *Hub) SpawnServer(ctx context.Context, name string) (*spawner.Server, error) {
	v, err, shared := h.spawns.Do(name, func() (any, error) {
		// the start outlives whichever request triggered it
		spawnCtx := context.WithoutCancel(ctx)
		if h.cfg.Spawner.StartTimeout > 0 {
			var cancel context.CancelFunc
			spawnCtx, cancel = context.WithTimeout(spawnCtx, h.cfg.Spawner.StartTimeout)
			defer cancel()
		}

		token, err := h.tokens.Issue(name, 0)
		if err != nil {
			return nil, fmt.Errorf("issue api token: %w", err)
		}
		prefix := h.UserPrefix(name)

		start := time.Now()
		srv, err := h.spawner.Start(spawnCtx, spawner.Request{
			User:      name,
			APIToken:  token,
			HubAPIURL: h.hubAPIURL,
			BaseURL:   h.url("/"),
			Prefix:    prefix,
		})
		h.metrics.observeSpawn(err, time.Since(start))
		if err != nil {
			return nil, err
		}

		if err := h.proxy.AddRoute(prefix, srv.URL); err != nil {
			_ = h.spawner.Stop(spawnCtx, name)
			return nil, err
		}
		if err := h.store.Touch(spawnCtx, name); err != nil && !errors.Is(err, database.ErrNotFound) {
			h.logger.Warn("Failed to record activity", "user", name, "error", err)
		}
		return srv, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		h.logger.Debug("Joined pending spawn", "user", name)
	}
	return v.(*spawner.Server), nil
}

// StopServer removes the route and stops the server. ErrNoServer is returned when none is running.
func (h *Hub) StopServer(ctx context.Context, name string) error {
	h.proxy.DeleteRoute(h.UserPrefix(name))
	return h.spawner.Stop(ctx, name)
}

// serverFor reports the running server of name, dropping the route of one that exited
func (h *Hub) serverFor(ctx context.Context, name string) *spawner.Server {
	status, err := h.spawner.Poll(ctx, name)
	if err != nil || !status.Running {
		if err == nil {
			h.logger.Info("Single-user server stopped", "user", name, "exit_code", status.ExitCode)
			h.proxy.DeleteRoute(h.UserPrefix(name))
		}
		return nil
	}
	for _, srv := range h.spawner.List() {
		if srv.User == name {
			return &srv
		}
	}
	return nil
}

func (h *Hub) touch(ctx context.Context, name string) {
	h.touchMu.Lock()
	last := h.lastTouch[name]
	due := time.Since(last) >= touchInterval
	if due {
		h.lastTouch[name] = time.Now()
	}
	h.touchMu.Unlock()

	if due {
		if err := h.store.Touch(ctx, name); err != nil {
			h.logger.Debug("Failed to record activity", "user", name, "error", err)
		}
	}
}
