// Package spawner starts, polls and stops single-user notebook servers
package spawner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"sdcc-bnl/nbhub/pkg/config"
	helpers "sdcc-bnl/nbhub/pkg/shared"
)

var (
	ErrNoServer  = errors.New("no server running")
	ErrNotReady  = errors.New("server did not become ready")
	ErrNoSpawner = errors.New("no spawner for class")
)

// Request describes a server to start for one user
type Request struct {
	User string
	// APIToken is handed to the server as JUPYTERHUB_API_TOKEN
	APIToken  string
	HubAPIURL string
	BaseURL   string
	// Prefix is the URL prefix the proxy routes to the server, e.g. /user/alice/
	Prefix string
	// Env is added to the server environment last
	Env map[string]string
}

type Server struct {
	User    string    `json:"user"`
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Started time.Time `json:"started"`
}

type Status struct {
	Running  bool
	ExitCode int
}

type Spawner interface {
	// Start returns the running server for req.User, starting one when there is none
	Start(ctx context.Context, req Request) (*Server, error)
	Stop(ctx context.Context, user string) error
	// Poll reports ErrNoServer when nothing was started for user
	Poll(ctx context.Context, user string) (Status, error)
	List() []Server
	// Shutdown stops every server
	Shutdown(ctx context.Context) error
}

// New builds the spawner for class, logging through a child of logger
func New(class config.SpawnerClass, cfg config.SpawnerConfig, logger *slog.Logger) (Spawner, error) {
	logger = helpers.ComponentLogger(logger, "spawner", cfg.Debug)
	switch class {
	case config.LocalProcessSpawner:
		return NewLocalProcess(cfg, logger), nil
	case config.DockerSpawner:
		return NewDocker(cfg, logger)
	}
	return nil, fmt.Errorf("%w %q", ErrNoSpawner, class)
}

// Environment is the process environment the hub gives every single-user server
func (r Request) Environment() map[string]string {
	env := map[string]string{
		"JUPYTERHUB_API_TOKEN":      r.APIToken,
		"JPY_API_TOKEN":             r.APIToken,
		"JUPYTERHUB_USER":           r.User,
		"JUPYTERHUB_CLIENT_ID":      "jupyterhub-user-" + r.User,
		"JUPYTERHUB_SERVICE_PREFIX": r.Prefix,
		"JUPYTERHUB_API_URL":        r.HubAPIURL,
		"JUPYTERHUB_BASE_URL":       r.BaseURL,
	}
	for k, v := range r.Env {
		env[k] = v
	}
	return env
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func sortServers(servers []Server) []Server {
	sort.Slice(servers, func(i, j int) bool { return servers[i].User < servers[j].User })
	return servers
}

// freePort asks the kernel for an unused loopback port
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer helpers.CloseOrLog(l)
	return l.Addr().(*net.TCPAddr).Port, nil
}

// waitForHTTP polls url until it answers with any HTTP response. exited aborts the wait early.
func waitForHTTP(ctx context.Context, url string, timeout time.Duration, exited <-chan struct{}) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := &http.Client{Timeout: time.Second}
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		if resp, err := client.Do(req); err == nil {
			helpers.CloseOrLog(resp.Body)
			return nil
		}

		select {
		case <-ticker.C:
		case <-exited:
			return fmt.Errorf("%w: process exited", ErrNotReady)
		case <-ctx.Done():
			return fmt.Errorf("%w at %s: %w", ErrNotReady, url, ctx.Err())
		}
	}
}
