package spawner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"sdcc-bnl/nbhub/pkg/config"
)

const containerPort = "8888"

type containerSpec struct {
	Name     string
	Image    string
	Cmd      []string
	Env      []string
	HostPort int
	Network  string
	Labels   map[string]string
}

// containerRuntime is the part of the Docker API the spawner drives
type containerRuntime interface {
	Pull(ctx context.Context, ref string) error
	Run(ctx context.Context, spec containerSpec) (string, error)
	// Wait delivers the exit code once the container stops
	Wait(ctx context.Context, id string) (<-chan int64, <-chan error)
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string) error
}

type dockerRuntime struct {
	cli *client.Client
}

func (d *dockerRuntime) Pull(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	pullCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	reader, err := d.cli.ImagePull(pullCtx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer func() { _ = reader.Close() }()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerRuntime) Run(ctx context.Context, spec containerSpec) (string, error) {
	port := nat.Port(containerPort + "/tcp")
	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(spec.HostPort)}},
		},
	}
	if spec.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(spec.Network)
	}

	resp, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return resp.ID, fmt.Errorf("start failed: %w", err)
	}
	return resp.ID, nil
}

func (d *dockerRuntime) Wait(ctx context.Context, id string) (<-chan int64, <-chan error) {
	codes := make(chan int64, 1)
	errs := make(chan error, 1)
	statusCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	go func() {
		select {
		case status := <-statusCh:
			codes <- status.StatusCode
		case err := <-errCh:
			errs <- err
		}
	}()
	return codes, errs
}

func (d *dockerRuntime) Stop(ctx context.Context, id string, grace time.Duration) error {
	secs := int(grace.Seconds())
	return d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs})
}

func (d *dockerRuntime) Remove(ctx context.Context, id string) error {
	return d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: true})
}

type dockerServer struct {
	server      Server
	containerID string
	done        chan struct{}
	exitCode    int64
}

// Docker runs each server in its own container with the notebook port bound to loopback
type Docker struct {
	cfg     config.SpawnerConfig
	logger  *slog.Logger
	runtime containerRuntime

	mu      sync.Mutex
	servers map[string]*dockerServer
}

func NewDocker(cfg config.SpawnerConfig, logger *slog.Logger) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker not available: %w", err)
	}
	return newDockerWith(cfg, logger, &dockerRuntime{cli: cli}), nil
}

func newDockerWith(cfg config.SpawnerConfig, logger *slog.Logger, rt containerRuntime) *Docker {
	return &Docker{cfg: cfg, logger: logger, runtime: rt, servers: make(map[string]*dockerServer)}
}

func containerName(name string) string {
	return "jupyter-" + name
}

func (s *Docker) running(name string) *dockerServer {
	ds := s.servers[name]
	if ds == nil {
		return nil
	}
	select {
	case <-ds.done:
		return nil
	default:
		return ds
	}
}

func (s *Docker) Start(ctx context.Context, req Request) (*Server, error) {
	s.mu.Lock()
	if ds := s.running(req.User); ds != nil {
		s.mu.Unlock()
		srv := ds.server
		return &srv, nil
	}
	s.mu.Unlock()

	log := s.logger.With("user", req.User, "image", s.cfg.Docker.Image)
	if err := s.runtime.Pull(ctx, s.cfg.Docker.Image); err != nil {
		return nil, err
	}

	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port: %w", err)
	}

	argv := append(append([]string{}, s.cfg.Cmd...), s.cfg.Args...)
	argv = append(argv, "--ip=0.0.0.0", "--port="+containerPort)
	if s.cfg.NotebookDir != "" {
		argv = append(argv, "--notebook-dir="+s.cfg.NotebookDir)
	}
	if s.cfg.Debug {
		argv = append(argv, "--debug")
	}

	// a stale container from an earlier hub run would hold the name
	_ = s.runtime.Remove(ctx, containerName(req.User))

	id, err := s.runtime.Run(ctx, containerSpec{
		Name:     containerName(req.User),
		Image:    s.cfg.Docker.Image,
		Cmd:      argv,
		Env:      envList(req.Environment()),
		HostPort: port,
		Network:  s.cfg.Docker.Network,
		Labels:   map[string]string{"nbhub.user": req.User},
	})
	if err != nil {
		if id != "" {
			_ = s.runtime.Remove(context.WithoutCancel(ctx), id)
		}
		return nil, err
	}
	log.Debug("Started container", "container", id, "port", port)

	ds := &dockerServer{
		containerID: id,
		done:        make(chan struct{}),
		server: Server{
			User:    req.User,
			ID:      uuid.NewString(),
			URL:     fmt.Sprintf("http://127.0.0.1:%d", port),
			Started: time.Now(),
		},
	}
	codes, errs := s.runtime.Wait(context.Background(), id)
	go func() {
		select {
		case code := <-codes:
			ds.exitCode = code
		case err := <-errs:
			log.Warn("Error waiting for container", "error", err)
			ds.exitCode = -1
		}
		close(ds.done)
	}()

	if err := waitForHTTP(ctx, ds.server.URL+req.Prefix, s.cfg.HTTPTimeout, ds.done); err != nil {
		_ = s.remove(context.WithoutCancel(ctx), ds)
		return nil, err
	}

	s.mu.Lock()
	s.servers[req.User] = ds
	s.mu.Unlock()

	log.Info("Container server ready", "url", ds.server.URL)
	srv := ds.server
	return &srv, nil
}

// remove stops and removes the container. A failed stop is logged and removal is still forced.
func (s *Docker) remove(ctx context.Context, ds *dockerServer) error {
	if err := s.runtime.Stop(ctx, ds.containerID, 5*time.Second); err != nil {
		s.logger.Warn("Error stopping container", "container", ds.containerID, "error", err)
	}
	if err := s.runtime.Remove(ctx, ds.containerID); err != nil {
		s.logger.Error("Error removing container", "container", ds.containerID, "error", err)
		return fmt.Errorf("remove container for %s: %w", ds.server.User, err)
	}
	return nil
}

func (s *Docker) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	ds := s.servers[name]
	delete(s.servers, name)
	s.mu.Unlock()

	if ds == nil {
		return fmt.Errorf("%w for %s", ErrNoServer, name)
	}
	return s.remove(ctx, ds)
}

func (s *Docker) Poll(_ context.Context, name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ds := s.servers[name]
	if ds == nil {
		return Status{}, fmt.Errorf("%w for %s", ErrNoServer, name)
	}
	select {
	case <-ds.done:
		delete(s.servers, name)
		return Status{ExitCode: int(ds.exitCode)}, nil
	default:
		return Status{Running: true}, nil
	}
}

func (s *Docker) List() []Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Server, 0, len(s.servers))
	for name := range s.servers {
		if ds := s.running(name); ds != nil {
			out = append(out, ds.server)
		}
	}
	return sortServers(out)
}

func (s *Docker) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range s.List() {
		if err := s.Stop(ctx, srv.User); err != nil && !errors.Is(err, ErrNoServer) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
