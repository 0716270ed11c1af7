package spawner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"sdcc-bnl/nbhub/pkg/config"
)

// envKeep lists hub environment variables passed through to single-user servers
var envKeep = []string{
	"PATH", "PYTHONPATH", "CONDA_ROOT", "CONDA_DEFAULT_ENV", "VIRTUAL_ENV",
	"LANG", "LC_ALL", "JUPYTERHUB_SINGLEUSER_APP",
}

// outputDelay bounds how long an exited server's output is drained
const outputDelay = 2 * time.Second

type localServer struct {
	server Server
	cmd    *exec.Cmd
	done   chan struct{}
}

// LocalProcess runs each server as a child process owned by the user's host account
type LocalProcess struct {
	cfg    config.SpawnerConfig
	logger *slog.Logger

	// stopGrace is how long Stop waits after SIGTERM before killing
	stopGrace  time.Duration
	lookupUser func(name string) (*user.User, error)

	mu      sync.Mutex
	servers map[string]*localServer
}

func NewLocalProcess(cfg config.SpawnerConfig, logger *slog.Logger) *LocalProcess {
	return &LocalProcess{
		cfg:        cfg,
		logger:     logger,
		stopGrace:  5 * time.Second,
		lookupUser: user.Lookup,
		servers:    make(map[string]*localServer),
	}
}

func (s *LocalProcess) running(name string) *localServer {
	ls := s.servers[name]
	if ls == nil {
		return nil
	}
	select {
	case <-ls.done:
		return nil
	default:
		return ls
	}
}

func (s *LocalProcess) Start(ctx context.Context, req Request) (*Server, error) {
	s.mu.Lock()
	if ls := s.running(req.User); ls != nil {
		s.mu.Unlock()
		srv := ls.server
		return &srv, nil
	}
	s.mu.Unlock()

	account, err := s.lookupUser(req.User)
	if err != nil {
		return nil, fmt.Errorf("lookup user %s: %w", req.User, err)
	}
	port, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("failed to find free port: %w", err)
	}

	argv := append(append([]string{}, s.cfg.Cmd...), s.cfg.Args...)
	argv = append(argv, "--ip=127.0.0.1", "--port="+strconv.Itoa(port))
	if s.cfg.NotebookDir != "" {
		argv = append(argv, "--notebook-dir="+s.cfg.NotebookDir)
	}
	if s.cfg.Debug {
		argv = append(argv, "--debug")
	}

	env := map[string]string{
		"HOME":  account.HomeDir,
		"USER":  account.Username,
		"SHELL": "/bin/bash",
	}
	for _, k := range envKeep {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	for k, v := range req.Environment() {
		env[k] = v
	}

	// Not bound to ctx: the server outlives the request that started it
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = envList(env)
	cmd.Dir = account.HomeDir
	if _, err := os.Stat(cmd.Dir); err != nil {
		cmd.Dir = ""
	}
	if err := setCredential(cmd, account); err != nil {
		return nil, err
	}

	// Wait stops waiting for output once the server has exited, even when a kernel it left behind
	// still holds the pipes
	cmd.WaitDelay = outputDelay
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	log := s.logger.With("user", req.User)
	log.Debug("Starting single-user server", "argv", argv, "port", port)
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil, fmt.Errorf("failed to start server: %w", err)
	}

	go forward(stdout, log, "stdout")
	go forward(stderr, log, "stderr")

	ls := &localServer{
		cmd:  cmd,
		done: make(chan struct{}),
		server: Server{
			User:    req.User,
			ID:      uuid.NewString(),
			URL:     fmt.Sprintf("http://127.0.0.1:%d", port),
			Started: time.Now(),
		},
	}
	go func() {
		err := cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		log.Info("Single-user server exited", "pid", cmd.Process.Pid, "error", err)
		close(ls.done)
	}()

	if err := waitForHTTP(ctx, ls.server.URL+req.Prefix, s.cfg.HTTPTimeout, ls.done); err != nil {
		_ = s.terminate(context.WithoutCancel(ctx), ls)
		return nil, err
	}

	s.mu.Lock()
	s.servers[req.User] = ls
	s.mu.Unlock()

	log.Info("Single-user server ready", "url", ls.server.URL, "pid", cmd.Process.Pid)
	srv := ls.server
	return &srv, nil
}

// forward copies child output line by line into the log
func forward(r io.Reader, log *slog.Logger, stream string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		log.Debug(sc.Text(), "stream", stream)
	}
	_, _ = io.Copy(io.Discard, r)
}

// terminate sends SIGTERM to the server's process group and kills the group if the server is still alive
// after the grace period or when ctx is done
func (s *LocalProcess) terminate(ctx context.Context, ls *localServer) error {
	p := ls.cmd.Process
	if err := terminateGroup(p); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Error sending SIGTERM to process group", "user", ls.server.User, "error", err)
	}

	grace := time.NewTimer(s.stopGrace)
	defer grace.Stop()
	select {
	case <-ls.done:
		// reap anything the server left running in its group
		_ = killGroup(p)
		return nil
	case <-grace.C:
		s.logger.Info("Timeout, force killing", "user", ls.server.User)
	case <-ctx.Done():
		s.logger.Info("Stop deadline reached, force killing", "user", ls.server.User)
	}

	if err := killGroup(p); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("Error force killing process group", "user", ls.server.User, "error", err)
	}
	select {
	case <-ls.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop server for %s: %w", ls.server.User, ctx.Err())
	}
}

func (s *LocalProcess) Stop(ctx context.Context, name string) error {
	s.mu.Lock()
	ls := s.servers[name]
	delete(s.servers, name)
	s.mu.Unlock()

	if ls == nil {
		return fmt.Errorf("%w for %s", ErrNoServer, name)
	}
	return s.terminate(ctx, ls)
}

func (s *LocalProcess) Poll(_ context.Context, name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls := s.servers[name]
	if ls == nil {
		return Status{}, fmt.Errorf("%w for %s", ErrNoServer, name)
	}
	select {
	case <-ls.done:
		delete(s.servers, name)
		return Status{ExitCode: ls.cmd.ProcessState.ExitCode()}, nil
	default:
		return Status{Running: true}, nil
	}
}

func (s *LocalProcess) List() []Server {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Server, 0, len(s.servers))
	for name := range s.servers {
		if ls := s.running(name); ls != nil {
			out = append(out, ls.server)
		}
	}
	return sortServers(out)
}

func (s *LocalProcess) Shutdown(ctx context.Context) error {
	var errs []error
	for _, srv := range s.List() {
		if err := s.Stop(ctx, srv.User); err != nil && !errors.Is(err, ErrNoServer) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
