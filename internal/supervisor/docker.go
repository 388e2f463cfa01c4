package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerLauncher starts workers as containers, publishing the worker port on
// the host address from the launch spec.
type DockerLauncher struct {
	inner  *client.Client
	logger *slog.Logger
}

// NewDockerLauncher creates a Docker-backed launcher using environment
// defaults, optionally overriding the daemon host.
func NewDockerLauncher(host string, logger *slog.Logger) (*DockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerLauncher{inner: inner, logger: logger.With("component", "docker_launcher")}, nil
}

// Ping validates connectivity to the Docker daemon.
func (l *DockerLauncher) Ping(ctx context.Context) error {
	ping, err := l.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases resources held by the Docker client.
func (l *DockerLauncher) Close() error {
	if l.inner == nil {
		return nil
	}
	return l.inner.Close()
}

// Launch replaces any leftover container for the module and starts a fresh one.
func (l *DockerLauncher) Launch(ctx context.Context, spec Spec) (Process, error) {
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}
	hostIP, port, err := net.SplitHostPort(spec.Addr)
	if err != nil {
		return nil, fmt.Errorf("parse worker addr %q: %w", spec.Addr, err)
	}
	containerPort, err := nat.NewPort("tcp", port)
	if err != nil {
		return nil, fmt.Errorf("container port: %w", err)
	}
	name := "morphlink-" + string(spec.Module)
	if err := l.remove(ctx, name); err != nil {
		return nil, err
	}

	// Inside the container the worker listens on all interfaces.
	inContainer := spec
	inContainer.Addr = ":" + port
	config := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Args,
		Env:          workerEnv(inContainer),
		ExposedPorts: nat.PortSet{containerPort: struct{}{}},
		Labels:       map[string]string{"morphlink.module": string(spec.Module)},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			containerPort: []nat.PortBinding{{HostIP: hostIP, HostPort: port}},
		},
	}

	created, err := l.inner.ContainerCreate(ctx, config, hostCfg, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	if err := l.inner.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = l.remove(context.Background(), created.ID)
		return nil, fmt.Errorf("container start: %w", err)
	}

	p := &containerProcess{id: created.ID, launcher: l, done: make(chan struct{})}
	go p.watch(spec)
	return p, nil
}

func (l *DockerLauncher) remove(ctx context.Context, name string) error {
	if err := l.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

type containerProcess struct {
	id       string
	launcher *DockerLauncher
	done     chan struct{}
}

// watch closes done once the container stops running.
func (p *containerProcess) watch(spec Spec) {
	defer close(p.done)
	statusCh, errCh := p.launcher.inner.ContainerWait(context.Background(), p.id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil && !client.IsErrNotFound(err) {
			p.launcher.logger.Warn("container wait failed", "module", spec.Module, "id", p.id, "error", err)
		}
	case status := <-statusCh:
		p.launcher.logger.Info("worker container exited", "module", spec.Module, "id", p.id, "status", status.StatusCode)
	}
}

func (p *containerProcess) ID() string {
	if len(p.id) > 12 {
		return p.id[:12]
	}
	return p.id
}

func (p *containerProcess) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Stop asks Docker for a graceful stop bounded by ctx, then removes the container.
func (p *containerProcess) Stop(ctx context.Context) error {
	var timeout *int
	if deadline, ok := ctx.Deadline(); ok {
		secs := int(time.Until(deadline) / time.Second)
		timeout = &secs
	}
	if err := p.launcher.inner.ContainerStop(ctx, p.id, container.StopOptions{Timeout: timeout}); err != nil && !client.IsErrNotFound(err) {
		p.launcher.logger.Warn("container stop failed, forcing removal", "id", p.id, "error", err)
	}
	return p.launcher.remove(context.Background(), p.id)
}
